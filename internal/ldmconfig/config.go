// Package ldmconfig loads LDM-Go's daemon configuration the way the
// teacher's cmd/instance loads a beat's: a go-ucfg typed tree
// (elastic-agent-libs/config) read from YAML, with pflag-provided "-E
// key=value" overrides merged on top (cmd/instance/settings.go,
// scripts/cmd/stress_pipeline/main.go).
package ldmconfig

import (
	"fmt"
	"time"

	conf "github.com/elastic/elastic-agent-libs/config"
	"github.com/elastic/elastic-agent-libs/paths"
	"github.com/spf13/pflag"
)

// QueueConfig configures C1/C2 queue creation and opening.
type QueueConfig struct {
	Path         paths.Path `config:"path"`
	ByteCapacity uint64     `config:"byte_capacity"`
	SlotCapacity uint64     `config:"slot_capacity"`
	Clobber      bool       `config:"clobber"`
	Threadsafe   bool       `config:"threadsafe"`
}

// UpstreamConfig configures the ULDM RPC listener (C4).
type UpstreamConfig struct {
	Enabled bool   `config:"enabled"`
	Listen  string `config:"listen"`
}

// DownstreamSubscription configures one DLDM feed subscription (C5).
type DownstreamSubscription struct {
	Host            string        `config:"host"`
	Feed            string        `config:"feed"`
	FeedtypeMask    uint32        `config:"feedtype_mask"`
	Pattern         string        `config:"pattern"`
	SessionDir      paths.Path    `config:"session_dir"`
	Backoff         time.Duration `config:"backoff"`
	UpstreamAddress string        `config:"upstream_address"`
	ListenAddress   string        `config:"listen_address"`
}

// MSMConfig configures the multicast sender manager (C6).
type MSMConfig struct {
	Enabled       bool   `config:"enabled"`
	SenderProgram string `config:"sender_program"`
}

// DispatcherRule configures one C7 action-table entry.
type DispatcherRule struct {
	Pattern string `config:"pattern"`
	Action  string `config:"action"` // "file", "pipe", or "exec"
	Target  string `config:"target"`
}

// DispatcherConfig configures C7.
type DispatcherConfig struct {
	Enabled bool             `config:"enabled"`
	Rules   []DispatcherRule `config:"rules"`
}

// Settings is the top-level configuration tree for cmd/ldmd.
type Settings struct {
	Queue       QueueConfig              `config:"queue"`
	Upstream    UpstreamConfig           `config:"upstream"`
	Downstream  []DownstreamSubscription `config:"downstream"`
	MSM         MSMConfig                `config:"msm"`
	Dispatcher  DispatcherConfig         `config:"dispatcher"`
	LogLevel    string                   `config:"log_level"`
	LogDest     string                   `config:"log_destination"`
}

// RegisterFlags installs the "-E key=value" override flag on fs, the same
// convention cmd/instance and stress_pipeline use.
func RegisterFlags(fs *pflag.FlagSet) *conf.C {
	return conf.SettingFlag(fs, "E", "Configuration overwrite")
}

// Load reads path (if non-empty), merges overrides on top, and unpacks
// into Settings. overrides may be nil.
func Load(path string, overrides *conf.C) (Settings, error) {
	var s Settings
	var c *conf.C
	var err error
	if path != "" {
		c, err = conf.LoadFile(path)
		if err != nil {
			return s, fmt.Errorf("ldmconfig: load %s: %w", path, err)
		}
	} else {
		c = conf.NewConfig()
	}
	if overrides != nil {
		if err := c.Merge(overrides); err != nil {
			return s, fmt.Errorf("ldmconfig: merge overrides: %w", err)
		}
	}
	if err := c.Unpack(&s); err != nil {
		return s, fmt.Errorf("ldmconfig: unpack: %w", err)
	}
	return s, nil
}
