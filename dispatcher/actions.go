// Package dispatcher implements the Per-Product Action Dispatcher (C7,
// spec.md §4.7): a long-lived consumer that matches every newly-arrived
// product against a reloadable table of (regex, action) rules.
package dispatcher

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ldmgo/ldm/internal/ldmconfig"
	"github.com/ldmgo/ldm/internal/xdr"
)

// Action is one dispatcher side effect, run once per matched product
// (spec.md §4.7: "actions are described abstractly: file, pipe-to-child,
// exec").
type Action interface {
	// Run executes the action against a matched product. name is the
	// already-expanded target string (see expandTarget).
	Run(name string, data []byte) error
	// Validate re-checks the action's syntactic validity, called once at
	// startup and on every reload (spec.md §4.7).
	Validate() error
}

// FileAction writes the product's data to a path derived from its
// identity.
type FileAction struct {
	Target string
}

func (a FileAction) Validate() error {
	if a.Target == "" {
		return fmt.Errorf("dispatcher: file action: empty target")
	}
	return nil
}

func (a FileAction) Run(name string, data []byte) error {
	if err := os.MkdirAll(dirOf(name), 0o755); err != nil {
		return fmt.Errorf("dispatcher: file action: mkdir: %w", err)
	}
	return os.WriteFile(name, data, 0o644)
}

func dirOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "."
	}
	return path[:i]
}

// PipeAction writes the product's data to a freshly exec'd child's stdin.
type PipeAction struct {
	Target string
}

func (a PipeAction) Validate() error {
	if a.Target == "" {
		return fmt.Errorf("dispatcher: pipe action: empty target")
	}
	return nil
}

func (a PipeAction) Run(name string, data []byte) error {
	cmd := exec.Command("/bin/sh", "-c", name)
	cmd.Stdin = strings.NewReader(string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ExecAction execs the expanded target, split on whitespace into a
// program and its arguments, with the product's data as stdin, without
// a shell.
type ExecAction struct {
	Target string
}

func (a ExecAction) Validate() error {
	fields := strings.Fields(a.Target)
	if len(fields) == 0 {
		return fmt.Errorf("dispatcher: exec action: empty target")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return fmt.Errorf("dispatcher: exec action: %w", err)
	}
	return nil
}

func (a ExecAction) Run(name string, data []byte) error {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return fmt.Errorf("dispatcher: exec action: empty expanded target")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Stdin = strings.NewReader(string(data))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Rule pairs a compiled identity pattern with the action to run when it
// matches (spec.md §4.7).
type Rule struct {
	Pattern *regexp.Regexp
	Action  Action
}

// CompileTable builds a rule table from configuration, validating every
// action up front (spec.md §4.7: "may be re-checked for syntactic
// validity at startup").
func CompileTable(rules []ldmconfig.DispatcherRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: rule pattern %q: %w", r.Pattern, err)
		}
		action, err := buildAction(r.Action, r.Target)
		if err != nil {
			return nil, err
		}
		if err := action.Validate(); err != nil {
			return nil, err
		}
		out = append(out, Rule{Pattern: pattern, Action: action})
	}
	return out, nil
}

func buildAction(kind, target string) (Action, error) {
	switch kind {
	case "file":
		return FileAction{Target: target}, nil
	case "pipe":
		return PipeAction{Target: target}, nil
	case "exec":
		return ExecAction{Target: target}, nil
	default:
		return nil, fmt.Errorf("dispatcher: unknown action kind %q", kind)
	}
}

// expandTarget substitutes $identity and $feedtype in an action's target
// string, the way the rule table addresses a specific product instance.
func expandTarget(target string, info xdr.Info) string {
	r := strings.NewReplacer(
		"$identity", info.Identity,
		"$feedtype", fmt.Sprintf("%d", info.Feedtype),
	)
	return r.Replace(target)
}
