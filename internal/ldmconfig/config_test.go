package ldmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesQueueAndDownstreamSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ldmd.yml")
	yaml := `
queue:
  path: /var/ldm/queue.pq
  byte_capacity: 1073741824
  slot_capacity: 200000
upstream:
  enabled: true
  listen: ":388"
downstream:
  - host: upstream.example.org
    feed: CONDUIT
    feedtype_mask: 4294967295
    pattern: ".*"
    backoff: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	s, err := Load(path, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1073741824, s.Queue.ByteCapacity)
	require.EqualValues(t, 200000, s.Queue.SlotCapacity)
	require.True(t, s.Upstream.Enabled)
	require.Equal(t, ":388", s.Upstream.Listen)
	require.Len(t, s.Downstream, 1)
	require.Equal(t, "CONDUIT", s.Downstream[0].Feed)
}

func TestLoadWithoutPathReturnsZeroValue(t *testing.T) {
	s, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, Settings{}, s)
}
