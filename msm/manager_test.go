package msm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msm.table")
	m, err := Open(nil, path, 8)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddPotentialRejectsConflictingFeedtype(t *testing.T) {
	m := newTestManager(t)

	res, err := m.AddPotential(Entry{Feedtype: 0x01, Port: 5001, MulticastGroup: "224.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, OK, res)

	res, err = m.AddPotential(Entry{Feedtype: 0x03, Port: 5002, MulticastGroup: "224.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, DUP, res)
}

func TestAddPotentialAllowsDisjointFeedtypes(t *testing.T) {
	m := newTestManager(t)

	res, err := m.AddPotential(Entry{Feedtype: 0x01, Port: 5001, MulticastGroup: "224.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, OK, res)

	res, err = m.AddPotential(Entry{Feedtype: 0x02, Port: 5002, MulticastGroup: "224.0.0.2"})
	require.NoError(t, err)
	require.Equal(t, OK, res)
}

func TestAddPotentialTableFullReturnsSYS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msm.table")
	m, err := Open(nil, path, 1)
	require.NoError(t, err)
	defer m.Close()

	res, err := m.AddPotential(Entry{Feedtype: 0x01})
	require.NoError(t, err)
	require.Equal(t, OK, res)

	res, err = m.AddPotential(Entry{Feedtype: 0x02})
	require.Error(t, err)
	require.Equal(t, SYS, res)
}

func TestEnsureRunningSpawnsOnceForUnregisteredFeedtype(t *testing.T) {
	m := newTestManager(t)

	spawns := 0
	spawner := func(portFD int) (string, []string) {
		spawns++
		return "/bin/true", nil
	}

	entry, err := m.EnsureRunning(0x01, spawner)
	// /bin/true exits immediately and never writes a port, so the port
	// read hits end-of-file and EnsureRunning fails; the test only
	// exercises that EnsureRunning attempts to spawn exactly once per
	// still-unregistered feedtype.
	_ = entry
	require.Error(t, err)
	require.Equal(t, 1, spawns)
}

func TestTerminatedRemovesEntry(t *testing.T) {
	m := newTestManager(t)

	res, err := m.AddPotential(Entry{Feedtype: 0x01, PID: int32(os.Getpid())})
	require.NoError(t, err)
	require.Equal(t, OK, res)

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, m.Terminated(int32(os.Getpid())))

	entries, err = m.List()
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestListPrunesDeadPID(t *testing.T) {
	m := newTestManager(t)

	// A pid that is very unlikely to be alive.
	res, err := m.AddPotential(Entry{Feedtype: 0x01, PID: 1 << 30})
	require.NoError(t, err)
	require.Equal(t, OK, res)

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 0)
}
