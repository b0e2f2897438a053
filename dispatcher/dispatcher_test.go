package dispatcher

import (
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ldmgo/ldm/internal/ldmconfig"
	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
)

func newDispatcherTestQueue(t *testing.T) *pq.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := pq.Create(nil, path, 1<<20, 256, 0o600, pq.FlagClobber)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestCompileTableRejectsUnknownAction(t *testing.T) {
	_, err := CompileTable([]ldmconfig.DispatcherRule{{Pattern: ".*", Action: "carrier-pigeon", Target: "x"}})
	require.Error(t, err)
}

func TestCompileTableRejectsBadPattern(t *testing.T) {
	_, err := CompileTable([]ldmconfig.DispatcherRule{{Pattern: "(unterminated", Action: "file", Target: "x"}})
	require.Error(t, err)
}

func TestRunWritesFileActionForMatchedProduct(t *testing.T) {
	q := newDispatcherTestQueue(t)
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "$identity.dat")

	d, err := New(nil, q, nil, []ldmconfig.DispatcherRule{
		{Pattern: `^KXYZ/`, Action: "file", Target: outPath},
	})
	require.NoError(t, err)

	go d.Run()
	defer d.Stop()

	info := xdr.Info{Signature: md5.Sum([]byte("dispatch-1")), Feedtype: 1, Identity: "KXYZ/TEST"}
	require.NoError(t, q.InsertNoSignal(info, []byte("body")))

	expanded := filepath.Join(outDir, "KXYZ/TEST.dat")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(expanded)
		return err == nil && string(b) == "body"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRunSkipsNonMatchingIdentity(t *testing.T) {
	q := newDispatcherTestQueue(t)
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "$identity.dat")

	d, err := New(nil, q, nil, []ldmconfig.DispatcherRule{
		{Pattern: `^KXYZ/`, Action: "file", Target: outPath},
	})
	require.NoError(t, err)

	go d.Run()
	defer d.Stop()

	info := xdr.Info{Signature: md5.Sum([]byte("dispatch-2")), Feedtype: 1, Identity: "OTHER/TEST"}
	require.NoError(t, q.InsertNoSignal(info, []byte("body")))

	time.Sleep(900 * time.Millisecond)
	_, err = os.Stat(filepath.Join(outDir, "OTHER/TEST.dat"))
	require.True(t, os.IsNotExist(err))
}

func TestReloadRejectsInvalidTableKeepingPrevious(t *testing.T) {
	q := newDispatcherTestQueue(t)
	outDir := t.TempDir()

	d, err := New(nil, q, nil, []ldmconfig.DispatcherRule{
		{Pattern: `.*`, Action: "file", Target: filepath.Join(outDir, "$identity.dat")},
	})
	require.NoError(t, err)

	err = d.Reload([]ldmconfig.DispatcherRule{{Pattern: "(bad", Action: "file", Target: "x"}})
	require.Error(t, err)

	d.mu.RLock()
	ruleCount := len(d.table)
	d.mu.RUnlock()
	require.Equal(t, 1, ruleCount)
}
