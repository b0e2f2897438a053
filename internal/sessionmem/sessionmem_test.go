package sessionmem

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "upstream.example.org", "CONDUIT")

	rec := Record{
		LastSignature:     xdr.Signature{0xde, 0xad, 0xbe, 0xef},
		LastInsertionTime: time.Unix(1700000000, 0),
		SessionStart:      time.Unix(1699999000, 0),
	}
	require.NoError(t, Save(path, rec))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, rec.LastSignature, got.LastSignature)
	require.Equal(t, rec.LastInsertionTime.Unix(), got.LastInsertionTime.Unix())
	require.Equal(t, rec.SessionStart.Unix(), got.SessionStart.Unix())
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(filepath.Join(dir, "nonexistent.session"))
	require.NoError(t, err)
	require.Equal(t, Record{}, got)
}
