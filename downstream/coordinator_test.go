package downstream

import (
	"crypto/md5"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ldmgo/ldm/internal/xdr"
	"github.com/ldmgo/ldm/pq"
	ldmrpc "github.com/ldmgo/ldm/rpc"
)

func newCoordinatorTestQueue(t *testing.T) *pq.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := pq.Create(nil, path, 1<<20, 256, 0o600, pq.FlagClobber)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestBeginEndOfProductCommitsLiveRegion(t *testing.T) {
	q := newCoordinatorTestQueue(t)
	c := New(nil, q, Config{})

	sig := md5.Sum([]byte("product-body"))
	info := xdr.Info{Signature: sig, Feedtype: 1, Identity: "/downstream/1"}
	encoded, err := xdr.Encode(info, []byte("product-body"))
	require.NoError(t, err)

	ptr, dup, err := c.BeginOfProduct(uint32(len(encoded)), sig)
	require.NoError(t, err)
	require.False(t, dup)
	copy(ptr, encoded)

	var index uint64
	c.mu.Lock()
	for idx := range c.inFlight {
		index = idx
	}
	c.mu.Unlock()

	require.NoError(t, c.EndOfProduct(index, time.Millisecond, false))

	sq := q.NewSequencer()
	var got xdr.Info
	require.NoError(t, sq.Sequence(pq.GT, nil, func(i xdr.Info, _ []byte) error {
		got = i
		return nil
	}))
	require.Equal(t, sig, got.Signature)
}

func TestBeginOfProductDuplicateReportsDup(t *testing.T) {
	q := newCoordinatorTestQueue(t)
	c := New(nil, q, Config{})

	sig := md5.Sum([]byte("dup-body"))
	require.NoError(t, q.InsertNoSignal(xdr.Info{Signature: sig, Feedtype: 1, Identity: "/x"}, []byte("dup-body")))

	_, dup, err := c.BeginOfProduct(8, sig)
	require.NoError(t, err)
	require.True(t, dup)
}

func TestMissedProductDiscardsReservationAndEnqueues(t *testing.T) {
	q := newCoordinatorTestQueue(t)
	c := New(nil, q, Config{})

	sig := md5.Sum([]byte("missed-body"))
	_, dup, err := c.BeginOfProduct(64, sig)
	require.NoError(t, err)
	require.False(t, dup)

	var index uint64
	c.mu.Lock()
	for idx := range c.inFlight {
		index = idx
	}
	c.mu.Unlock()

	require.NoError(t, c.MissedProduct(index))

	c.mu.Lock()
	_, stillInFlight := c.inFlight[index]
	c.mu.Unlock()
	require.False(t, stillInFlight)

	got, ok := c.missed.RemoveNoWait()
	require.True(t, ok)
	require.Equal(t, index, got)

	// The discarded reservation's signature is free again.
	_, _, err = q.Reserve(64, sig)
	require.NoError(t, err)
}

func TestBackstopRequesterRecoversFromUpstream(t *testing.T) {
	upstreamQueue := newCoordinatorTestQueue(t)
	u := ldmrpc.NewUpstream(nil, upstreamQueue, nil)
	ln, err := ldmrpc.Serve(nil, "127.0.0.1:0", u)
	require.NoError(t, err)
	defer ln.Close()
	defer u.Close()

	sig := md5.Sum([]byte("recoverable"))
	require.NoError(t, upstreamQueue.InsertNoSignal(xdr.Info{Signature: sig, Feedtype: 1, Identity: "/x"}, []byte("recoverable")))

	downstreamQueue := newCoordinatorTestQueue(t)
	c := New(nil, downstreamQueue, Config{UpstreamAddress: ln.Addr().String()})
	require.NoError(t, c.Subscribe(ldmrpc.ClassArg{Specs: []ldmrpc.FeedtypeSpecArg{{Feedtype: 0xFFFFFFFF, Pattern: ".*"}}}, ""))
	c.missed.Add(0) // the upstream's first (and only) product is at offset 0
	c.missed.Close()

	c.RunBackstopRequester(make(chan struct{}))

	sqd := downstreamQueue.NewSequencer()
	var got xdr.Info
	require.NoError(t, sqd.Sequence(pq.GT, nil, func(i xdr.Info, _ []byte) error {
		got = i
		return nil
	}))
	require.Equal(t, sig, got.Signature)
}
