package pq

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
)

func sigFor(n int) xdr.Signature {
	return md5.Sum([]byte(fmt.Sprintf("product-%d", n)))
}

func product(n int, data []byte) (xdr.Info, []byte) {
	return xdr.Info{
		Signature: sigFor(n),
		Feedtype:  1,
		Identity:  fmt.Sprintf("/path/product-%d", n),
		Origin:    "test-origin",
		Arrival:   xdr.Timestamp{Sec: time.Now().Unix()},
		SeqNumber: uint32(n),
	}, data
}

func newTestQueue(t *testing.T, byteCapacity, slotCapacity uint64) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := Create(nil, path, byteCapacity, slotCapacity, 0o600, FlagClobber)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := Create(nil, path, 1<<16, 64, 0o600, FlagClobber)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(nil, path, 0)
	require.NoError(t, err)
	defer q2.Close()

	require.EqualValues(t, 1<<16, q2.DataSize())
	require.Equal(t, 64, q2.SlotCount())
}

func TestInsertAndSequenceInOrder(t *testing.T) {
	q := newTestQueue(t, 1<<20, 128)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.InsertNoSignal(product(i, []byte("payload"))))
	}

	sq := q.NewSequencer()
	var seen []uint32
	for i := 0; i < 10; i++ {
		err := sq.Sequence(GT, nil, func(info xdr.Info, data []byte) error {
			seen = append(seen, info.SeqNumber)
			require.Equal(t, []byte("payload"), data)
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	err := sq.Sequence(GT, nil, func(xdr.Info, []byte) error { return nil })
	require.True(t, ldmerr.Is(err, ldmerr.End))
}

func TestDuplicateSignatureRejected(t *testing.T) {
	q := newTestQueue(t, 1<<20, 32)
	info, data := product(1, []byte("one"))
	require.NoError(t, q.InsertNoSignal(info, data))

	err := q.InsertNoSignal(product(1, []byte("one-again")))
	require.True(t, ldmerr.Is(err, ldmerr.Dup))
}

func TestDeleteBySignature(t *testing.T) {
	q := newTestQueue(t, 1<<20, 32)
	info, data := product(1, []byte("one"))
	require.NoError(t, q.InsertNoSignal(info, data))
	require.NoError(t, q.DeleteBySignature(info.Signature))

	err := q.DeleteBySignature(info.Signature)
	require.True(t, ldmerr.Is(err, ldmerr.NotFound))

	// Re-inserting the same signature succeeds now that it's gone.
	require.NoError(t, q.InsertNoSignal(info, data))
}

func TestEvictionMakesRoomOldestFirst(t *testing.T) {
	// Small byte capacity forces eviction once the third product won't
	// fit alongside the first two.
	q := newTestQueue(t, 300, 16)

	payload := make([]byte, 50)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.InsertNoSignal(product(i, payload)))
	}

	// product 0 should have been evicted to make room for product 2.
	_, found := q.sig.lookup(sigFor(0))
	require.False(t, found, "oldest product should have been evicted")
	_, found = q.sig.lookup(sigFor(2))
	require.True(t, found, "newest product should be present")
}

func TestEvictionSkipsLockedOldestAndReturnsNoRoom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.pq")
	q1, err := Create(nil, path, 300, 16, 0o600, FlagClobber)
	require.NoError(t, err)
	defer q1.Close()

	payload := make([]byte, 100)
	require.NoError(t, q1.InsertNoSignal(product(0, payload)))

	q2, err := Open(nil, path, 0)
	require.NoError(t, err)
	defer q2.Close()

	// q2 pins product 0 for reading via ProcessBySignature, which holds
	// the shared lock for the duration of the callback.
	done := make(chan struct{})
	pinned := make(chan struct{})
	go func() {
		_ = q2.ProcessBySignature(sigFor(0), func(xdr.Info, []byte) error {
			close(pinned)
			<-done
			return nil
		})
	}()
	<-pinned
	defer close(done)

	err = q1.InsertNoSignal(product(1, payload))
	require.True(t, ldmerr.Is(err, ldmerr.NoRoom), "got %v", err)
}

func TestReserveTooBigRejected(t *testing.T) {
	q := newTestQueue(t, 64, 8)
	_, _, err := q.Reserve(128, sigFor(1))
	require.True(t, ldmerr.Is(err, ldmerr.TooBig))
}

func TestDiscardReleasesReservation(t *testing.T) {
	q := newTestQueue(t, 1<<16, 16)
	_, h, err := q.Reserve(100, sigFor(1))
	require.NoError(t, err)
	require.NoError(t, q.Discard(h))

	// The signature is free to reserve again.
	_, _, err = q.Reserve(100, sigFor(1))
	require.NoError(t, err)
}

func TestCommitTooBigAutoDiscards(t *testing.T) {
	q := newTestQueue(t, 1<<16, 16)
	_, h, err := q.Reserve(100, sigFor(1))
	require.NoError(t, err)

	info, _ := product(1, nil)
	info.Size = 200 // exceeds the 100-byte reservation
	err = q.Commit(h, info, CommitOptions{})
	require.True(t, ldmerr.Is(err, ldmerr.TooBig))

	// The reservation was discarded, so the signature can be reserved
	// again.
	_, _, err = q.Reserve(100, sigFor(1))
	require.NoError(t, err)
}

func TestRecoverReservationsReclaimsAbandoned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := Create(nil, path, 1<<16, 16, 0o600, FlagClobber)
	require.NoError(t, err)

	_, _, err = q.Reserve(100, sigFor(1))
	require.NoError(t, err)

	// Simulate a crash: unmap/close without discarding or committing.
	require.NoError(t, q.Close())

	q2, err := Open(nil, path, 0)
	require.NoError(t, err)
	defer q2.Close()

	_, found := q2.sig.lookup(sigFor(1))
	require.False(t, found, "abandoned reservation's signature binding should be dropped")

	// The region should be free again and reusable.
	_, _, err = q2.Reserve(100, sigFor(1))
	require.NoError(t, err)
}

func TestWriterCountReconciliation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.pq")
	q, err := Create(nil, path, 1<<16, 16, 0o600, FlagClobber)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q2, err := Open(nil, path, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, q2.WriterCount())
	require.NoError(t, q2.Close())

	// Closing an already-closed handle's writer accounting again would
	// underflow; ForceResetWriterCount is the operator escape hatch.
	q3, err := Open(nil, path, 0)
	require.NoError(t, err)
	q3.ForceResetWriterCount()
	require.EqualValues(t, 0, q3.WriterCount())
	_ = os.Remove(path)
}

func TestMinVRTTracksSmallestResidence(t *testing.T) {
	q := newTestQueue(t, 300, 16)
	payload := make([]byte, 100)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.InsertNoSignal(product(i, payload)))
	}
	_, _, _, set := q.MinVRT()
	require.True(t, set)

	q.ClearMinVRT()
	_, _, _, set = q.MinVRT()
	require.False(t, set)
}
