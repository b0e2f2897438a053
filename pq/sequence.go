package pq

import (
	"sync"
	"time"

	"github.com/ldmgo/ldm/internal/classmatch"
	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
)

// Direction selects how Sequence relates the cursor to the next
// candidate region (spec.md §4.3).
type Direction int

const (
	// LT finds the nearest live region strictly before the cursor.
	LT Direction = iota
	// EQ finds the live region exactly at the cursor.
	EQ
	// GT finds the nearest live region strictly after the cursor.
	GT
)

// Callback is invoked by Sequence/Next with the decoded product.
type Callback func(info xdr.Info, data []byte) error

// Sequencer is a cursor-driven reader over a Queue (spec.md §4.3). Each
// Sequencer has its own cursor; multiple Sequencers (goroutines, or
// separate processes each with their own Queue handle) can iterate the
// same Queue independently.
type Sequencer struct {
	q      *Queue
	mu     sync.Mutex
	cursor cursorKey
	have   bool

	locked map[uint64]int // offset -> slot index, for SequenceLock/Release
}

// NewSequencer returns a Sequencer with an unset cursor (equivalent to
// "beginning of time").
func (q *Queue) NewSequencer() *Sequencer {
	return &Sequencer{q: q, locked: make(map[uint64]int)}
}

// SetCursor sets the cursor to t with offset tie-break zero.
func (sq *Sequencer) SetCursor(t time.Time) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.cursor = cursorKey{insertionTime: t}
	sq.have = true
}

// SetCursorOffset overrides the tie-break offset of the current cursor,
// letting a reader resume from a specific disambiguator after a restart
// (spec.md §4.3).
func (sq *Sequencer) SetCursorOffset(offset uint64) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sq.cursor.offset = offset
}

// SetCursorBySignature sets the cursor to the insertion-time (and offset)
// of the live region bound to sig.
func (sq *Sequencer) SetCursorBySignature(sig xdr.Signature) error {
	sq.q.mu.Lock()
	idx, found := sq.q.sig.lookup(sig)
	if !found {
		sq.q.mu.Unlock()
		return ldmerr.New("pq.SetCursorBySignature", ldmerr.NotFound)
	}
	s := sq.q.getSlot(int(idx))
	sq.q.mu.Unlock()
	if s.state != slotLive {
		return ldmerr.New("pq.SetCursorBySignature", ldmerr.NotFound)
	}

	sq.mu.Lock()
	sq.cursor = cursorKey{insertionTime: time.Unix(s.insertionSec, int64(s.insertionUsec)*1000), offset: s.offset}
	sq.have = true
	sq.mu.Unlock()
	return nil
}

// GetCursor returns the current cursor (insertion time, offset).
func (sq *Sequencer) GetCursor() (time.Time, uint64) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.cursor.insertionTime, sq.cursor.offset
}

// Sequence implements spec.md §4.3's sequence(): it finds the region
// related to the cursor by dir, advances the cursor to it, and -- only if
// its metadata matches class -- invokes callback. A non-matching region
// still advances the cursor but does not invoke callback. Returns
// ldmerr.End when there is no such region.
func (sq *Sequencer) Sequence(dir Direction, class *classmatch.Class, cb Callback) error {
	_, err := sq.sequenceLocked(dir, class, cb, false)
	return err
}

// SequenceLock behaves like Sequence but, on a match, leaves the region
// locked against eviction and records its offset for a later Release.
func (sq *Sequencer) SequenceLock(dir Direction, class *classmatch.Class, cb Callback) (offset uint64, err error) {
	return sq.sequenceLocked(dir, class, cb, true)
}

func (sq *Sequencer) sequenceLocked(dir Direction, class *classmatch.Class, cb Callback, keepLocked bool) (uint64, error) {
	defer sq.q.trace("pq.sequence")()

	sq.q.refreshCursorIndex()

	sq.mu.Lock()
	cur := sq.cursor
	have := sq.have
	sq.mu.Unlock()
	if !have {
		cur = cursorKey{}
	}

	sq.q.mu.Lock()
	var targetIdx int
	found := false
	switch dir {
	case GT:
		i := sq.q.cursorIdx.indexAfter(cur)
		if i < len(sq.q.cursorIdx.keys) {
			targetIdx = i
			found = true
		}
	case LT:
		i := sq.q.cursorIdx.indexBefore(cur)
		if i > 0 {
			targetIdx = i - 1
			found = true
		}
	case EQ:
		i := sq.q.cursorIdx.indexAtOrAfter(cur)
		if i < len(sq.q.cursorIdx.keys) && sq.q.cursorIdx.keys[i].insertionTime.Equal(cur.insertionTime) {
			targetIdx = i
			found = true
		}
	}
	if !found {
		sq.q.mu.Unlock()
		return 0, ldmerr.New("pq.Sequence", ldmerr.End)
	}
	key := sq.q.cursorIdx.keys[targetIdx]
	s := sq.q.getSlot(key.slotIdx)
	region := sq.q.regionBytes(s)
	// Acquire the per-region lock before releasing q.mu, not after, so a
	// concurrent evictOldestUnlocked in another process cannot carve this
	// slot in the window between reading region and the lock taking
	// effect (spec.md §5's per-region read-lock).
	if err := sq.q.lm.lockShared(key.slotIdx); err != nil {
		sq.q.mu.Unlock()
		return 0, ldmerr.Wrap("pq.Sequence", ldmerr.Sys, err)
	}
	sq.q.mu.Unlock()

	unlockRegion := true
	defer func() {
		if unlockRegion {
			sq.q.lm.unlock(key.slotIdx)
		}
	}()

	sq.mu.Lock()
	sq.cursor = key
	sq.have = true
	sq.mu.Unlock()

	info, data, err := xdr.Decode(region)
	if err != nil {
		return 0, ldmerr.Wrap("pq.Sequence", ldmerr.Corrupt, err)
	}

	if !class.Matches(key.insertionTime, s.feedtype, s.identityString()) {
		return 0, nil
	}

	if keepLocked {
		unlockRegion = false
		sq.mu.Lock()
		sq.locked[key.offset] = key.slotIdx
		sq.mu.Unlock()
	}

	if err := cb(info, data); err != nil {
		return 0, err
	}
	return key.offset, nil
}

// Release unlocks a region previously pinned by SequenceLock.
func (sq *Sequencer) Release(offset uint64) error {
	sq.mu.Lock()
	idx, ok := sq.locked[offset]
	if ok {
		delete(sq.locked, offset)
	}
	sq.mu.Unlock()
	if !ok {
		return ldmerr.New("pq.Release", ldmerr.NotFound)
	}
	return sq.q.lm.unlock(idx)
}

// Next loops Sequence (or SequenceLock, if keepLocked) in the given
// direction until a matching region has been handled or End is reached
// (spec.md §4.3).
func (sq *Sequencer) Next(reverse bool, class *classmatch.Class, cb Callback, keepLocked bool) error {
	dir := GT
	if reverse {
		dir = LT
	}
	for {
		matched := false
		handle := func(info xdr.Info, data []byte) error {
			matched = true
			return cb(info, data)
		}
		var err error
		if keepLocked {
			_, err = sq.SequenceLock(dir, class, handle)
		} else {
			err = sq.Sequence(dir, class, handle)
		}
		if err != nil {
			return err
		}
		if matched {
			return nil
		}
		// A non-matching region returns (0, nil); the cursor has
		// already advanced, so loop for the next candidate.
	}
}

// SeqDel sequences like Sequence but deletes the matched region instead
// of invoking a caller callback, used by cache-expiry collaborators
// (spec.md §4.3). wait is accepted for interface parity; this port never
// blocks inside SeqDel itself.
func (sq *Sequencer) SeqDel(dir Direction, class *classmatch.Class, wait bool) error {
	var sig xdr.Signature
	err := sq.Sequence(dir, class, func(info xdr.Info, _ []byte) error {
		sig = info.Signature
		return nil
	})
	if err != nil {
		return err
	}
	if sig == (xdr.Signature{}) {
		return nil
	}
	return sq.q.DeleteBySignature(sig)
}

// Last sets the cursor to the insertion-time of the most recent region
// matching class (spec.md §4.3).
func (sq *Sequencer) Last(class *classmatch.Class) error {
	sq.q.refreshCursorIndex()
	sq.q.mu.Lock()
	defer sq.q.mu.Unlock()
	for i := len(sq.q.cursorIdx.keys) - 1; i >= 0; i-- {
		key := sq.q.cursorIdx.keys[i]
		s := sq.q.getSlot(key.slotIdx)
		if class.Matches(key.insertionTime, s.feedtype, s.identityString()) {
			sq.mu.Lock()
			sq.cursor = key
			sq.have = true
			sq.mu.Unlock()
			return nil
		}
	}
	return ldmerr.New("pq.Last", ldmerr.End)
}

// AtOffset finds the live region at the given region-offset regardless
// of the sequencer's cursor position or class, invokes cb while holding
// it shared-locked, and reports ldmerr.NotFound if no live region has
// that offset. This backs request-by-index (spec.md §4.4): the upstream
// identifies a previously-sent product by its region offset, not by
// time, so the ordinary cursor-relative Sequence walk doesn't apply.
func (sq *Sequencer) AtOffset(offset uint64, cb Callback) error {
	sq.q.refreshCursorIndex()

	sq.q.mu.Lock()
	var found bool
	var slotIdx int
	var region []byte
	for _, key := range sq.q.cursorIdx.keys {
		if key.offset == offset {
			found = true
			slotIdx = key.slotIdx
			s := sq.q.getSlot(slotIdx)
			region = sq.q.regionBytes(s)
			break
		}
	}
	if !found {
		sq.q.mu.Unlock()
		return ldmerr.New("pq.AtOffset", ldmerr.NotFound)
	}
	// Acquire the per-region lock before releasing q.mu, not after, so a
	// concurrent evictOldestUnlocked in another process cannot carve this
	// slot before the lock takes effect.
	if err := sq.q.lm.lockShared(slotIdx); err != nil {
		sq.q.mu.Unlock()
		return ldmerr.Wrap("pq.AtOffset", ldmerr.Sys, err)
	}
	sq.q.mu.Unlock()
	defer sq.q.lm.unlock(slotIdx)

	info, data, err := xdr.Decode(region)
	if err != nil {
		return ldmerr.Wrap("pq.AtOffset", ldmerr.Corrupt, err)
	}
	return cb(info, data)
}

// ClassSetFrom narrows class's From bound to t, the queue-side entry
// point for clss_setfrom (spec.md §4.3); it operates on class directly
// and does not touch sq's cursor.
func (sq *Sequencer) ClassSetFrom(class *classmatch.Class, t time.Time) {
	class.SetFrom(t)
}

// Suspend blocks until SIGCONT arrives or timeout elapses (spec.md
// §4.3). It may return spuriously; callers must re-check their
// condition, exactly as documented in spec.md §5.
func (sq *Sequencer) Suspend(timeout time.Duration) error {
	return suspendForSignal(timeout)
}
