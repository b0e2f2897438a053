package pq

import (
	"time"

	"github.com/ldmgo/ldm/internal/ldmerr"
)

// findEmptySlot returns the index of a slot currently in slotEmpty state,
// or -1 if the ring is full (every slot represents a free/reserved/live
// region).
func (q *Queue) findEmptySlot() int {
	for i := 0; i < q.slotCapacity; i++ {
		if q.getSlot(i).state == slotEmpty {
			return i
		}
	}
	return -1
}

// findBestFit scans the slot ring for the smallest free region whose
// extent is >= size, tie-broken by lowest offset (spec.md §4.1: "best-fit
// by extent, tie-broken by lowest offset"). The O(slot-capacity) scan is
// a deliberate simplification over a true in-file free-list-by-extent
// structure; see DESIGN.md.
func (q *Queue) findBestFit(size uint64) (idx int, found bool) {
	bestIdx := -1
	var bestExtent uint64
	var bestOffset uint64
	for i := 0; i < q.slotCapacity; i++ {
		s := q.getSlot(i)
		if s.state != slotFree || s.extent < size {
			continue
		}
		if bestIdx == -1 ||
			s.extent < bestExtent ||
			(s.extent == bestExtent && s.offset < bestOffset) {
			bestIdx = i
			bestExtent = s.extent
			bestOffset = s.offset
		}
	}
	if bestIdx == -1 {
		return 0, false
	}
	return bestIdx, true
}

// splitThreshold is the smallest leftover extent worth keeping as its own
// free region; below this, the whole block is handed to the allocation
// (spec.md §4.1: "split on allocation if the remainder >= one
// slot-equivalent; otherwise allocate the whole block").
const splitThreshold = 64

// allocate finds or makes room for a size-byte region, evicting the
// oldest live regions as necessary (spec.md §4.2 steps 2-4). On success
// it returns the slot index now holding a slotReserved region of at
// least size bytes (the whole free block when the leftover would be
// under splitThreshold); the caller binds the signature.
func (q *Queue) allocate(size uint64) (int, error) {
	for {
		idx, ok := q.findBestFit(size)
		if ok {
			return q.carveFromFree(idx, size)
		}
		evicted, err := q.evictOldestUnlocked(size)
		if err != nil {
			return 0, err
		}
		if !evicted {
			return 0, ldmerr.New("pq.allocate", ldmerr.NoRoom)
		}
	}
}

// carveFromFree splits (or fully consumes) the free region at slot idx,
// returning its slot index, now reserved. The region is exactly size
// bytes when the leftover is split off into an empty slot; a leftover
// under splitThreshold stays part of the allocation. When no empty slot
// is available for the leftover, the oldest live region is evicted to
// free one and the carve is retried, matching "running out of slots
// triggers the same eviction path as running out of bytes" (spec.md §3);
// only if nothing can be evicted is the whole block allocated.
func (q *Queue) carveFromFree(idx int, size uint64) (int, error) {
	s := q.getSlot(idx)
	remainder := s.extent - size
	if remainder >= splitThreshold {
		emptyIdx := q.findEmptySlot()
		if emptyIdx != -1 {
			q.putSlot(emptyIdx, slot{
				offset: s.offset + size,
				extent: remainder,
				state:  slotFree,
			})
			q.putSlot(idx, slot{offset: s.offset, extent: size, state: slotReserved})
			return idx, nil
		}
		// No empty slot for the split remainder: evict to make room for
		// a slot, then retry the allocation from scratch.
		if ok, err := q.evictOldestUnlocked(0); err != nil {
			return 0, err
		} else if !ok {
			// Can't make a slot available either; allocate the whole
			// block rather than fail outright.
			q.putSlot(idx, slot{offset: s.offset, extent: s.extent, state: slotReserved})
			return idx, nil
		}
		return q.carveFromFree(idx, size)
	}
	q.putSlot(idx, slot{offset: s.offset, extent: s.extent, state: slotReserved})
	return idx, nil
}

// evictOldestUnlocked evicts the single oldest live region, provided it
// is not advisory-locked, and merges it into the free list. minBytes is
// not used; the eviction always
// proceeds region-by-region, oldest first (spec.md §4.2: "strictly
// oldest-first ... If the oldest matching live region is locked, the
// engine returns NO_ROOM rather than evicting a younger one").
func (q *Queue) evictOldestUnlocked(minBytes uint64) (bool, error) {
	oldestIdx := -1
	var oldestTime time.Time
	var oldestOffset uint64
	for i := 0; i < q.slotCapacity; i++ {
		s := q.getSlot(i)
		if s.state != slotLive {
			continue
		}
		t := time.Unix(s.insertionSec, int64(s.insertionUsec)*1000)
		if oldestIdx == -1 || t.Before(oldestTime) || (t.Equal(oldestTime) && s.offset < oldestOffset) {
			oldestIdx = i
			oldestTime = t
			oldestOffset = s.offset
		}
	}
	if oldestIdx == -1 {
		return false, nil
	}
	locked, err := q.lm.tryLockExclusive(oldestIdx)
	if err != nil {
		return false, ldmerr.Wrap("pq.evict", ldmerr.Sys, err)
	}
	if !locked {
		// The oldest live region is pinned by a reader: per the
		// guarantee in spec.md §4.2, do not evict a younger region
		// instead.
		return false, nil
	}
	_ = q.lm.unlock(oldestIdx)

	s := q.getSlot(oldestIdx)
	vrt := time.Since(oldestTime)
	q.recordEviction(vrt, s.extent)
	q.sig.remove(s.signature)
	q.cursorIdx.remove(cursorKey{insertionTime: oldestTime, offset: s.offset})
	q.observer.Removed(1, int(s.extent))
	q.logger.Debugf("evicted region at offset %d (extent %d, vrt %s)", s.offset, s.extent, vrt)

	q.putSlot(oldestIdx, slot{offset: s.offset, extent: s.extent, state: slotFree})
	q.coalesce(oldestIdx)
	return true, nil
}

// coalesce merges the free region at slot idx with an adjacent free
// region, if any, releasing idx's neighbor's slot back to empty (spec.md
// §4.1: "merge with left and right neighbours in a single critical
// section").
func (q *Queue) coalesce(idx int) {
	base := q.getSlot(idx)
	for i := 0; i < q.slotCapacity; i++ {
		if i == idx {
			continue
		}
		other := q.getSlot(i)
		if other.state != slotFree {
			continue
		}
		if other.offset+other.extent == base.offset {
			base.offset = other.offset
			base.extent += other.extent
			q.putSlot(i, slot{state: slotEmpty})
			q.putSlot(idx, base)
		} else if base.offset+base.extent == other.offset {
			base.extent += other.extent
			q.putSlot(i, slot{state: slotEmpty})
			q.putSlot(idx, base)
		}
	}
}

// recordEviction updates the minimum-virtual-residence-time metric
// (spec.md §4.1: "on every eviction, compute now - insertion-time; if
// vrt is unset or the computed value is smaller, record the new vrt
// atomically with size and slots").
func (q *Queue) recordEviction(vrt time.Duration, evictedExtent uint64) {
	h := q.readHeader()
	if !h.mvrtSet || vrt < time.Duration(h.mvrtSeconds)*time.Second {
		h.mvrtSet = true
		h.mvrtSeconds = int64(vrt / time.Second)
		h.mvrtSize = q.bytesUsedLocked()
		h.mvrtSlots = uint64(q.slotsUsedLocked())
	}
	q.writeHeaderLocked(h)
}

func (q *Queue) bytesUsedLocked() uint64 {
	var total uint64
	for i := 0; i < q.slotCapacity; i++ {
		if s := q.getSlot(i); s.state == slotLive {
			total += s.extent
		}
	}
	return total
}

func (q *Queue) slotsUsedLocked() int {
	used := 0
	for i := 0; i < q.slotCapacity; i++ {
		if q.getSlot(i).state != slotEmpty {
			used++
		}
	}
	return used
}

func (q *Queue) updateHighwaterLocked() {
	h := q.readHeader()
	bytesUsed := q.bytesUsedLocked()
	slotsUsed := uint64(q.slotsUsedLocked())
	if bytesUsed > h.highwaterBytes {
		h.highwaterBytes = bytesUsed
	}
	if slotsUsed > h.highwaterSlots {
		h.highwaterSlots = slotsUsed
	}
	q.writeHeaderLocked(h)
}
