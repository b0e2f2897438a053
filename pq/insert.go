package pq

import (
	"time"

	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/internal/xdr"
)

// RegionHandle identifies a reservation made by Reserve, to be finalized
// with Commit or released with Discard (spec.md §4.2).
type RegionHandle struct {
	slotIdx   int
	signature xdr.Signature
	size      uint64
}

// SlotIndex returns the reservation's slot-ring index, usable as the
// region-based "index" the DLDM's multicast callbacks correlate a
// begin-of-product reservation with its later end-of-product/
// missed-product callback (spec.md §4.5).
func (h RegionHandle) SlotIndex() uint64 { return uint64(h.slotIdx) }

// Region returns the raw reserved bytes backing h, for a caller that
// needs to re-decode the header after the FMTP layer has finished
// writing into the pointer Reserve returned.
func (h RegionHandle) Region(q *Queue) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.getSlot(h.slotIdx)
	return q.regionBytes(s)
}

// Reserve implements the first phase of the two-phase reservation
// protocol (spec.md §4.2): on success the caller has exclusive write
// access to exactly size bytes, not yet visible to any index or reader.
func (q *Queue) Reserve(size uint64, signature xdr.Signature) (writePointer []byte, handle RegionHandle, err error) {
	if err := q.lockCritical(); err != nil {
		return nil, RegionHandle{}, ldmerr.Wrap("pq.Reserve", ldmerr.Sys, err)
	}
	defer q.unlockCritical()

	capacity := q.readHeader().byteCapacity
	if size > capacity {
		return nil, RegionHandle{}, ldmerr.New("pq.Reserve", ldmerr.TooBig)
	}
	if _, found := q.sig.lookup(signature); found {
		q.observer.Duplicate()
		return nil, RegionHandle{}, ldmerr.New("pq.Reserve", ldmerr.Dup)
	}

	idx, err := q.allocate(size)
	if err != nil {
		return nil, RegionHandle{}, err
	}
	s := q.getSlot(idx)
	s.signature = signature
	q.putSlot(idx, s)
	if !q.sig.insert(signature, uint32(idx)) {
		// Signature table exhausted: release the reservation and
		// surface as NO_ROOM, since no further writer can make progress
		// either.
		q.putSlot(idx, slot{offset: s.offset, extent: s.extent, state: slotFree})
		q.coalesce(idx)
		return nil, RegionHandle{}, ldmerr.New("pq.Reserve", ldmerr.NoRoom)
	}

	region := q.data[q.dataOff+int(s.offset) : q.dataOff+int(s.offset)+int(size)]
	return region, RegionHandle{slotIdx: idx, signature: signature, size: size}, nil
}

// Discard releases a reservation without committing it (spec.md §4.2).
func (q *Queue) Discard(h RegionHandle) error {
	if err := q.lockCritical(); err != nil {
		return ldmerr.Wrap("pq.Discard", ldmerr.Sys, err)
	}
	defer q.unlockCritical()
	s := q.getSlot(h.slotIdx)
	if s.state != slotReserved {
		return ldmerr.New("pq.Discard", ldmerr.NotFound)
	}
	q.sig.remove(s.signature)
	q.putSlot(h.slotIdx, slot{offset: s.offset, extent: s.extent, state: slotFree})
	q.coalesce(h.slotIdx)
	return nil
}

// CommitOptions controls whether Commit raises SIGCONT (spec.md §4.2:
// the one-shot Insert API always signals and InsertNoSignal does not;
// the downstream multicast-driven commit path sets Signal).
type CommitOptions struct {
	Signal bool
}

// Commit finalizes a reservation, validating info.Size against the
// reserved extent, updating the signature and time-cursor indices, and
// optionally raising SIGCONT (spec.md §4.2).
func (q *Queue) Commit(h RegionHandle, info xdr.Info, opts CommitOptions) error {
	if err := q.lockCritical(); err != nil {
		return ldmerr.Wrap("pq.Commit", ldmerr.Sys, err)
	}
	s := q.getSlot(h.slotIdx)
	if s.state != slotReserved {
		q.unlockCritical()
		return ldmerr.New("pq.Commit", ldmerr.NotFound)
	}
	if uint64(info.Size) > s.extent {
		// Auto-discard per spec.md §4.2.
		q.sig.remove(s.signature)
		q.putSlot(h.slotIdx, slot{offset: s.offset, extent: s.extent, state: slotFree})
		q.coalesce(h.slotIdx)
		q.unlockCritical()
		return ldmerr.New("pq.Commit", ldmerr.TooBig)
	}

	now := time.Now()
	hdr := q.readHeader()
	hdr.nextSlotSeq++
	seq := hdr.nextSlotSeq

	s.signature = info.Signature
	s.feedtype = info.Feedtype
	s.seqNumber = info.SeqNumber
	s.arrival = info.Arrival
	s.insertionSec = now.Unix()
	s.insertionUsec = int32(now.Nanosecond() / 1000)
	s.commitSeq = seq
	s.state = slotLive
	s.setIdentity(info.Identity)
	q.putSlot(h.slotIdx, s)

	q.writeHeaderLocked(hdr)
	q.updateHighwaterLocked()
	q.cursorIdx.insert(cursorKey{insertionTime: time.Unix(s.insertionSec, int64(s.insertionUsec)*1000), offset: s.offset, slotIdx: h.slotIdx})
	q.lastSeenSeq = seq
	q.observer.Inserted(1, int(s.extent))
	q.unlockCritical()

	q.logger.Debugf("committed product %x at offset %d (%d bytes)", s.signature, s.offset, s.extent)

	if opts.Signal {
		if err := signalGroup(); err != nil {
			q.logger.Warnf("failed to signal process group after commit: %v", err)
		}
	}
	return nil
}

// Insert combines reserve, XDR-encode, and commit into one call and
// always signals (spec.md §4.2).
func (q *Queue) Insert(info xdr.Info, data []byte) error {
	return q.insert(info, data, true)
}

// InsertNoSignal is Insert without raising SIGCONT, used by the
// downstream backstop requester (spec.md §4.2, §4.5) so a burst of
// recovered products doesn't storm every reader with wakeups.
func (q *Queue) InsertNoSignal(info xdr.Info, data []byte) error {
	return q.insert(info, data, false)
}

func (q *Queue) insert(info xdr.Info, data []byte, signal bool) error {
	defer q.trace("pq.insert")()

	encoded, err := xdr.Encode(info, data)
	if err != nil {
		return ldmerr.Wrap("pq.Insert", ldmerr.Inval, err)
	}
	size := uint64(len(encoded))
	ptr, handle, err := q.Reserve(size, info.Signature)
	if err != nil {
		return err
	}
	copy(ptr, encoded)
	return q.Commit(handle, info, CommitOptions{Signal: signal})
}

// DeleteBySignature removes the live region bound to sig, if any and if
// not advisory-locked (spec.md §4.2).
func (q *Queue) DeleteBySignature(sig xdr.Signature) error {
	if err := q.lockCritical(); err != nil {
		return ldmerr.Wrap("pq.DeleteBySignature", ldmerr.Sys, err)
	}
	defer q.unlockCritical()

	idx, found := q.sig.lookup(sig)
	if !found {
		return ldmerr.New("pq.DeleteBySignature", ldmerr.NotFound)
	}
	s := q.getSlot(int(idx))
	if s.state != slotLive {
		return ldmerr.New("pq.DeleteBySignature", ldmerr.NotFound)
	}
	locked, err := q.lm.tryLockExclusive(int(idx))
	if err != nil {
		return ldmerr.Wrap("pq.DeleteBySignature", ldmerr.Sys, err)
	}
	if !locked {
		return ldmerr.New("pq.DeleteBySignature", ldmerr.Locked)
	}
	defer q.lm.unlock(int(idx))

	q.sig.remove(sig)
	q.cursorIdx.remove(cursorKey{
		insertionTime: time.Unix(s.insertionSec, int64(s.insertionUsec)*1000),
		offset:        s.offset,
	})
	q.observer.Removed(1, int(s.extent))
	q.putSlot(int(idx), slot{offset: s.offset, extent: s.extent, state: slotFree})
	q.coalesce(int(idx))
	return nil
}

// ProcessBySignature invokes callback on the product bound to sig while
// holding it locked against eviction, returning callback's result
// (spec.md §4.2).
func (q *Queue) ProcessBySignature(sig xdr.Signature, callback func(info xdr.Info, data []byte) error) error {
	q.mu.Lock()
	idx, found := q.sig.lookup(sig)
	if !found {
		q.mu.Unlock()
		return ldmerr.New("pq.ProcessBySignature", ldmerr.NotFound)
	}
	s := q.getSlot(int(idx))
	if s.state != slotLive {
		q.mu.Unlock()
		return ldmerr.New("pq.ProcessBySignature", ldmerr.NotFound)
	}
	region := q.regionBytes(s)
	// Acquire the per-region lock before releasing q.mu, not after, so a
	// concurrent evictor in another process cannot carve this slot
	// between the read of region and the lock taking effect.
	if err := q.lm.lockShared(int(idx)); err != nil {
		q.mu.Unlock()
		return ldmerr.Wrap("pq.ProcessBySignature", ldmerr.Sys, err)
	}
	q.mu.Unlock()
	defer q.lm.unlock(int(idx))

	info, data, err := xdr.Decode(region)
	if err != nil {
		return ldmerr.Wrap("pq.ProcessBySignature", ldmerr.Corrupt, err)
	}
	return callback(info, data)
}

func (q *Queue) regionBytes(s slot) []byte {
	return q.data[q.dataOff+int(s.offset) : q.dataOff+int(s.offset)+int(s.extent)]
}
