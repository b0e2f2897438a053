package pq

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/ldmgo/ldm/internal/xdr"
)

// sigIndexEntryState values.
const (
	sigEntryEmpty   uint8 = 0
	sigEntryOccupied uint8 = 1
	sigEntryTombstone uint8 = 2
)

// sigIndexEntrySize is the on-disk width of one signature-index slot:
// signature[16] + slot index (uint32) + state (uint8), padded to 8 bytes.
const sigIndexEntrySize = 24

// sigIndex is an open-addressed (linear probing) hash table resident in
// the mapped file, keyed by product signature and pointing back at a
// slot-ring index. It gives the O(1)-average duplicate detection spec.md
// §3 requires for the signature index, shared directly across every
// process that has the queue mapped (unlike the time-cursor index, which
// this port keeps per-process — see DESIGN.md).
type sigIndex struct {
	buf      []byte // aliases the mapped sig-index region
	capacity int
}

func newSigIndex(buf []byte, capacity int) *sigIndex {
	return &sigIndex{buf: buf, capacity: capacity}
}

func sigIndexCapacityFor(slotCapacity uint64) int {
	// Scale to slot-capacity with a ~50% load factor, matching spec.md
	// §4.1 ("size scaled to slot-capacity").
	cap := int(slotCapacity * 2)
	if cap < 8 {
		cap = 8
	}
	return cap
}

func sigHash(sig xdr.Signature) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(sig[:])
	return h.Sum64()
}

func (si *sigIndex) entryOffset(bucket int) int {
	return bucket * sigIndexEntrySize
}

func (si *sigIndex) readEntry(bucket int) (sig xdr.Signature, slotIdx uint32, state uint8) {
	off := si.entryOffset(bucket)
	copy(sig[:], si.buf[off:off+xdr.SignatureSize])
	slotIdx = binary.LittleEndian.Uint32(si.buf[off+xdr.SignatureSize:])
	state = si.buf[off+xdr.SignatureSize+4]
	return
}

func (si *sigIndex) writeEntry(bucket int, sig xdr.Signature, slotIdx uint32, state uint8) {
	off := si.entryOffset(bucket)
	copy(si.buf[off:off+xdr.SignatureSize], sig[:])
	binary.LittleEndian.PutUint32(si.buf[off+xdr.SignatureSize:], slotIdx)
	si.buf[off+xdr.SignatureSize+4] = state
}

// lookup returns the slot index bound to sig, if any.
func (si *sigIndex) lookup(sig xdr.Signature) (slotIdx uint32, found bool) {
	start := int(sigHash(sig) % uint64(si.capacity))
	for i := 0; i < si.capacity; i++ {
		bucket := (start + i) % si.capacity
		entrySig, idx, state := si.readEntry(bucket)
		if state == sigEntryEmpty {
			return 0, false
		}
		if state == sigEntryOccupied && entrySig == sig {
			return idx, true
		}
	}
	return 0, false
}

// insert binds sig to slotIdx. Returns false if the table is full.
func (si *sigIndex) insert(sig xdr.Signature, slotIdx uint32) bool {
	start := int(sigHash(sig) % uint64(si.capacity))
	firstTombstone := -1
	for i := 0; i < si.capacity; i++ {
		bucket := (start + i) % si.capacity
		entrySig, _, state := si.readEntry(bucket)
		switch state {
		case sigEntryEmpty:
			target := bucket
			if firstTombstone != -1 {
				target = firstTombstone
			}
			si.writeEntry(target, sig, slotIdx, sigEntryOccupied)
			return true
		case sigEntryTombstone:
			if firstTombstone == -1 {
				firstTombstone = bucket
			}
		case sigEntryOccupied:
			if entrySig == sig {
				// Rebinding an existing signature to a new slot; Reserve
				// rejects duplicates before inserting, so its path does
				// not reach this case.
				si.writeEntry(bucket, sig, slotIdx, sigEntryOccupied)
				return true
			}
		}
	}
	if firstTombstone != -1 {
		si.writeEntry(firstTombstone, sig, slotIdx, sigEntryOccupied)
		return true
	}
	return false
}

// remove clears the binding for sig, if present.
func (si *sigIndex) remove(sig xdr.Signature) {
	start := int(sigHash(sig) % uint64(si.capacity))
	for i := 0; i < si.capacity; i++ {
		bucket := (start + i) % si.capacity
		entrySig, _, state := si.readEntry(bucket)
		if state == sigEntryEmpty {
			return
		}
		if state == sigEntryOccupied && entrySig == sig {
			si.writeEntry(bucket, xdr.Signature{}, 0, sigEntryTombstone)
			return
		}
	}
}

func (si *sigIndex) reset() {
	for i := 0; i < si.capacity; i++ {
		si.writeEntry(i, xdr.Signature{}, 0, sigEntryEmpty)
	}
}
