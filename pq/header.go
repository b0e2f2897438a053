package pq

import (
	"encoding/binary"
	"fmt"
)

// magic identifies an LDM-Go queue file (spec.md §6).
var magic = [8]byte{'L', 'D', 'M', '-', 'P', 'Q', 'v', '1'}

const formatVersion uint32 = 1

// headerSize is the page-aligned size reserved for the header block
// (spec.md §6: "Header (page-aligned)").
const headerSize = 4096

// header mirrors the on-disk queue header (spec.md §3 "Queue Header").
// It is marshaled into the first headerSize bytes of the mapped file by
// hand (encoding/binary, not unsafe casts) so the layout is portable
// across platforms and Go versions, matching the byte-slice-oriented
// style the pack uses for shared memory (AlephTX-aleph-tx/feeder/shm).
type header struct {
	version      uint32
	byteCapacity uint64
	slotCapacity uint64
	writerCount  uint32

	highwaterBytes uint64
	highwaterSlots uint64

	mvrtSet     bool
	mvrtSeconds int64
	mvrtSize    uint64
	mvrtSlots   uint64

	// nextSlotSeq is a monotonically increasing counter bumped on every
	// commit. It lets a process refresh its in-memory cursor index by
	// noticing it has fallen behind, without maintaining a shared
	// in-file B-tree (see DESIGN.md for the full rationale).
	nextSlotSeq uint64
}

const (
	offMagic        = 0
	offVersion      = 8
	offByteCap      = 12
	offSlotCap      = 20
	offWriterCount  = 28
	offHighBytes    = 32
	offHighSlots    = 40
	offMVRTSet      = 48
	offMVRTSeconds  = 56
	offMVRTSize     = 64
	offMVRTSlots    = 72
	offNextSlotSeq  = 80
	headerFieldsEnd = 88
)

func init() {
	if headerFieldsEnd > headerSize {
		panic("pq: header fields overflow reserved header page")
	}
}

func (h *header) marshal(buf []byte) {
	copy(buf[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], h.version)
	binary.LittleEndian.PutUint64(buf[offByteCap:], h.byteCapacity)
	binary.LittleEndian.PutUint64(buf[offSlotCap:], h.slotCapacity)
	binary.LittleEndian.PutUint32(buf[offWriterCount:], h.writerCount)
	binary.LittleEndian.PutUint64(buf[offHighBytes:], h.highwaterBytes)
	binary.LittleEndian.PutUint64(buf[offHighSlots:], h.highwaterSlots)
	if h.mvrtSet {
		buf[offMVRTSet] = 1
	} else {
		buf[offMVRTSet] = 0
	}
	binary.LittleEndian.PutUint64(buf[offMVRTSeconds:], uint64(h.mvrtSeconds))
	binary.LittleEndian.PutUint64(buf[offMVRTSize:], h.mvrtSize)
	binary.LittleEndian.PutUint64(buf[offMVRTSlots:], h.mvrtSlots)
	binary.LittleEndian.PutUint64(buf[offNextSlotSeq:], h.nextSlotSeq)
}

func unmarshalHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerFieldsEnd {
		return h, fmt.Errorf("pq: header buffer too short")
	}
	var gotMagic [8]byte
	copy(gotMagic[:], buf[offMagic:offMagic+8])
	if gotMagic != magic {
		return h, fmt.Errorf("pq: bad magic %q", gotMagic)
	}
	h.version = binary.LittleEndian.Uint32(buf[offVersion:])
	if h.version != formatVersion {
		return h, fmt.Errorf("pq: unsupported version %d", h.version)
	}
	h.byteCapacity = binary.LittleEndian.Uint64(buf[offByteCap:])
	h.slotCapacity = binary.LittleEndian.Uint64(buf[offSlotCap:])
	h.writerCount = binary.LittleEndian.Uint32(buf[offWriterCount:])
	h.highwaterBytes = binary.LittleEndian.Uint64(buf[offHighBytes:])
	h.highwaterSlots = binary.LittleEndian.Uint64(buf[offHighSlots:])
	h.mvrtSet = buf[offMVRTSet] != 0
	h.mvrtSeconds = int64(binary.LittleEndian.Uint64(buf[offMVRTSeconds:]))
	h.mvrtSize = binary.LittleEndian.Uint64(buf[offMVRTSize:])
	h.mvrtSlots = binary.LittleEndian.Uint64(buf[offMVRTSlots:])
	h.nextSlotSeq = binary.LittleEndian.Uint64(buf[offNextSlotSeq:])
	return h, nil
}
