package pq

import (
	"encoding/binary"

	"github.com/ldmgo/ldm/internal/xdr"
)

// slotState is the lifecycle state of a slot ring entry (spec.md §3
// "Region" lifecycle: a slot is empty, or it points to a region that is
// free, reserved by a writer, or live).
type slotState uint8

const (
	slotEmpty slotState = iota
	slotFree
	slotReserved
	slotLive
)

const maxIdentityLen = 255

// slot is the fixed-size index record described in spec.md §3/§6: it
// points at a region (offset, extent) and, once live, carries enough
// metadata (signature, feedtype, identity, timestamps) for duplicate
// detection and class matching without re-reading the data area.
type slot struct {
	offset        uint64
	extent        uint64
	signature     xdr.Signature
	arrival       xdr.Timestamp
	insertionSec  int64
	insertionUsec int32
	feedtype      uint32
	seqNumber     uint32
	commitSeq     uint64
	state         slotState
	identityLen   uint16
	identity      [maxIdentityLen]byte
}

// slotRecordSize is computed once from a zero-value marshal rather than
// hand-counted, so field changes can't silently desync the offset math
// used by slotRing.
var slotRecordSize = len((&slot{}).marshal())

func (s *slot) marshal() []byte {
	buf := make([]byte, 0, 8+8+xdr.SignatureSize+8+4+8+4+4+4+8+1+2+maxIdentityLen)
	var tmp [8]byte

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:8], v)
		buf = append(buf, tmp[:8]...)
	}
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(tmp[:4], v)
		buf = append(buf, tmp[:4]...)
	}
	putI64 := func(v int64) { putU64(uint64(v)) }

	putU64(s.offset)
	putU64(s.extent)
	buf = append(buf, s.signature[:]...)
	putI64(s.arrival.Sec)
	putU32(uint32(s.arrival.Usec))
	putI64(s.insertionSec)
	putU32(uint32(s.insertionUsec))
	putU32(s.feedtype)
	putU32(s.seqNumber)
	putU64(s.commitSeq)
	buf = append(buf, byte(s.state))
	binary.LittleEndian.PutUint16(tmp[:2], s.identityLen)
	buf = append(buf, tmp[:2]...)
	var idBuf [maxIdentityLen]byte
	copy(idBuf[:], s.identity[:])
	buf = append(buf, idBuf[:]...)
	return buf
}

func unmarshalSlot(buf []byte) slot {
	var s slot
	off := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	readU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v
	}
	s.offset = readU64()
	s.extent = readU64()
	copy(s.signature[:], buf[off:off+xdr.SignatureSize])
	off += xdr.SignatureSize
	s.arrival.Sec = int64(readU64())
	s.arrival.Usec = int32(readU32())
	s.insertionSec = int64(readU64())
	s.insertionUsec = int32(readU32())
	s.feedtype = readU32()
	s.seqNumber = readU32()
	s.commitSeq = readU64()
	s.state = slotState(buf[off])
	off++
	s.identityLen = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	copy(s.identity[:], buf[off:off+maxIdentityLen])
	return s
}

func (s *slot) setIdentity(id string) {
	if len(id) > maxIdentityLen {
		id = id[:maxIdentityLen]
	}
	s.identityLen = uint16(len(id))
	var b [maxIdentityLen]byte
	copy(b[:], id)
	s.identity = b
}

func (s *slot) identityString() string {
	return string(s.identity[:s.identityLen])
}
