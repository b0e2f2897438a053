// Package msm implements the Multicast Sender Manager (C6, spec.md §4.6):
// a process-wide, shared-memory table of potential multicast senders
// keyed by feedtype, with spawn-on-demand and liveness reconciliation.
package msm

import "encoding/binary"

const (
	maxGroupLen = 64
	// entrySize is the sum of these fixed field widths plus the
	// maxGroupLen group buffer (12 + 64 = 76 bytes); marshal writes
	// exactly this layout.
	entryHeaderSize = 4 /* feedtype */ + 2 /* port */ + 4 /* pid */ + 1 /* state */ + 1 /* groupLen */
)

var entrySize = entryHeaderSize + maxGroupLen

type entryState uint8

const (
	entryEmpty entryState = iota
	entryLive
)

// Entry describes one registered potential sender (spec.md §4.6).
type Entry struct {
	Feedtype       uint32
	Port           uint16
	MulticastGroup string
	PID            int32
	state          entryState
}

func (e *Entry) marshal() []byte {
	buf := make([]byte, 0, entrySize)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], e.Feedtype)
	buf = append(buf, tmp[:]...)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], e.Port)
	buf = append(buf, tmp2[:]...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(e.PID))
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(e.state))
	group := e.MulticastGroup
	if len(group) > maxGroupLen {
		group = group[:maxGroupLen]
	}
	buf = append(buf, byte(len(group)))
	var groupBuf [maxGroupLen]byte
	copy(groupBuf[:], group)
	buf = append(buf, groupBuf[:]...)
	return buf
}

func unmarshalEntry(buf []byte) Entry {
	var e Entry
	e.Feedtype = binary.LittleEndian.Uint32(buf[0:4])
	e.Port = binary.LittleEndian.Uint16(buf[4:6])
	e.PID = int32(binary.LittleEndian.Uint32(buf[6:10]))
	e.state = entryState(buf[10])
	groupLen := int(buf[11])
	e.MulticastGroup = string(buf[12 : 12+groupLen])
	return e
}

// conflicts reports whether a and b may not coexist: overlapping feedtype
// bitmasks, or the same TCP port, or the same multicast group (spec.md
// §4.6: "registered entries do not conflict: feedtype bitmasks disjoint,
// distinct TCP endpoints, distinct multicast groups").
func conflicts(a, b Entry) bool {
	if a.Feedtype&b.Feedtype != 0 {
		return true
	}
	if a.Port != 0 && a.Port == b.Port {
		return true
	}
	if a.MulticastGroup != "" && a.MulticastGroup == b.MulticastGroup {
		return true
	}
	return false
}
