// Package xdr encodes and decodes the product info header described in
// spec.md §3 and §6: a fixed-layout, 4-byte-aligned header (the project's
// stand-in for the original system's XDR encoding) followed by the raw
// product bytes. size in Info counts only the data bytes; the full encoded
// region is InfoLen(info)+info.Size.
package xdr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// SignatureSize is the width of the MD5 content signature in bytes.
const SignatureSize = 16

// Signature is the 16-byte MD5 content identity of a product.
type Signature [SignatureSize]byte

// Timestamp is a (seconds, microseconds) wall-clock timestamp, matching
// the arrival/insertion-time representation in spec.md §3.
type Timestamp struct {
	Sec  int64
	Usec int32
}

// Info is the decoded product metadata header (spec.md §3). Identity and
// Origin are UTF-8 strings capped at 255 bytes on the wire.
type Info struct {
	Signature  Signature
	Feedtype   uint32
	Identity   string
	Origin     string
	Arrival    Timestamp
	SeqNumber  uint32
	Size       uint32
}

const maxStringLen = 255

// Encode serializes info followed by data into a single byte slice. The
// header is padded to a 4-byte boundary so offsets inside the queue file
// stay aligned, matching the "8-byte aligned" layout convention of
// spec.md §6 rounded down to the header's own natural alignment.
func Encode(info Info, data []byte) ([]byte, error) {
	if len(info.Identity) > maxStringLen {
		return nil, fmt.Errorf("xdr: identity exceeds %d bytes", maxStringLen)
	}
	if len(info.Origin) > maxStringLen {
		return nil, fmt.Errorf("xdr: origin exceeds %d bytes", maxStringLen)
	}
	info.Size = uint32(len(data))

	var buf bytes.Buffer
	buf.Write(info.Signature[:])
	_ = binary.Write(&buf, binary.LittleEndian, info.Feedtype)
	writeString(&buf, info.Identity)
	writeString(&buf, info.Origin)
	_ = binary.Write(&buf, binary.LittleEndian, info.Arrival.Sec)
	_ = binary.Write(&buf, binary.LittleEndian, info.Arrival.Usec)
	_ = binary.Write(&buf, binary.LittleEndian, info.SeqNumber)
	_ = binary.Write(&buf, binary.LittleEndian, info.Size)
	padTo4(&buf)

	out := make([]byte, 0, buf.Len()+len(data))
	out = append(out, buf.Bytes()...)
	out = append(out, data...)
	return out, nil
}

// HeaderLen returns the encoded length of info's header alone (without the
// trailing data bytes), i.e. InfoLen from spec.md §3.
func HeaderLen(info Info) int {
	n := SignatureSize + 4 // signature + feedtype
	n += 2 + len(info.Identity)
	n += 2 + len(info.Origin)
	n += 8 + 4 // arrival sec+usec
	n += 4     // seq number
	n += 4     // size
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return n
}

// Decode parses a header+data region previously produced by Encode. It
// returns the decoded Info and the data bytes, which alias buf.
func Decode(buf []byte) (Info, []byte, error) {
	r := bytes.NewReader(buf)
	var info Info
	if _, err := r.Read(info.Signature[:]); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: short signature: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &info.Feedtype); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: short feedtype: %w", err)
	}
	var err error
	info.Identity, err = readString(r)
	if err != nil {
		return Info{}, nil, fmt.Errorf("xdr: identity: %w", err)
	}
	info.Origin, err = readString(r)
	if err != nil {
		return Info{}, nil, fmt.Errorf("xdr: origin: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &info.Arrival.Sec); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: arrival sec: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &info.Arrival.Usec); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: arrival usec: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &info.SeqNumber); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: seq number: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &info.Size); err != nil {
		return Info{}, nil, fmt.Errorf("xdr: size: %w", err)
	}

	consumed := len(buf) - r.Len()
	if rem := consumed % 4; rem != 0 {
		skip := 4 - rem
		if r.Len() < skip {
			return Info{}, nil, errors.New("xdr: truncated padding")
		}
		consumed += skip
	}
	if consumed+int(info.Size) > len(buf) {
		return Info{}, nil, fmt.Errorf("xdr: declared size %d exceeds buffer", info.Size)
	}
	data := buf[consumed : consumed+int(info.Size)]
	return info, data, nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", errors.New("truncated string")
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func padTo4(buf *bytes.Buffer) {
	if rem := buf.Len() % 4; rem != 0 {
		buf.Write(make([]byte, 4-rem))
	}
}
