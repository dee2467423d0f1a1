// Package lower codecs the Lower Transport PDU: unsegmented/segmented
// access and control headers, and the BlockAck bitmap used for
// segment-ack control messages. Grounded on
// original_source/btmesh-pdu/src/lower/{mod,access,control}.rs.
package lower

import (
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/wire"
)

// Kind distinguishes access from control lower PDUs, carried alongside
// the parsed PDU since the SEG bit alone doesn't disambiguate.
type Kind int

const (
	Access Kind = iota
	Control
)

const (
	segmentedAccessSize  = 12
	segmentedControlSize = 8
)

// UnsegmentedAccess is an unsegmented lower transport access PDU: one
// octet of AKF/AID followed by the whole upper transport access PDU.
type UnsegmentedAccess struct {
	Akf      bool
	Aid      byte
	UpperPDU []byte
}

// ParseUnsegmentedAccess parses data as found after the network PDU's
// CTL/SEG framing has already been stripped.
func ParseUnsegmentedAccess(data []byte) (UnsegmentedAccess, error) {
	if len(data) < 1 {
		return UnsegmentedAccess{}, merrors.ErrInvalidLength
	}
	return UnsegmentedAccess{
		Akf:      data[0]&0x40 != 0,
		Aid:      data[0] & 0x3F,
		UpperPDU: append([]byte{}, data[1:]...),
	}, nil
}

// Emit renders the PDU back to wire bytes (without the leading SEG bit,
// which belongs to the caller's network-PDU framing).
func (p UnsegmentedAccess) Emit() []byte {
	b0 := p.Aid & 0x3F
	if p.Akf {
		b0 |= 0x40
	}
	out := make([]byte, 0, 1+len(p.UpperPDU))
	out = append(out, b0)
	return append(out, p.UpperPDU...)
}

// SegmentedAccess is one segment of a segmented lower transport access
// message.
type SegmentedAccess struct {
	Akf      bool
	Aid      byte
	SzMic    wire.SzMic
	SeqZero  wire.SeqZero
	SegO     byte
	SegN     byte
	SegmentM []byte
}

// ParseSegmentedAccess parses a single segment's bytes (after the
// leading SEG bit has been stripped by the caller).
func ParseSegmentedAccess(data []byte) (SegmentedAccess, error) {
	if len(data) < 4 {
		return SegmentedAccess{}, merrors.ErrInvalidLength
	}
	seqZeroRaw := (uint16(data[1]&0x7F) << 6) | uint16(data[2]>>2)
	seqZero, err := wire.ParseSeqZero(seqZeroRaw)
	if err != nil {
		return SegmentedAccess{}, err
	}
	segO := (data[2]&0x03)<<3 | data[3]>>5
	segN := data[3] & 0x1F
	return SegmentedAccess{
		Akf:      data[0]&0x40 != 0,
		Aid:      data[0] & 0x3F,
		SzMic:    wire.SzMicFromBit(data[1] >> 7),
		SeqZero:  seqZero,
		SegO:     segO,
		SegN:     segN,
		SegmentM: append([]byte{}, data[4:]...),
	}, nil
}

// Emit renders the segment back to wire bytes.
func (p SegmentedAccess) Emit() []byte {
	b0 := p.Aid & 0x3F
	if p.Akf {
		b0 |= 0x40
	}
	seqZero := uint16(p.SeqZero)
	b1 := byte(seqZero>>6) & 0x7F
	if p.SzMic.Bit() != 0 {
		b1 |= 0x80
	}
	b2 := byte(seqZero<<2) | (p.SegO >> 3)
	b3 := (p.SegO&0x07)<<5 | p.SegN&0x1F
	out := make([]byte, 0, 4+len(p.SegmentM))
	out = append(out, b0, b1, b2, b3)
	return append(out, p.SegmentM...)
}

// UnsegmentedControl is an unsegmented lower transport control PDU.
type UnsegmentedControl struct {
	Opcode     byte
	Parameters []byte
}

// ParseUnsegmentedControl parses data as found after the SEG bit has
// been stripped by the caller.
func ParseUnsegmentedControl(data []byte) (UnsegmentedControl, error) {
	if len(data) < 1 {
		return UnsegmentedControl{}, merrors.ErrInvalidLength
	}
	return UnsegmentedControl{
		Opcode:     data[0] & 0x7F,
		Parameters: append([]byte{}, data[1:]...),
	}, nil
}

// Emit renders the PDU back to wire bytes.
func (p UnsegmentedControl) Emit() []byte {
	out := make([]byte, 0, 1+len(p.Parameters))
	out = append(out, p.Opcode&0x7F)
	return append(out, p.Parameters...)
}

// SegmentedControl is one segment of a segmented lower transport
// control message.
type SegmentedControl struct {
	Opcode   byte
	SeqZero  wire.SeqZero
	SegO     byte
	SegN     byte
	SegmentM []byte
}

// ParseSegmentedControl parses a single segment's bytes (after the
// leading SEG bit has been stripped by the caller). Segmented control
// PDUs carry no AKF/AID octet — their first byte is opcode only.
func ParseSegmentedControl(data []byte) (SegmentedControl, error) {
	if len(data) < 4 {
		return SegmentedControl{}, merrors.ErrInvalidLength
	}
	seqZeroRaw := (uint16(data[1]&0x7F) << 6) | uint16(data[2]>>2)
	seqZero, err := wire.ParseSeqZero(seqZeroRaw)
	if err != nil {
		return SegmentedControl{}, err
	}
	segO := (data[2]&0x03)<<3 | data[3]>>5
	segN := data[3] & 0x1F
	return SegmentedControl{
		Opcode:   data[0] & 0x7F,
		SeqZero:  seqZero,
		SegO:     segO,
		SegN:     segN,
		SegmentM: append([]byte{}, data[4:]...),
	}, nil
}

// Emit renders the segment back to wire bytes.
func (p SegmentedControl) Emit() []byte {
	seqZero := uint16(p.SeqZero)
	b0 := p.Opcode & 0x7F
	b1 := byte(seqZero>>6) & 0x7F
	b2 := byte(seqZero<<2) | (p.SegO >> 3)
	b3 := (p.SegO&0x07)<<5 | p.SegN&0x1F
	out := make([]byte, 0, 4+len(p.SegmentM))
	out = append(out, b0, b1, b2, b3)
	return append(out, p.SegmentM...)
}

// SegmentSize returns the maximum payload size of one segment for the
// given kind: 12 bytes for access, 8 for control.
func SegmentSize(k Kind) int {
	if k == Control {
		return segmentedControlSize
	}
	return segmentedAccessSize
}

// BlockAck is the 32-bit bitmap of received segments used in a
// segment-ack control message. Offsets outside 0..31 are rejected by
// Ack/IsAcked.
type BlockAck uint32

// IsAcked reports whether segO's bit is set. Returns ErrInvalidBlock if
// segO is out of the representable 0..31 range.
func (b BlockAck) IsAcked(segO byte) (bool, error) {
	if segO >= 32 {
		return false, merrors.ErrInvalidBlock
	}
	return b&(1<<segO) != 0, nil
}

// Ack sets segO's bit. Returns ErrInvalidBlock if segO is out of range.
func (b *BlockAck) Ack(segO byte) error {
	if segO >= 32 {
		return merrors.ErrInvalidBlock
	}
	*b |= 1 << segO
	return nil
}

// Value returns the raw 32-bit bitmap.
func (b BlockAck) Value() uint32 {
	return uint32(b)
}

// Complete reports whether every segment 0..segN has been acked.
func (b BlockAck) Complete(segN byte) bool {
	want := uint32(1)<<(uint32(segN)+1) - 1
	return uint32(b)&want == want
}
