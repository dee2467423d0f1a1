// Package upper codecs the Upper Transport PDU: the access payload
// plus its TransMIC, control PDUs with their fixed opcode set, and the
// segment-acknowledgement control parameters. Grounded on
// original_source/btmesh-pdu/src/upper/{access,control}.rs and
// original_source/btmesh-driver/src/stack/provisioned/lower/mod.rs's
// block_ack_to_upper_pdu.
package upper

import (
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/pdu/lower"
	"github.com/hhorai/btmesh/wire"
)

// Access is a decrypted (or, on the outbound path, not-yet-encrypted)
// upper transport access PDU: application payload plus its transport
// MIC.
type Access struct {
	Payload  []byte
	TransMic []byte // 4 or 8 bytes, selected by SzMic
}

// ParseAccess splits data into payload and TransMIC according to sz.
func ParseAccess(data []byte, sz wire.SzMic) (Access, error) {
	n := sz.Bytes()
	if len(data) < n {
		return Access{}, merrors.ErrInvalidLength
	}
	split := len(data) - n
	return Access{
		Payload:  append([]byte{}, data[:split]...),
		TransMic: append([]byte{}, data[split:]...),
	}, nil
}

// Emit concatenates payload and TransMIC back to wire bytes.
func (a Access) Emit() []byte {
	out := make([]byte, 0, len(a.Payload)+len(a.TransMic))
	out = append(out, a.Payload...)
	return append(out, a.TransMic...)
}

// ControlOpcode enumerates the lower/upper transport control opcodes
// spec.md's glossary names.
type ControlOpcode byte

const (
	SegmentAcknowledgement ControlOpcode = 0x00
	FriendPoll             ControlOpcode = 0x01
	FriendUpdate           ControlOpcode = 0x02
	FriendRequest          ControlOpcode = 0x03
	FriendOffer            ControlOpcode = 0x04
	FriendClear            ControlOpcode = 0x05
	FriendClearConfirm     ControlOpcode = 0x06
	FriendSubListAdd       ControlOpcode = 0x07
	FriendSubListRemove    ControlOpcode = 0x08
	FriendSubListConfirm   ControlOpcode = 0x09
	Heartbeat              ControlOpcode = 0x0A
)

// ParseControlOpcode validates a raw opcode byte.
func ParseControlOpcode(b byte) (ControlOpcode, error) {
	switch ControlOpcode(b) {
	case SegmentAcknowledgement, FriendPoll, FriendUpdate, FriendRequest, FriendOffer,
		FriendClear, FriendClearConfirm, FriendSubListAdd, FriendSubListRemove,
		FriendSubListConfirm, Heartbeat:
		return ControlOpcode(b), nil
	default:
		return 0, merrors.ErrInvalidValue
	}
}

// Control is an upper transport control PDU: an opcode plus its raw
// parameters (control PDUs are never encrypted).
type Control struct {
	Opcode     ControlOpcode
	Parameters []byte
}

// SegmentAck is the 6-byte parameter block of a SegmentAcknowledgement
// control message: OBO flag, 13-bit SeqZero, 2 RFU bits, and a 32-bit
// BlockAck bitmap.
type SegmentAck struct {
	Obo      bool
	SeqZero  wire.SeqZero
	BlockAck lower.BlockAck
}

// ParseSegmentAck decodes a SegmentAcknowledgement control message's
// parameters.
func ParseSegmentAck(data []byte) (SegmentAck, error) {
	if len(data) != 6 {
		return SegmentAck{}, merrors.ErrInvalidLength
	}
	obo := data[0]&0x80 != 0
	seqZeroRaw := (uint16(data[0]&0x7F) << 6) | uint16(data[1]>>2)
	seqZero, err := wire.ParseSeqZero(seqZeroRaw)
	if err != nil {
		return SegmentAck{}, err
	}
	blockAck := uint32(data[2])<<24 | uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
	return SegmentAck{Obo: obo, SeqZero: seqZero, BlockAck: lower.BlockAck(blockAck)}, nil
}

// Emit renders the SegmentAck back to its 6-byte parameter form and
// wraps it as a full Control PDU.
func (s SegmentAck) Emit() Control {
	seqZero := uint16(s.SeqZero)
	b0 := byte(seqZero>>6) & 0x7F
	if s.Obo {
		b0 |= 0x80
	}
	b1 := byte(seqZero << 2)
	v := s.BlockAck.Value()
	params := []byte{b0, b1, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return Control{Opcode: SegmentAcknowledgement, Parameters: params}
}
