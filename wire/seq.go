// Package wire holds the small wire-format scalar types shared across every
// PDU layer: sequence numbers, the IV index, TTL, opcodes and the SzMic
// selector. Grounded on the teacher's (gnbsim/encoding/nas) habit of keeping
// protocol scalars as thin typed wrappers with parse/emit pairs rather than
// bare ints, and on original_source/btmesh-common's Seq/IvIndex/Ttl types.
package wire

import (
	"encoding/binary"

	"github.com/hhorai/btmesh/merrors"
)

// Seq is the 24-bit per-node outbound sequence number (spec.md "Seq").
type Seq uint32

const maxSeq = 0x00FFFFFF

// ParseSeq validates and wraps a 24-bit sequence value.
func ParseSeq(v uint32) (Seq, error) {
	if v > maxSeq {
		return 0, merrors.ErrInvalidValue
	}
	return Seq(v), nil
}

// Bytes renders Seq as the 3 big-endian octets used on the wire.
func (s Seq) Bytes() [3]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(s))
	return [3]byte{b[1], b[2], b[3]}
}

// ParseSeqBytes reads the 3-octet big-endian Seq field used in network PDUs.
func ParseSeqBytes(b []byte) (Seq, error) {
	if len(b) != 3 {
		return 0, merrors.ErrInvalidLength
	}
	return ParseSeq(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// Next returns s+1, and whether that increment rolled over 24 bits (a fatal
// SeqRollover per spec.md section 3/7: the node must be re-provisioned).
func (s Seq) Next() (Seq, bool) {
	if s >= maxSeq {
		return 0, true
	}
	return s + 1, false
}

// SeqZero is the 13-bit transaction identifier carried in segmented lower
// PDUs and block-ack parameters.
type SeqZero uint16

const maxSeqZero = 0x1FFF

// ParseSeqZero validates and wraps a 13-bit seq_zero value.
func ParseSeqZero(v uint16) (SeqZero, error) {
	if v > maxSeqZero {
		return 0, merrors.ErrInvalidValue
	}
	return SeqZero(v), nil
}

// SeqZeroFromSeq derives SeqZero as the low 13 bits of a Seq, the way the first
// segment of a transaction carries its own seq as seq_zero.
func SeqZeroFromSeq(seq Seq) SeqZero {
	return SeqZero(uint32(seq) & maxSeqZero)
}

// FirstSeqOfTransaction reconstructs the seq of the first segment of a
// transaction given the seq of a later segment and the transaction's
// seq_zero, per spec.md's SeqAuth definition. Segmented transactions never
// span more than one 8192-value seq_zero epoch, so the reconstructed value
// is the largest seq <= current whose low 13 bits equal seq_zero.
func FirstSeqOfTransaction(current Seq, seqZero SeqZero) Seq {
	diff := (uint32(current)&maxSeqZero - uint32(seqZero)) & maxSeqZero
	return Seq((uint32(current) - diff) & maxSeq)
}

// IvIndex is the 32-bit network-wide anti-replay counter, with its
// in-progress update flag carried alongside it per spec.md section 3.
type IvIndex struct {
	Value      uint32
	InProgress bool
}

// Bytes renders the IV index as 4 big-endian octets.
func (iv IvIndex) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], iv.Value)
	return b
}

// ParseIvIndex reads a 4-octet big-endian IV index.
func ParseIvIndex(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, merrors.ErrInvalidLength
	}
	return binary.BigEndian.Uint32(b), nil
}

// Accepted resolves the incoming Ivi bit to the IV index the receiver
// should use: current if ivi matches the low bit of current, else
// current-1 (spec.md section 3 "IV index / Ivi").
func (iv IvIndex) Accepted(ivi bool) uint32 {
	if ivi == (iv.Value&1 == 1) {
		return iv.Value
	}
	if iv.Value == 0 {
		return 0
	}
	return iv.Value - 1
}

// Outgoing is the IV index used to send: current, unless an IV update is
// in progress, in which case current-1.
func (iv IvIndex) Outgoing() uint32 {
	if iv.InProgress && iv.Value > 0 {
		return iv.Value - 1
	}
	return iv.Value
}

// Low16 is the portion stored by replay-protection entries.
func Low16(ivIndex uint32) uint16 {
	return uint16(ivIndex)
}

// Ttl is the 7-bit time-to-live field, 0..127.
type Ttl uint8

const maxTtl = 0x7F

// ParseTtl validates and wraps a TTL value.
func ParseTtl(v uint8) (Ttl, error) {
	if v > maxTtl {
		return 0, merrors.ErrInvalidValue
	}
	return Ttl(v), nil
}

// IsTerminal reports whether a PDU with this TTL must not be relayed
// further (spec.md section 4.C "ttl == 1 means terminal").
func (t Ttl) IsTerminal() bool { return t <= 1 }

// Decrement returns ttl-1, for relayed PDUs.
func (t Ttl) Decrement() Ttl { return t - 1 }
