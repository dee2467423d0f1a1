package wire

import "github.com/hhorai/btmesh/merrors"

// Opcode is an access-message opcode in its narrowest emitted form: one,
// two or three octets, selected by the leading bit pattern. Mirrors
// original_source/btmesh-common/src/opcode.rs's OneOctet/TwoOctet/
// ThreeOctet enum as a single struct carrying a length tag.
type Opcode struct {
	n  int
	b0 byte
	b1 byte
	b2 byte
}

// OneOctetOpcode builds a 1-byte opcode. The caller supplies the 7 payload
// bits; the leading bit is always 0.
func OneOctetOpcode(a byte) Opcode {
	return Opcode{n: 1, b0: a & 0x7F}
}

// TwoOctetOpcode builds a 2-byte opcode. a must already carry the 0b10
// leading-bit pattern (i.e. a&0xC0 == 0x80).
func TwoOctetOpcode(a, b byte) Opcode {
	return Opcode{n: 2, b0: a, b1: b}
}

// ThreeOctetOpcode builds a 3-byte opcode. a must carry the 0b11 leading
// bit pattern (i.e. a&0xC0 == 0xC0).
func ThreeOctetOpcode(a, b, c byte) Opcode {
	return Opcode{n: 3, b0: a, b1: b, b2: c}
}

// Len reports the wire length of the opcode: 1, 2 or 3.
func (o Opcode) Len() int { return o.n }

// Matches reports whether data begins with this opcode's bytes.
func (o Opcode) Matches(data []byte) bool {
	if len(data) < o.n {
		return false
	}
	switch o.n {
	case 1:
		return data[0] == o.b0
	case 2:
		return data[0] == o.b0 && data[1] == o.b1
	case 3:
		return data[0] == o.b0 && data[1] == o.b1 && data[2] == o.b2
	}
	return false
}

// Emit appends the opcode's bytes to buf.
func (o Opcode) Emit(buf []byte) []byte {
	switch o.n {
	case 1:
		return append(buf, o.b0)
	case 2:
		return append(buf, o.b0, o.b1)
	case 3:
		return append(buf, o.b0, o.b1, o.b2)
	}
	return buf
}

// SplitOpcode reads the narrowest opcode form from the front of data,
// returning the opcode and the remaining bytes. Rejects data too short
// for the header length its first byte claims.
func SplitOpcode(data []byte) (Opcode, []byte, error) {
	if len(data) == 0 {
		return Opcode{}, nil, merrors.ErrInsufficientBuffer
	}
	switch {
	case data[0]&0x80 == 0:
		return OneOctetOpcode(data[0]), data[1:], nil
	case data[0]&0xC0 == 0x80:
		if len(data) < 2 {
			return Opcode{}, nil, merrors.ErrInsufficientBuffer
		}
		return TwoOctetOpcode(data[0], data[1]), data[2:], nil
	case data[0]&0xC0 == 0xC0:
		if len(data) < 3 {
			return Opcode{}, nil, merrors.ErrInsufficientBuffer
		}
		return ThreeOctetOpcode(data[0], data[1], data[2]), data[3:], nil
	}
	return Opcode{}, nil, merrors.ErrInvalidPDUFormat
}

// Equal compares two opcodes for equality, including wire length.
func (o Opcode) Equal(other Opcode) bool {
	return o.n == other.n && o.b0 == other.b0 && o.b1 == other.b1 && o.b2 == other.b2
}

// SzMic selects between a 32-bit and 64-bit Transport MIC (spec.md
// glossary "SzMic").
type SzMic int

const (
	SzMic32 SzMic = iota
	SzMic64
)

// Bit reports the SEG/SZMIC wire-format bit value for this selector.
func (s SzMic) Bit() byte {
	if s == SzMic64 {
		return 1
	}
	return 0
}

// Bytes returns the MIC length in octets: 4 or 8.
func (s SzMic) Bytes() int {
	if s == SzMic64 {
		return 8
	}
	return 4
}

// SzMicFromBit decodes the SZMIC wire bit. Only meaningful for segmented
// access PDUs; unsegmented and control PDUs always use 32-bit.
func SzMicFromBit(b byte) SzMic {
	if b != 0 {
		return SzMic64
	}
	return SzMic32
}
