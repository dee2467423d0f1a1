package wire

import "github.com/hhorai/btmesh/merrors"

// KeyIndexPair packs two 12-bit key indices into the mesh's 3-byte nibble
// interleave used throughout Config* messages: byte0 = idxA[7:0], byte1 = idxA[11:8] | idxB[3:0]<<4, byte2 =
// idxB[11:4].
type KeyIndexPair struct {
	A, B uint16
}

const maxKeyIndex = 0x0FFF

// PackKeyIndexPair validates both indices and packs them into 3 bytes.
func PackKeyIndexPair(a, b uint16) ([3]byte, error) {
	if a > maxKeyIndex || b > maxKeyIndex {
		return [3]byte{}, merrors.ErrInvalidValue
	}
	return [3]byte{
		byte(a),
		byte(a>>8) | byte(b<<4),
		byte(b >> 4),
	}, nil
}

// UnpackKeyIndexPair reverses PackKeyIndexPair.
func UnpackKeyIndexPair(buf [3]byte) KeyIndexPair {
	a := uint16(buf[0]) | (uint16(buf[1]&0x0F) << 8)
	b := uint16(buf[1]>>4) | (uint16(buf[2]) << 4)
	return KeyIndexPair{A: a, B: b}
}
