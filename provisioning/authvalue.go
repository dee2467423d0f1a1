package provisioning

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/hhorai/btmesh/merrors"
)

// Authentication methods selected by the Start PDU (Mesh Profile table
// 5.29). Grounded on
// original_source/btmesh-driver/src/stack/unprovisioned/auth_value.rs.
const (
	AuthMethodNone   byte = 0x00
	AuthMethodStatic byte = 0x01
	AuthMethodOutput byte = 0x02
	AuthMethodInput  byte = 0x03
)

// Output/Input OOB actions (Mesh Profile table 5.23/5.25).
const (
	OutputActionBlink        byte = 0
	OutputActionBeep         byte = 1
	OutputActionVibrate      byte = 2
	OutputActionNumeric      byte = 3
	OutputActionAlphanumeric byte = 4

	InputActionPush         byte = 0
	InputActionTwist        byte = 1
	InputActionNumeric      byte = 2
	InputActionAlphanumeric byte = 3
)

// AuthValue is the 16-byte value AES-CMAC'd alongside the peer's random
// nonce to produce a Confirmation value. Alphanumeric, when non-empty,
// takes precedence over Numeric in Bytes; AuthMethodNone and
// AuthMethodStatic (the latter read from an out-of-band channel this
// node's driver layer doesn't model) both resolve to the all-zero
// value.
type AuthValue struct {
	Numeric      uint32
	Alphanumeric []byte // up to 8 ASCII chars, left-justified
}

// Bytes renders the auth value into the 16-byte field get_bytes()
// produces: numeric values right-justified into the last four bytes,
// alphanumeric values left-justified with trailing zero padding.
func (a AuthValue) Bytes() [16]byte {
	var out [16]byte
	if len(a.Alphanumeric) > 0 {
		copy(out[:], a.Alphanumeric)
		return out
	}
	binary.BigEndian.PutUint32(out[12:], a.Numeric)
	return out
}

// DetermineAuthValue derives the AuthValue this device must commit to
// given the Start PDU's chosen method/action/size, drawing the
// out-of-band value with crypto/rand the way the device would display
// or prompt for it. AuthMethodNone and AuthMethodStatic yield the zero
// value (static OOB is provisioned out of band and isn't modeled here).
func DetermineAuthValue(method, action, size byte) (AuthValue, error) {
	switch method {
	case AuthMethodNone, AuthMethodStatic:
		return AuthValue{}, nil

	case AuthMethodOutput:
		switch action {
		case OutputActionBlink, OutputActionBeep, OutputActionVibrate:
			v, err := randomPhysicalOob(size)
			return AuthValue{Numeric: v}, err
		case OutputActionNumeric:
			v, err := randomNumeric(size)
			return AuthValue{Numeric: v}, err
		case OutputActionAlphanumeric:
			b, err := randomAlphanumeric(size)
			return AuthValue{Alphanumeric: b}, err
		}

	case AuthMethodInput:
		switch action {
		case InputActionPush, InputActionTwist:
			v, err := randomPhysicalOob(size)
			return AuthValue{Numeric: v}, err
		case InputActionNumeric:
			v, err := randomNumeric(size)
			return AuthValue{Numeric: v}, err
		case InputActionAlphanumeric:
			b, err := randomAlphanumeric(size)
			return AuthValue{Alphanumeric: b}, err
		}
	}
	return AuthValue{}, merrors.ErrInvalidValue
}

func pow10(size byte) uint32 {
	v := uint32(1)
	for i := byte(0); i < size; i++ {
		v *= 10
	}
	return v
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// randomPhysicalOob draws a uniform value in [1, 10^size), the range
// random_physical_oob in auth_value.rs uses for a blink/beep/vibrate/
// push/twist count the device must perform or count.
func randomPhysicalOob(size byte) (uint32, error) {
	max := pow10(size)
	for {
		v, err := randomUint32()
		if err != nil {
			return 0, err
		}
		v %= max
		if v >= 1 {
			return v, nil
		}
	}
}

// randomNumeric draws a uniform value in [0, 10^size), rejecting draws
// outside range rather than reducing modulo it so every accepted value
// is equally likely.
func randomNumeric(size byte) (uint32, error) {
	max := pow10(size)
	for {
		v, err := randomUint32()
		if err != nil {
			return 0, err
		}
		if v < max {
			return v, nil
		}
	}
}

// randomAlphanumeric draws size uppercase-letter-or-digit ASCII bytes.
// auth_value.rs's random_alphanumeric checks (64..=90) for "Capital
// ASCII letters A-Z", but 64 is '@', not a letter — real A-Z is 65-90.
// That looks like an off-by-one in the upstream source; this port
// uses the correct 65-90 range rather than reproducing the bug.
func randomAlphanumeric(size byte) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < int(size) {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		c := b[0] % 123
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		}
	}
	return out, nil
}
