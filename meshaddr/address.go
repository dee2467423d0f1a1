// Package meshaddr classifies and round-trips the 2-byte mesh address
// field: unassigned, unicast, virtual and group addresses, plus the
// LabelUuid -> VirtualAddress derivation for model subscriptions to
// virtual addresses. Grounded on
// original_source/btmesh-common/src/address/{mod,unicast_address,
// group_address,virtual_address}.rs.
package meshaddr

import (
	"encoding/binary"

	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/merrors"
)

// Kind tags which variant an Address holds.
type Kind int

const (
	Unassigned Kind = iota
	Unicast
	Virtual
	Group
)

// GroupKind distinguishes the four well-known group addresses from a
// normal or reserved-for-future-use group address.
type GroupKind int

const (
	GroupNormal GroupKind = iota
	GroupRFU
	GroupAllProxies
	GroupAllFriends
	GroupAllRelays
	GroupAllNodes
)

// Address is a classified mesh address: exactly one of its Kind-tagged
// fields is meaningful.
type Address struct {
	Kind      Kind
	Value     uint16 // the raw 16-bit field, for Unicast/Virtual/Group
	GroupKind GroupKind
}

// Parse classifies a big-endian 2-byte address field.
func Parse(b [2]byte) Address {
	val := binary.BigEndian.Uint16(b[:])
	switch {
	case val == 0x0000:
		return Address{Kind: Unassigned}
	case b[0]&0x80 == 0:
		return Address{Kind: Unicast, Value: val}
	case b[0]&0xC0 == 0xC0:
		return Address{Kind: Group, Value: val, GroupKind: classifyGroup(val)}
	default:
		return Address{Kind: Virtual, Value: val}
	}
}

func classifyGroup(val uint16) GroupKind {
	switch val {
	case 0xFFFC:
		return GroupAllProxies
	case 0xFFFD:
		return GroupAllFriends
	case 0xFFFE:
		return GroupAllRelays
	case 0xFFFF:
		return GroupAllNodes
	}
	if val&0xFF00 == 0xFF00 {
		return GroupRFU
	}
	return GroupNormal
}

// Bytes renders the address back to its 2-byte wire form.
func (a Address) Bytes() [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], a.Value)
	return b
}

// IsUnicast reports whether a is a unicast element address.
func (a Address) IsUnicast() bool { return a.Kind == Unicast }

// NewUnicast validates and builds a unicast Address from a 16-bit value.
func NewUnicast(v uint16) (Address, error) {
	if v == 0 || v&0x8000 != 0 {
		return Address{}, merrors.ErrInvalidAddress
	}
	return Address{Kind: Unicast, Value: v}, nil
}

// NewGroup validates and builds a group Address from a 16-bit value.
func NewGroup(v uint16) (Address, error) {
	if v&0xC000 != 0xC000 {
		return Address{}, merrors.ErrInvalidAddress
	}
	return Address{Kind: Group, Value: v, GroupKind: classifyGroup(v)}, nil
}

// VirtualAddressOf derives the 16-bit virtual address for a 16-byte
// label UUID: the top 2 bits of s1("vtad")-AES-CMAC(uuid)'s last 2 bytes
// forced to 0b10, per Mesh Profile section 3.4.2.3.
func VirtualAddressOf(uuid [16]byte) (Address, error) {
	salt, err := crypto.S1([]byte("vtad"))
	if err != nil {
		return Address{}, err
	}
	hash, err := crypto.AesCmac(salt, uuid[:])
	if err != nil {
		return Address{}, err
	}
	hi := (hash[14] & 0x3F) | 0x80
	lo := hash[15]
	val := uint16(hi)<<8 | uint16(lo)
	return Address{Kind: Virtual, Value: val}, nil
}

// LabelUuid pairs a 16-byte label UUID with its derived virtual address,
// the shape the upper transport layer needs to try each registered
// label as a decrypt candidate for a given incoming virtual destination.
type LabelUuid struct {
	UUID    [16]byte
	Address Address
}

// NewLabelUuid derives and wraps a label UUID's virtual address.
func NewLabelUuid(uuid [16]byte) (LabelUuid, error) {
	addr, err := VirtualAddressOf(uuid)
	if err != nil {
		return LabelUuid{}, err
	}
	return LabelUuid{UUID: uuid, Address: addr}, nil
}
