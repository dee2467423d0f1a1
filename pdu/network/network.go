// Package network codecs the wire and cleartext forms of the Network
// PDU: `IVI|NID` byte, 6-byte obfuscated header, AES-CCM ciphertext and
// NetMIC. Grounded on spec.md section 6's wire-format box and
// original_source/btmesh-common/src/crypto/network.rs's NetMic/NID
// types.
package network

import "github.com/hhorai/btmesh/merrors"

// PDU is the still-obfuscated, still-encrypted network PDU as received
// from or handed to a bearer.
type PDU struct {
	Ivi              bool
	Nid              byte
	ObfuscatedHeader [6]byte // CTL|TTL || Seq(24) || Src(16), XORed with PECB
	EncryptedAndMic  []byte  // AES-CCM(Dst || TransportPDU) || NetMIC(4 or 8)
}

// Parse splits a raw network PDU (a bearer frame's payload) into its NID/obfuscated-header/
// ciphertext parts. Does not touch privacy or encryption — that's the
// network engine's job once it has located a candidate key by NID.
func Parse(b []byte) (PDU, error) {
	if len(b) < 1+6+4 {
		return PDU{}, merrors.ErrInvalidLength
	}
	var pdu PDU
	pdu.Ivi = b[0]&0x80 != 0
	pdu.Nid = b[0] & 0x7F
	copy(pdu.ObfuscatedHeader[:], b[1:7])
	pdu.EncryptedAndMic = append([]byte{}, b[7:]...)
	return pdu, nil
}

// Emit renders the PDU back to its raw network-PDU bytes (unframed).
func (p PDU) Emit() []byte {
	out := make([]byte, 0, 1+6+len(p.EncryptedAndMic))
	ivi := byte(0)
	if p.Ivi {
		ivi = 0x80
	}
	out = append(out, ivi|p.Nid&0x7F)
	out = append(out, p.ObfuscatedHeader[:]...)
	out = append(out, p.EncryptedAndMic...)
	return out
}

// Cleartext is the fully decrypted, deobfuscated network PDU: the shape
// the network engine hands to the lower transport layer.
type Cleartext struct {
	NetworkKeyIndex uint16
	Ctl             bool
	Ttl             byte
	Seq             [3]byte
	Src             [2]byte
	Dst             [2]byte
	TransportPDU    []byte
	IvIndex         uint32
}
