// Package provisioning codecs the Provisioning PDUs exchanged over the
// advertising bearer while a device is unprovisioned: Invite,
// Capabilities, Start, PublicKey, Confirmation, Random, Data, Complete
// and Failed, plus the bearer framing bytes that carry them. Grounded
// on original_source/btmesh-pdu/src/provisioning/advertising.rs (frame
// shape) and original_source/btmesh-driver/src/stack/unprovisioned/
// provisionee.rs's ProvisioningPDU match arms (message set, field
// names).
package provisioning

import (
	"github.com/hhorai/btmesh/merrors"
)

// Bearer-frame AD types (spec.md section 6).
const (
	AdTypePbAdv       byte = 0x29
	AdTypeMeshMessage byte = 0x2A
	AdTypeMeshBeacon  byte = 0x2B
)

// Unprovisioned beacon type octet and OOB-info/URI-hash trailer used in
// EmitUnprovisionedBeacon.
const (
	beaconTypeUnprovisioned = 0x00
	beaconOobInfoHi         = 0xA0
	beaconOobInfoLo         = 0x40
)

// EmitUnprovisionedBeacon renders the fixed-shape unprovisioned device
// beacon: [0x14, MESH_BEACON, 0x00, uuid(16), 0xA0, 0x40].
func EmitUnprovisionedBeacon(uuid [16]byte) []byte {
	out := make([]byte, 0, 21)
	out = append(out, 0x14, AdTypeMeshBeacon, beaconTypeUnprovisioned)
	out = append(out, uuid[:]...)
	out = append(out, beaconOobInfoHi, beaconOobInfoLo)
	return out
}

// MessageType identifies a provisioning PDU's wire type octet.
type MessageType byte

const (
	TypeInvite        MessageType = 0x00
	TypeCapabilities  MessageType = 0x01
	TypeStart         MessageType = 0x02
	TypePublicKey     MessageType = 0x03
	TypeInputComplete MessageType = 0x04
	TypeConfirmation  MessageType = 0x05
	TypeRandom        MessageType = 0x06
	TypeData          MessageType = 0x07
	TypeComplete      MessageType = 0x08
	TypeFailed        MessageType = 0x09
)

// Invite carries the attention-timer duration the provisioner asks the
// device to run while provisioning is in progress.
type Invite struct {
	AttentionDuration byte
}

func ParseInvite(data []byte) (Invite, error) {
	if len(data) != 1 {
		return Invite{}, merrors.ErrInvalidLength
	}
	return Invite{AttentionDuration: data[0]}, nil
}

func (i Invite) Emit() []byte { return []byte{i.AttentionDuration} }

// Capabilities is the device's reply to Invite, naming its element
// count, supported algorithms and OOB capabilities.
type Capabilities struct {
	NumberOfElements byte
	Algorithms       uint16
	PublicKeyType    byte
	StaticOobType    byte
	OutputOobSize    byte
	OutputOobAction  uint16
	InputOobSize     byte
	InputOobAction   uint16
}

func ParseCapabilities(data []byte) (Capabilities, error) {
	if len(data) != 11 {
		return Capabilities{}, merrors.ErrInvalidLength
	}
	return Capabilities{
		NumberOfElements: data[0],
		Algorithms:       uint16(data[1])<<8 | uint16(data[2]),
		PublicKeyType:    data[3],
		StaticOobType:    data[4],
		OutputOobSize:    data[5],
		OutputOobAction:  uint16(data[6])<<8 | uint16(data[7]),
		InputOobSize:     data[8],
		InputOobAction:   uint16(data[9])<<8 | uint16(data[10]),
	}, nil
}

func (c Capabilities) Emit() []byte {
	return []byte{
		c.NumberOfElements,
		byte(c.Algorithms >> 8), byte(c.Algorithms),
		c.PublicKeyType,
		c.StaticOobType,
		c.OutputOobSize,
		byte(c.OutputOobAction >> 8), byte(c.OutputOobAction),
		c.InputOobSize,
		byte(c.InputOobAction >> 8), byte(c.InputOobAction),
	}
}

// Start selects the algorithm and OOB authentication method to use for
// the remainder of the transaction.
type Start struct {
	Algorithm            byte
	PublicKeyType        byte
	AuthenticationMethod byte
	AuthenticationAction byte
	AuthenticationSize   byte
}

func ParseStart(data []byte) (Start, error) {
	if len(data) != 5 {
		return Start{}, merrors.ErrInvalidLength
	}
	return Start{
		Algorithm:            data[0],
		PublicKeyType:        data[1],
		AuthenticationMethod: data[2],
		AuthenticationAction: data[3],
		AuthenticationSize:   data[4],
	}, nil
}

func (s Start) Emit() []byte {
	return []byte{s.Algorithm, s.PublicKeyType, s.AuthenticationMethod, s.AuthenticationAction, s.AuthenticationSize}
}

// PublicKey is the uncompressed P-256 public key coordinate pair
// exchanged by both sides.
type PublicKey struct {
	X [32]byte
	Y [32]byte
}

func ParsePublicKey(data []byte) (PublicKey, error) {
	if len(data) != 64 {
		return PublicKey{}, merrors.ErrInvalidLength
	}
	var pk PublicKey
	copy(pk.X[:], data[:32])
	copy(pk.Y[:], data[32:])
	return pk, nil
}

func (p PublicKey) Emit() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.X[:]...)
	return append(out, p.Y[:]...)
}

// Confirmation carries the AES-CMAC confirmation value computed over
// random || auth_value under the session confirmation key.
type Confirmation struct {
	ConfirmationValue [16]byte
}

func ParseConfirmation(data []byte) (Confirmation, error) {
	if len(data) != 16 {
		return Confirmation{}, merrors.ErrInvalidLength
	}
	var c Confirmation
	copy(c.ConfirmationValue[:], data)
	return c, nil
}

func (c Confirmation) Emit() []byte { return append([]byte{}, c.ConfirmationValue[:]...) }

// Random carries the random nonce used to check the peer's prior
// Confirmation value.
type Random struct {
	RandomValue [16]byte
}

func ParseRandom(data []byte) (Random, error) {
	if len(data) != 16 {
		return Random{}, merrors.ErrInvalidLength
	}
	var r Random
	copy(r.RandomValue[:], data)
	return r, nil
}

func (r Random) Emit() []byte { return append([]byte{}, r.RandomValue[:]...) }

// Data carries the AES-CCM-encrypted provisioning data (network key,
// key index, flags, IV index, unicast address) plus its MIC.
type Data struct {
	Encrypted [25]byte
	Mic       [8]byte
}

func ParseData(data []byte) (Data, error) {
	if len(data) != 33 {
		return Data{}, merrors.ErrInvalidLength
	}
	var d Data
	copy(d.Encrypted[:], data[:25])
	copy(d.Mic[:], data[25:])
	return d, nil
}

func (d Data) Emit() []byte {
	out := make([]byte, 0, 33)
	out = append(out, d.Encrypted[:]...)
	return append(out, d.Mic[:]...)
}

// ProvisioningData is the decrypted payload of Data.
type ProvisioningData struct {
	NetworkKey     [16]byte
	KeyIndex       uint16
	Flags          byte
	IvIndex        uint32
	UnicastAddress uint16
}

func ParseProvisioningData(data []byte) (ProvisioningData, error) {
	if len(data) != 25 {
		return ProvisioningData{}, merrors.ErrInvalidLength
	}
	var p ProvisioningData
	copy(p.NetworkKey[:], data[:16])
	p.KeyIndex = uint16(data[16])<<8 | uint16(data[17])
	p.Flags = data[18]
	p.IvIndex = uint32(data[19])<<24 | uint32(data[20])<<16 | uint32(data[21])<<8 | uint32(data[22])
	p.UnicastAddress = uint16(data[23])<<8 | uint16(data[24])
	return p, nil
}

func (p ProvisioningData) Emit() []byte {
	out := make([]byte, 0, 25)
	out = append(out, p.NetworkKey[:]...)
	out = append(out, byte(p.KeyIndex>>8), byte(p.KeyIndex))
	out = append(out, p.Flags)
	out = append(out, byte(p.IvIndex>>24), byte(p.IvIndex>>16), byte(p.IvIndex>>8), byte(p.IvIndex))
	return append(out, byte(p.UnicastAddress>>8), byte(p.UnicastAddress))
}

// ErrorCode enumerates the Failed PDU's reason codes (spec.md section 7).
type ErrorCode byte

const (
	ErrorInvalidFormat      ErrorCode = 0x02
	ErrorConfirmationFailed ErrorCode = 0x03
	ErrorUnexpectedError    ErrorCode = 0x07
)

// Failed terminates a provisioning transaction with a reason code.
type Failed struct {
	ErrorCode ErrorCode
}

func ParseFailed(data []byte) (Failed, error) {
	if len(data) != 1 {
		return Failed{}, merrors.ErrInvalidLength
	}
	return Failed{ErrorCode: ErrorCode(data[0])}, nil
}

func (f Failed) Emit() []byte { return []byte{byte(f.ErrorCode)} }
