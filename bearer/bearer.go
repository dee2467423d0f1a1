// Package bearer names the byte-channel interfaces the driver loop
// consumes and the advertising-bearer frame format those channels
// carry. Bearer drivers themselves — radio, GATT, any concrete
// transport — are out of scope (spec.md section 1's "external
// collaborators"); this package only types the boundary and the
// [length][AD-type][payload] framing spec.md section 6 specifies.
// Grounded on original_source/btmesh-bearer/src/lib.rs's
// AdvertisingBearer/GattBearer traits, adapted from embassy's
// associated-future-per-call shape to context.Context-taking methods,
// the idiom the teacher's own blocking I/O (SCTP dial/read in
// cmd/gnbsim_sctp.go) is moving towards via ctx cancellation.
package bearer

import (
	"context"

	"github.com/hhorai/btmesh/merrors"
)

// PbAdvMTU is the fixed frame size the advertising bearer's PB_ADV
// channel is specified to use (spec.md section 6).
const PbAdvMTU = 64

// GattMaxMTU is the upper bound spec.md section 6 gives for a GATT
// bearer's negotiated MTU.
const GattMaxMTU = 69

// AdvertisingBearer is the byte channel a PB-ADV/network transport
// exposes: receive blocks for the next inbound frame, transmit sends
// one outbound frame. Both wrap transient failures in
// merrors.BearerError.
type AdvertisingBearer interface {
	Receive(ctx context.Context) ([]byte, error)
	Transmit(ctx context.Context, pdu []byte) error
}

// GattBearer is the byte channel a GATT proxy connection exposes. Run
// drives the connection's own event loop (handshake, MTU negotiation)
// until ctx is done or the connection fails; Advertise sends a
// connectionless advertisement (used for the unprovisioned/secure
// network beacons) over the same radio.
type GattBearer interface {
	Reset()
	Run(ctx context.Context) error
	Receive(ctx context.Context) ([]byte, error)
	Transmit(ctx context.Context, pdu []byte) error
	Advertise(ctx context.Context, advData []byte) error
}

// AD type octets identifying a frame's payload kind (spec.md section
// 6), duplicated from pdu/provisioning rather than imported to keep
// this package free of a dependency on the PDU codecs it frames —
// bearer.go only needs the raw octet values, not the provisioning PDU
// types pdu/provisioning builds on top of them.
const (
	AdTypePbAdv       byte = 0x29
	AdTypeMeshMessage byte = 0x2A
	AdTypeMeshBeacon  byte = 0x2B
)

// EmitFrame renders one advertising-bearer frame:
// [len(adType)+len(payload)] [adType] [payload...].
func EmitFrame(adType byte, payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(1+len(payload)), adType)
	return append(out, payload...)
}

// ParseFrame splits a received advertising-bearer frame into its
// AD-type octet and payload, validating the embedded length.
func ParseFrame(data []byte) (adType byte, payload []byte, err error) {
	if len(data) < 2 {
		return 0, nil, merrors.ErrInvalidLength
	}
	if int(data[0])+1 != len(data) {
		return 0, nil, merrors.ErrInvalidLength
	}
	return data[1], data[2:], nil
}

// BeaconKind names which advertisement a Beacon value renders.
type BeaconKind int

const (
	BeaconUnprovisioned BeaconKind = iota
	BeaconProvisioned
	BeaconSecure
)

// Beacon is the connectionless advertisement the driver periodically
// re-transmits: the unprovisioned device beacon before provisioning,
// or the secure network beacon afterwards. Mirrors
// btmesh-bearer's Beacon::Unprovisioned/Provisioned/Secure variants
// used at AdvertisingBearerNetworkInterface::beacon's call site.
type Beacon struct {
	Kind      BeaconKind
	UUID      [16]byte // meaningful for BeaconUnprovisioned
	NetworkID [8]byte  // meaningful for BeaconProvisioned
}

const (
	beaconTypeUnprovisioned = 0x00
	beaconTypeSecureNetwork = 0x01
	unprovisionedOobInfoHi  = 0xA0
	unprovisionedOobInfoLo  = 0x40
)

// Emit renders the beacon's advertising-bearer frame, or nil for
// BeaconSecure (the driver has nothing to announce before it has
// joined a network). The secure network beacon's authentication value
// (Mesh Profile 3.9.2.3, an AES-CMAC over flags/network-ID/IV-index
// under the beacon key) has no driver-level codec to ground on in this
// pack — no beacon.rs was retrieved — so BeaconProvisioned renders
// only the flags/network-ID prefix here and the authentication trailer
// is left to whichever caller owns the beacon key.
func (b Beacon) Emit() []byte {
	switch b.Kind {
	case BeaconUnprovisioned:
		payload := make([]byte, 0, 19)
		payload = append(payload, beaconTypeUnprovisioned)
		payload = append(payload, b.UUID[:]...)
		payload = append(payload, unprovisionedOobInfoHi, unprovisionedOobInfoLo)
		return EmitFrame(AdTypeMeshBeacon, payload)
	case BeaconProvisioned:
		payload := make([]byte, 0, 10)
		payload = append(payload, beaconTypeSecureNetwork, 0x00)
		payload = append(payload, b.NetworkID[:]...)
		return EmitFrame(AdTypeMeshBeacon, payload)
	default:
		return nil
	}
}
