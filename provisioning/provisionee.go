// Package provisioning drives the unprovisioned device's side of the
// provisioning protocol: a phase-tagged state machine that consumes
// inbound provisioning PDUs and emits this device's responses,
// deriving the ECDH shared secret, confirmation/session/device keys
// and the final provisioning data along the way. Distinct from
// pdu/provisioning, the wire codec it builds on. Grounded on
// original_source/btmesh-driver/src/stack/unprovisioned/provisionee.rs
// (state-transition table) and .../phases.rs (per-phase crypto).
package provisioning

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/merrors"
	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
)

// Phase names one state of the Provisionee state machine (spec.md's
// Beaconing/Invitation/KeyExchange/Authentication/DataDistribution/
// Complete/Failure).
type Phase int

const (
	PhaseBeaconing Phase = iota
	PhaseInvitation
	PhaseKeyExchange
	PhaseAuthentication
	PhaseDataDistribution
	PhaseComplete
	PhaseFailure
)

// Provisionee is the unprovisioned-device state machine. Its fields
// accumulate as the transaction advances rather than being reshaped
// per phase (Go has no sum-type-with-payload equivalent of
// provisionee.rs's Phase<S> wrapper); Phase alone says which fields
// are meaningful.
type Provisionee struct {
	phase Phase

	capabilities wireprov.Capabilities

	transcript       Transcript
	confirmationSalt [16]byte
	start            wireprov.Start
	authValue        AuthValue

	sharedSecret []byte

	confirmationKey         []byte
	deviceRandom            [16]byte
	provisionerRandom       [16]byte
	provisionerConfirmation [16]byte
	gotConfirmation         bool

	sessionKey   []byte
	sessionNonce []byte

	deviceKey [16]byte
	data      wireprov.ProvisioningData

	failureReason wireprov.ErrorCode

	hasLast       bool
	lastInputHash [32]byte
	lastOutType   wireprov.MessageType
	lastOutput    []byte
	lastHasResp   bool
}

// NewProvisionee starts a fresh transaction in PhaseBeaconing,
// announcing capabilities in response to the eventual Invite.
func NewProvisionee(capabilities wireprov.Capabilities) *Provisionee {
	return &Provisionee{phase: PhaseBeaconing, capabilities: capabilities}
}

// Phase reports the state machine's current phase.
func (p *Provisionee) Phase() Phase { return p.phase }

// FailureReason reports why the transaction moved to PhaseFailure.
func (p *Provisionee) FailureReason() wireprov.ErrorCode { return p.failureReason }

// DeviceKey returns the device key established once provisioning
// completes.
func (p *Provisionee) DeviceKey() ([16]byte, bool) {
	if p.phase != PhaseComplete {
		return [16]byte{}, false
	}
	return p.deviceKey, true
}

// Data returns the network credentials delivered by the Data PDU once
// provisioning completes.
func (p *Provisionee) Data() (wireprov.ProvisioningData, bool) {
	if p.phase != PhaseComplete {
		return wireprov.ProvisioningData{}, false
	}
	return p.data, true
}

// Next feeds one inbound provisioning PDU — already split from its
// bearer-frame type octet — to the state machine. It returns the
// message type and wire bytes of this device's response, if any. A
// repeated PDU that hashes identically to the last one accepted
// re-emits the cached response without re-running any crypto or
// advancing state, per spec.md's idempotence rule. A PDU that doesn't
// match what the current phase expects is wayward: it's ignored,
// leaving the state machine exactly where it was, mirroring
// provisionee.rs's catch-all match arm.
func (p *Provisionee) Next(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	hash := sha256.Sum256(append([]byte{byte(msgType)}, raw...))
	if p.hasLast && hash == p.lastInputHash {
		return p.lastOutType, p.lastOutput, p.lastHasResp, nil
	}

	outType, out, hasResp, err := p.dispatch(msgType, raw)
	if err != nil {
		return 0, nil, false, err
	}

	p.hasLast = true
	p.lastInputHash = hash
	p.lastOutType = outType
	p.lastOutput = out
	p.lastHasResp = hasResp
	return outType, out, hasResp, nil
}

func (p *Provisionee) dispatch(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if msgType == wireprov.TypeFailed && p.phase != PhaseComplete && p.phase != PhaseFailure {
		f, err := wireprov.ParseFailed(raw)
		if err != nil {
			return 0, nil, false, err
		}
		p.phase = PhaseFailure
		p.failureReason = f.ErrorCode
		return 0, nil, false, nil
	}

	switch p.phase {
	case PhaseBeaconing:
		return p.onInvite(msgType, raw)
	case PhaseInvitation:
		return p.onStart(msgType, raw)
	case PhaseKeyExchange:
		return p.onPublicKey(msgType, raw)
	case PhaseAuthentication:
		return p.onAuthPdu(msgType, raw)
	case PhaseDataDistribution:
		return p.onData(msgType, raw)
	default:
		return 0, nil, false, nil
	}
}

func (p *Provisionee) onInvite(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if msgType != wireprov.TypeInvite {
		return 0, nil, false, nil
	}
	if _, err := wireprov.ParseInvite(raw); err != nil {
		return 0, nil, false, err
	}
	p.transcript.AddInvite(raw)

	capRaw := p.capabilities.Emit()
	p.transcript.AddCapabilities(capRaw)

	p.phase = PhaseInvitation
	return wireprov.TypeCapabilities, capRaw, true, nil
}

func (p *Provisionee) onStart(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if msgType != wireprov.TypeStart {
		return 0, nil, false, nil
	}
	start, err := wireprov.ParseStart(raw)
	if err != nil {
		return 0, nil, false, err
	}
	p.transcript.AddStart(raw)
	p.start = start

	av, err := DetermineAuthValue(start.AuthenticationMethod, start.AuthenticationAction, start.AuthenticationSize)
	if err != nil {
		return 0, nil, false, err
	}
	p.authValue = av

	p.phase = PhaseKeyExchange
	return 0, nil, false, nil
}

func (p *Provisionee) onPublicKey(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if msgType != wireprov.TypePublicKey {
		return 0, nil, false, nil
	}
	peerKey, err := wireprov.ParsePublicKey(raw)
	if err != nil {
		return 0, nil, false, err
	}
	p.transcript.AddPublicKeyProvisioner(raw)

	priv, err := crypto.GenerateEcdhKeyPair()
	if err != nil {
		return 0, nil, false, err
	}
	peerPub, err := crypto.ParseEcdhPublicKey(peerKey.X, peerKey.Y)
	if err != nil {
		return 0, nil, false, merrors.ErrCrypto
	}
	secret, err := crypto.EcdhSharedSecret(priv, peerPub)
	if err != nil {
		return 0, nil, false, merrors.ErrCrypto
	}
	p.sharedSecret = secret

	x, y := crypto.PublicKeyCoordinates(priv.PublicKey())
	ownKey := wireprov.PublicKey{X: x, Y: y}
	ownRaw := ownKey.Emit()
	p.transcript.AddPublicKeyDevice(ownRaw)

	salt, err := p.transcript.ConfirmationSalt()
	if err != nil {
		return 0, nil, false, err
	}
	p.confirmationSalt = salt

	ck, err := crypto.Prck(p.sharedSecret, salt[:])
	if err != nil {
		return 0, nil, false, err
	}
	p.confirmationKey = ck

	if _, err := rand.Read(p.deviceRandom[:]); err != nil {
		return 0, nil, false, err
	}

	p.phase = PhaseAuthentication
	return wireprov.TypePublicKey, ownRaw, true, nil
}

func (p *Provisionee) onAuthPdu(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	switch msgType {
	case wireprov.TypeConfirmation:
		return p.onConfirmation(raw)
	case wireprov.TypeRandom:
		return p.onRandom(raw)
	default:
		return 0, nil, false, nil
	}
}

func (p *Provisionee) onConfirmation(raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if p.gotConfirmation {
		return 0, nil, false, nil
	}
	c, err := wireprov.ParseConfirmation(raw)
	if err != nil {
		return 0, nil, false, err
	}
	p.provisionerConfirmation = c.ConfirmationValue
	p.gotConfirmation = true

	ownConfirmation, err := p.confirmationFor(p.deviceRandom)
	if err != nil {
		return 0, nil, false, err
	}
	resp := wireprov.Confirmation{ConfirmationValue: ownConfirmation}
	return wireprov.TypeConfirmation, resp.Emit(), true, nil
}

func (p *Provisionee) onRandom(raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if !p.gotConfirmation {
		return 0, nil, false, nil
	}
	r, err := wireprov.ParseRandom(raw)
	if err != nil {
		return 0, nil, false, err
	}
	p.provisionerRandom = r.RandomValue

	expect, err := p.confirmationFor(p.provisionerRandom)
	if err != nil {
		return 0, nil, false, err
	}
	if subtle.ConstantTimeCompare(expect[:], p.provisionerConfirmation[:]) != 1 {
		return p.fail(wireprov.ErrorConfirmationFailed)
	}

	salt, err := p.provisioningSalt()
	if err != nil {
		return 0, nil, false, err
	}
	sessionKey, err := crypto.Prsk(p.sharedSecret, salt[:])
	if err != nil {
		return 0, nil, false, err
	}
	sessionNonce, err := crypto.Prsn(p.sharedSecret, salt[:])
	if err != nil {
		return 0, nil, false, err
	}
	deviceKey, err := crypto.Prdk(p.sharedSecret, salt[:])
	if err != nil {
		return 0, nil, false, err
	}
	p.sessionKey = sessionKey
	p.sessionNonce = sessionNonce
	copy(p.deviceKey[:], deviceKey)

	p.phase = PhaseDataDistribution
	resp := wireprov.Random{RandomValue: p.deviceRandom}
	return wireprov.TypeRandom, resp.Emit(), true, nil
}

// confirmationFor computes AES-CMAC(confirmationKey, random||authValue),
// the Confirmation value either side produces from its own random.
func (p *Provisionee) confirmationFor(random [16]byte) ([16]byte, error) {
	av := p.authValue.Bytes()
	input := make([]byte, 0, 32)
	input = append(input, random[:]...)
	input = append(input, av[:]...)
	mac, err := crypto.AesCmac(p.confirmationKey, input)
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], mac)
	return out, nil
}

// provisioningSalt is s1(confirmationSalt || provisionerRandom ||
// deviceRandom), the salt the session key/nonce and device key are
// derived from.
func (p *Provisionee) provisioningSalt() ([16]byte, error) {
	buf := make([]byte, 0, 48)
	buf = append(buf, p.confirmationSalt[:]...)
	buf = append(buf, p.provisionerRandom[:]...)
	buf = append(buf, p.deviceRandom[:]...)
	sum, err := crypto.S1(buf)
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], sum)
	return out, nil
}

func (p *Provisionee) onData(msgType wireprov.MessageType, raw []byte) (wireprov.MessageType, []byte, bool, error) {
	if msgType != wireprov.TypeData {
		return 0, nil, false, nil
	}
	d, err := wireprov.ParseData(raw)
	if err != nil {
		return 0, nil, false, err
	}

	ciphertextAndTag := make([]byte, 0, len(d.Encrypted)+len(d.Mic))
	ciphertextAndTag = append(ciphertextAndTag, d.Encrypted[:]...)
	ciphertextAndTag = append(ciphertextAndTag, d.Mic[:]...)

	plain, err := crypto.CcmDecrypt(p.sessionKey, p.sessionNonce, ciphertextAndTag, nil, len(d.Mic))
	if err != nil {
		return p.fail(wireprov.ErrorConfirmationFailed)
	}

	data, err := wireprov.ParseProvisioningData(plain)
	if err != nil {
		return 0, nil, false, err
	}
	p.data = data
	p.phase = PhaseComplete
	return wireprov.TypeComplete, nil, true, nil
}

func (p *Provisionee) fail(reason wireprov.ErrorCode) (wireprov.MessageType, []byte, bool, error) {
	p.phase = PhaseFailure
	p.failureReason = reason
	f := wireprov.Failed{ErrorCode: reason}
	return wireprov.TypeFailed, f.Emit(), true, nil
}
