// Package provisionertest is an in-memory stand-in for the other side
// of the provisioning transaction: just enough Provisioner behavior to
// drive a provisioning.Provisionee through a full transaction in tests,
// without a real bearer or a real second device. It is not a
// production Provisioner implementation — the Provisioner role itself
// stays out of this module's scope — and lives under a test-only
// import path for that reason.
//
// Grounded on the hand-rolled provisioner logic in
// provisioning/provisionee_test.go's driveFullTransaction, lifted out
// so scenario-level tests elsewhere in the module (network/lower/upper
// round trips fed by a freshly provisioned device) can reuse it
// instead of re-deriving the same crypto inline.
package provisionertest

import (
	stdecdh "crypto/ecdh"
	"crypto/rand"

	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/provisioning"

	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
)

// Provisioner holds the state a real provisioner would keep across a
// transaction: its own ECDH keypair, the running transcript, the
// random nonce it contributes, and the derived keys once the exchange
// completes. Zero value is not usable; construct with New.
type Provisioner struct {
	random [16]byte

	priv *stdecdh.PrivateKey

	transcript       provisioning.Transcript
	confirmationSalt [16]byte
	confirmationKey  []byte

	sharedSecret []byte
	sessionKey   []byte
	sessionNonce []byte

	authValue provisioning.AuthValue
}

// New starts a fresh Provisioner. authValue is the out-of-band value
// this provisioner and the device under test have agreed on ahead of
// time (the zero value for AuthMethodNone).
func New(authValue provisioning.AuthValue) *Provisioner {
	return &Provisioner{authValue: authValue}
}

// Invite builds the Invite PDU and records it in the transcript.
func (pr *Provisioner) Invite(attentionDuration byte) []byte {
	invite := wireprov.Invite{AttentionDuration: attentionDuration}.Emit()
	pr.transcript.AddInvite(invite)
	return invite
}

// ReceiveCapabilities records the device's Capabilities response.
func (pr *Provisioner) ReceiveCapabilities(raw []byte) error {
	if _, err := wireprov.ParseCapabilities(raw); err != nil {
		return err
	}
	pr.transcript.AddCapabilities(raw)
	return nil
}

// Start builds the Start PDU selecting the given authentication
// method/action/size and records it in the transcript.
func (pr *Provisioner) Start(method, action, size byte) []byte {
	start := wireprov.Start{
		Algorithm:            0,
		PublicKeyType:        0,
		AuthenticationMethod: method,
		AuthenticationAction: action,
		AuthenticationSize:   size,
	}
	raw := start.Emit()
	pr.transcript.AddStart(raw)
	return raw
}

// PublicKey generates this provisioner's ECDH keypair and returns the
// wire-format PublicKey PDU to send the device.
func (pr *Provisioner) PublicKey() ([]byte, error) {
	priv, err := crypto.GenerateEcdhKeyPair()
	if err != nil {
		return nil, err
	}
	pr.priv = priv
	x, y := crypto.PublicKeyCoordinates(priv.PublicKey())
	raw := wireprov.PublicKey{X: x, Y: y}.Emit()
	pr.transcript.AddPublicKeyProvisioner(raw)
	return raw, nil
}

// ReceiveDevicePublicKey consumes the device's PublicKey PDU, derives
// the shared secret and confirmation key, and finalizes the
// transcript-derived confirmation salt. Must be called after
// PublicKey.
func (pr *Provisioner) ReceiveDevicePublicKey(raw []byte) error {
	devKey, err := wireprov.ParsePublicKey(raw)
	if err != nil {
		return err
	}
	pr.transcript.AddPublicKeyDevice(raw)

	devPub, err := crypto.ParseEcdhPublicKey(devKey.X, devKey.Y)
	if err != nil {
		return err
	}
	secret, err := crypto.EcdhSharedSecret(pr.priv, devPub)
	if err != nil {
		return err
	}
	pr.sharedSecret = secret

	salt, err := pr.transcript.ConfirmationSalt()
	if err != nil {
		return err
	}
	pr.confirmationSalt = salt

	ck, err := crypto.Prck(pr.sharedSecret, salt[:])
	if err != nil {
		return err
	}
	pr.confirmationKey = ck

	if _, err := rand.Read(pr.random[:]); err != nil {
		return err
	}
	return nil
}

// Confirmation computes this provisioner's Confirmation value from its
// own random and the agreed AuthValue, returning the wire PDU.
func (pr *Provisioner) Confirmation() ([]byte, error) {
	av := pr.authValue.Bytes()
	input := make([]byte, 0, 32)
	input = append(input, pr.random[:]...)
	input = append(input, av[:]...)
	mac, err := crypto.AesCmac(pr.confirmationKey, input)
	if err != nil {
		return nil, err
	}
	var cv [16]byte
	copy(cv[:], mac)
	c := wireprov.Confirmation{ConfirmationValue: cv}
	return c.Emit(), nil
}

// ReceiveDeviceConfirmation records the device's Confirmation value;
// it is checked once the device's Random arrives and this provisioner
// can recompute the expected value.
func (pr *Provisioner) ReceiveDeviceConfirmation(raw []byte) (wireprov.Confirmation, error) {
	return wireprov.ParseConfirmation(raw)
}

// Random returns this provisioner's Random PDU.
func (pr *Provisioner) Random() []byte {
	r := wireprov.Random{RandomValue: pr.random}
	return r.Emit()
}

// FinishAuthentication consumes the device's Random PDU, verifies the
// device's Confirmation value against it, and derives the session key
// and nonce. Returns an error if the confirmation doesn't check out.
func (pr *Provisioner) FinishAuthentication(deviceConfirmation wireprov.Confirmation, deviceRandomRaw []byte) error {
	devRandom, err := wireprov.ParseRandom(deviceRandomRaw)
	if err != nil {
		return err
	}

	av := pr.authValue.Bytes()
	input := make([]byte, 0, 32)
	input = append(input, devRandom.RandomValue[:]...)
	input = append(input, av[:]...)
	mac, err := crypto.AesCmac(pr.confirmationKey, input)
	if err != nil {
		return err
	}
	var expect [16]byte
	copy(expect[:], mac)
	if expect != deviceConfirmation.ConfirmationValue {
		return merrors.ErrInvalidValue
	}

	salt := make([]byte, 0, 48)
	salt = append(salt, pr.confirmationSalt[:]...)
	salt = append(salt, pr.random[:]...)
	salt = append(salt, devRandom.RandomValue[:]...)
	provisioningSalt, err := crypto.S1(salt)
	if err != nil {
		return err
	}
	sessionKey, err := crypto.Prsk(pr.sharedSecret, provisioningSalt)
	if err != nil {
		return err
	}
	sessionNonce, err := crypto.Prsn(pr.sharedSecret, provisioningSalt)
	if err != nil {
		return err
	}
	pr.sessionKey = sessionKey
	pr.sessionNonce = sessionNonce
	return nil
}

// Data encrypts the given provisioning data under the derived session
// key/nonce and returns the wire Data PDU.
func (pr *Provisioner) Data(data wireprov.ProvisioningData) ([]byte, error) {
	cipherAndTag, err := crypto.CcmEncrypt(pr.sessionKey, pr.sessionNonce, data.Emit(), nil, 8)
	if err != nil {
		return nil, err
	}
	var d wireprov.Data
	copy(d.Encrypted[:], cipherAndTag[:len(d.Encrypted)])
	copy(d.Mic[:], cipherAndTag[len(d.Encrypted):])
	return d.Emit(), nil
}
