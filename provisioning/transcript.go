package provisioning

import "github.com/hhorai/btmesh/crypto"

// Transcript accumulates the ConfirmationInputs byte string the
// Bluetooth Mesh Profile's confirmation salt is derived from:
// Invite || Capabilities || Start || PublicKeyProvisioner ||
// PublicKeyDevice, in PDU-value order (section 5.4.2.4). The upstream
// driver never isolated this as its own type — stack/unprovisioned/
// phases.rs inlines the concatenation inside each phase struct — so
// this type has no original_source file to ground on directly; its
// shape follows the Profile formula the phases.rs call sites
// implement by hand.
type Transcript struct {
	buf []byte
}

// AddInvite, AddCapabilities, AddStart, AddPublicKeyProvisioner and
// AddPublicKeyDevice append each PDU's raw wire bytes in
// ConfirmationInputs order. Exported so a peer (e.g. a test-only
// Provisioner harness driving the other side of the exchange) can
// build the identical transcript this package's own Provisionee does.
func (t *Transcript) AddInvite(raw []byte)               { t.buf = append(t.buf, raw...) }
func (t *Transcript) AddCapabilities(raw []byte)         { t.buf = append(t.buf, raw...) }
func (t *Transcript) AddStart(raw []byte)                { t.buf = append(t.buf, raw...) }
func (t *Transcript) AddPublicKeyProvisioner(raw []byte) { t.buf = append(t.buf, raw...) }
func (t *Transcript) AddPublicKeyDevice(raw []byte)      { t.buf = append(t.buf, raw...) }

// ConfirmationSalt is s1() over the accumulated ConfirmationInputs.
func (t *Transcript) ConfirmationSalt() ([16]byte, error) {
	sum, err := crypto.S1(t.buf)
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	copy(out[:], sum)
	return out, nil
}
