package crypto

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/hhorai/btmesh/merrors"
)

// Provisioning derives session material from the ECDH shared secret via
// k1 with fixed ASCII tags, per Mesh Profile section 8.1.4. No NIST
// P-256 curve implementation exists anywhere among the retrieved
// examples (the pack's only elliptic-curve dependency is secp256k1, the
// wrong curve family for Bluetooth Mesh), so key agreement itself uses
// the standard library's crypto/ecdh rather than a hand-rolled curve.

// Prck derives the 16-byte confirmation key.
func Prck(sharedSecret, confirmationSalt []byte) ([]byte, error) {
	return K1(sharedSecret, confirmationSalt, []byte("prck"))
}

// Prsk derives the 16-byte session key used to decrypt the Data PDU.
func Prsk(sharedSecret, salt []byte) ([]byte, error) {
	return K1(sharedSecret, salt, []byte("prsk"))
}

// Prsn derives the session nonce; only the low 13 bytes are used as the
// CCM nonce (the first 3 bytes of the k1 output are discarded).
func Prsn(sharedSecret, salt []byte) ([]byte, error) {
	full, err := K1(sharedSecret, salt, []byte("prsn"))
	if err != nil {
		return nil, err
	}
	return full[3:], nil
}

// Prdk derives the 16-byte device key bound to this provisioning
// session.
func Prdk(sharedSecret, salt []byte) ([]byte, error) {
	return K1(sharedSecret, salt, []byte("prdk"))
}

// GenerateEcdhKeyPair produces a fresh P-256 private key for the
// provisionee side of key exchange.
func GenerateEcdhKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, merrors.ErrCrypto
	}
	return priv, nil
}

// ParseEcdhPublicKey reconstructs the peer's P-256 public key from its
// raw 32-byte X and Y coordinates (the wire format the PublicKey
// provisioning PDU carries), rejecting off-curve or invalid points.
func ParseEcdhPublicKey(x, y [32]byte) (*ecdh.PublicKey, error) {
	// Uncompressed SEC1 point: 0x04 || X || Y.
	raw := make([]byte, 0, 65)
	raw = append(raw, 0x04)
	raw = append(raw, x[:]...)
	raw = append(raw, y[:]...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, merrors.ErrInvalidValue
	}
	return pub, nil
}

// EcdhSharedSecret runs P-256 Diffie-Hellman and returns the 32-byte
// shared secret (the X coordinate only, matching Mesh Profile's use of
// the ECDH shared secret as raw ECDHSecret material).
func EcdhSharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, merrors.ErrCrypto
	}
	return secret, nil
}

// PublicKeyCoordinates extracts the raw X,Y coordinates from a P-256
// public key for wire emission in the PublicKey provisioning PDU.
func PublicKeyCoordinates(pub *ecdh.PublicKey) (x, y [32]byte) {
	raw := pub.Bytes() // 0x04 || X || Y, 65 bytes
	copy(x[:], raw[1:33])
	copy(y[:], raw[33:65])
	return x, y
}
