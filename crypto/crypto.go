// Package crypto implements the Bluetooth Mesh key-derivation and
// authenticated-encryption primitives: s1/k1/k2/k3/k4, the AES-ECB helper
// e() used for network-PDU obfuscation, and AES-CCM for network and upper
// transport encryption. Grounded on the teacher's (encoding/nas) use of
// github.com/aead/cmac for AES-CMAC, generalized from a single 3GPP
// integrity MAC call to the mesh's k1/k2/k3/k4 salt-and-derive chain
// described in original_source/btmesh-common/src/crypto/mod.rs.
package crypto

import (
	"crypto/aes"

	"github.com/aead/cmac"
	"github.com/hhorai/btmesh/merrors"
)

var zeroKey = [16]byte{}

// AesCmac computes AES-CMAC-128 over input with the given 16-byte key.
func AesCmac(key, input []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, merrors.ErrInvalidKeyHandle
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, merrors.ErrCrypto
	}
	mac, err := cmac.Sum(input, block, 16)
	if err != nil {
		return nil, merrors.ErrCrypto
	}
	return mac, nil
}

// S1 is the mesh SALT generation function: AES-CMAC with an all-zero key.
func S1(input []byte) ([]byte, error) {
	return AesCmac(zeroKey[:], input)
}

// K1 derives a 16-byte key from n, salt and p (used by the provisioning
// session-key/confirmation derivations).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := AesCmac(salt, n)
	if err != nil {
		return nil, err
	}
	return AesCmac(t, p)
}

// K2 derives the NID/EncryptionKey/PrivacyKey triple for a network key,
// per Mesh Profile section 8.1.3.
func K2(n, p []byte) (nid byte, encKey, privKey []byte, err error) {
	salt, err := S1([]byte("smk2"))
	if err != nil {
		return 0, nil, nil, err
	}
	t, err := AesCmac(salt, n)
	if err != nil {
		return 0, nil, nil, err
	}

	t1, err := AesCmac(t, append(append([]byte{}, p...), 0x01))
	if err != nil {
		return 0, nil, nil, err
	}
	nid = t1[15] & 0x7F

	t2, err := AesCmac(t, append(append(append([]byte{}, t1...), p...), 0x02))
	if err != nil {
		return 0, nil, nil, err
	}

	t3, err := AesCmac(t, append(append(append([]byte{}, t2...), p...), 0x03))
	if err != nil {
		return 0, nil, nil, err
	}

	return nid, t2, t3, nil
}

// K3 derives the 8-byte NetworkID value (identity beacon / advertising).
func K3(n []byte) ([]byte, error) {
	salt, err := S1([]byte("smk3"))
	if err != nil {
		return nil, err
	}
	t, err := AesCmac(salt, n)
	if err != nil {
		return nil, err
	}
	full, err := AesCmac(t, []byte("id64\x01"))
	if err != nil {
		return nil, err
	}
	return full[len(full)-8:], nil
}

// K4 derives the 6-bit AID from an application key.
func K4(n []byte) (byte, error) {
	salt, err := S1([]byte("smk4"))
	if err != nil {
		return 0, err
	}
	t, err := AesCmac(salt, n)
	if err != nil {
		return 0, err
	}
	full, err := AesCmac(t, []byte("id6\x01"))
	if err != nil {
		return 0, err
	}
	return full[len(full)-1] & 0x3F, nil
}

// E is the raw AES-128 single-block encryption used to build PECB for
// network-PDU obfuscation (Mesh Profile section 3.8.7.3).
func E(key [16]byte, data [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, merrors.ErrCrypto
	}
	var out [16]byte
	block.Encrypt(out[:], data[:])
	return out, nil
}

// PrivacyPlaintext builds the 16-byte input to E() from the IV index and
// the first 7 octets of (EncDST || EncTransportPDU || NetMIC).
func PrivacyPlaintext(ivIndex uint32, encryptedAndMic [7]byte) [16]byte {
	var pt [16]byte
	pt[5] = byte(ivIndex >> 24)
	pt[6] = byte(ivIndex >> 16)
	pt[7] = byte(ivIndex >> 8)
	pt[8] = byte(ivIndex)
	copy(pt[9:16], encryptedAndMic[:])
	return pt
}

// PecbXor XORs the 6-byte (CTL/TTL/SEQ/SRC) header against PECB.
func PecbXor(pecb [16]byte, data [6]byte) [6]byte {
	var out [6]byte
	for i := range data {
		out[i] = pecb[i] ^ data[i]
	}
	return out
}
