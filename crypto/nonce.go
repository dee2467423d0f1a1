package crypto

// Nonce type octets distinguishing the four CCM nonce flavors (Mesh
// Profile section 3.8.5).
const (
	nonceTypeNetwork     = 0x00
	nonceTypeApplication = 0x01
	nonceTypeDevice      = 0x02
	nonceTypeProxy       = 0x03
)

// NetworkNonce builds the 13-byte nonce used to encrypt/decrypt the
// network layer's transport PDU.
func NetworkNonce(ctlTtl byte, seq [3]byte, src [2]byte, ivIndex uint32) [13]byte {
	var n [13]byte
	n[0] = nonceTypeNetwork
	n[1] = ctlTtl
	copy(n[2:5], seq[:])
	copy(n[5:7], src[:])
	// n[7:9] left zero
	putUint32(n[9:13], ivIndex)
	return n
}

// buildAszmicNonce is the shape shared by Application/Device/Proxy
// nonces: type || aszmic || seq || src || dst || iv_index.
func buildAszmicNonce(nonceType byte, aszmicBit byte, seq [3]byte, src, dst [2]byte, ivIndex uint32) [13]byte {
	var n [13]byte
	n[0] = nonceType
	n[1] = aszmicBit << 7
	copy(n[2:5], seq[:])
	copy(n[5:7], src[:])
	copy(n[7:9], dst[:])
	putUint32(n[9:13], ivIndex)
	return n
}

// ApplicationNonce builds the nonce used for application-key encrypted
// access payloads.
func ApplicationNonce(aszmicBit byte, seq [3]byte, src, dst [2]byte, ivIndex uint32) [13]byte {
	return buildAszmicNonce(nonceTypeApplication, aszmicBit, seq, src, dst, ivIndex)
}

// DeviceNonce builds the nonce used for device-key encrypted access
// payloads (foundation model traffic, and the provisioning Data PDU's
// underlying transport once provisioned).
func DeviceNonce(aszmicBit byte, seq [3]byte, src, dst [2]byte, ivIndex uint32) [13]byte {
	return buildAszmicNonce(nonceTypeDevice, aszmicBit, seq, src, dst, ivIndex)
}

// ProxyNonce builds the nonce used for GATT proxy configuration messages.
func ProxyNonce(seq [3]byte, src, dst [2]byte, ivIndex uint32) [13]byte {
	return buildAszmicNonce(nonceTypeProxy, 0, seq, src, dst, ivIndex)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
