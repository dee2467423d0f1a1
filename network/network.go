// Package network is the network-layer engine: AES-ECB-based
// obfuscation, AES-CCM authenticated encrypt/decrypt of network PDUs,
// LRU-based replay protection, relay TTL decrement, and the self-echo
// drop rule. Grounded on
// original_source/btmesh-driver/src/stack/provisioned/network/
// {mod,replay_protection}.rs.
package network

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/meshaddr"
	"github.com/hhorai/btmesh/merrors"
	pdunet "github.com/hhorai/btmesh/pdu/network"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/wire"
)

const replayCacheSize = 32

const (
	netMicSizeAccess  = 4
	netMicSizeControl = 8
)

// DeviceInfo tells the engine which unicast addresses are local, so it
// can tell relay traffic from self-destined traffic and implement the
// self-echo drop rule.
type DeviceInfo struct {
	PrimaryUnicastAddress uint16
	NumberOfElements      byte
}

// LocalElementIndex returns the element index dst maps to, if any.
func (d DeviceInfo) LocalElementIndex(dst meshaddr.Address) (byte, bool) {
	if dst.Kind != meshaddr.Unicast {
		return 0, false
	}
	if dst.Value < d.PrimaryUnicastAddress {
		return 0, false
	}
	diff := dst.Value - d.PrimaryUnicastAddress
	if diff >= uint16(d.NumberOfElements) {
		return 0, false
	}
	return byte(diff), true
}

// IsLocalUnicast reports whether dst addresses one of this node's own
// elements.
func (d DeviceInfo) IsLocalUnicast(dst meshaddr.Address) bool {
	_, ok := d.LocalElementIndex(dst)
	return ok
}

// IsNonLocalUnicast reports whether dst is a unicast address belonging
// to some other node (a relay candidate).
func (d DeviceInfo) IsNonLocalUnicast(dst meshaddr.Address) bool {
	return dst.Kind == meshaddr.Unicast && !d.IsLocalUnicast(dst)
}

type replayEntry struct {
	seq     wire.Seq
	ivLow16 uint16
}

// Engine holds per-node network-layer state: device info and the
// replay-protection LRU.
type Engine struct {
	DeviceInfo DeviceInfo
	replay     *lru.Cache[uint16, *replayEntry]
}

// NewEngine builds an Engine with an empty replay cache.
func NewEngine(deviceInfo DeviceInfo) *Engine {
	cache, _ := lru.New[uint16, *replayEntry](replayCacheSize)
	return &Engine{DeviceInfo: deviceInfo, replay: cache}
}

// DecryptInbound tries every network key sharing the PDU's NID, in
// store order, and returns the first one that authenticates. Returns
// ok=false (no error) if every key fails, or if replay protection or
// the self-echo rule drops the PDU — per spec.md's silent-absorption
// policy, callers must not treat that as an error.
func (e *Engine) DecryptInbound(store *secrets.Store, pdu pdunet.PDU, ivIndex wire.IvIndex) (pdunet.Cleartext, bool, error) {
	accepted := ivIndex.Accepted(pdu.Ivi)
	for _, key := range store.ByNid(pdu.Nid) {
		clear, err := e.tryDecryptWithKey(pdu, accepted, key)
		if err != nil {
			continue
		}
		if e.DeviceInfo.IsLocalUnicast(meshaddr.Parse(clear.Src)) {
			return pdunet.Cleartext{}, false, nil
		}
		if !e.checkReplay(clear.Src, accepted, clear.Seq) {
			return pdunet.Cleartext{}, false, nil
		}
		return clear, true, nil
	}
	return pdunet.Cleartext{}, false, nil
}

func (e *Engine) tryDecryptWithKey(pdu pdunet.PDU, ivIndex uint32, key *secrets.NetworkKey) (pdunet.Cleartext, error) {
	privacyPlaintext := crypto.PrivacyPlaintext(ivIndex, firstSeven(pdu.EncryptedAndMic))
	pecb, err := crypto.E(key.PrivacyKey, privacyPlaintext)
	if err != nil {
		return pdunet.Cleartext{}, err
	}
	unobfuscated := crypto.PecbXor(pecb, pdu.ObfuscatedHeader)

	ctl := unobfuscated[0]&0x80 != 0
	ttl, err := wire.ParseTtl(unobfuscated[0] & 0x7F)
	if err != nil {
		return pdunet.Cleartext{}, err
	}
	seq, err := wire.ParseSeqBytes(unobfuscated[1:4])
	if err != nil {
		return pdunet.Cleartext{}, err
	}
	var src [2]byte
	copy(src[:], unobfuscated[4:6])

	nonce := crypto.NetworkNonce(unobfuscated[0], seq.Bytes(), src, ivIndex)

	micSize := netMicSizeAccess
	if ctl {
		micSize = netMicSizeControl
	}
	if len(pdu.EncryptedAndMic) < micSize {
		return pdunet.Cleartext{}, merrors.ErrInvalidLength
	}

	payload, err := crypto.CcmDecrypt(key.EncryptionKey[:], nonce[:], pdu.EncryptedAndMic, nil, micSize)
	if err != nil {
		return pdunet.Cleartext{}, merrors.ErrCrypto
	}
	if len(payload) < 2 {
		return pdunet.Cleartext{}, merrors.ErrInvalidLength
	}
	var dst [2]byte
	copy(dst[:], payload[:2])

	return pdunet.Cleartext{
		NetworkKeyIndex: key.Index,
		Ctl:             ctl,
		Ttl:             byte(ttl),
		Seq:             seq.Bytes(),
		Src:             src,
		Dst:             dst,
		TransportPDU:    append([]byte{}, payload[2:]...),
		IvIndex:         ivIndex,
	}, nil
}

// checkReplay applies the LRU replay-protection rule and advances the
// stored entry. Returns false if the PDU must be dropped as a replay.
func (e *Engine) checkReplay(src [2]byte, ivIndex uint32, seq [3]byte) bool {
	key := uint16(src[0])<<8 | uint16(src[1])
	ivLow16 := wire.Low16(ivIndex)
	s := wire.Seq(uint32(seq[0])<<16 | uint32(seq[1])<<8 | uint32(seq[2]))

	entry, ok := e.replay.Get(key)
	if !ok {
		e.replay.Add(key, &replayEntry{seq: s, ivLow16: ivLow16})
		return true
	}
	switch {
	case ivLow16 < entry.ivLow16:
		return false
	case ivLow16 == entry.ivLow16:
		if s <= entry.seq {
			return false
		}
		entry.seq = s
		return true
	default:
		entry.ivLow16 = ivLow16
		entry.seq = s
		return true
	}
}

// EncryptOutbound assembles and encrypts a cleartext network PDU under
// key, producing the obfuscated wire PDU.
func (e *Engine) EncryptOutbound(clear pdunet.Cleartext, key *secrets.NetworkKey) (pdunet.PDU, error) {
	ctlTtl := clear.Ttl & 0x7F
	if clear.Ctl {
		ctlTtl |= 0x80
	}

	plain := make([]byte, 0, 2+len(clear.TransportPDU))
	plain = append(plain, clear.Dst[:]...)
	plain = append(plain, clear.TransportPDU...)

	nonce := crypto.NetworkNonce(ctlTtl, clear.Seq, clear.Src, clear.IvIndex)

	micSize := netMicSizeAccess
	if clear.Ctl {
		micSize = netMicSizeControl
	}
	encryptedAndMic, err := crypto.CcmEncrypt(key.EncryptionKey[:], nonce[:], plain, nil, micSize)
	if err != nil {
		return pdunet.PDU{}, err
	}

	privacyPlaintext := crypto.PrivacyPlaintext(clear.IvIndex, firstSeven(encryptedAndMic))
	pecb, err := crypto.E(key.PrivacyKey, privacyPlaintext)
	if err != nil {
		return pdunet.PDU{}, err
	}

	var unobfuscated [6]byte
	unobfuscated[0] = ctlTtl
	unobfuscated[1] = clear.Seq[0]
	unobfuscated[2] = clear.Seq[1]
	unobfuscated[3] = clear.Seq[2]
	unobfuscated[4] = clear.Src[0]
	unobfuscated[5] = clear.Src[1]
	obfuscated := crypto.PecbXor(pecb, unobfuscated)

	return pdunet.PDU{
		Ivi:              clear.IvIndex&1 == 1,
		Nid:              key.Nid,
		ObfuscatedHeader: obfuscated,
		EncryptedAndMic:  encryptedAndMic,
	}, nil
}

// Relay decides whether clear should be forwarded: dst not local and
// ttl > 1. Returns the TTL-decremented cleartext PDU and true if so.
func (e *Engine) Relay(clear pdunet.Cleartext) (pdunet.Cleartext, bool) {
	dst := meshaddr.Parse(clear.Dst)
	if e.DeviceInfo.IsLocalUnicast(dst) {
		return pdunet.Cleartext{}, false
	}
	ttl, err := wire.ParseTtl(clear.Ttl)
	if err != nil || ttl.IsTerminal() {
		return pdunet.Cleartext{}, false
	}
	relayed := clear
	relayed.Ttl = byte(ttl.Decrement())
	return relayed, true
}

func firstSeven(b []byte) [7]byte {
	var out [7]byte
	copy(out[:], b)
	return out
}
