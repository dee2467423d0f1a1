// Package upper is the driver-level upper transport engine: AKF/AID-
// dispatched access-message encrypt/decrypt, label-UUID candidate
// trial for virtual-address traffic, and the label-UUID registration
// table. Distinct from pdu/upper, the wire codec it builds on.
// Grounded on
// original_source/btmesh-driver/src/stack/provisioned/upper/mod.rs.
package upper

import (
	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/meshaddr"
	"github.com/hhorai/btmesh/merrors"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	pduupper "github.com/hhorai/btmesh/pdu/upper"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/wire"
)

const maxLabelUuids = 20

// KeyHandle names which key an access message was (or must be)
// protected under.
type KeyHandle struct {
	Device      bool
	Application bool
	Index       uint16 // meaningful when Application
}

// Decrypted is the result of successfully decrypting an inbound access
// PDU: the recovered message plus which key (and, for a virtual
// destination, which label UUID) unlocked it.
type Decrypted struct {
	Message   pduaccess.Message
	Key       KeyHandle
	LabelUUID *[16]byte
}

// Driver holds the node's label-UUID registration table: virtual
// addresses this node subscribes to, carried alongside their 16-byte
// label so inbound decryption can try every candidate and outbound
// encryption can pick one.
type Driver struct {
	labelUUIDs []meshaddr.LabelUuid
}

// NewDriver builds an empty label-UUID table.
func NewDriver() *Driver {
	return &Driver{}
}

// AddLabelUUID registers uuid as a decrypt/encrypt candidate.
func (d *Driver) AddLabelUUID(uuid [16]byte) error {
	if len(d.labelUUIDs) >= maxLabelUuids {
		return merrors.ErrInsufficientSpace
	}
	l, err := meshaddr.NewLabelUuid(uuid)
	if err != nil {
		return err
	}
	d.labelUUIDs = append(d.labelUUIDs, l)
	return nil
}

// RemoveLabelUUID unregisters every entry matching uuid.
func (d *Driver) RemoveLabelUUID(uuid [16]byte) {
	kept := d.labelUUIDs[:0]
	for _, l := range d.labelUUIDs {
		if l.UUID != uuid {
			kept = append(kept, l)
		}
	}
	d.labelUUIDs = kept
}

// candidatesFor returns every registered label UUID whose derived
// virtual address matches dst, most-recently-registered first (per
// spec.md's Open Question decision on outbound candidate precedence).
func (d *Driver) candidatesFor(dst meshaddr.Address) []meshaddr.LabelUuid {
	if dst.Kind != meshaddr.Virtual {
		return nil
	}
	var out []meshaddr.LabelUuid
	for i := len(d.labelUUIDs) - 1; i >= 0; i-- {
		if d.labelUUIDs[i].Address.Value == dst.Value {
			out = append(out, d.labelUUIDs[i])
		}
	}
	return out
}

// DecryptAccess decrypts an inbound access PDU. If akf is set, every
// application key sharing aid is tried (and, for a virtual
// destination, every registered label UUID candidate as AAD) until one
// authenticates; otherwise the device key is tried directly.
func (d *Driver) DecryptAccess(store *secrets.Store, akf bool, aid byte, szmic wire.SzMic, seq wire.Seq, src, dst [2]byte, ivIndex uint32, pdu pduupper.Access) (Decrypted, error) {
	if !akf {
		return d.decryptWithDeviceKey(store, szmic, seq, src, dst, ivIndex, pdu)
	}

	dstAddr := meshaddr.Parse(dst)
	candidates := d.candidatesFor(dstAddr)

	for _, appKey := range store.ByAid(aid) {
		nonce := crypto.ApplicationNonce(szmic.Bit(), seq.Bytes(), src, dst, ivIndex)
		if len(candidates) == 0 {
			if payload, err := crypto.CcmDecrypt(appKey.Raw[:], nonce[:], pdu.Emit(), nil, szmic.Bytes()); err == nil {
				msg, perr := pduaccess.Parse(payload)
				if perr != nil {
					return Decrypted{}, perr
				}
				return Decrypted{Message: msg, Key: KeyHandle{Application: true, Index: appKey.Index}}, nil
			}
			continue
		}
		for _, cand := range candidates {
			uuid := cand.UUID
			if payload, err := crypto.CcmDecrypt(appKey.Raw[:], nonce[:], pdu.Emit(), uuid[:], szmic.Bytes()); err == nil {
				msg, perr := pduaccess.Parse(payload)
				if perr != nil {
					return Decrypted{}, perr
				}
				return Decrypted{Message: msg, Key: KeyHandle{Application: true, Index: appKey.Index}, LabelUUID: &uuid}, nil
			}
		}
	}
	return Decrypted{}, merrors.ErrCrypto
}

func (d *Driver) decryptWithDeviceKey(store *secrets.Store, szmic wire.SzMic, seq wire.Seq, src, dst [2]byte, ivIndex uint32, pdu pduupper.Access) (Decrypted, error) {
	nonce := crypto.DeviceNonce(szmic.Bit(), seq.Bytes(), src, dst, ivIndex)
	payload, err := crypto.CcmDecrypt(store.DeviceKey[:], nonce[:], pdu.Emit(), nil, szmic.Bytes())
	if err != nil {
		return Decrypted{}, merrors.ErrCrypto
	}
	msg, err := pduaccess.Parse(payload)
	if err != nil {
		return Decrypted{}, err
	}
	return Decrypted{Message: msg, Key: KeyHandle{Device: true}}, nil
}

// EncryptAccess encrypts an outbound access message under key, binding
// labelUUID into the AAD when dst is the virtual address it derives
// (nil for unicast/group destinations or a device-key message).
func (d *Driver) EncryptAccess(store *secrets.Store, key KeyHandle, szmic wire.SzMic, seq wire.Seq, src, dst [2]byte, ivIndex uint32, labelUUID *[16]byte, message pduaccess.Message) (pduupper.Access, error) {
	payload := message.Emit()

	var rawKey []byte
	var nonce [13]byte
	if key.Application {
		appKey, err := store.ApplicationKey(key.Index)
		if err != nil {
			return pduupper.Access{}, err
		}
		rawKey = appKey.Raw[:]
		nonce = crypto.ApplicationNonce(szmic.Bit(), seq.Bytes(), src, dst, ivIndex)
	} else {
		rawKey = store.DeviceKey[:]
		nonce = crypto.DeviceNonce(szmic.Bit(), seq.Bytes(), src, dst, ivIndex)
	}

	var aad []byte
	if labelUUID != nil {
		aad = labelUUID[:]
	}

	cipherAndTag, err := crypto.CcmEncrypt(rawKey, nonce[:], payload, aad, szmic.Bytes())
	if err != nil {
		return pduupper.Access{}, err
	}
	return pduupper.ParseAccess(cipherAndTag, szmic)
}
