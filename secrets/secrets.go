// Package secrets is the fixed-capacity key store: device key, network
// keys (NID + EncryptionKey + PrivacyKey via k2) and application keys
// (AID via k4, bound to a network key index). Grounded on
// original_source/btmesh-common/src/crypto/network.rs's NetworkKey type
// and the teacher's habit (encoding/nas) of keeping small fixed-size
// key tables rather than a map keyed by arbitrary index.
package secrets

import (
	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/merrors"
)

const (
	maxNetworkKeys     = 4
	maxApplicationKeys = 16
)

// NetworkKey holds a network key's raw material plus its k2-derived
// NID/EncryptionKey/PrivacyKey triple.
type NetworkKey struct {
	Index         uint16
	Raw           [16]byte
	Nid           byte
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
}

// ApplicationKey holds an application key's raw material, its k4-derived
// AID, and the network key index it is bound to.
type ApplicationKey struct {
	Index     uint16
	NetKeyIdx uint16
	Raw       [16]byte
	Aid       byte
}

// Store is the fixed-capacity secrets table for one node.
type Store struct {
	DeviceKey       [16]byte
	networkKeys     [maxNetworkKeys]*NetworkKey
	applicationKeys [maxApplicationKeys]*ApplicationKey
}

// NewStore builds an empty store with the given device key.
func NewStore(deviceKey [16]byte) *Store {
	return &Store{DeviceKey: deviceKey}
}

// AddNetworkKey derives and stores a network key at idx, replacing any
// key already stored there.
func (s *Store) AddNetworkKey(idx uint16, raw [16]byte) error {
	slot, err := s.networkSlot(idx)
	if err != nil {
		return err
	}
	nid, encKey, privKey, err := crypto.K2(raw[:], []byte{0x00})
	if err != nil {
		return err
	}
	nk := &NetworkKey{Index: idx, Raw: raw, Nid: nid}
	copy(nk.EncryptionKey[:], encKey)
	copy(nk.PrivacyKey[:], privKey)
	*slot = nk
	return nil
}

// AddApplicationKey derives and stores an application key bound to
// netIdx, failing with ErrInvalidNetKeyIndex if no such network key is
// present.
func (s *Store) AddApplicationKey(netIdx, appIdx uint16, raw [16]byte) error {
	if _, err := s.NetworkKey(netIdx); err != nil {
		return merrors.ErrInvalidNetKeyIndex
	}
	slot, err := s.appSlot(appIdx)
	if err != nil {
		return err
	}
	aid, err := crypto.K4(raw[:])
	if err != nil {
		return err
	}
	*slot = &ApplicationKey{Index: appIdx, NetKeyIdx: netIdx, Raw: raw, Aid: aid}
	return nil
}

// DeleteApplicationKey removes the application key at appIdx, if present.
func (s *Store) DeleteApplicationKey(appIdx uint16) {
	for i, k := range s.applicationKeys {
		if k != nil && k.Index == appIdx {
			s.applicationKeys[i] = nil
			return
		}
	}
}

// NetworkKey looks up a network key by its index.
func (s *Store) NetworkKey(idx uint16) (*NetworkKey, error) {
	for _, k := range s.networkKeys {
		if k != nil && k.Index == idx {
			return k, nil
		}
	}
	return nil, merrors.ErrInvalidNetKeyIndex
}

// ApplicationKey looks up an application key by its index.
func (s *Store) ApplicationKey(idx uint16) (*ApplicationKey, error) {
	for _, k := range s.applicationKeys {
		if k != nil && k.Index == idx {
			return k, nil
		}
	}
	return nil, merrors.ErrInvalidAppKeyIndex
}

// ByNid returns every network key whose derived NID matches nid —
// ordinarily one, but NID collisions across distinct network keys are
// possible and callers must try each.
func (s *Store) ByNid(nid byte) []*NetworkKey {
	var out []*NetworkKey
	for _, k := range s.networkKeys {
		if k != nil && k.Nid == nid {
			out = append(out, k)
		}
	}
	return out
}

// ByAid returns every application key whose derived AID matches aid.
func (s *Store) ByAid(aid byte) []*ApplicationKey {
	var out []*ApplicationKey
	for _, k := range s.applicationKeys {
		if k != nil && k.Aid == aid {
			out = append(out, k)
		}
	}
	return out
}

// NetworkKeys returns every stored network key, for persistence
// snapshotting (storage.Blob) rather than lookup.
func (s *Store) NetworkKeys() []*NetworkKey {
	var out []*NetworkKey
	for _, k := range s.networkKeys {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

// ApplicationKeys returns every stored application key, for
// persistence snapshotting.
func (s *Store) ApplicationKeys() []*ApplicationKey {
	var out []*ApplicationKey
	for _, k := range s.applicationKeys {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) networkSlot(idx uint16) (**NetworkKey, error) {
	var empty *int
	for i, k := range s.networkKeys {
		if k != nil && k.Index == idx {
			return &s.networkKeys[i], nil
		}
		if k == nil && empty == nil {
			j := i
			empty = &j
		}
	}
	if empty == nil {
		return nil, merrors.ErrInsufficientSpace
	}
	return &s.networkKeys[*empty], nil
}

func (s *Store) appSlot(idx uint16) (**ApplicationKey, error) {
	var empty *int
	for i, k := range s.applicationKeys {
		if k != nil && k.Index == idx {
			return nil, merrors.ErrAppKeyIndexExists
		}
		if k == nil && empty == nil {
			j := i
			empty = &j
		}
	}
	if empty == nil {
		return nil, merrors.ErrInsufficientSpace
	}
	return &s.applicationKeys[*empty], nil
}
