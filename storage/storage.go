// Package storage is the typed load/store of one configuration blob
// (spec.md section 6, "Persisted configuration"): network state,
// secrets, device info, the running sequence number, foundation
// settings, and the dispatcher's bindings/publications/subscriptions.
// A JSON blob round-tripped through a file, the way the teacher loads
// gnbsim.json (encoding/ngap.NewNGAP) — no flash/NOR abstraction is
// appropriate for a Go process, so this package keeps the original's
// writeback-coalescing *policy* (original_source/btmesh-driver/src/
// storage/flash.rs's should_writeback) without its flash-specific
// erase/page machinery.
package storage

import (
	"crypto/sha256"
	"encoding/json"
	"os"

	"github.com/google/uuid"

	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/merrors"
)

// NetworkState is the node's IV index and whether an IV update is
// currently in progress (spec.md section 3).
type NetworkState struct {
	IvIndex      uint32 `json:"iv_index"`
	IvUpdateFlag bool   `json:"iv_update_flag"`
}

// NetworkKey is one persisted network key's raw material. Derived
// fields (NID, EncryptionKey, PrivacyKey) are re-computed by
// secrets.Store.AddNetworkKey on load rather than stored twice.
type NetworkKey struct {
	Index uint16   `json:"index"`
	Raw   [16]byte `json:"raw"`
}

// ApplicationKey is one persisted application key's raw material and
// its parent network key index.
type ApplicationKey struct {
	Index       uint16   `json:"index"`
	NetKeyIndex uint16   `json:"net_key_index"`
	Raw         [16]byte `json:"raw"`
}

// Secrets is the persisted key material (spec.md section 6).
type Secrets struct {
	DeviceKey       [16]byte         `json:"device_key"`
	NetworkKeys     []NetworkKey     `json:"network_keys"`
	ApplicationKeys []ApplicationKey `json:"application_keys"`
}

// DeviceInfo is the node's fixed identity: a UUID minted once at
// manufacture (the unprovisioned beacon's identity,
// bearer.Beacon.UUID) plus the addressing it was assigned once
// provisioned.
type DeviceInfo struct {
	UUID           uuid.UUID `json:"uuid"`
	PrimaryUnicast uint16    `json:"primary_unicast"`
	ElementCount   byte      `json:"element_count"`
}

// Foundation is the node's Configuration Server state: whether the
// secure network beacon is advertised, relay behavior, and the
// default TTL applied to locally originated messages.
type Foundation struct {
	Beacon             bool `json:"beacon"`
	RelayEnabled       bool `json:"relay_enabled"`
	RelayCount         byte `json:"relay_count"`
	RelayIntervalSteps byte `json:"relay_interval_steps"`
	DefaultTTL         byte `json:"default_ttl"`
}

// Blob is the one typed configuration blob spec.md section 6
// specifies: every field a node needs to resume operation across a
// restart, loaded and stored atomically as a unit.
type Blob struct {
	NetworkState  NetworkState            `json:"network_state"`
	Secrets       Secrets                 `json:"secrets"`
	DeviceInfo    DeviceInfo              `json:"device_info"`
	Sequence      uint32                  `json:"sequence"`
	Foundation    Foundation              `json:"foundation"`
	Bindings      []dispatch.Binding      `json:"bindings"`
	Publications  []dispatch.Publication  `json:"publications"`
	Subscriptions []dispatch.Subscription `json:"subscriptions"`
}

// lastLoad records what a Store last saw on disk, mirroring
// flash.rs's LatestLoad enum: either nothing has been loaded yet, or
// the structural hash and sequence number of the last blob that was
// read or written.
type lastLoad struct {
	set            bool
	structuralHash [32]byte
	sequence       uint32
}

// Store is a file-backed Blob with flash.rs's writeback-coalescing
// policy: every structural change is written back immediately, but a
// sequence-only change is only written back once every
// sequenceThreshold counts (or on a Δ of at least that much), the
// same flash-wear tradeoff the original makes for a NOR-flash page
// erase/write cycle budget.
type Store struct {
	path              string
	sequenceThreshold uint32
	last              lastLoad
}

// NewStore opens a Store backed by the file at path, coalescing
// sequence-only writebacks to once every sequenceThreshold counts.
func NewStore(path string, sequenceThreshold uint32) *Store {
	return &Store{path: path, sequenceThreshold: sequenceThreshold}
}

// Load reads and parses the blob, recording its structural hash and
// sequence number so the first Store call afterward can decide
// whether anything actually changed.
func (s *Store) Load() (Blob, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Blob{}, &merrors.StorageError{Err: err}
	}
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return Blob{}, &merrors.StorageError{Err: err}
	}
	s.last = lastLoad{set: true, structuralHash: structuralHash(b), sequence: b.Sequence}
	return b, nil
}

// Store writes b back if shouldWriteback says the change is worth a
// flash-wear cycle: unconditionally the first time, unconditionally
// on any structural change, and on a sequence-only change only once
// the threshold policy is met.
func (s *Store) Store(b Blob) error {
	if !s.shouldWriteback(b) {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return &merrors.StorageError{Err: err}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return &merrors.StorageError{Err: err}
	}
	s.last = lastLoad{set: true, structuralHash: structuralHash(b), sequence: b.Sequence}
	return nil
}

// shouldWriteback implements flash.rs's should_writeback: nothing
// loaded yet always writes, a structural change always writes, a
// sequence-only change writes only every sequenceThreshold counts or
// on a jump of at least that much.
func (s *Store) shouldWriteback(b Blob) bool {
	if !s.last.set {
		return true
	}
	if structuralHash(b) != s.last.structuralHash {
		return true
	}
	if b.Sequence == s.last.sequence {
		return false
	}
	if b.Sequence%s.sequenceThreshold == 0 {
		return true
	}
	return b.Sequence-s.last.sequence >= s.sequenceThreshold
}

// structuralHash hashes every field of b except Sequence, so a
// sequence-only change is invisible to it and the threshold logic
// above is the only thing gating those writebacks.
func structuralHash(b Blob) [32]byte {
	b.Sequence = 0
	raw, err := json.Marshal(b)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(raw)
}
