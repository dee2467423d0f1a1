package upper

import (
	"testing"

	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/wire"
)

func testStore(t *testing.T) *secrets.Store {
	t.Helper()
	s := secrets.NewStore([16]byte{0x01})
	if err := s.AddNetworkKey(0, [16]byte{0x7d, 0xd7, 0x36, 0x4c, 0xd8, 0x42, 0xad, 0x18, 0xc1, 0x7c, 0x2b, 0x82, 0x0c, 0x84, 0xc3, 0xd6}); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	if err := s.AddApplicationKey(0, 0, [16]byte{0x63, 0x96, 0x47, 0x71, 0x73, 0x4f, 0xbd, 0x76, 0xe3, 0xb4, 0x05, 0x19, 0xd1, 0xd9, 0x4a, 0x48}); err != nil {
		t.Fatalf("AddApplicationKey: %v", err)
	}
	return s
}

func TestEncryptDecryptAccessWithApplicationKey(t *testing.T) {
	store := testStore(t)
	appKey, err := store.ApplicationKey(0)
	if err != nil {
		t.Fatalf("ApplicationKey: %v", err)
	}
	drv := NewDriver()

	msg := pduaccess.Message{Opcode: wire.OneOctetOpcode(0x82), Parameters: []byte{0xAA, 0xBB}}
	src := [2]byte{0x00, 0x10}
	dst := [2]byte{0x00, 0x20}
	seq, _ := wire.ParseSeq(42)

	key := KeyHandle{Application: true, Index: 0}
	encrypted, err := drv.EncryptAccess(store, key, wire.SzMic32, seq, src, dst, 0x1000, nil, msg)
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}

	got, err := drv.DecryptAccess(store, true, appKey.Aid, wire.SzMic32, seq, src, dst, 0x1000, encrypted)
	if err != nil {
		t.Fatalf("DecryptAccess: %v", err)
	}
	if !got.Key.Application || got.Key.Index != 0 {
		t.Errorf("key handle = %+v, want application key 0", got.Key)
	}
	if !got.Message.Opcode.Equal(msg.Opcode) || string(got.Message.Parameters) != string(msg.Parameters) {
		t.Errorf("message = %+v, want %+v", got.Message, msg)
	}
}

func TestEncryptDecryptAccessWithDeviceKey(t *testing.T) {
	store := testStore(t)
	drv := NewDriver()

	msg := pduaccess.Message{Opcode: wire.OneOctetOpcode(0x00), Parameters: []byte{0x01}}
	src := [2]byte{0x00, 0x10}
	dst := [2]byte{0x00, 0x10}
	seq, _ := wire.ParseSeq(1)

	encrypted, err := drv.EncryptAccess(store, KeyHandle{Device: true}, wire.SzMic32, seq, src, dst, 0, nil, msg)
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}
	got, err := drv.DecryptAccess(store, false, 0, wire.SzMic32, seq, src, dst, 0, encrypted)
	if err != nil {
		t.Fatalf("DecryptAccess: %v", err)
	}
	if !got.Key.Device {
		t.Errorf("key handle = %+v, want device key", got.Key)
	}
}

func TestDecryptAccessWrongAidFails(t *testing.T) {
	store := testStore(t)
	drv := NewDriver()
	msg := pduaccess.Message{Opcode: wire.OneOctetOpcode(0x01)}
	src := [2]byte{0x00, 0x10}
	dst := [2]byte{0x00, 0x20}
	seq, _ := wire.ParseSeq(5)

	encrypted, err := drv.EncryptAccess(store, KeyHandle{Application: true, Index: 0}, wire.SzMic32, seq, src, dst, 0, nil, msg)
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}
	if _, err := drv.DecryptAccess(store, true, 0xFF, wire.SzMic32, seq, src, dst, 0, encrypted); err == nil {
		t.Error("expected decrypt failure for an AID with no matching key")
	}
}

func TestLabelUuidRoundTripForVirtualDestination(t *testing.T) {
	store := testStore(t)
	drv := NewDriver()
	uuid := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
	if err := drv.AddLabelUUID(uuid); err != nil {
		t.Fatalf("AddLabelUUID: %v", err)
	}
	addr := drv.labelUUIDs[0].Address.Bytes()

	msg := pduaccess.Message{Opcode: wire.OneOctetOpcode(0x01), Parameters: []byte{0x0A}}
	src := [2]byte{0x00, 0x10}
	seq, _ := wire.ParseSeq(7)

	encrypted, err := drv.EncryptAccess(store, KeyHandle{Application: true, Index: 0}, wire.SzMic32, seq, src, addr, 0, &uuid, msg)
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}
	appKey, _ := store.ApplicationKey(0)

	got, err := drv.DecryptAccess(store, true, appKey.Aid, wire.SzMic32, seq, src, addr, 0, encrypted)
	if err != nil {
		t.Fatalf("DecryptAccess: %v", err)
	}
	if got.LabelUUID == nil || *got.LabelUUID != uuid {
		t.Errorf("expected label UUID candidate to be returned, got %+v", got.LabelUUID)
	}
}

func TestRemoveLabelUuid(t *testing.T) {
	drv := NewDriver()
	uuid := [16]byte{0x01}
	if err := drv.AddLabelUUID(uuid); err != nil {
		t.Fatalf("AddLabelUUID: %v", err)
	}
	drv.RemoveLabelUUID(uuid)
	if len(drv.labelUUIDs) != 0 {
		t.Errorf("expected label UUID removed, got %d entries", len(drv.labelUUIDs))
	}
}
