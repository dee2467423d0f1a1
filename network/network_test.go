package network

import (
	"github.com/hhorai/btmesh/pdu/network"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/wire"
	"testing"
)

func testStore(t *testing.T) *secrets.Store {
	t.Helper()
	s := secrets.NewStore([16]byte{})
	raw := [16]byte{0x7d, 0xd7, 0x36, 0x4c, 0xd8, 0x42, 0xad, 0x18, 0xc1, 0x7c, 0x2b, 0x82, 0x0c, 0x84, 0xc3, 0xd6}
	if err := s.AddNetworkKey(0, raw); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	return s
}

// Invariant 1: a cleartext network PDU round-trips through
// encrypt/decrypt with the same key.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := testStore(t)
	key, _ := store.NetworkKey(0)
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0001, NumberOfElements: 1})

	clear := network.Cleartext{
		NetworkKeyIndex: 0,
		Ctl:             false,
		Ttl:             5,
		Seq:             [3]byte{0x00, 0x00, 0x01},
		Src:             [2]byte{0x00, 0x10},
		Dst:             [2]byte{0x00, 0x20},
		TransportPDU:    []byte{0xAB, 0xCD, 0xEF},
		IvIndex:         0x12345678,
	}

	wirePDU, err := engine.EncryptOutbound(clear, key)
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}

	ivIndex := wire.IvIndex{Value: clear.IvIndex}
	got, ok, err := engine.DecryptInbound(store, wirePDU, ivIndex)
	if err != nil {
		t.Fatalf("DecryptInbound: %v", err)
	}
	if !ok {
		t.Fatal("DecryptInbound returned ok=false")
	}
	if got.Ctl != clear.Ctl || got.Ttl != clear.Ttl || got.Seq != clear.Seq ||
		got.Src != clear.Src || got.Dst != clear.Dst || string(got.TransportPDU) != string(clear.TransportPDU) {
		t.Errorf("got %+v, want round-trip of %+v", got, clear)
	}
}

// Invariant 4: replaying the same network PDU is dropped the second time.
func TestReplayProtectionDropsDuplicateSeq(t *testing.T) {
	store := testStore(t)
	key, _ := store.NetworkKey(0)
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0001, NumberOfElements: 1})

	clear := network.Cleartext{
		Ttl: 5, Seq: [3]byte{0, 0, 5}, Src: [2]byte{0x00, 0x10}, Dst: [2]byte{0x00, 0x20},
		TransportPDU: []byte{1, 2, 3}, IvIndex: 0x1000,
	}
	wirePDU, err := engine.EncryptOutbound(clear, key)
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}
	ivIndex := wire.IvIndex{Value: clear.IvIndex}

	_, ok, err := engine.DecryptInbound(store, wirePDU, ivIndex)
	if err != nil || !ok {
		t.Fatalf("first decrypt: ok=%v err=%v, want true, nil", ok, err)
	}

	_, ok, err = engine.DecryptInbound(store, wirePDU, ivIndex)
	if err != nil {
		t.Fatalf("second decrypt: %v", err)
	}
	if ok {
		t.Error("replayed PDU was not dropped")
	}
}

func TestSelfEchoDropped(t *testing.T) {
	store := testStore(t)
	key, _ := store.NetworkKey(0)
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0010, NumberOfElements: 2})

	clear := network.Cleartext{
		Ttl: 3, Seq: [3]byte{0, 0, 9}, Src: [2]byte{0x00, 0x10}, Dst: [2]byte{0x00, 0x99},
		TransportPDU: []byte{1}, IvIndex: 0x1000,
	}
	wirePDU, err := engine.EncryptOutbound(clear, key)
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}
	_, ok, err := engine.DecryptInbound(store, wirePDU, wire.IvIndex{Value: clear.IvIndex})
	if err != nil {
		t.Fatalf("DecryptInbound: %v", err)
	}
	if ok {
		t.Error("expected self-echo PDU to be dropped")
	}
}

// Invariant 5: relaying decrements TTL and preserves the payload.
func TestRelayDecrementsTtl(t *testing.T) {
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0001, NumberOfElements: 1})
	clear := network.Cleartext{Ttl: 4, Dst: [2]byte{0x00, 0x99}, TransportPDU: []byte{9, 9}}

	relayed, ok := engine.Relay(clear)
	if !ok {
		t.Fatal("expected relay to proceed")
	}
	if relayed.Ttl != 3 {
		t.Errorf("ttl = %d, want 3", relayed.Ttl)
	}
	if string(relayed.TransportPDU) != string(clear.TransportPDU) {
		t.Error("relay must not alter the transport payload")
	}
}

func TestRelayTerminalTtlDropped(t *testing.T) {
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0001, NumberOfElements: 1})
	clear := network.Cleartext{Ttl: 1, Dst: [2]byte{0x00, 0x99}}
	if _, ok := engine.Relay(clear); ok {
		t.Error("ttl == 1 must not be relayed")
	}
}

func TestRelayLocalDestinationNotRelayed(t *testing.T) {
	engine := NewEngine(DeviceInfo{PrimaryUnicastAddress: 0x0010, NumberOfElements: 2})
	clear := network.Cleartext{Ttl: 5, Dst: [2]byte{0x00, 0x10}}
	if _, ok := engine.Relay(clear); ok {
		t.Error("local unicast destination must not be relayed")
	}
}
