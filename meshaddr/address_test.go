package meshaddr

import "testing"

func TestParseUnassigned(t *testing.T) {
	a := Parse([2]byte{0x00, 0x00})
	if a.Kind != Unassigned {
		t.Errorf("Kind = %v, want Unassigned", a.Kind)
	}
}

func TestParseUnicast(t *testing.T) {
	a := Parse([2]byte{0x00, 0x0A})
	if a.Kind != Unicast || a.Value != 0x000A {
		t.Errorf("got %+v, want Unicast(0x000A)", a)
	}
}

func TestParseVirtual(t *testing.T) {
	a := Parse([2]byte{0x80, 0x0A})
	if a.Kind != Virtual || a.Value != 0x800A {
		t.Errorf("got %+v, want Virtual(0x800A)", a)
	}
}

func TestParseGroup(t *testing.T) {
	cases := []struct {
		b    [2]byte
		kind GroupKind
		val  uint16
	}{
		{[2]byte{0xFF, 0xFC}, GroupAllProxies, 0xFFFC},
		{[2]byte{0xFF, 0xFD}, GroupAllFriends, 0xFFFD},
		{[2]byte{0xFF, 0xFE}, GroupAllRelays, 0xFFFE},
		{[2]byte{0xFF, 0xFF}, GroupAllNodes, 0xFFFF},
		{[2]byte{0xFF, 0x0A}, GroupRFU, 0xFF0A},
		{[2]byte{0xC0, 0x00}, GroupNormal, 0xC000},
	}
	for _, c := range cases {
		a := Parse(c.b)
		if a.Kind != Group || a.GroupKind != c.kind || a.Value != c.val {
			t.Errorf("Parse(%x) = %+v, want Group kind=%v val=%#x", c.b, a, c.kind, c.val)
		}
	}
}

func TestBytesRoundTrip(t *testing.T) {
	for _, raw := range [][2]byte{{0x00, 0x00}, {0x12, 0x01}, {0x80, 0x0A}, {0xC0, 0x01}} {
		a := Parse(raw)
		if got := a.Bytes(); got != raw && a.Kind != Unassigned {
			t.Errorf("Bytes() round trip = %x, want %x", got, raw)
		}
	}
}

func TestVirtualAddressOf(t *testing.T) {
	// Mesh Profile test vector: label a04bf881e4a7bf702dfee1638ab8b2b3 -> 0x800F.
	uuid := [16]byte{
		0xa0, 0x4b, 0xf8, 0x81, 0xe4, 0xa7, 0xbf, 0x70, 0x2d, 0xfe, 0xe1, 0x63, 0x8a, 0xb8, 0xb2, 0xb3,
	}
	addr, err := VirtualAddressOf(uuid)
	if err != nil {
		t.Fatalf("VirtualAddressOf: %v", err)
	}
	if addr.Value != 0x800F {
		t.Errorf("VirtualAddressOf = %#x, want 0x800f", addr.Value)
	}
}

func TestNewUnicastRejectsZeroAndHighBit(t *testing.T) {
	if _, err := NewUnicast(0); err == nil {
		t.Error("expected error for address 0")
	}
	if _, err := NewUnicast(0x8001); err == nil {
		t.Error("expected error for address with top bit set")
	}
	if _, err := NewUnicast(1); err != nil {
		t.Errorf("NewUnicast(1): %v", err)
	}
}

func TestNewGroupRejectsNonGroupBits(t *testing.T) {
	if _, err := NewGroup(0x8000); err == nil {
		t.Error("expected error for non-group bit pattern")
	}
	if _, err := NewGroup(0xC000); err != nil {
		t.Errorf("NewGroup(0xC000): %v", err)
	}
}
