package secrets

import "testing"

func TestAddNetworkKeyDerivesNidAndKeys(t *testing.T) {
	s := NewStore([16]byte{})
	raw := [16]byte{0x7d, 0xd7, 0x36, 0x4c, 0xd8, 0x42, 0xad, 0x18, 0xc1, 0x7c, 0x2b, 0x82, 0x0c, 0x84, 0xc3, 0xd6}
	if err := s.AddNetworkKey(0, raw); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	nk, err := s.NetworkKey(0)
	if err != nil {
		t.Fatalf("NetworkKey: %v", err)
	}
	if nk.Nid != 0x68 {
		t.Errorf("nid = %#x, want 0x68", nk.Nid)
	}
}

func TestAddApplicationKeyRequiresNetworkKey(t *testing.T) {
	s := NewStore([16]byte{})
	raw := [16]byte{1, 2, 3}
	if err := s.AddApplicationKey(0, 0, raw); err == nil {
		t.Error("expected InvalidNetKeyIndex when parent network key missing")
	}
	if err := s.AddNetworkKey(0, [16]byte{}); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	if err := s.AddApplicationKey(0, 0, raw); err != nil {
		t.Errorf("AddApplicationKey: %v", err)
	}
}

func TestByNidAndByAid(t *testing.T) {
	s := NewStore([16]byte{})
	if err := s.AddNetworkKey(0, [16]byte{1}); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	nk, _ := s.NetworkKey(0)
	if got := s.ByNid(nk.Nid); len(got) != 1 {
		t.Fatalf("ByNid found %d, want 1", len(got))
	}
	if err := s.AddApplicationKey(0, 0, [16]byte{2}); err != nil {
		t.Fatalf("AddApplicationKey: %v", err)
	}
	ak, _ := s.ApplicationKey(0)
	if got := s.ByAid(ak.Aid); len(got) != 1 {
		t.Fatalf("ByAid found %d, want 1", len(got))
	}
}

func TestDeleteApplicationKey(t *testing.T) {
	s := NewStore([16]byte{})
	_ = s.AddNetworkKey(0, [16]byte{1})
	_ = s.AddApplicationKey(0, 0, [16]byte{2})
	s.DeleteApplicationKey(0)
	if _, err := s.ApplicationKey(0); err == nil {
		t.Error("expected lookup failure after delete")
	}
}
