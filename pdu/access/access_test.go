package access

import (
	"github.com/hhorai/btmesh/wire"
	"testing"
)

func TestRoundTripOneOctetOpcode(t *testing.T) {
	m := Message{Opcode: wire.OneOctetOpcode(0x04), Parameters: []byte{0x01}}
	got, err := Parse(m.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Opcode.Equal(m.Opcode) || string(got.Parameters) != string(m.Parameters) {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestRoundTripTwoOctetOpcode(t *testing.T) {
	m := Message{Opcode: wire.TwoOctetOpcode(0x80, 0x09), Parameters: nil}
	got, err := Parse(m.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Opcode.Equal(m.Opcode) {
		t.Errorf("opcode = %+v, want %+v", got.Opcode, m.Opcode)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("expected error for empty data")
	}
}
