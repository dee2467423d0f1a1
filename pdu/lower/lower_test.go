package lower

import (
	"testing"

	"github.com/hhorai/btmesh/wire"
)

func TestUnsegmentedAccessRoundTrip(t *testing.T) {
	p := UnsegmentedAccess{Akf: true, Aid: 0x2A, UpperPDU: []byte{1, 2, 3}}
	got, err := ParseUnsegmentedAccess(p.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Akf != p.Akf || got.Aid != p.Aid || string(got.UpperPDU) != string(p.UpperPDU) {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestSegmentedAccessRoundTrip(t *testing.T) {
	p := SegmentedAccess{
		Akf: false, Aid: 0, SzMic: wire.SzMicFromBit(1),
		SeqZero: 0x1234 & 0x1FFF, SegO: 3, SegN: 7,
		SegmentM: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	got, err := ParseSegmentedAccess(p.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.SeqZero != p.SeqZero || got.SegO != p.SegO || got.SegN != p.SegN || got.SzMic != p.SzMic {
		t.Errorf("got %+v, want %+v", got, p)
	}
	if string(got.SegmentM) != string(p.SegmentM) {
		t.Errorf("segment_m = %v, want %v", got.SegmentM, p.SegmentM)
	}
}

func TestSegmentedControlRoundTrip(t *testing.T) {
	p := SegmentedControl{
		Opcode: 0x00, SeqZero: 42, SegO: 1, SegN: 2,
		SegmentM: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	got, err := ParseSegmentedControl(p.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Opcode != p.Opcode || got.SeqZero != p.SeqZero || got.SegO != p.SegO || got.SegN != p.SegN {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestUnsegmentedControlRoundTrip(t *testing.T) {
	p := UnsegmentedControl{Opcode: 0x01, Parameters: []byte{9, 9}}
	got, err := ParseUnsegmentedControl(p.Emit())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Opcode != p.Opcode || string(got.Parameters) != string(p.Parameters) {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

// block_ack_valid_blocks, reproduced from
// original_source/btmesh-pdu/src/lower/mod.rs.
func TestBlockAckValidBlocks(t *testing.T) {
	var b BlockAck
	if b.Value() != 0 {
		t.Fatalf("initial value = %d, want 0", b.Value())
	}
	if acked, err := b.IsAcked(1); err != nil || acked {
		t.Fatalf("IsAcked(1) = %v, %v, want false, nil", acked, err)
	}
	if err := b.Ack(1); err != nil {
		t.Fatalf("Ack(1): %v", err)
	}
	if acked, _ := b.IsAcked(1); !acked {
		t.Error("IsAcked(1) = false after Ack(1)")
	}
	if err := b.Ack(1); err != nil {
		t.Fatalf("Ack(1) again: %v", err)
	}
	if acked, _ := b.IsAcked(4); acked {
		t.Error("IsAcked(4) = true before Ack(4)")
	}
	if err := b.Ack(4); err != nil {
		t.Fatalf("Ack(4): %v", err)
	}
	if b.Value() != 18 {
		t.Errorf("value = %d, want 18", b.Value())
	}
	if err := b.Ack(0); err != nil {
		t.Fatalf("Ack(0): %v", err)
	}
	if acked, _ := b.IsAcked(0); !acked {
		t.Error("IsAcked(0) = false after Ack(0)")
	}
	if err := b.Ack(31); err != nil {
		t.Fatalf("Ack(31): %v", err)
	}
	if acked, _ := b.IsAcked(31); !acked {
		t.Error("IsAcked(31) = false after Ack(31)")
	}
}

func TestBlockAckInvalidBlocks(t *testing.T) {
	var b BlockAck
	if err := b.Ack(32); err == nil {
		t.Error("expected error for Ack(32)")
	}
	if _, err := b.IsAcked(32); err == nil {
		t.Error("expected error for IsAcked(32)")
	}
	if err := b.Ack(99); err == nil {
		t.Error("expected error for Ack(99)")
	}
}

func TestBlockAckComplete(t *testing.T) {
	var b BlockAck
	_ = b.Ack(0)
	_ = b.Ack(1)
	_ = b.Ack(2)
	if !b.Complete(2) {
		t.Error("expected Complete(2) after acking 0,1,2")
	}
	if b.Complete(3) {
		t.Error("did not expect Complete(3) with segment 3 unacked")
	}
}
