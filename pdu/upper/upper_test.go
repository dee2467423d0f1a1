package upper

import (
	"github.com/hhorai/btmesh/pdu/lower"
	"github.com/hhorai/btmesh/wire"
	"testing"
)

func TestAccessRoundTrip(t *testing.T) {
	a := Access{Payload: []byte{1, 2, 3, 4}, TransMic: []byte{0xaa, 0xbb, 0xcc, 0xdd}}
	got, err := ParseAccess(a.Emit(), wire.SzMic32)
	if err != nil {
		t.Fatalf("ParseAccess: %v", err)
	}
	if string(got.Payload) != string(a.Payload) || string(got.TransMic) != string(a.TransMic) {
		t.Errorf("got %+v, want %+v", got, a)
	}
}

func TestParseControlOpcodeRejectsUnknown(t *testing.T) {
	if _, err := ParseControlOpcode(0x7F); err == nil {
		t.Error("expected error for unassigned control opcode")
	}
	if op, err := ParseControlOpcode(0x0A); err != nil || op != Heartbeat {
		t.Errorf("ParseControlOpcode(0x0A) = %v, %v, want Heartbeat, nil", op, err)
	}
}

func TestSegmentAckRoundTrip(t *testing.T) {
	var ba lower.BlockAck
	_ = ba.Ack(0)
	_ = ba.Ack(3)
	want := SegmentAck{Obo: true, SeqZero: 0x0ABC, BlockAck: ba}
	ctrl := want.Emit()
	if ctrl.Opcode != SegmentAcknowledgement {
		t.Fatalf("opcode = %v, want SegmentAcknowledgement", ctrl.Opcode)
	}
	got, err := ParseSegmentAck(ctrl.Parameters)
	if err != nil {
		t.Fatalf("ParseSegmentAck: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSegmentAckRejectsWrongLength(t *testing.T) {
	if _, err := ParseSegmentAck([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short SegmentAck parameters")
	}
}
