package configuration

import (
	"testing"

	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/meshaddr"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/secrets"
)

func testServer() (*Server, *dispatch.Dispatcher, *secrets.Store) {
	d := dispatch.NewDispatcher(dispatch.Composition{
		Elements: []dispatch.Element{{Location: 0, Models: []dispatch.ModelID{{CompanyID: 0xFFFF, ModelID: ServerModelID}}}},
	})
	s := secrets.NewStore([16]byte{})
	s.AddNetworkKey(0, [16]byte{1})
	srv := NewServer(d, s, 0x0001, 5)
	return srv, d, s
}

func TestAppKeyAddStoresKeyAndReplies(t *testing.T) {
	srv, _, s := testServer()
	add := AppKeyAdd{NetKeyIndex: 0, AppKeyIndex: 1, Key: [16]byte{9}}
	params, err := add.EmitParameters()
	if err != nil {
		t.Fatalf("EmitParameters: %v", err)
	}
	resp, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeAppKeyAdd, Parameters: params})
	if err != nil || !hasResp {
		t.Fatalf("Handle(AppKeyAdd): hasResp=%v err=%v", hasResp, err)
	}
	if !OpcodeAppKeyStatus.Equal(resp.Opcode) {
		t.Errorf("reply opcode = %+v, want AppKeyStatus", resp.Opcode)
	}
	if resp.Parameters[0] != byte(Success) {
		t.Errorf("status = %#x, want Success", resp.Parameters[0])
	}
	if _, err := s.ApplicationKey(1); err != nil {
		t.Errorf("ApplicationKey(1): %v", err)
	}
}

func TestAppKeyAddUnknownNetKeyFails(t *testing.T) {
	srv, _, _ := testServer()
	add := AppKeyAdd{NetKeyIndex: 7, AppKeyIndex: 1, Key: [16]byte{9}}
	params, _ := add.EmitParameters()
	resp, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeAppKeyAdd, Parameters: params})
	if err != nil || !hasResp {
		t.Fatalf("Handle(AppKeyAdd): hasResp=%v err=%v", hasResp, err)
	}
	if resp.Parameters[0] != byte(InvalidNetKeyIndex) {
		t.Errorf("status = %#x, want InvalidNetKeyIndex", resp.Parameters[0])
	}
}

func TestAppKeyDeleteRemovesKey(t *testing.T) {
	srv, _, s := testServer()
	s.AddApplicationKey(0, 1, [16]byte{9})
	del := AppKeyDelete{NetKeyIndex: 0, AppKeyIndex: 1}
	params, _ := del.EmitParameters()
	_, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeAppKeyDelete, Parameters: params})
	if err != nil || !hasResp {
		t.Fatalf("Handle(AppKeyDelete): hasResp=%v err=%v", hasResp, err)
	}
	if _, err := s.ApplicationKey(1); err == nil {
		t.Error("expected application key 1 to be gone")
	}
}

func TestModelAppBindRequiresExistingAppKey(t *testing.T) {
	srv, d, s := testServer()
	s.AddApplicationKey(0, 1, [16]byte{9})
	payload := ModelAppPayload{ElementAddress: 0x0001, AppKeyIndex: 1, Model: dispatch.ModelID{CompanyID: 0xFFFF, ModelID: 0x1000}}
	resp, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelAppBind, Parameters: payload.EmitParameters()})
	if err != nil || !hasResp {
		t.Fatalf("Handle(ModelAppBind): hasResp=%v err=%v", hasResp, err)
	}
	if resp.Parameters[0] != byte(Success) {
		t.Fatalf("status = %#x, want Success", resp.Parameters[0])
	}
	if len(d.Bindings) != 1 || d.Bindings[0].ElementIndex != 0 || d.Bindings[0].AppKeyIndex != 1 {
		t.Errorf("Bindings = %+v, want one binding on element 0 / appkey 1", d.Bindings)
	}
}

func TestModelAppBindUnknownAppKeyFails(t *testing.T) {
	srv, d, _ := testServer()
	payload := ModelAppPayload{ElementAddress: 0x0001, AppKeyIndex: 9, Model: dispatch.ModelID{CompanyID: 0xFFFF, ModelID: 0x1000}}
	resp, _, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelAppBind, Parameters: payload.EmitParameters()})
	if err != nil {
		t.Fatalf("Handle(ModelAppBind): %v", err)
	}
	if resp.Parameters[0] != byte(InvalidAppKeyIndex) {
		t.Errorf("status = %#x, want InvalidAppKeyIndex", resp.Parameters[0])
	}
	if len(d.Bindings) != 0 {
		t.Errorf("Bindings = %+v, want none", d.Bindings)
	}
}

func TestModelAppUnbindRemovesBinding(t *testing.T) {
	srv, d, s := testServer()
	s.AddApplicationKey(0, 1, [16]byte{9})
	model := dispatch.ModelID{CompanyID: 0xFFFF, ModelID: 0x1000}
	payload := ModelAppPayload{ElementAddress: 0x0001, AppKeyIndex: 1, Model: model}
	srv.Handle(pduaccess.Message{Opcode: OpcodeModelAppBind, Parameters: payload.EmitParameters()})
	if len(d.Bindings) != 1 {
		t.Fatalf("setup: Bindings = %+v, want one", d.Bindings)
	}
	_, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelAppUnbind, Parameters: payload.EmitParameters()})
	if err != nil || !hasResp {
		t.Fatalf("Handle(ModelAppUnbind): hasResp=%v err=%v", hasResp, err)
	}
	if len(d.Bindings) != 0 {
		t.Errorf("Bindings = %+v, want none after unbind", d.Bindings)
	}
}

func TestDefaultTTLGetSetRoundTrips(t *testing.T) {
	srv, _, _ := testServer()
	resp, _, err := srv.Handle(pduaccess.Message{Opcode: OpcodeDefaultTTLGet})
	if err != nil {
		t.Fatalf("Handle(DefaultTTLGet): %v", err)
	}
	if resp.Parameters[0] != 5 {
		t.Errorf("default TTL = %d, want 5", resp.Parameters[0])
	}
	resp, _, err = srv.Handle(pduaccess.Message{Opcode: OpcodeDefaultTTLSet, Parameters: []byte{9}})
	if err != nil {
		t.Fatalf("Handle(DefaultTTLSet): %v", err)
	}
	if resp.Parameters[0] != 9 || srv.DefaultTTL() != 9 {
		t.Errorf("default TTL = %d (srv=%d), want 9", resp.Parameters[0], srv.DefaultTTL())
	}
}

func TestRelayGetSetRoundTrips(t *testing.T) {
	srv, _, _ := testServer()
	cfg := RelayConfig{Relay: RelaySupportedEnabled, RetransmitCount: 2, RetransmitInterval: 3}
	resp, _, err := srv.Handle(pduaccess.Message{Opcode: OpcodeRelaySet, Parameters: cfg.EmitParameters()})
	if err != nil {
		t.Fatalf("Handle(RelaySet): %v", err)
	}
	got, err := ParseRelayConfig(resp.Parameters)
	if err != nil {
		t.Fatalf("ParseRelayConfig: %v", err)
	}
	if got != cfg {
		t.Errorf("got = %+v, want %+v", got, cfg)
	}
	if srv.Relay() != cfg {
		t.Errorf("srv.Relay() = %+v, want %+v", srv.Relay(), cfg)
	}
}

func TestNodeResetReplies(t *testing.T) {
	srv, _, _ := testServer()
	resp, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeNodeReset})
	if err != nil || !hasResp {
		t.Fatalf("Handle(NodeReset): hasResp=%v err=%v", hasResp, err)
	}
	if !OpcodeNodeResetStatus.Equal(resp.Opcode) {
		t.Errorf("reply opcode = %+v, want NodeResetStatus", resp.Opcode)
	}
}

func TestCompositionDataGetDescribesElements(t *testing.T) {
	srv, _, _ := testServer()
	resp, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeCompositionDataGet, Parameters: []byte{0}})
	if err != nil || !hasResp {
		t.Fatalf("Handle(CompositionDataGet): hasResp=%v err=%v", hasResp, err)
	}
	// page, 3x uint16 ids, 2 CRPL bytes, features, then one element's
	// location(2) + sig/vendor counts(2) + one SIG model(2).
	wantLen := 1 + 2*3 + 2 + 2 + 2 + 2 + 2
	if len(resp.Parameters) != wantLen {
		t.Errorf("len(Parameters) = %d, want %d", len(resp.Parameters), wantLen)
	}
}

func TestModelSubscriptionAddThenGetReturnsAddress(t *testing.T) {
	srv, d, _ := testServer()
	model := dispatch.ModelID{CompanyID: 0xFFFF, ModelID: 0x1000}
	sub := SubscriptionPayload{ElementAddress: 0x0001, Address: 0xC000, Model: model}
	_, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelSubscriptionAdd, Parameters: sub.EmitParameters()})
	if err != nil || !hasResp {
		t.Fatalf("Handle(SubscriptionAdd): hasResp=%v err=%v", hasResp, err)
	}
	if len(d.Subscriptions) != 1 {
		t.Fatalf("Subscriptions = %+v, want one", d.Subscriptions)
	}
	getParams := append([]byte{0x00, 0x01}, 0x10, 0x00)
	resp, _, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelSubscriptionGet, Parameters: getParams})
	if err != nil {
		t.Fatalf("Handle(SubscriptionGet): %v", err)
	}
	list, err := parseSubscriptionList(resp.Parameters)
	if err != nil {
		t.Fatalf("parseSubscriptionList: %v", err)
	}
	if len(list) != 1 || list[0] != 0xC000 {
		t.Errorf("addresses = %+v, want [0xC000]", list)
	}
}

func TestModelPublicationSetThenGetRoundTrips(t *testing.T) {
	srv, _, _ := testServer()
	model := dispatch.ModelID{CompanyID: 0xFFFF, ModelID: 0x1000}
	set := Publication{
		ElementAddress: 0x0001,
		Model:          model,
		Pub: dispatch.Publication{
			Address:     meshaddr.Parse([2]byte{0xC0, 0x01}),
			AppKeyIndex: 3,
			Ttl:         7,
		},
	}
	_, hasResp, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelPublicationSet, Parameters: set.EmitParameters()})
	if err != nil || !hasResp {
		t.Fatalf("Handle(PublicationSet): hasResp=%v err=%v", hasResp, err)
	}
	getParams := []byte{0x00, 0x01, 0x10, 0x00}
	resp, _, err := srv.Handle(pduaccess.Message{Opcode: OpcodeModelPublicationGet, Parameters: getParams})
	if err != nil {
		t.Fatalf("Handle(PublicationGet): %v", err)
	}
	if resp.Parameters[0] != byte(Success) {
		t.Fatalf("status = %#x, want Success", resp.Parameters[0])
	}
	if resp.Parameters[3] != 0xC0 || resp.Parameters[4] != 0x01 {
		t.Errorf("publish address bytes = %#x %#x, want 0xC0 0x01", resp.Parameters[3], resp.Parameters[4])
	}
}

// parseSubscriptionList unpacks the address list a SIG Model
// Subscription List response carries, mirroring SubscriptionList's
// own EmitParameters layout.
func parseSubscriptionList(p []byte) ([]uint16, error) {
	if len(p) < 5 {
		return nil, nil
	}
	rest := p[5:]
	var out []uint16
	for i := 0; i+1 < len(rest); i += 2 {
		out = append(out, uint16(rest[i])<<8|uint16(rest[i+1]))
	}
	return out, nil
}
