package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hhorai/btmesh/bearer"
	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/lower"
	"github.com/hhorai/btmesh/models/onoff"
	"github.com/hhorai/btmesh/network"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	pdulower "github.com/hhorai/btmesh/pdu/lower"
	pdunet "github.com/hhorai/btmesh/pdu/network"
	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/storage"
	"github.com/hhorai/btmesh/upper"
	"github.com/hhorai/btmesh/wire"
)

// fakeBearer is an in-memory AdvertisingBearer test double: Transmit
// records frames rather than touching a real radio. These tests drive
// the driver's handlers directly rather than running Run's select
// loop, so Receive is never actually exercised.
type fakeBearer struct {
	sent [][]byte
}

func (b *fakeBearer) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *fakeBearer) Transmit(ctx context.Context, pdu []byte) error {
	b.sent = append(b.sent, append([]byte{}, pdu...))
	return nil
}

const (
	testNetKey = 0
	testAppKey = 1
	localAddr  = 0x0001
	peerAddr   = 0x0010
)

// provisionedNode builds a Node already past provisioning, with one
// network key and one application key shared with the "peer" used to
// craft inbound test PDUs, and its models registered.
func provisionedNode(t *testing.T) (*Node, *fakeBearer) {
	t.Helper()

	b := &fakeBearer{}
	store := storage.NewStore(filepath.Join(t.TempDir(), "node.json"), 10)

	n, err := New([16]byte{1, 2, 3}, wireprov.Capabilities{NumberOfElements: 1}, 5, b, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n.Secrets = secrets.NewStore([16]byte{0xAA})
	rawNetKey := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := n.Secrets.AddNetworkKey(testNetKey, rawNetKey); err != nil {
		t.Fatalf("AddNetworkKey: %v", err)
	}
	if err := n.Secrets.AddApplicationKey(testNetKey, testAppKey, [16]byte{0x10, 0x20, 0x30}); err != nil {
		t.Fatalf("AddApplicationKey: %v", err)
	}

	n.primaryUnicast = localAddr
	n.elementCount = 1
	n.Network.DeviceInfo = network.DeviceInfo{PrimaryUnicastAddress: localAddr, NumberOfElements: 1}
	n.provisionee = nil
	n.registerModels()

	// Bind the test application key to the OnOff model at element 0 so
	// Dispatcher.Route actually finds it for app-key-encrypted traffic.
	n.Dispatcher.Bindings = append(n.Dispatcher.Bindings, dispatch.Binding{
		ElementIndex: 0, Model: onoff.ModelID(), AppKeyIndex: testAppKey,
	})

	return n, b
}

// peerEncryptAccess builds an encrypted upper-transport access PDU as
// if a peer node at peerAddr sent it, reusing the same Secrets store
// (its application key material is symmetric, so this is equivalent
// to a distinct peer holding the same app key).
func peerEncryptAccess(t *testing.T, n *Node, seq wire.Seq, msg pduaccess.Message) []byte {
	t.Helper()
	peerUpper := upper.NewDriver()
	key := upper.KeyHandle{Application: true, Index: testAppKey}
	access, err := peerUpper.EncryptAccess(n.Secrets, key, wire.SzMic32, seq, addrBytes(peerAddr), addrBytes(localAddr), n.ivIndex.Outgoing(), nil, msg)
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}
	return access.Emit()
}

func encryptNetworkPDU(t *testing.T, n *Node, ctl bool, seq wire.Seq, src, dst [2]byte, transportPDU []byte) []byte {
	t.Helper()
	key, err := n.Secrets.NetworkKey(testNetKey)
	if err != nil {
		t.Fatalf("NetworkKey: %v", err)
	}
	clear := pdunet.Cleartext{
		NetworkKeyIndex: testNetKey,
		Ctl:             ctl,
		Ttl:             5,
		Seq:             seq.Bytes(),
		Src:             src,
		Dst:             dst,
		TransportPDU:    transportPDU,
		IvIndex:         n.ivIndex.Outgoing(),
	}
	pdu, err := n.Network.EncryptOutbound(clear, key)
	if err != nil {
		t.Fatalf("EncryptOutbound: %v", err)
	}
	return pdu.Emit()
}

func TestUnsegmentedInboundOnOffGet(t *testing.T) {
	n, b := provisionedNode(t)
	ctx := context.Background()

	appKey, err := n.Secrets.ApplicationKey(testAppKey)
	if err != nil {
		t.Fatalf("ApplicationKey: %v", err)
	}
	accessPDU := peerEncryptAccess(t, n, 100, pduaccess.Message{Opcode: onoff.OpcodeGet})
	u := pdulower.UnsegmentedAccess{Akf: true, Aid: appKey.Aid, UpperPDU: accessPDU}
	payload := encryptNetworkPDU(t, n, false, 100, addrBytes(peerAddr), addrBytes(localAddr), u.Emit())

	if err := n.handleNetworkFrame(ctx, payload); err != nil {
		t.Fatalf("handleNetworkFrame: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("got %d transmitted frames, want 1 (the Status reply)", len(b.sent))
	}
}

func TestReplayedNetworkPDUDeliversOnce(t *testing.T) {
	n, b := provisionedNode(t)
	ctx := context.Background()

	appKey, err := n.Secrets.ApplicationKey(testAppKey)
	if err != nil {
		t.Fatalf("ApplicationKey: %v", err)
	}
	accessPDU := peerEncryptAccess(t, n, 200, pduaccess.Message{Opcode: onoff.OpcodeGet})
	u := pdulower.UnsegmentedAccess{Akf: true, Aid: appKey.Aid, UpperPDU: accessPDU}
	payload := encryptNetworkPDU(t, n, false, 200, addrBytes(peerAddr), addrBytes(localAddr), u.Emit())

	if err := n.handleNetworkFrame(ctx, payload); err != nil {
		t.Fatalf("first handleNetworkFrame: %v", err)
	}
	if err := n.handleNetworkFrame(ctx, payload); err != nil {
		t.Fatalf("second handleNetworkFrame: %v", err)
	}

	if len(b.sent) != 1 {
		t.Fatalf("got %d transmitted frames across two deliveries of the same PDU, want 1", len(b.sent))
	}
}

func TestSegmentedInboundReassemblesAndAcks(t *testing.T) {
	n, b := provisionedNode(t)
	ctx := context.Background()

	full := make([]byte, 18)
	for i := range full {
		full[i] = byte(i)
	}
	appKey, err := n.Secrets.ApplicationKey(testAppKey)
	if err != nil {
		t.Fatalf("ApplicationKey: %v", err)
	}
	peerUpper := upper.NewDriver()
	key := upper.KeyHandle{Application: true, Index: testAppKey}
	access, err := peerUpper.EncryptAccess(n.Secrets, key, wire.SzMic32, 300, addrBytes(peerAddr), addrBytes(localAddr), n.ivIndex.Outgoing(), nil, pduaccess.Message{Opcode: onoff.OpcodeSet, Parameters: full})
	if err != nil {
		t.Fatalf("EncryptAccess: %v", err)
	}

	segs, err := lower.SegmentAccess(true, appKey.Aid, 300, access.Emit(), false, func() (wire.Seq, error) { return 301, nil })
	if err != nil {
		t.Fatalf("SegmentAccess: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}

	for _, seg := range segs {
		payload := encryptNetworkPDU(t, n, false, seg.Seq, addrBytes(peerAddr), addrBytes(localAddr), seg.Wire)
		if err := n.handleNetworkFrame(ctx, payload); err != nil {
			t.Fatalf("handleNetworkFrame: %v", err)
		}
	}

	// One segment-ack per delivered segment, plus one Status reply once
	// reassembly completes and the model dispatches.
	if len(b.sent) != 3 {
		t.Fatalf("got %d transmitted frames, want 2 segment-acks + 1 Status reply", len(b.sent))
	}
	seqZero := wire.SeqZeroFromSeq(300)
	if _, present := n.inboundTxns[seqZero]; present {
		t.Error("inboundTxns entry should be cleared once reassembly completes")
	}
}

func TestRelayDecrementsTtlAndDropsAtOne(t *testing.T) {
	n, b := provisionedNode(t)
	ctx := context.Background()

	// Destined for a different unicast address: the relay path, not
	// local delivery.
	payload := encryptNetworkPDU(t, n, true, 50, addrBytes(peerAddr), addrBytes(0x0099), []byte{0x01, 0x02})
	if err := n.handleNetworkFrame(ctx, payload); err != nil {
		t.Fatalf("handleNetworkFrame: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("got %d relayed frames, want 1", len(b.sent))
	}

	_, relayedPayload, err := bearer.ParseFrame(b.sent[0])
	if err != nil {
		t.Fatalf("ParseFrame relayed frame: %v", err)
	}
	relayedPDU, err := pdunet.Parse(relayedPayload)
	if err != nil {
		t.Fatalf("Parse relayed frame: %v", err)
	}
	// The relayed copy keeps seq 50, which n's own replay cache has
	// already recorded for peerAddr, so a separate engine decrypts it.
	observer := network.NewEngine(network.DeviceInfo{})
	relayedClear, ok, err := observer.DecryptInbound(n.Secrets, relayedPDU, n.ivIndex)
	if err != nil || !ok {
		t.Fatalf("decrypt relayed frame: ok=%v err=%v", ok, err)
	}
	if relayedClear.Ttl != 4 {
		t.Errorf("relayed ttl = %d, want 4", relayedClear.Ttl)
	}

	ttl1Payload := encryptNetworkPDU(t, n, true, 51, addrBytes(peerAddr), addrBytes(0x0099), []byte{0x01})
	ttl1PDU, err := pdunet.Parse(ttl1Payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ttl1Clear, ok, err := n.Network.DecryptInbound(n.Secrets, ttl1PDU, n.ivIndex)
	if err != nil || !ok {
		t.Fatalf("decrypt: ok=%v err=%v", ok, err)
	}
	ttl1Clear.Ttl = 1
	if _, shouldRelay := n.Network.Relay(ttl1Clear); shouldRelay {
		t.Error("a ttl=1 PDU should not be relayed")
	}
}

func TestOutboundSegmentationRetransmitsOnlyUnackedSegments(t *testing.T) {
	n, _ := provisionedNode(t)
	ctx := context.Background()

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	key := upper.KeyHandle{Application: true, Index: testAppKey}
	msg := pduaccess.Message{Opcode: onoff.OpcodeSetUnacknowledged, Parameters: payload}

	if err := n.sendAccess(ctx, addrBytes(peerAddr), key, nil, msg); err != nil {
		t.Fatalf("sendAccess: %v", err)
	}

	// n.seq starts at 0, so the first seq allocSeq hands out (segment 0's
	// seq, and the transaction's SeqZero) is 0.
	seqZero := wire.SeqZeroFromSeq(0)

	var ack pdulower.BlockAck
	if err := ack.Ack(0); err != nil {
		t.Fatalf("Ack(0): %v", err)
	}
	if err := ack.Ack(2); err != nil {
		t.Fatalf("Ack(2): %v", err)
	}
	n.Retransmit.AckSegments(peerAddr, seqZero, ack)

	retransmitted := n.Retransmit.Tick()
	if len(retransmitted) != 2 {
		t.Fatalf("got %d retransmitted segments, want 2 (segments 1 and 3 still unacked)", len(retransmitted))
	}
}

func TestProvisioningInviteElicitsCapabilities(t *testing.T) {
	b := &fakeBearer{}
	store := storage.NewStore(filepath.Join(t.TempDir(), "fresh.json"), 10)
	n, err := New([16]byte{9, 9, 9}, wireprov.Capabilities{NumberOfElements: 1}, 5, b, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.provisionee == nil {
		t.Fatal("a freshly constructed, never-provisioned Node should start with a Provisionee")
	}

	invite := wireprov.Invite{AttentionDuration: 0}.Emit()
	frame := append([]byte{byte(wireprov.TypeInvite)}, invite...)

	ctx := context.Background()
	if err := n.handleProvisioningFrame(ctx, frame); err != nil {
		t.Fatalf("handleProvisioningFrame: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("got %d provisioning responses to Invite, want 1 (Capabilities)", len(b.sent))
	}

	adType, respPayload, err := bearer.ParseFrame(b.sent[0])
	if err != nil {
		t.Fatalf("parsing framed response: %v", err)
	}
	if adType != bearer.AdTypePbAdv {
		t.Fatalf("response AD type = %#x, want PB-ADV", adType)
	}
	if wireprov.MessageType(respPayload[0]) != wireprov.TypeCapabilities {
		t.Errorf("response message type = %v, want Capabilities", wireprov.MessageType(respPayload[0]))
	}
}
