// Package driver is the single-threaded cooperative loop that owns a
// node's entire mutable stack state: it reads bearer frames, runs them
// through the network/lower/upper layers, dispatches decrypted access
// messages to local models, drives the unprovisioned provisionee state
// machine to completion, and retransmits/acks/beacons on its own
// watchdog schedule. No other goroutine ever touches stack state
// directly — models and the outbound request channel are this loop's
// only peers, matching spec.md section 5's "single-threaded
// cooperative; the driver task owns all mutable stack state". Grounded
// on original_source/btmesh-driver/src/lib.rs's Driver::run select
// loop, adapted from its async task-per-suspension-point shape to a
// goroutine-fed channel select, the idiom the teacher's own blocking
// I/O loops (cmd/gnbsim_sctp.go's SCTP receive loop, example/example.go's
// timeout race) already use.
package driver

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/hhorai/btmesh/bearer"
	"github.com/hhorai/btmesh/crypto"
	"github.com/hhorai/btmesh/dispatch"
	"github.com/hhorai/btmesh/lower"
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/meshaddr"
	"github.com/hhorai/btmesh/models/configuration"
	"github.com/hhorai/btmesh/models/onoff"
	"github.com/hhorai/btmesh/network"
	pduaccess "github.com/hhorai/btmesh/pdu/access"
	pdulower "github.com/hhorai/btmesh/pdu/lower"
	pdunet "github.com/hhorai/btmesh/pdu/network"
	pduupper "github.com/hhorai/btmesh/pdu/upper"
	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
	"github.com/hhorai/btmesh/provisioning"
	"github.com/hhorai/btmesh/secrets"
	"github.com/hhorai/btmesh/storage"
	"github.com/hhorai/btmesh/upper"
	"github.com/hhorai/btmesh/watchdog"
	"github.com/hhorai/btmesh/wire"
)

const (
	defaultBeaconInterval = 3 * time.Second

	// defaultRetries is the outbound retry budget handed to every
	// RetransmitQueue entry. No original_source file names a retry
	// count for this driver (model_publication.rs's retransmit
	// fields are a different, publication-only knob); chosen as a
	// reasonable fixed budget and recorded as such in DESIGN.md.
	defaultRetries = 4

	// defaultNetKeyIndex is the network key every locally originated
	// PDU is encrypted under. This node only ever joins one
	// subnet at a time (spec.md's Non-goals exclude key refresh /
	// multi-subnet), so a fixed index is enough.
	defaultNetKeyIndex = 0
)

// Model is the interface a local element's model presents to the
// driver: a synchronous request/reply handler. Satisfied directly by
// *onoff.Server and *configuration.Server — this embodiment has no
// separate per-model goroutine, so dispatch.Dispatcher's async
// Mailbox/Ack/Current machinery is bypassed in favor of calling
// Handle in-line within the same select iteration that decrypted the
// request.
type Model interface {
	Handle(pduaccess.Message) (pduaccess.Message, bool, error)
}

// OutboundRequest is a model-initiated access message the driver must
// encrypt, segment and transmit on the model's behalf.
type OutboundRequest struct {
	ElementIndex byte
	Dst          meshaddr.Address
	Key          upper.KeyHandle
	LabelUUID    *[16]byte
	Message      pduaccess.Message
}

// inboundTxn records what an in-flight inbound segmented transaction
// needs for a retransmitted segment-ack, beyond what lower.Inbound's
// own entries track (which are keyed by peer and never expose it back
// out of Expire).
type inboundTxn struct {
	peer          uint16
	netKeyIndex   uint16
	ttl           byte
}

// Node is one mesh node's complete driver state.
type Node struct {
	Bearer     bearer.AdvertisingBearer
	Secrets    *secrets.Store
	Network    *network.Engine
	Inbound    *lower.Inbound
	Retransmit *lower.RetransmitQueue
	Upper      *upper.Driver
	Dispatcher *dispatch.Dispatcher
	Watchdog   *watchdog.Watchdog
	Storage    *storage.Store
	Outbound   chan OutboundRequest

	models      map[dispatch.Target]Model
	provisionee *provisioning.Provisionee

	uuid         [16]byte
	capabilities wireprov.Capabilities

	ivIndex        wire.IvIndex
	seq            wire.Seq
	primaryUnicast uint16
	elementCount   byte
	defaultTTL     byte

	inboundTxns map[wire.SeqZero]inboundTxn

	beaconInterval time.Duration
}

// New builds a Node backed by b and store. If store already holds a
// persisted blob, the node resumes as a provisioned node with that
// state; otherwise it starts fresh as an unprovisioned device
// beaconing with caps, identified by uuid. Composition registration
// is deferred until the node's primary unicast address is actually
// known — at construction time for a restored node, or once
// provisioning completes for a fresh one — since
// configuration.NewServer captures primaryUnicast as a fixed value
// with no setter.
func New(uuid [16]byte, caps wireprov.Capabilities, defaultTTL byte, b bearer.AdvertisingBearer, store *storage.Store) (*Node, error) {
	n := &Node{
		Bearer:         b,
		Network:        network.NewEngine(network.DeviceInfo{}),
		Inbound:        lower.NewInbound(),
		Retransmit:     lower.NewRetransmitQueue(),
		Upper:          upper.NewDriver(),
		Watchdog:       watchdog.New(),
		Storage:        store,
		Outbound:       make(chan OutboundRequest, 8),
		models:         make(map[dispatch.Target]Model),
		uuid:           uuid,
		capabilities:   caps,
		defaultTTL:     defaultTTL,
		inboundTxns:    make(map[wire.SeqZero]inboundTxn),
		beaconInterval: defaultBeaconInterval,
	}

	composition := dispatch.Composition{
		Elements: []dispatch.Element{
			{Models: []dispatch.ModelID{configuration.ModelID(), onoff.ModelID()}},
		},
	}
	n.Dispatcher = dispatch.NewDispatcher(composition)

	blob, err := store.Load()
	switch {
	case err == nil:
		n.restoreFromBlob(blob)
		n.registerModels()
	case isNotFound(err):
		n.provisionee = provisioning.NewProvisionee(caps)
	default:
		return nil, err
	}

	return n, nil
}

func isNotFound(err error) bool {
	var serr *merrors.StorageError
	if !errors.As(err, &serr) {
		return false
	}
	return os.IsNotExist(serr.Unwrap())
}

func (n *Node) restoreFromBlob(b storage.Blob) {
	n.Secrets = secrets.NewStore(b.Secrets.DeviceKey)
	for _, k := range b.Secrets.NetworkKeys {
		_ = n.Secrets.AddNetworkKey(k.Index, k.Raw)
	}
	for _, k := range b.Secrets.ApplicationKeys {
		_ = n.Secrets.AddApplicationKey(k.NetKeyIndex, k.Index, k.Raw)
	}

	n.ivIndex = wire.IvIndex{Value: b.NetworkState.IvIndex, InProgress: b.NetworkState.IvUpdateFlag}
	n.seq, _ = wire.ParseSeq(b.Sequence)
	n.primaryUnicast = b.DeviceInfo.PrimaryUnicast
	n.elementCount = b.DeviceInfo.ElementCount
	n.defaultTTL = b.Foundation.DefaultTTL

	n.Network.DeviceInfo = network.DeviceInfo{
		PrimaryUnicastAddress: n.primaryUnicast,
		NumberOfElements:      n.elementCount,
	}

	n.Dispatcher.Bindings = b.Bindings
	n.Dispatcher.Publications = b.Publications
	n.Dispatcher.Subscriptions = b.Subscriptions
}

// registerModels constructs and registers this node's fixed model set.
// Must only be called once primaryUnicast is final: either right after
// a successful blob restore, or inside completeProvisioning once the
// Data PDU's unicast address has been applied.
func (n *Node) registerModels() {
	cfg := configuration.NewServer(n.Dispatcher, n.Secrets, n.primaryUnicast, n.defaultTTL)
	n.RegisterModel(0, configuration.ModelID(), cfg)
	n.RegisterModel(0, onoff.ModelID(), onoff.NewServer())
}

// RegisterModel binds m as the handler for (elementIndex, model).
func (n *Node) RegisterModel(elementIndex byte, model dispatch.ModelID, m Model) {
	n.models[dispatch.Target{ElementIndex: elementIndex, Model: model}] = m
}

// Run drives the select loop until ctx is done, the bearer channel
// closes, or a fatal error (SeqRollover) is returned by a handler.
func (n *Node) Run(ctx context.Context) error {
	frames := n.pumpBearer(ctx)
	expirations := n.pumpWatchdog(ctx)

	beacon := time.NewTicker(n.beaconInterval)
	defer beacon.Stop()

	if n.provisionee == nil {
		n.Watchdog.ClearLinkOpenTimeout()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := n.handleFrame(ctx, frame); err != nil {
				return err
			}

		case req := <-n.Outbound:
			if err := n.handleOutboundRequest(ctx, req); err != nil {
				return err
			}

		case exp, ok := <-expirations:
			if !ok {
				return nil
			}
			if err := n.handleExpiration(ctx, exp); err != nil {
				return err
			}

		case <-beacon.C:
			n.emitBeacon(ctx)
		}
	}
}

func (n *Node) pumpBearer(ctx context.Context) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			frame, err := n.Bearer.Receive(ctx)
			if err != nil {
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *Node) pumpWatchdog(ctx context.Context) <-chan watchdog.Expiration {
	out := make(chan watchdog.Expiration)
	go func() {
		defer close(out)
		for {
			exp, ok := n.Watchdog.Next(ctx)
			if !ok {
				return
			}
			select {
			case out <- exp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *Node) handleFrame(ctx context.Context, frame []byte) error {
	adType, payload, err := bearer.ParseFrame(frame)
	if err != nil {
		return nil
	}
	switch adType {
	case bearer.AdTypeMeshMessage:
		return n.handleNetworkFrame(ctx, payload)
	case bearer.AdTypePbAdv:
		return n.handleProvisioningFrame(ctx, payload)
	default:
		return nil
	}
}

func (n *Node) handleNetworkFrame(ctx context.Context, payload []byte) error {
	if n.Secrets == nil {
		return nil
	}
	pdu, err := pdunet.Parse(payload)
	if err != nil {
		return nil
	}
	clear, ok, err := n.Network.DecryptInbound(n.Secrets, pdu, n.ivIndex)
	if err != nil || !ok {
		return nil
	}

	if relayed, shouldRelay := n.Network.Relay(clear); shouldRelay {
		if err := n.relay(ctx, relayed); err != nil {
			log.Printf("driver: relay failed: %v", err)
		}
	}

	dstAddr := meshaddr.Parse(clear.Dst)
	if dstAddr.IsUnicast() && !n.Network.DeviceInfo.IsLocalUnicast(dstAddr) {
		return nil
	}

	return n.processTransportPDU(ctx, clear)
}

func (n *Node) relay(ctx context.Context, relayed pdunet.Cleartext) error {
	key, err := n.Secrets.NetworkKey(relayed.NetworkKeyIndex)
	if err != nil {
		return err
	}
	pdu, err := n.Network.EncryptOutbound(relayed, key)
	if err != nil {
		return err
	}
	return n.transmit(ctx, bearer.EmitFrame(bearer.AdTypeMeshMessage, pdu.Emit()))
}

func (n *Node) processTransportPDU(ctx context.Context, clear pdunet.Cleartext) error {
	lpdu, err := lower.Parse(clear.Ctl, clear.TransportPDU)
	if err != nil {
		return nil
	}

	switch {
	case !lpdu.Control && !lpdu.Segmented:
		return n.processUnsegmentedAccess(ctx, clear, lpdu.Unseg)
	case !lpdu.Control && lpdu.Segmented:
		return n.processSegmentedAccess(ctx, clear, lpdu.Seg)
	case lpdu.Control && !lpdu.Segmented:
		return n.processUnsegmentedControl(ctx, clear, lpdu.UnsegCtl)
	default:
		return n.processSegmentedControl(ctx, clear, lpdu.SegCtl)
	}
}

func (n *Node) processUnsegmentedAccess(ctx context.Context, clear pdunet.Cleartext, u *pdulower.UnsegmentedAccess) error {
	access, err := pduupper.ParseAccess(u.UpperPDU, wire.SzMic32)
	if err != nil {
		return nil
	}
	seq, err := wire.ParseSeqBytes(clear.Seq[:])
	if err != nil {
		return nil
	}
	return n.decryptAndDispatch(ctx, clear, u.Akf, u.Aid, wire.SzMic32, seq, access)
}

func (n *Node) processSegmentedAccess(ctx context.Context, clear pdunet.Cleartext, seg *pdulower.SegmentedAccess) error {
	src := addrValue(clear.Src)
	result, err := n.Inbound.ProcessAccess(src, clear.Ttl, *seg)
	if err != nil {
		log.Printf("driver: segmented access from %04x rejected: %v", src, err)
		return nil
	}

	n.inboundTxns[seg.SeqZero] = inboundTxn{peer: src, netKeyIndex: clear.NetworkKeyIndex, ttl: clear.Ttl}
	n.Watchdog.SetInboundExpiration(time.Now().Add(inboundReassemblyTimeout(clear.Ttl)), seg.SeqZero)

	if err := n.sendSegmentAck(ctx, clear.Src, clear.NetworkKeyIndex, seg.SeqZero, result.BlockAck); err != nil {
		log.Printf("driver: segment-ack send failed: %v", err)
	}

	if !result.Complete {
		return nil
	}
	delete(n.inboundTxns, seg.SeqZero)
	n.Watchdog.ClearInboundExpiration(seg.SeqZero)

	access, err := pduupper.ParseAccess(result.AccessPayload, result.Szmic)
	if err != nil {
		return nil
	}
	seqAuth, err := wire.ParseSeqBytes(clear.Seq[:])
	if err != nil {
		return nil
	}
	seqAuth = wire.FirstSeqOfTransaction(seqAuth, seg.SeqZero)

	akf := seg.Akf
	aid := seg.Aid
	return n.decryptAndDispatch(ctx, clear, akf, aid, result.Szmic, seqAuth, access)
}

func (n *Node) processUnsegmentedControl(ctx context.Context, clear pdunet.Cleartext, ctl *pdulower.UnsegmentedControl) error {
	opcode, err := pduupper.ParseControlOpcode(ctl.Opcode)
	if err != nil {
		return nil
	}
	return n.applyControlOpcode(addrValue(clear.Src), opcode, ctl.Parameters)
}

func (n *Node) processSegmentedControl(ctx context.Context, clear pdunet.Cleartext, seg *pdulower.SegmentedControl) error {
	src := addrValue(clear.Src)
	result, err := n.Inbound.ProcessControl(src, clear.Ttl, *seg)
	if err != nil {
		log.Printf("driver: segmented control from %04x rejected: %v", src, err)
		return nil
	}

	n.inboundTxns[seg.SeqZero] = inboundTxn{peer: src, netKeyIndex: clear.NetworkKeyIndex, ttl: clear.Ttl}
	n.Watchdog.SetInboundExpiration(time.Now().Add(inboundReassemblyTimeout(clear.Ttl)), seg.SeqZero)

	if err := n.sendSegmentAck(ctx, clear.Src, clear.NetworkKeyIndex, seg.SeqZero, result.BlockAck); err != nil {
		log.Printf("driver: segment-ack send failed: %v", err)
	}

	if !result.Complete {
		return nil
	}
	delete(n.inboundTxns, seg.SeqZero)
	n.Watchdog.ClearInboundExpiration(seg.SeqZero)

	return n.applyControlOpcode(addrValue(clear.Src), result.ControlOpcode, result.ControlParams)
}

// applyControlOpcode handles the one control opcode this driver
// terminates itself; every other opcode (friendship, heartbeat) is
// silently dropped, matching spec.md's "only opcode currently
// terminated internally is SegmentAcknowledgement".
func (n *Node) applyControlOpcode(src uint16, opcode pduupper.ControlOpcode, params []byte) error {
	if opcode != pduupper.SegmentAcknowledgement {
		return nil
	}
	ack, err := pduupper.ParseSegmentAck(params)
	if err != nil {
		return nil
	}
	n.Retransmit.AckSegments(src, ack.SeqZero, ack.BlockAck)
	return nil
}

func (n *Node) decryptAndDispatch(ctx context.Context, clear pdunet.Cleartext, akf bool, aid byte, szmic wire.SzMic, seqAuth wire.Seq, access pduupper.Access) error {
	decrypted, err := n.Upper.DecryptAccess(n.Secrets, akf, aid, szmic, seqAuth, clear.Src, clear.Dst, clear.IvIndex, access)
	if err != nil {
		return nil
	}
	if !n.Dispatcher.CheckReplay(clear.Src, clear.IvIndex, seqAuth) {
		return nil
	}

	var targets []dispatch.Target
	if decrypted.Key.Device {
		targets = []dispatch.Target{{ElementIndex: 0, Model: configuration.ModelID()}}
	} else {
		dstAddr := meshaddr.Parse(clear.Dst)
		localIdx, isLocal := n.Network.DeviceInfo.LocalElementIndex(dstAddr)
		targets = n.Dispatcher.Route(dstAddr, localIdx, isLocal, decrypted.Key.Index)
	}

	for _, t := range targets {
		model, ok := n.models[t]
		if !ok {
			continue
		}
		resp, hasResp, err := model.Handle(decrypted.Message)
		if err != nil {
			log.Printf("driver: model %+v handling failed: %v", t, err)
			continue
		}
		if !hasResp {
			continue
		}
		if err := n.sendAccess(ctx, clear.Src, decrypted.Key, decrypted.LabelUUID, resp); err != nil {
			log.Printf("driver: reply from model %+v failed: %v", t, err)
		}
	}
	return nil
}

// sendSegmentAck transmits a one-shot, non-retransmit-queued
// SegmentAcknowledgement control message back to dst.
func (n *Node) sendSegmentAck(ctx context.Context, dst [2]byte, netKeyIndex uint16, seqZero wire.SeqZero, ack pdulower.BlockAck) error {
	params := pduupper.SegmentAck{SeqZero: seqZero, BlockAck: ack}.Emit()

	seq, err := n.allocSeq()
	if err != nil {
		return err
	}
	segs, err := lower.SegmentControl(byte(params.Opcode), seq, params.Parameters, false, n.allocSeq)
	if err != nil {
		return err
	}
	frame, err := n.encryptSegment(netKeyIndex, true, n.defaultTTL, n.localSrcBytes(), dst, segs[0])
	if err != nil {
		return err
	}
	return n.transmit(ctx, frame)
}

// encryptSegment network-encrypts and bearer-frames one outbound lower
// transport segment, ready to hand directly to Bearer.Transmit.
func (n *Node) encryptSegment(netKeyIndex uint16, ctl bool, ttl byte, src, dst [2]byte, seg lower.Segment) ([]byte, error) {
	key, err := n.Secrets.NetworkKey(netKeyIndex)
	if err != nil {
		return nil, err
	}
	clear := pdunet.Cleartext{
		NetworkKeyIndex: netKeyIndex,
		Ctl:             ctl,
		Ttl:             ttl,
		Seq:             seg.Seq.Bytes(),
		Src:             src,
		Dst:             dst,
		TransportPDU:    seg.Wire,
		IvIndex:         n.ivIndex.Outgoing(),
	}
	pdu, err := n.Network.EncryptOutbound(clear, key)
	if err != nil {
		return nil, err
	}
	return bearer.EmitFrame(bearer.AdTypeMeshMessage, pdu.Emit()), nil
}

// sendAccess encrypts, segments, enqueues and transmits an outbound
// access message addressed to dst under key. Used both for a
// model-initiated OutboundRequest and for a reply sent back to a
// message's originator.
func (n *Node) sendAccess(ctx context.Context, dst [2]byte, key upper.KeyHandle, labelUUID *[16]byte, msg pduaccess.Message) error {
	seq, err := n.allocSeq()
	if err != nil {
		return err
	}

	szmic := wire.SzMic32
	access, err := n.Upper.EncryptAccess(n.Secrets, key, szmic, seq, n.localSrcBytes(), dst, n.ivIndex.Outgoing(), labelUUID, msg)
	if err != nil {
		return err
	}

	var aid byte
	if key.Application {
		appKey, err := n.Secrets.ApplicationKey(key.Index)
		if err != nil {
			return err
		}
		aid = appKey.Aid
	}

	payload := access.Emit()
	segs, err := lower.SegmentAccess(key.Application, aid, seq, payload, false, n.allocSeq)
	if err != nil {
		return err
	}

	dstAddr := meshaddr.Parse(dst)
	dstVal := dstAddr.Value
	segmented := len(segs) > 0 && segs[0].Wire[0]&0x80 != 0

	framed := make([]lower.Segment, len(segs))
	for i, seg := range segs {
		fb, err := n.encryptSegment(defaultNetKeyIndex, false, n.defaultTTL, n.localSrcBytes(), dst, seg)
		if err != nil {
			return err
		}
		framed[i] = lower.Segment{Seq: seg.Seq, Wire: fb}
	}

	if !segmented {
		if err := n.Retransmit.PushNonsegmented(dstVal, framed[0].Wire, defaultRetries, nil); err != nil {
			return err
		}
	} else {
		seqZero := wire.SeqZeroFromSeq(seq)
		if err := n.Retransmit.PushSegmented(dstVal, seqZero, framed, dstAddr.IsUnicast(), defaultRetries, nil); err != nil {
			return err
		}
		n.Watchdog.SetOutboundExpiration(time.Now().Add(outboundRetransmitInterval(n.defaultTTL)), seqZero)
	}

	return n.tickRetransmit(ctx)
}

// tickRetransmit advances the retransmit queue one pass and transmits
// whatever it emits.
func (n *Node) tickRetransmit(ctx context.Context) error {
	for _, frame := range n.Retransmit.Tick() {
		if err := n.transmit(ctx, frame); err != nil {
			log.Printf("driver: retransmit send failed: %v", err)
		}
	}
	return nil
}

func (n *Node) handleOutboundRequest(ctx context.Context, req OutboundRequest) error {
	return n.sendAccess(ctx, req.Dst.Bytes(), req.Key, req.LabelUUID, req.Message)
}

func (n *Node) handleExpiration(ctx context.Context, exp watchdog.Expiration) error {
	switch exp.Event {
	case watchdog.EventOutboundExpiration:
		if err := n.tickRetransmit(ctx); err != nil {
			return err
		}
		if n.Retransmit.Pending() {
			n.Watchdog.SetOutboundExpiration(time.Now().Add(outboundRetransmitInterval(n.defaultTTL)), exp.SeqZero)
		}
		return nil

	case watchdog.EventInboundExpiration:
		ack, present := n.Inbound.Expire(exp.SeqZero)
		if !present {
			delete(n.inboundTxns, exp.SeqZero)
			return nil
		}
		txn, ok := n.inboundTxns[exp.SeqZero]
		if ok {
			if err := n.sendSegmentAck(ctx, addrBytes(txn.peer), txn.netKeyIndex, exp.SeqZero, ack); err != nil {
				log.Printf("driver: watchdog segment-ack resend failed: %v", err)
			}
			if ttl, stillPresent := n.Inbound.Ttl(exp.SeqZero); stillPresent {
				n.Watchdog.SetInboundExpiration(time.Now().Add(inboundReassemblyTimeout(ttl)), exp.SeqZero)
			}
		}
		return nil

	case watchdog.EventLinkOpenTimeout:
		// Per spec.md's driver-loop item 4, a link-open timeout
		// means abandoning the in-progress provisioning
		// transaction and resuming unprovisioned beaconing for a
		// fresh link.
		n.provisionee = provisioning.NewProvisionee(n.capabilities)
		return nil
	}
	return nil
}

func (n *Node) handleProvisioningFrame(ctx context.Context, payload []byte) error {
	if n.provisionee == nil || len(payload) < 1 {
		return nil
	}
	msgType := wireprov.MessageType(payload[0])
	body := payload[1:]

	outType, out, hasResp, err := n.provisionee.Next(msgType, body)
	if err != nil {
		log.Printf("driver: provisioning PDU rejected: %v", err)
		return nil
	}

	if hasResp {
		respPayload := append([]byte{byte(outType)}, out...)
		if err := n.transmit(ctx, bearer.EmitFrame(bearer.AdTypePbAdv, respPayload)); err != nil {
			log.Printf("driver: provisioning response send failed: %v", err)
		}
	}

	switch n.provisionee.Phase() {
	case provisioning.PhaseComplete:
		return n.completeProvisioning(ctx)
	case provisioning.PhaseFailure:
		n.provisionee = provisioning.NewProvisionee(n.capabilities)
	}
	return nil
}

// completeProvisioning applies the Data PDU's network credentials,
// finally learns this node's primary unicast address, registers its
// models for the first time, and persists the resulting blob.
func (n *Node) completeProvisioning(ctx context.Context) error {
	deviceKey, _ := n.provisionee.DeviceKey()
	data, _ := n.provisionee.Data()

	n.Secrets = secrets.NewStore(deviceKey)
	if err := n.Secrets.AddNetworkKey(data.KeyIndex, data.NetworkKey); err != nil {
		return err
	}

	n.ivIndex = wire.IvIndex{Value: data.IvIndex}
	n.seq = 0
	n.primaryUnicast = data.UnicastAddress
	n.elementCount = 1
	n.provisionee = nil

	n.Network.DeviceInfo = network.DeviceInfo{
		PrimaryUnicastAddress: n.primaryUnicast,
		NumberOfElements:      n.elementCount,
	}

	n.registerModels()

	return n.persist()
}

func (n *Node) persist() error {
	nk := n.Secrets.NetworkKeys()
	ak := n.Secrets.ApplicationKeys()

	blob := storage.Blob{
		NetworkState: storage.NetworkState{IvIndex: n.ivIndex.Value, IvUpdateFlag: n.ivIndex.InProgress},
		Secrets: storage.Secrets{
			DeviceKey: n.Secrets.DeviceKey,
		},
		DeviceInfo: storage.DeviceInfo{
			PrimaryUnicast: n.primaryUnicast,
			ElementCount:   n.elementCount,
		},
		Sequence: uint32(n.seq),
		Foundation: storage.Foundation{
			DefaultTTL: n.defaultTTL,
		},
		Bindings:      n.Dispatcher.Bindings,
		Publications:  n.Dispatcher.Publications,
		Subscriptions: n.Dispatcher.Subscriptions,
	}
	for _, k := range nk {
		blob.Secrets.NetworkKeys = append(blob.Secrets.NetworkKeys, storage.NetworkKey{Index: k.Index, Raw: k.Raw})
	}
	for _, k := range ak {
		blob.Secrets.ApplicationKeys = append(blob.Secrets.ApplicationKeys, storage.ApplicationKey{Index: k.Index, NetKeyIndex: k.NetKeyIdx, Raw: k.Raw})
	}
	return n.Storage.Store(blob)
}

func (n *Node) emitBeacon(ctx context.Context) {
	if n.provisionee != nil {
		if err := n.transmit(ctx, wireprov.EmitUnprovisionedBeacon(n.uuid)); err != nil {
			log.Printf("driver: unprovisioned beacon send failed: %v", err)
		}
		return
	}

	key, err := n.Secrets.NetworkKey(defaultNetKeyIndex)
	if err != nil {
		return
	}
	networkID, err := crypto.K3(key.Raw[:])
	if err != nil {
		return
	}
	var id [8]byte
	copy(id[:], networkID)

	frame := bearer.Beacon{Kind: bearer.BeaconProvisioned, NetworkID: id}.Emit()
	if frame == nil {
		return
	}
	if err := n.transmit(ctx, frame); err != nil {
		log.Printf("driver: secure network beacon send failed: %v", err)
	}
}

func (n *Node) transmit(ctx context.Context, frame []byte) error {
	return n.Bearer.Transmit(ctx, frame)
}

func (n *Node) allocSeq() (wire.Seq, error) {
	cur := n.seq
	next, rolled := cur.Next()
	if rolled {
		return 0, merrors.ErrSeqRollover
	}
	n.seq = next
	return cur, nil
}

func (n *Node) localSrcBytes() [2]byte {
	return meshaddr.Address{Kind: meshaddr.Unicast, Value: n.primaryUnicast}.Bytes()
}

func addrValue(b [2]byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func addrBytes(v uint16) [2]byte {
	return [2]byte{byte(v >> 8), byte(v)}
}

// inboundReassemblyTimeout is the per-tick re-ack schedule for an
// in-flight inbound reassembly, per spec.md section 4.D "Watchdog
// acking": 150ms plus 50ms per TTL hop.
func inboundReassemblyTimeout(ttl byte) time.Duration {
	return 150*time.Millisecond + time.Duration(ttl)*50*time.Millisecond
}

// outboundRetransmitInterval is the outbound retransmit-queue
// scheduling formula, per spec.md section 4.D: 200ms plus 50ms per
// TTL hop.
func outboundRetransmitInterval(ttl byte) time.Duration {
	return 200*time.Millisecond + time.Duration(ttl)*50*time.Millisecond
}
