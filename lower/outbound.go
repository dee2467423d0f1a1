package lower

import (
	"github.com/hhorai/btmesh/merrors"
	pdulower "github.com/hhorai/btmesh/pdu/lower"
	"github.com/hhorai/btmesh/wire"
)

const maxQueueDepth = 8

// withSegBit sets the SEG bit (bit 7 of the first octet) that
// pdulower.SegmentedAccess/SegmentedControl.Emit deliberately leaves
// to the framing caller, since Parse's ctl/seg dispatch reads it from
// the raw transport_pdu bytes rather than from a parsed struct field.
func withSegBit(wireBytes []byte) []byte {
	if len(wireBytes) > 0 {
		wireBytes[0] |= 0x80
	}
	return wireBytes
}

// Segment is one outbound transport_pdu ready for network-layer
// encryption, paired with the seq it must be sent under.
type Segment struct {
	Seq  wire.Seq
	Wire []byte
}

// SegmentAccess decides unsegmented vs segmented framing for an
// encrypted upper-transport access payload (payload||TransMIC) and
// emits the resulting transport_pdu bytes. firstSeq is the seq already
// allocated to this message (used unmodified for an unsegmented PDU,
// or for segment 0 on first transmission); allocSeq draws a fresh seq
// for every other segment. Grounded on outbound_segmentation.rs.
func SegmentAccess(akf bool, aid byte, firstSeq wire.Seq, payload []byte, isRetransmit bool, allocSeq func() (wire.Seq, error)) ([]Segment, error) {
	if len(payload) <= nonsegAccessMTU {
		u := pdulower.UnsegmentedAccess{Akf: akf, Aid: aid, UpperPDU: payload}
		return []Segment{{Seq: firstSeq, Wire: u.Emit()}}, nil
	}

	seqZero := wire.SeqZeroFromSeq(firstSeq)
	segSize := pdulower.SegmentSize(pdulower.Access)
	segN := (len(payload) - 1) / segSize
	if segN >= maxSegments {
		return nil, merrors.ErrInsufficientSpace
	}

	segments := make([]Segment, 0, segN+1)
	for segO := 0; segO <= segN; segO++ {
		start := segO * segSize
		end := start + segSize
		if end > len(payload) {
			end = len(payload)
		}

		seq := firstSeq
		if isRetransmit || segO != 0 {
			var err error
			seq, err = allocSeq()
			if err != nil {
				return nil, err
			}
		}

		seg := pdulower.SegmentedAccess{
			Akf: akf, Aid: aid, SzMic: wire.SzMic32,
			SeqZero: seqZero, SegO: byte(segO), SegN: byte(segN),
			SegmentM: payload[start:end],
		}
		segments = append(segments, Segment{Seq: seq, Wire: withSegBit(seg.Emit())})
	}
	return segments, nil
}

// SegmentControl is SegmentAccess's control-PDU counterpart. The
// original driver leaves control-PDU segmentation unimplemented; this
// follows the access-PDU pattern with control's own segment size and
// no AKF/AID octet, since spec.md documents segmented control headers
// even though no Rust precedent for emitting them was available.
func SegmentControl(opcode byte, firstSeq wire.Seq, params []byte, isRetransmit bool, allocSeq func() (wire.Seq, error)) ([]Segment, error) {
	if len(params) <= nonsegControlMTU {
		u := pdulower.UnsegmentedControl{Opcode: opcode, Parameters: params}
		return []Segment{{Seq: firstSeq, Wire: u.Emit()}}, nil
	}

	seqZero := wire.SeqZeroFromSeq(firstSeq)
	segSize := pdulower.SegmentSize(pdulower.Control)
	segN := (len(params) - 1) / segSize
	if segN >= maxSegments {
		return nil, merrors.ErrInsufficientSpace
	}

	segments := make([]Segment, 0, segN+1)
	for segO := 0; segO <= segN; segO++ {
		start := segO * segSize
		end := start + segSize
		if end > len(params) {
			end = len(params)
		}

		seq := firstSeq
		if isRetransmit || segO != 0 {
			var err error
			seq, err = allocSeq()
			if err != nil {
				return nil, err
			}
		}

		seg := pdulower.SegmentedControl{
			Opcode: opcode, SeqZero: seqZero, SegO: byte(segO), SegN: byte(segN),
			SegmentM: params[start:end],
		}
		segments = append(segments, Segment{Seq: seq, Wire: withSegBit(seg.Emit())})
	}
	return segments, nil
}

// pendingNonsegmented is a queued unsegmented retransmission: retried a
// fixed number of times with no acking (matches the lack of any ack
// mechanism for unsegmented lower PDUs).
type pendingNonsegmented struct {
	dst       uint16
	wire      []byte
	remaining int
	done      chan struct{}
}

// pendingSegmented is a queued segmented transaction: retried until
// every segment is acked (unicast only; group/virtual carry no
// segment-ack) or its fixed retry budget is spent (any destination).
type pendingSegmented struct {
	dst       uint16
	seqZero   wire.SeqZero
	segments  []Segment
	acked     pdulower.BlockAck
	unicast   bool
	remaining int
	done      chan struct{}
}

// RetransmitQueue is the bounded outbound retransmit queue: at most
// maxQueueDepth in-flight transactions, FIFO, per spec.md section 4.D
// "Shared resources".
type RetransmitQueue struct {
	nonsegmented []*pendingNonsegmented
	segmented    []*pendingSegmented
}

// NewRetransmitQueue builds an empty queue.
func NewRetransmitQueue() *RetransmitQueue {
	return &RetransmitQueue{}
}

func (q *RetransmitQueue) depth() int {
	return len(q.nonsegmented) + len(q.segmented)
}

// Pending reports whether any transaction is still awaiting
// (re)transmission or ack, so a caller can decide whether to keep
// re-arming its retransmit timer.
func (q *RetransmitQueue) Pending() bool {
	return q.depth() > 0
}

// PushNonsegmented enqueues a single-PDU retransmission budget. done,
// if non-nil, is closed once the budget is exhausted.
func (q *RetransmitQueue) PushNonsegmented(dst uint16, wireBytes []byte, retries int, done chan struct{}) error {
	if q.depth() >= maxQueueDepth {
		return merrors.ErrInsufficientSpace
	}
	q.nonsegmented = append(q.nonsegmented, &pendingNonsegmented{dst: dst, wire: wireBytes, remaining: retries, done: done})
	return nil
}

// PushSegmented enqueues a segmented transaction for retransmission
// until fully acked (unicast only) or until retries is spent (any
// destination, unicast included). done,
// if non-nil, is closed on completion (full ack, or retry exhaustion).
func (q *RetransmitQueue) PushSegmented(dst uint16, seqZero wire.SeqZero, segments []Segment, unicast bool, retries int, done chan struct{}) error {
	if q.depth() >= maxQueueDepth {
		return merrors.ErrInsufficientSpace
	}
	q.segmented = append(q.segmented, &pendingSegmented{
		dst: dst, seqZero: seqZero, segments: segments, unicast: unicast, remaining: retries, done: done,
	})
	return nil
}

// Tick emits the wire bytes due for (re)transmission on this pass, and
// prunes any entry whose retry budget just ran out or whose segments
// are all acked, closing its done channel.
func (q *RetransmitQueue) Tick() [][]byte {
	var out [][]byte

	live := q.nonsegmented[:0]
	for _, p := range q.nonsegmented {
		if p.remaining <= 0 {
			if p.done != nil {
				close(p.done)
			}
			continue
		}
		out = append(out, p.wire)
		p.remaining--
		live = append(live, p)
	}
	q.nonsegmented = live

	liveSeg := q.segmented[:0]
	for _, p := range q.segmented {
		complete := p.unicast && p.acked.Complete(byte(len(p.segments)-1))
		if complete || p.remaining <= 0 {
			if p.done != nil {
				close(p.done)
			}
			continue
		}
		for i, seg := range p.segments {
			if acked, _ := p.acked.IsAcked(byte(i)); acked {
				continue
			}
			out = append(out, seg.Wire)
		}
		p.remaining--
		liveSeg = append(liveSeg, p)
	}
	q.segmented = liveSeg

	return out
}

// AckSegments applies a received block-ack bitmap for seqZero from
// dst, marking those segments as delivered.
func (q *RetransmitQueue) AckSegments(dst uint16, seqZero wire.SeqZero, ack pdulower.BlockAck) {
	for _, p := range q.segmented {
		if p.dst == dst && p.seqZero == seqZero {
			p.acked |= ack
		}
	}
}
