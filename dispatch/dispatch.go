// Package dispatch is the access-message router: local composition
// (elements/models), binding/subscription-based delivery targeting, a
// 32-entry LRU replay cache distinct from the network layer's, and the
// single-slot mailbox that serializes delivery to one or more models.
// Grounded on spec.md section 4.F and the composition model in section
// 3 ("Composition"/"Lifecycle").
package dispatch

import (
	lru "github.com/hashicorp/golang-lru/v2"

	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/meshaddr"
	"github.com/hhorai/btmesh/merrors"
	"github.com/hhorai/btmesh/wire"
)

const replayCacheSize = 32

// ModelID identifies a model by its company ID (0xFFFF for a Bluetooth
// SIG model) and model ID.
type ModelID struct {
	CompanyID uint16
	ModelID   uint16
}

// Element is one addressable element of the node's static composition:
// a location descriptor and its ordered model list.
type Element struct {
	Location uint16
	Models   []ModelID
}

// Composition is the node's static description, per spec.md section 3.
type Composition struct {
	CompanyID uint16
	ProductID uint16
	VersionID uint16
	Features  uint16
	Elements  []Element
}

// Binding ties one (element, model) to the application key it
// encrypts/decrypts with.
type Binding struct {
	ElementIndex byte
	Model        ModelID
	AppKeyIndex  uint16
}

// Subscription ties one (element, model) to a group or virtual address
// it receives traffic on.
type Subscription struct {
	ElementIndex byte
	Model        ModelID
	Address      meshaddr.Address
}

// Publication is one (element, model)'s Model Publication state
// (Mesh Profile 4.2.2.3): the destination it spontaneously reports
// status to, which application key it publishes under, and its
// resend/TTL policy.
type Publication struct {
	ElementIndex byte
	Model        ModelID
	Address      meshaddr.Address
	AppKeyIndex  uint16
	Ttl          byte
	PeriodSteps  byte
	PeriodRes    byte
	RetransCount byte
	RetransIntvl byte
}

// Target is one (element, model) an accepted message must be delivered
// to.
type Target struct {
	ElementIndex byte
	Model        ModelID
}

type replayEntry struct {
	seq     wire.Seq
	ivLow16 uint16
}

// Dispatcher routes accepted access messages to their local
// (element, model) targets and guards against replayed messages
// independently of the network layer's own replay cache (spec.md's
// "Replay caches (network + upper + dispatch)").
type Dispatcher struct {
	Composition   Composition
	Bindings      []Binding
	Subscriptions []Subscription
	Publications  []Publication

	replay  *lru.Cache[uint16, *replayEntry]
	mailbox *Mailbox
}

// NewDispatcher builds a Dispatcher over a fixed composition.
func NewDispatcher(composition Composition) *Dispatcher {
	cache, _ := lru.New[uint16, *replayEntry](replayCacheSize)
	return &Dispatcher{Composition: composition, replay: cache, mailbox: NewMailbox()}
}

// CheckReplay applies the LRU replay rule for src, identical in shape
// to the network engine's own (spec.md's three-way iv_index/seq
// ordering), and advances the stored entry on acceptance.
func (d *Dispatcher) CheckReplay(src [2]byte, ivIndex uint32, seq wire.Seq) bool {
	key := uint16(src[0])<<8 | uint16(src[1])
	ivLow16 := wire.Low16(ivIndex)

	entry, ok := d.replay.Get(key)
	if !ok {
		d.replay.Add(key, &replayEntry{seq: seq, ivLow16: ivLow16})
		return true
	}
	switch {
	case ivLow16 < entry.ivLow16:
		return false
	case ivLow16 == entry.ivLow16:
		if seq <= entry.seq {
			return false
		}
		entry.seq = seq
		return true
	default:
		entry.ivLow16 = ivLow16
		entry.seq = seq
		return true
	}
}

// Route computes the delivery targets for dst. For a local unicast
// destination, only the (element, model) bound to appKeyIndex on that
// element qualifies; for a group or virtual address, every
// subscription matching dst qualifies.
func (d *Dispatcher) Route(dst meshaddr.Address, localElementIndex byte, isLocalUnicast bool, appKeyIndex uint16) []Target {
	if isLocalUnicast {
		var out []Target
		for _, b := range d.Bindings {
			if b.ElementIndex == localElementIndex && b.AppKeyIndex == appKeyIndex {
				out = append(out, Target{ElementIndex: b.ElementIndex, Model: b.Model})
			}
		}
		return out
	}
	var out []Target
	for _, s := range d.Subscriptions {
		if s.Address.Kind == dst.Kind && s.Address.Value == dst.Value {
			out = append(out, Target{ElementIndex: s.ElementIndex, Model: s.Model})
		}
	}
	return out
}

// Dispatch routes and hands msg to the mailbox for delivery to every
// target, returning a channel closed once every target has
// acknowledged consumption. Returns ErrInvalidAddress if dst resolves
// to no target at all.
func (d *Dispatcher) Dispatch(msg pduaccess.Message, targets []Target) (<-chan struct{}, error) {
	if len(targets) == 0 {
		return nil, merrors.ErrInvalidAddress
	}
	return d.mailbox.Publish(msg, targets, len(targets))
}

// Ack is called by a model once it has consumed the currently
// published payload.
func (d *Dispatcher) Ack() {
	d.mailbox.Ack()
}

// Current returns the payload and targets currently parked in the
// mailbox, if any.
func (d *Dispatcher) Current() (pduaccess.Message, []Target, bool) {
	return d.mailbox.Current()
}
