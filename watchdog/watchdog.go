// Package watchdog is the driver's single timer multiplexer: at most
// one deadline of each of three kinds is ever pending (a link-open
// timeout, the earliest outbound segment-retransmit expiration, the
// earliest inbound reassembly expiration), and Next blocks until
// whichever comes first fires. Grounded on
// original_source/btmesh-driver/src/watchdog.rs, adapted from its
// Cell<Option<(Instant, WatchdogEvent)>> fields plus an async
// Timer::at/pending() race to a mutex-guarded struct and a
// context.Context-cancellable select, the idiom the teacher uses for
// its own timeout races (e.g. the `select { case <-time.After(...):
// case <-ctx.Done(): }` shape in cmd/gnbsim_sctp.go and
// example/example.go).
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/hhorai/btmesh/wire"
)

// Event names which deadline kind fired.
type Event int

const (
	EventLinkOpenTimeout Event = iota
	EventOutboundExpiration
	EventInboundExpiration
)

// Expiration is the deadline Next reports: which kind fired, and for
// the two per-transaction kinds, which seq_zero it belongs to.
type Expiration struct {
	Event   Event
	SeqZero wire.SeqZero
}

type deadline struct {
	at      time.Time
	seqZero wire.SeqZero
	set     bool
}

// Watchdog holds the three deadline slots. Zero value is empty and
// ready to use.
type Watchdog struct {
	mu       sync.Mutex
	linkOpen deadline
	outbound deadline
	inbound  deadline
}

// New builds an empty Watchdog.
func New() *Watchdog {
	return &Watchdog{}
}

// SetLinkOpenTimeout arms (or re-arms) the link-open deadline.
func (w *Watchdog) SetLinkOpenTimeout(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.linkOpen = deadline{at: at, set: true}
}

// ClearLinkOpenTimeout disarms the link-open deadline.
func (w *Watchdog) ClearLinkOpenTimeout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.linkOpen = deadline{}
}

// SetOutboundExpiration arms the outbound-retransmit deadline for
// seqZero, unless an earlier one is already pending (the lower
// transport only ever needs to wake for the soonest of its in-flight
// segmented transactions).
func (w *Watchdog) SetOutboundExpiration(at time.Time, seqZero wire.SeqZero) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outbound.set && w.outbound.at.Before(at) {
		return
	}
	w.outbound = deadline{at: at, seqZero: seqZero, set: true}
}

// ClearOutboundExpiration disarms the outbound deadline, but only if
// it still belongs to seqZero — a stale clear for a transaction that
// has already been superseded is a no-op.
func (w *Watchdog) ClearOutboundExpiration(seqZero wire.SeqZero) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outbound.set && w.outbound.seqZero == seqZero {
		w.outbound = deadline{}
	}
}

// SetInboundExpiration arms the inbound reassembly-expiration deadline
// for seqZero, unless an earlier one is already pending.
func (w *Watchdog) SetInboundExpiration(at time.Time, seqZero wire.SeqZero) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inbound.set && w.inbound.at.Before(at) {
		return
	}
	w.inbound = deadline{at: at, seqZero: seqZero, set: true}
}

// ClearInboundExpiration disarms the inbound deadline, but only if it
// still belongs to seqZero.
func (w *Watchdog) ClearInboundExpiration(seqZero wire.SeqZero) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inbound.set && w.inbound.seqZero == seqZero {
		w.inbound = deadline{}
	}
}

// earliest picks the soonest armed deadline across all three slots.
func (w *Watchdog) earliest() (Expiration, time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	best, bestAt, ok := Expiration{}, time.Time{}, false
	consider := func(d deadline, ev Event) {
		if !d.set {
			return
		}
		if !ok || d.at.Before(bestAt) {
			best = Expiration{Event: ev, SeqZero: d.seqZero}
			bestAt = d.at
			ok = true
		}
	}
	consider(w.linkOpen, EventLinkOpenTimeout)
	consider(w.outbound, EventOutboundExpiration)
	consider(w.inbound, EventInboundExpiration)
	return best, bestAt, ok
}

func (w *Watchdog) clear(exp Expiration) {
	switch exp.Event {
	case EventLinkOpenTimeout:
		w.ClearLinkOpenTimeout()
	case EventOutboundExpiration:
		w.ClearOutboundExpiration(exp.SeqZero)
	case EventInboundExpiration:
		w.ClearInboundExpiration(exp.SeqZero)
	}
}

// Next blocks until the soonest armed deadline fires, clears it (the
// caller is expected to re-arm it if the condition it guards still
// holds), and returns it. With nothing armed, Next blocks until ctx is
// done and returns ok=false, mirroring the Rust source's pending()
// future — a driver loop with no outstanding timers simply waits on
// whatever else its select is racing.
func (w *Watchdog) Next(ctx context.Context) (Expiration, bool) {
	exp, at, ok := w.earliest()
	if !ok {
		<-ctx.Done()
		return Expiration{}, false
	}

	timer := time.NewTimer(time.Until(at))
	defer timer.Stop()
	select {
	case <-timer.C:
		w.clear(exp)
		return exp, true
	case <-ctx.Done():
		return Expiration{}, false
	}
}
