package dispatch

import (
	"sync"

	pduaccess "github.com/hhorai/btmesh/pdu/access"
	"github.com/hhorai/btmesh/merrors"
)

// Mailbox is the bounded single-slot delivery handle spec.md's
// redesign flags call for in place of the original driver's
// `static mut` shared payload: at most one access message is parked at
// a time, released only once every addressed model has acknowledged
// consuming it.
type Mailbox struct {
	mu       sync.Mutex
	payload  pduaccess.Message
	targets  []Target
	pending  int
	done     chan struct{}
	occupied bool
}

// NewMailbox builds an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Publish parks msg for delivery to targets. Returns
// ErrInsufficientSpace if a previous payload is still awaiting
// acknowledgement — the driver loop must not publish a second message
// before the first is fully consumed.
func (m *Mailbox) Publish(msg pduaccess.Message, targets []Target, n int) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.occupied {
		return nil, merrors.ErrInsufficientSpace
	}
	m.payload = msg
	m.targets = targets
	m.pending = n
	m.done = make(chan struct{})
	m.occupied = true
	return m.done, nil
}

// Ack records one model's consumption of the current payload,
// releasing the mailbox (closing done) once every target has acked.
func (m *Mailbox) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.occupied {
		return
	}
	m.pending--
	if m.pending <= 0 {
		close(m.done)
		m.occupied = false
		m.payload = pduaccess.Message{}
		m.targets = nil
	}
}

// Current returns the currently parked payload and its targets, if
// any.
func (m *Mailbox) Current() (pduaccess.Message, []Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload, m.targets, m.occupied
}
