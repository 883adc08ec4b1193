package agent

import (
	"errors"
	"sync"
)

// ErrMailboxFull indicates a send to an agent whose mailbox reached its
// capacity. The sender decides whether to retry, drop, or fail.
var ErrMailboxFull = errors.New("mailbox full")

// DefaultMailboxCapacity bounds a mailbox when no explicit capacity is
// given at registration.
const DefaultMailboxCapacity = 256

// mailbox is a bounded FIFO queue of undelivered messages for one agent.
// Delivery order per sender is preserved; messages from different
// senders interleave in arrival order.
type mailbox struct {
	mu   sync.Mutex
	msgs []Message
	cap  int
}

func newMailbox(capacity int) *mailbox {
	if capacity < 1 {
		capacity = DefaultMailboxCapacity
	}
	return &mailbox{cap: capacity}
}

// enqueue appends a message, rejecting it when the mailbox is full.
func (m *mailbox) enqueue(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) >= m.cap {
		return ErrMailboxFull
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

// drain removes and returns all pending messages in arrival order.
func (m *mailbox) drain() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.msgs
	m.msgs = nil
	return out
}

// pending returns the number of undelivered messages.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}
