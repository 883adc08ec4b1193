package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAgent indicates a send to an agent ID that is not registered
// on the bus.
var ErrUnknownAgent = errors.New("unknown agent")

// Bus routes messages between registered agents through per-agent
// bounded mailboxes.
//
// The bus is deliberately passive: it stores messages until the
// receiving agent's node drains them during its own graph step. Agents
// never call each other directly, so a collect node that finds its
// mailbox short can suspend its thread and be resumed later without
// losing anything.
//
// All methods are safe for concurrent use by parallel branches.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{mailboxes: make(map[string]*mailbox)}
}

// Register creates a mailbox for the agent ID with the given capacity
// (<= 0 selects DefaultMailboxCapacity). Registering an existing ID is
// an error; mailboxes are never silently replaced.
func (b *Bus) Register(agentID string, capacity int) error {
	if agentID == "" {
		return errors.New("agent ID cannot be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.mailboxes[agentID]; exists {
		return fmt.Errorf("agent already registered: %s", agentID)
	}
	b.mailboxes[agentID] = newMailbox(capacity)
	return nil
}

// Unregister removes the agent's mailbox, discarding pending messages.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	delete(b.mailboxes, agentID)
	b.mu.Unlock()
}

// Send delivers a message to its To agent's mailbox.
func (b *Bus) Send(msg Message) error {
	b.mu.RLock()
	mb, ok := b.mailboxes[msg.To]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, msg.To)
	}
	return mb.enqueue(msg)
}

// Broadcast delivers a copy of the message to every registered agent
// except the sender. Delivery is all-or-none per recipient: a full
// mailbox fails the broadcast and reports which agent was full, but
// copies already enqueued stay enqueued.
func (b *Bus) Broadcast(msg Message) error {
	b.mu.RLock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		if id != msg.From {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		copied := msg
		copied.To = id
		if err := b.Send(copied); err != nil {
			return fmt.Errorf("broadcast to %s: %w", id, err)
		}
	}
	return nil
}

// Drain removes and returns all pending messages for the agent in
// arrival order.
func (b *Bus) Drain(agentID string) ([]Message, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return mb.drain(), nil
}

// Pending returns the number of undelivered messages for the agent,
// zero for unknown agents.
func (b *Bus) Pending(agentID string) int {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return mb.pending()
}

// Agents returns the registered agent IDs in sorted order.
func (b *Bus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
