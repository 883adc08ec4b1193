// Package agent provides multi-agent coordination on top of the graph
// engine: a message bus with per-agent mailboxes, workflow nodes for
// hierarchical task dispatch and collection, and pluggable resolution
// strategies for peer voting.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies the intent of a message.
type MessageType string

const (
	// TypeTask is a work assignment from a coordinator to a worker.
	TypeTask MessageType = "task"

	// TypeReply carries a worker's result back to the requester.
	TypeReply MessageType = "reply"

	// TypeProposal carries a candidate answer in a peer voting round.
	TypeProposal MessageType = "proposal"

	// TypeVote carries one agent's vote on the open proposals.
	TypeVote MessageType = "vote"

	// TypeNotify is a fire-and-forget notification.
	TypeNotify MessageType = "notify"
)

// Message is one unit of agent-to-agent communication.
//
// Messages are immutable after creation and JSON-serializable, so they
// can travel through graph state and survive checkpointing.
type Message struct {
	// ID is a unique message identifier.
	ID string `json:"id"`

	// From is the sending agent's ID.
	From string `json:"from"`

	// To is the receiving agent's ID. Empty for broadcasts.
	To string `json:"to,omitempty"`

	// Type classifies the message intent.
	Type MessageType `json:"type"`

	// Payload is the message body. Must be JSON-serializable.
	Payload any `json:"payload"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated ID and current timestamp.
func NewMessage(from, to string, typ MessageType, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
