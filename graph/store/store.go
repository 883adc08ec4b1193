// Package store provides checkpoint persistence for Loom threads.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested thread has no checkpoints.
var ErrNotFound = errors.New("not found")

// FailureInfo records why a thread failed, attached to the error
// checkpoint the engine writes when a node exhausts its retries, routing
// fails, or the thread is cancelled or timed out.
type FailureInfo struct {
	// Node is the node the thread failed at; Resume re-attempts it.
	Node string `json:"node"`

	// Attempts is how many execution attempts were made (0 for failures
	// that are not node errors, such as cancellation).
	Attempts int `json:"attempts"`

	// Reason is the human-readable failure cause.
	Reason string `json:"reason"`
}

// SuspensionInfo records a suspension scheduling point: the node that
// parked awaiting external input and when, so join timeouts can be
// enforced across process restarts.
type SuspensionInfo struct {
	// Node is the node that suspended; Resume re-attempts it.
	Node string `json:"node"`

	// Reason is the human-readable suspension reason.
	Reason string `json:"reason"`

	// Since is when the thread suspended.
	Since time.Time `json:"since"`
}

// CheckpointMeta is the metadata attached to every checkpoint.
type CheckpointMeta struct {
	// Timestamp records when this checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// TriggeringNode is the node whose completion (or failure, or
	// suspension) produced this checkpoint.
	TriggeringNode string `json:"triggering_node"`

	// ParentID is the ID of the preceding checkpoint in this thread,
	// empty for the first.
	ParentID string `json:"parent_id,omitempty"`

	// Branches lists the fan-out branch entry nodes when this checkpoint
	// closes a parallel super-step, nil otherwise.
	Branches []string `json:"branches,omitempty"`

	// Failure is set on error checkpoints. Error checkpoints reuse the
	// last completed sequence number: they never advance.
	Failure *FailureInfo `json:"failure,omitempty"`

	// Suspension is set on suspension checkpoints, which likewise do not
	// advance the sequence.
	Suspension *SuspensionInfo `json:"suspension,omitempty"`
}

// Checkpoint is a durable snapshot of a thread's state after a completed
// step. Checkpoints are append-only and never overwritten; within a thread
// the sequence numbers of completed steps are strictly increasing and
// gap-free. Error and suspension checkpoints carry the last completed
// sequence number so that resumption re-attempts the same node from its
// last good input.
//
// Type parameter S is the state type to persist; it must be
// JSON-serializable.
type Checkpoint[S any] struct {
	// ID is the store-assigned unique checkpoint identifier.
	ID string `json:"id"`

	// ThreadID is the opaque thread this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// Seq is the sequence number, starting at 1 for the first completed
	// step. Strictly increasing within a thread for completed steps.
	Seq int `json:"seq"`

	// State is the full state snapshot after the triggering node's patch
	// was merged (or the last good state, for error checkpoints).
	State S `json:"state"`

	// Meta carries timestamp, provenance, and failure/suspension details.
	Meta CheckpointMeta `json:"meta"`
}

// Store persists thread checkpoints.
//
// The engine treats every Put as atomic: if Put does not confirm
// durability the step is considered not-yet-complete and is redone on
// resume. Implementations must support concurrent appends to distinct
// thread IDs without cross-thread interference.
//
// Implementations in this package:
//   - MemStore: in-memory, for tests and single-process workflows
//   - SQLiteStore: single-file database, zero-setup local persistence
//   - MySQLStore: shared database for multi-process deployments
//
// Type parameter S is the state type to persist.
type Store[S any] interface {
	// Put appends a checkpoint to the thread's history and returns the
	// checkpoint ID (assigning one if cp.ID is empty). Append-only:
	// existing checkpoints are never modified, even when Seq repeats on
	// error or suspension checkpoints.
	Put(ctx context.Context, threadID string, cp Checkpoint[S]) (string, error)

	// GetLatest returns the most recently appended checkpoint for the
	// thread, or ErrNotFound if the thread has none.
	GetLatest(ctx context.Context, threadID string) (Checkpoint[S], error)

	// GetHistory returns the thread's checkpoints in append order.
	// Returns ErrNotFound if the thread has none.
	GetHistory(ctx context.Context, threadID string) ([]Checkpoint[S], error)
}
