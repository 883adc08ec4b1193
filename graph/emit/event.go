package emit

// Event represents an observability event emitted during thread execution.
//
// The engine emits events for node start/completion, checkpoint writes,
// retries, suspensions, and thread completion/failure. Events flow to an
// Emitter, which decides what to do with them.
type Event struct {
	// ThreadID identifies the thread that emitted this event.
	ThreadID string

	// Seq is the checkpoint sequence number current when the event was
	// emitted. Zero for thread-level events before the first step.
	Seq int

	// NodeID identifies which node the event concerns.
	// Empty for thread-level events.
	NodeID string

	// Msg is a short machine-matchable event name, e.g. "node_start",
	// "node_complete", "checkpoint_saved", "retry", "suspended",
	// "thread_completed", "thread_failed".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys: "duration_ms", "error", "attempt", "checkpoint_id",
	// "reason", "label".
	Meta map[string]any
}
