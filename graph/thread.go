package graph

// ThreadStatus is the lifecycle state of one resumable execution instance.
//
// Transitions:
//
//	Ready → Running → Completed
//	                → Suspended → (Resume) → Running
//	                            → (Expire/Cancel) → Failed
//	                → Failed → (Resume, explicit operator action) → Running
//
// Cancellation is permitted only between steps, never mid-node; it marks
// the thread Failed with the cancellation reason while leaving all prior
// checkpoints intact.
type ThreadStatus int

const (
	// StatusReady means the thread is known but has not started executing.
	StatusReady ThreadStatus = iota

	// StatusRunning means the thread is actively executing steps.
	StatusRunning

	// StatusSuspended means the thread is parked awaiting external input.
	StatusSuspended

	// StatusCompleted means the thread reached a terminal node.
	StatusCompleted

	// StatusFailed means the thread failed: node retries exhausted, routing
	// error, merge conflict, persistence failure, cancellation, or timeout.
	StatusFailed
)

// String returns the human-readable status name.
func (s ThreadStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// thread is the engine's in-memory record of one thread's lifecycle.
type thread struct {
	status       ThreadStatus
	cancelReason string
}
