package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMaxStepsExceeded indicates that thread execution reached the maximum
// allowed step count without completing. This prevents self-loops and
// misconfigured conditional exits from running forever.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrAwaitingExternal is the sentinel wrapped by Suspend. A node returning
// an error chain containing it parks the thread in StatusSuspended instead
// of failing it; Resume re-attempts the same node once the awaited input
// has arrived.
var ErrAwaitingExternal = errors.New("awaiting external input")

// ErrInvalidRetryPolicy indicates a RetryPolicy with out-of-range fields.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Suspend returns the error a node uses to signal that it cannot make
// progress until external input arrives (pending messages, a human
// approval, a slow collaborator). Suspension is a scheduling point, not a
// failure: the engine writes a non-advancing suspension checkpoint and
// returns a *SuspendedError from Invoke or Resume.
//
// Example:
//
//	if bus.Pending("synthesizer") < expected {
//	    return nil, graph.Suspend("awaiting subtask replies")
//	}
func Suspend(reason string) error {
	return fmt.Errorf("%w: %s", ErrAwaitingExternal, reason)
}

// ValidationError aggregates every problem found while compiling a graph.
//
// Compile is not fail-fast: it inspects the whole topology and reports all
// violations at once so a single compile round surfaces every mistake. A
// graph that fails validation never runs, not even partially.
type ValidationError struct {
	// Problems lists every violation found, in detection order.
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %s", strings.Join(e.Problems, "; "))
}

// RoutingError indicates a conditional router returned a label absent from
// its target map. It is fatal to the thread.
type RoutingError struct {
	// Node is the source node whose router produced the label.
	Node string

	// Label is the unmapped label the router returned.
	Label string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error at node %q: router returned unmapped label %q", e.Node, e.Label)
}

// NodeExecutionError indicates a node failed and its retry policy is
// exhausted. The thread transitions to StatusFailed with an error
// checkpoint whose metadata carries the failing node, attempt count, and
// the last good checkpoint ID.
type NodeExecutionError struct {
	// Node is the ID of the failing node.
	Node string

	// Attempts is the total number of execution attempts made.
	Attempts int

	// Err is the error from the final attempt.
	Err error
}

// Error implements the error interface.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed after %d attempt(s): %v", e.Node, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// MergeConflictError indicates two parallel branches wrote the same state
// field that has no declared Append or Custom reducer. The engine never
// silently picks one value; declare a reducer for the field or restructure
// the branches.
type MergeConflictError struct {
	// Field is the conflicting state field.
	Field string

	// Nodes are the branch nodes that wrote the field.
	Nodes []string
}

// Error implements the error interface.
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on field %q: written by parallel branches %v without a declared reducer", e.Field, e.Nodes)
}

// PersistenceError indicates a checkpoint write could not be confirmed
// durable after the engine's independent persistence retries. The step is
// considered not-yet-complete: resuming the thread re-attempts the same
// node from its last good input.
type PersistenceError struct {
	// ThreadID is the thread whose checkpoint failed to persist.
	ThreadID string

	// Seq is the sequence number of the unconfirmed checkpoint.
	Seq int

	// Err is the last store error.
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint persistence failed for thread %q seq %d: %v", e.ThreadID, e.Seq, e.Err)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SuspendedError is returned by Invoke and Resume when a node suspends on
// external input. The thread is parked in StatusSuspended with a
// non-advancing suspension checkpoint; call Resume once the awaited input
// is available.
type SuspendedError struct {
	// ThreadID is the suspended thread.
	ThreadID string

	// Node is the node that suspended; Resume re-attempts it.
	Node string

	// Reason is the human-readable suspension reason.
	Reason string
}

// Error implements the error interface.
func (e *SuspendedError) Error() string {
	return fmt.Sprintf("thread %q suspended at node %q: %s", e.ThreadID, e.Node, e.Reason)
}

// TimeoutError indicates a suspended thread exceeded its join timeout and
// was cancelled by Expire. A TimeoutError checkpoint records the event.
type TimeoutError struct {
	// ThreadID is the expired thread.
	ThreadID string

	// Node is the node the thread was suspended at.
	Node string

	// Waited is how long the thread had been suspended.
	Waited time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("thread %q timed out after %v suspended at node %q", e.ThreadID, e.Waited, e.Node)
}

// EngineError represents a configuration or lifecycle error from Engine
// operations (missing store, unknown thread, double invoke, and so on).
type EngineError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
