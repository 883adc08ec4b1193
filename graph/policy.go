package graph

import (
	"math/rand"
	"time"
)

// NodePolicy configures the execution behavior of one node: its timeout
// and its retry strategy. Policies are attached at build time via
// Builder.SetNodePolicy and enforced by the engine. Unset fields fall back
// to the engine-wide defaults from Options.
type NodePolicy struct {
	// Timeout is the maximum execution time allowed for this node.
	// If zero, the engine's DefaultNodeTimeout is used.
	Timeout time.Duration

	// Retry specifies automatic retry behavior for transient failures.
	// If nil, the engine's default retry policy applies (which may be
	// "no retries").
	Retry *RetryPolicy
}

// RetryPolicy defines automatic retry configuration for node failures.
//
// When a node execution fails, the policy decides whether the failure is
// retryable and how long to wait before the next attempt. Exponential
// backoff with jitter avoids synchronized retry storms. External side
// effects inside the node are retried wholesale: the whole node body runs
// again from its last good input.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including
	// the initial attempt. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying.
	// If nil, every error is retried until MaxAttempts is reached.
	Retryable func(error) bool
}

// Validate checks the RetryPolicy constraints:
//   - MaxAttempts must be >= 1
//   - when both are set, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryAllowed reports whether another attempt should be made after err on
// the given zero-based retry attempt.
func (rp *RetryPolicy) retryAllowed(attempt int, err error) bool {
	if rp == nil {
		return false
	}
	if attempt+1 >= rp.MaxAttempts {
		return false
	}
	if rp.Retryable != nil && !rp.Retryable(err) {
		return false
	}
	return true
}

// computeBackoff calculates the delay before retrying a failed node.
//
// delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// The exponential component doubles the delay with each retry; jitter
// randomizes timing across concurrent branches to avoid thundering herds.
// attempt is zero-based (0 = first retry).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
