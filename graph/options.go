package graph

import "time"

// Default limits applied when no option overrides them.
const (
	DefaultMaxSteps              = 256
	DefaultMaxConcurrentBranches = 8
	DefaultJoinTimeout           = 30 * time.Second
)

// Option customizes engine behavior. Options are applied in order by New,
// so later options override earlier ones.
type Option func(*engineConfig)

type engineConfig struct {
	maxSteps              int
	maxConcurrentBranches int
	defaultNodeTimeout    time.Duration
	joinTimeout           time.Duration
	defaultRetry          *RetryPolicy
	persistAttempts       int
	persistDelay          time.Duration
	metrics               *PrometheusMetrics
}

func defaultConfig() engineConfig {
	return engineConfig{
		maxSteps:              DefaultMaxSteps,
		maxConcurrentBranches: DefaultMaxConcurrentBranches,
		joinTimeout:           DefaultJoinTimeout,
		persistAttempts:       1,
	}
}

// WithMaxSteps bounds the number of node executions a single Invoke or
// Resume call may perform before failing with ErrMaxStepsExceeded. The
// bound guards against unbounded cycles; set it above the longest loop a
// graph is expected to take. Values < 1 are ignored.
func WithMaxSteps(n int) Option {
	return func(c *engineConfig) {
		if n >= 1 {
			c.maxSteps = n
		}
	}
}

// WithMaxConcurrentBranches caps how many fan-out branches execute at the
// same time. Branches beyond the cap wait for a slot. Values < 1 are
// ignored.
func WithMaxConcurrentBranches(n int) Option {
	return func(c *engineConfig) {
		if n >= 1 {
			c.maxConcurrentBranches = n
		}
	}
}

// WithDefaultNodeTimeout sets a per-node execution timeout applied to
// every node that does not declare its own via NodePolicy. Zero means no
// timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.defaultNodeTimeout = d
		}
	}
}

// WithJoinTimeout sets how long a suspended join may wait for outstanding
// branch results before Expire marks the thread failed.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// WithDefaultRetryPolicy sets a retry policy applied to every node that
// does not declare its own via NodePolicy.
func WithDefaultRetryPolicy(p RetryPolicy) Option {
	return func(c *engineConfig) {
		cp := p
		c.defaultRetry = &cp
	}
}

// WithPersistenceRetry makes the engine retry failed checkpoint writes up
// to attempts times, sleeping delay between tries. Checkpoint persistence
// is independent of node retry policies: a node may succeed and the
// write still be retried.
func WithPersistenceRetry(attempts int, delay time.Duration) Option {
	return func(c *engineConfig) {
		if attempts >= 1 {
			c.persistAttempts = attempts
		}
		if delay > 0 {
			c.persistDelay = delay
		}
	}
}

// WithMetrics attaches a Prometheus metric set to the engine. A nil
// metrics value disables instrumentation.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *engineConfig) {
		c.metrics = m
	}
}
