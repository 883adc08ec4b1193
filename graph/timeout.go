package graph

import (
	"context"
	"fmt"
	"time"
)

// nodeTimeout determines the timeout for a node based on precedence:
// per-node NodePolicy.Timeout, then the engine-wide default, then 0
// (unlimited).
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// runNodeWithTimeout executes a node under its effective timeout.
//
// The node receives a context that is cancelled at the deadline; a node
// that honors its context returns promptly with a context error, which is
// normalized here into a NODE_TIMEOUT EngineError so retry policies can
// distinguish timeouts from node-level failures.
func runNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	state State,
	policy *NodePolicy,
	defaultTimeout time.Duration,
) (Patch, error) {
	timeout := nodeTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return node.Run(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	patch, err := node.Run(timeoutCtx, state)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return nil, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    "NODE_TIMEOUT",
		}
	}
	return patch, err
}
