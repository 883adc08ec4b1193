package graph

import "context"

// Node represents a processing unit in the workflow graph.
//
// A node receives a deep copy of the current state, performs its work, and
// returns a Patch with the fields it wants to change. Nodes are pure
// transforms from the engine's point of view: all branching lives in
// declared edges, and nodes must not reach into engine-internal structures.
//
// External side effects (API calls, writes) are the node author's
// responsibility; on retry the whole node body runs again, so side effects
// are retried wholesale.
type Node interface {
	// Run executes the node's logic with the given context and state.
	// It returns the partial state update to merge, or an error.
	// Returning an error wrapped around ErrAwaitingExternal (see Suspend)
	// parks the thread instead of failing it.
	Run(ctx context.Context, state State) (Patch, error)
}

// NodeFunc is a function adapter that implements the Node interface.
// It allows using plain functions as nodes without creating custom types.
//
// Example:
//
//	greet := graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
//	    return graph.Patch{"turns": s.Int("turns") + 1}, nil
//	})
type NodeFunc func(ctx context.Context, state State) (Patch, error)

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, state State) (Patch, error) {
	return f(ctx, state)
}
