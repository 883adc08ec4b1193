package graph

// Edge represents an unconditional transition between two nodes.
//
// A node with exactly one outgoing unconditional edge advances to that
// target after each completed step. A node with more than one outgoing
// unconditional edge fans out: all targets execute as concurrent branches
// that must converge on the graph's declared join node.
type Edge struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string
}

// Router selects the label of the next transition from the current state.
//
// Routers must be pure functions: deterministic and side-effect-free. The
// returned label is looked up in the conditional edge's target map; a label
// absent from the map fails the thread with a RoutingError, never a silent
// fallthrough.
type Router func(state State) string

// ConditionalEdge represents a label-driven transition.
//
// After the source node completes, the router is evaluated against the
// merged state and the resulting label selects the target node. Every
// label the router can return must be enumerated in Targets; Compile
// cannot verify the router's range, so an unmapped label is a runtime
// RoutingError.
type ConditionalEdge struct {
	// From is the source node ID.
	From string

	// Router selects the transition label from state.
	Router Router

	// Targets maps router labels to destination node IDs.
	Targets map[string]string
}
