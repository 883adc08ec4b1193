package graph

// Plan is the immutable execution plan produced by Builder.Compile.
//
// It holds the resolved lookup tables for nodes, edges, and conditional
// routers. Node names are resolved once at compile time; execution never
// consults the authoring-level string maps again. A Plan is safe for
// concurrent use by any number of threads and engines.
type Plan struct {
	schema    *Schema
	nodes     map[string]Node
	policies  map[string]NodePolicy
	out       map[string][]Edge
	conds     map[string]*ConditionalEdge
	entry     string
	terminals map[string]bool
	join      string
	warnings  []string
}

// Entry returns the entry point node ID.
func (p *Plan) Entry() string {
	return p.entry
}

// Warnings returns compile-time warnings (self-loops, unreachable edges
// out of terminal nodes). Warnings do not prevent execution.
func (p *Plan) Warnings() []string {
	out := make([]string, len(p.warnings))
	copy(out, p.warnings)
	return out
}

// NodeIDs returns the declared node IDs in sorted order.
func (p *Plan) NodeIDs() []string {
	return sortedNodeIDs(p.nodes)
}

// terminal reports whether the node is marked as a terminal.
func (p *Plan) terminal(id string) bool {
	return p.terminals[id]
}

// node resolves a node ID against the compiled table.
func (p *Plan) node(id string) (Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// policy returns the node's execution policy, or nil if none was set.
func (p *Plan) policy(id string) *NodePolicy {
	if pol, ok := p.policies[id]; ok {
		return &pol
	}
	return nil
}

// next evaluates the outgoing edges of nodeID against state.
//
// Returns the target node IDs: one element for a single transition, more
// than one for a parallel fan-out. A conditional router returning a label
// absent from its target map returns a *RoutingError. A node with no
// outgoing edges and no terminal marker returns an *EngineError, since the
// thread cannot continue.
func (p *Plan) next(nodeID string, state State) ([]string, error) {
	if ce, ok := p.conds[nodeID]; ok {
		label := ce.Router(state)
		target, mapped := ce.Targets[label]
		if !mapped {
			return nil, &RoutingError{Node: nodeID, Label: label}
		}
		return []string{target}, nil
	}

	edges := p.out[nodeID]
	if len(edges) == 0 {
		return nil, &EngineError{
			Message: "no route from node: " + nodeID,
			Code:    "NO_ROUTE",
		}
	}

	targets := make([]string, len(edges))
	for i, e := range edges {
		targets[i] = e.To
	}
	return targets, nil
}

// reachableFrom computes the set of nodes reachable from start by
// breadth-first search over unconditional edges and all conditional
// targets.
func (p *Plan) reachableFrom(start string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := p.nodes[start]; !ok {
		return seen
	}
	seen[start] = true
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range p.out[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
		if ce, ok := p.conds[cur]; ok {
			for _, label := range sortedKeys(ce.Targets) {
				t := ce.Targets[label]
				if !seen[t] {
					seen[t] = true
					queue = append(queue, t)
				}
			}
		}
	}
	return seen
}
