package graph

import (
	"fmt"
	"sort"
)

// Builder accumulates the graph definition: nodes, edges, entry point,
// terminal markers, and the fan-out join. String node IDs are the
// authoring ergonomics; Compile resolves them into an immutable Plan so
// nothing is looked up by name during execution.
//
// Example:
//
//	b := graph.NewBuilder(schema)
//	b.RegisterNode("start", startNode)
//	b.RegisterNode("greet", greetNode)
//	b.AddEdge("start", "greet")
//	b.SetEntryPoint("start")
//	b.MarkTerminal("greet")
//	plan, err := b.Compile()
type Builder struct {
	schema    *Schema
	nodes     map[string]Node
	policies  map[string]NodePolicy
	edges     []Edge
	conds     []ConditionalEdge
	entry     string
	entrySets int
	terminals map[string]bool
	join      string
	problems  []string
}

// NewBuilder creates a Builder with the given state schema.
// A nil schema is valid: every field then defaults to Replace.
func NewBuilder(schema *Schema) *Builder {
	return &Builder{
		schema:    schema,
		nodes:     make(map[string]Node),
		policies:  make(map[string]NodePolicy),
		terminals: make(map[string]bool),
	}
}

// RegisterNode adds a named node to the graph.
//
// Duplicate IDs, empty IDs, and nil nodes are rejected immediately and
// also recorded so Compile's aggregated ValidationError repeats them.
func (b *Builder) RegisterNode(id string, node Node) error {
	switch {
	case id == "":
		b.problems = append(b.problems, "node registered with empty ID")
		return &EngineError{Message: "node ID cannot be empty", Code: "EMPTY_NODE_ID"}
	case node == nil:
		b.problems = append(b.problems, fmt.Sprintf("node %q registered with nil implementation", id))
		return &EngineError{Message: "node cannot be nil: " + id, Code: "NIL_NODE"}
	}
	if _, exists := b.nodes[id]; exists {
		b.problems = append(b.problems, fmt.Sprintf("duplicate node ID %q", id))
		return &EngineError{Message: "duplicate node ID: " + id, Code: "DUPLICATE_NODE"}
	}
	b.nodes[id] = node
	return nil
}

// SetNodePolicy attaches an execution policy (timeout, retry) to a node.
func (b *Builder) SetNodePolicy(id string, policy NodePolicy) {
	b.policies[id] = policy
}

// AddEdge declares an unconditional transition from src to dst.
//
// More than one unconditional edge from the same source declares a
// parallel fan-out; the branches must converge on the node set by SetJoin.
// Endpoint existence is validated at Compile, not here, so edges may be
// declared before their nodes.
func (b *Builder) AddEdge(src, dst string) {
	b.edges = append(b.edges, Edge{From: src, To: dst})
}

// AddConditionalEdge declares a label-routed transition from src.
//
// After src completes, router is evaluated against the merged state and
// the label selects the target. A node may have at most one conditional
// edge and may not mix conditional and unconditional edges.
func (b *Builder) AddConditionalEdge(src string, router Router, targets map[string]string) {
	b.conds = append(b.conds, ConditionalEdge{From: src, Router: router, Targets: targets})
}

// SetEntryPoint declares the node execution starts at. Exactly one entry
// point is required; calling this more than once is a validation problem.
func (b *Builder) SetEntryPoint(id string) {
	b.entry = id
	b.entrySets++
}

// MarkTerminal marks a node as a terminal: once it completes and its
// checkpoint is durable, the thread transitions to StatusCompleted.
func (b *Builder) MarkTerminal(id string) {
	b.terminals[id] = true
}

// SetJoin declares the join node where parallel fan-out branches converge.
// The join executes only after every fanned branch has delivered its patch.
func (b *Builder) SetJoin(id string) {
	b.join = id
}

// Compile validates the topology and produces an immutable Plan.
//
// Validation is not fail-fast: all violations are collected and returned
// together in a single *ValidationError, so one compile round surfaces
// every problem. Checks:
//
//   - exactly one entry point, referencing a declared node
//   - every edge endpoint references a declared node
//   - every node reachable from the entry point
//   - at least one path from entry to a terminal marker
//   - no duplicate node IDs (also rejected at registration)
//   - conditional edges have a non-empty target map, at most one per node,
//     and never mix with unconditional edges from the same node
//   - every fan-out converges on the declared join
//
// Self-loops are legal but surfaced as warnings on the Plan; pair them
// with the engine's MaxSteps bound.
func (b *Builder) Compile() (*Plan, error) {
	problems := append([]string(nil), b.problems...)
	var warnings []string

	// Entry point.
	switch {
	case b.entrySets == 0:
		problems = append(problems, "no entry point set")
	case b.entrySets > 1:
		problems = append(problems, fmt.Sprintf("entry point set %d times, want exactly one", b.entrySets))
	}
	if b.entrySets > 0 {
		if _, ok := b.nodes[b.entry]; !ok {
			problems = append(problems, fmt.Sprintf("entry point %q is not a declared node", b.entry))
		}
	}

	// Edge endpoints.
	out := make(map[string][]Edge)
	for _, e := range b.edges {
		if _, ok := b.nodes[e.From]; !ok {
			problems = append(problems, fmt.Sprintf("edge source %q is not a declared node", e.From))
		}
		if _, ok := b.nodes[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge target %q is not a declared node", e.To))
		}
		if e.From == e.To {
			warnings = append(warnings, fmt.Sprintf("self-loop on node %q; bound execution with MaxSteps", e.From))
		}
		out[e.From] = append(out[e.From], e)
	}

	// Conditional edges.
	conds := make(map[string]*ConditionalEdge)
	for i := range b.conds {
		ce := b.conds[i]
		if _, ok := b.nodes[ce.From]; !ok {
			problems = append(problems, fmt.Sprintf("conditional edge source %q is not a declared node", ce.From))
		}
		if ce.Router == nil {
			problems = append(problems, fmt.Sprintf("conditional edge from %q has nil router", ce.From))
		}
		if len(ce.Targets) == 0 {
			problems = append(problems, fmt.Sprintf("conditional edge from %q has an empty target map", ce.From))
		}
		for _, label := range sortedKeys(ce.Targets) {
			target := ce.Targets[label]
			if _, ok := b.nodes[target]; !ok {
				problems = append(problems, fmt.Sprintf("conditional edge from %q maps label %q to undeclared node %q", ce.From, label, target))
			}
			if target == ce.From {
				warnings = append(warnings, fmt.Sprintf("self-loop on node %q via label %q; bound execution with MaxSteps", ce.From, label))
			}
		}
		if _, dup := conds[ce.From]; dup {
			problems = append(problems, fmt.Sprintf("node %q has more than one conditional edge", ce.From))
			continue
		}
		conds[ce.From] = &b.conds[i]
	}
	for from := range conds {
		if len(out[from]) > 0 {
			problems = append(problems, fmt.Sprintf("node %q mixes conditional and unconditional edges", from))
		}
	}

	// Terminal markers.
	if len(b.terminals) == 0 {
		problems = append(problems, "no terminal node marked")
	}
	for _, id := range sortedBoolKeys(b.terminals) {
		if _, ok := b.nodes[id]; !ok {
			problems = append(problems, fmt.Sprintf("terminal marker %q is not a declared node", id))
		}
		if len(out[id]) > 0 || conds[id] != nil {
			warnings = append(warnings, fmt.Sprintf("terminal node %q has outgoing edges; they are never followed", id))
		}
	}

	// Join node.
	if b.join != "" {
		if _, ok := b.nodes[b.join]; !ok {
			problems = append(problems, fmt.Sprintf("join node %q is not a declared node", b.join))
		}
	}

	plan := &Plan{
		schema:    b.schema,
		nodes:     b.nodes,
		policies:  b.policies,
		out:       out,
		conds:     conds,
		entry:     b.entry,
		terminals: b.terminals,
		join:      b.join,
	}

	// Reachability and terminal-path checks only make sense on a graph
	// whose endpoints all resolved.
	if len(problems) == 0 {
		reachable := plan.reachableFrom(plan.entry)
		for _, id := range sortedNodeIDs(b.nodes) {
			if !reachable[id] {
				problems = append(problems, fmt.Sprintf("node %q is unreachable from entry point %q", id, plan.entry))
			}
		}

		terminalReachable := false
		for id := range b.terminals {
			if reachable[id] {
				terminalReachable = true
				break
			}
		}
		if !terminalReachable {
			problems = append(problems, fmt.Sprintf("no path from entry point %q to a terminal node", plan.entry))
		}

		// Fan-out convergence.
		for _, from := range sortedEdgeSources(out) {
			if len(out[from]) < 2 {
				continue
			}
			if b.join == "" {
				problems = append(problems, fmt.Sprintf("node %q fans out to %d branches but no join node is declared", from, len(out[from])))
				continue
			}
			for _, e := range out[from] {
				if e.To != b.join && !plan.reachableFrom(e.To)[b.join] {
					problems = append(problems, fmt.Sprintf("fan-out branch %q → %q never reaches join node %q", from, e.To, b.join))
				}
			}
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	plan.warnings = warnings
	return plan, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedBoolKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNodeIDs(m map[string]Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedEdgeSources(m map[string][]Edge) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
