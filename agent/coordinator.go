package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/graph"
)

// Coordinator builds graph nodes that communicate through a shared bus.
//
// Two collaboration topologies are supported:
//
//   - Hierarchical: a dispatch node splits work across worker agents,
//     worker nodes run as parallel branches, and a collect node joins
//     their replies. The dispatch node records how many tasks it sent in
//     a state field; the collect node suspends the thread until that
//     many replies are pending, so late workers park the thread instead
//     of losing messages.
//
//   - Peer voting: propose nodes broadcast candidate answers, vote nodes
//     inspect the proposals and send votes to a tally agent, and a
//     resolve node applies a Resolution to pick the winner.
//
// The same bus instance must be shared by every node of one workflow.
type Coordinator struct {
	bus *Bus
}

// NewCoordinator creates a Coordinator over the given bus.
func NewCoordinator(bus *Bus) *Coordinator {
	return &Coordinator{bus: bus}
}

// Bus returns the underlying message bus.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

// DispatchNode returns a node that fans work out to worker agents.
//
// split derives the task payloads from the current state; payload i is
// sent as a TypeTask message to workers[i%len(workers)]. The number of
// dispatched tasks is written to expectedField so the matching
// CollectNode knows how many replies to wait for.
func (c *Coordinator) DispatchNode(coordinatorID string, workers []string, expectedField string, split func(graph.State) ([]any, error)) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		if len(workers) == 0 {
			return nil, errors.New("dispatch: no workers configured")
		}
		payloads, err := split(state)
		if err != nil {
			return nil, fmt.Errorf("dispatch: split: %w", err)
		}
		for i, payload := range payloads {
			msg := NewMessage(coordinatorID, workers[i%len(workers)], TypeTask, payload)
			if err := c.bus.Send(msg); err != nil {
				return nil, fmt.Errorf("dispatch to %s: %w", msg.To, err)
			}
		}
		return graph.Patch{expectedField: len(payloads)}, nil
	})
}

// WorkerNode returns a node that drains the agent's task mailbox,
// handles each task, and sends a TypeReply per task to replyTo.
// A task the handler fails on fails the node; already-sent replies stay
// sent, and the retried node sees only the remaining tasks.
func (c *Coordinator) WorkerNode(agentID, replyTo string, handle func(ctx context.Context, state graph.State, task Message) (any, error)) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		tasks, err := c.bus.Drain(agentID)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			if task.Type != TypeTask {
				continue
			}
			result, err := handle(ctx, state, task)
			if err != nil {
				return nil, fmt.Errorf("worker %s: %w", agentID, err)
			}
			if err := c.bus.Send(NewMessage(agentID, replyTo, TypeReply, result)); err != nil {
				return nil, fmt.Errorf("worker %s reply: %w", agentID, err)
			}
		}
		return graph.Patch{}, nil
	})
}

// CollectNode returns a node that joins worker replies.
//
// It reads the expected reply count from expectedField and suspends the
// thread while fewer replies are pending. The pending check happens
// before any drain, so suspension never discards messages: a resumed
// thread re-runs the node against the intact mailbox. Once all replies
// are in, reduce turns them into a state patch.
func (c *Coordinator) CollectNode(agentID, expectedField string, reduce func(state graph.State, replies []Message) (graph.Patch, error)) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		expected := state.Int(expectedField)
		if expected <= 0 {
			return nil, fmt.Errorf("collect %s: field %q has no expected count", agentID, expectedField)
		}
		if pending := c.bus.Pending(agentID); pending < expected {
			return nil, graph.Suspend(fmt.Sprintf("collect %s: %d of %d replies pending", agentID, pending, expected))
		}
		replies, err := c.bus.Drain(agentID)
		if err != nil {
			return nil, err
		}
		return reduce(state, replies)
	})
}

// ProposeNode returns a node that broadcasts the agent's candidate
// answer as a TypeProposal to every other registered agent.
func (c *Coordinator) ProposeNode(agentID string, propose func(ctx context.Context, state graph.State) (any, error)) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		candidate, err := propose(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("propose %s: %w", agentID, err)
		}
		if err := c.bus.Broadcast(NewMessage(agentID, "", TypeProposal, candidate)); err != nil {
			return nil, fmt.Errorf("propose %s: %w", agentID, err)
		}
		return graph.Patch{}, nil
	})
}

// VoteNode returns a node that examines the proposals in the agent's
// mailbox and sends the agent's vote to the tally agent.
//
// The whole mailbox is drained: messages of other types are discarded,
// so a voting agent's mailbox must carry proposals only. Agents that
// also receive tasks or replies should vote under a separate agent ID.
func (c *Coordinator) VoteNode(agentID, tallyTo string, vote func(ctx context.Context, state graph.State, proposals []Message) (Vote, error)) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		inbox, err := c.bus.Drain(agentID)
		if err != nil {
			return nil, err
		}
		proposals := inbox[:0]
		for _, msg := range inbox {
			if msg.Type == TypeProposal {
				proposals = append(proposals, msg)
			}
		}
		v, err := vote(ctx, state, proposals)
		if err != nil {
			return nil, fmt.Errorf("vote %s: %w", agentID, err)
		}
		v.Agent = agentID
		if err := c.bus.Send(NewMessage(agentID, tallyTo, TypeVote, v)); err != nil {
			return nil, fmt.Errorf("vote %s: %w", agentID, err)
		}
		return graph.Patch{}, nil
	})
}

// ResolveNode returns a node that tallies votes with the given
// Resolution and writes the Decision to decisionField.
//
// Like CollectNode it suspends until expectedField votes are pending,
// checking before draining. The decision is written as a plain map so
// it survives checkpoint serialization unchanged.
func (c *Coordinator) ResolveNode(agentID, expectedField, decisionField string, resolution Resolution) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, state graph.State) (graph.Patch, error) {
		expected := state.Int(expectedField)
		if expected <= 0 {
			return nil, fmt.Errorf("resolve %s: field %q has no expected count", agentID, expectedField)
		}
		if pending := c.bus.Pending(agentID); pending < expected {
			return nil, graph.Suspend(fmt.Sprintf("resolve %s: %d of %d votes pending", agentID, pending, expected))
		}
		inbox, err := c.bus.Drain(agentID)
		if err != nil {
			return nil, err
		}

		votes := make([]Vote, 0, len(inbox))
		for _, msg := range inbox {
			if msg.Type != TypeVote {
				continue
			}
			v, err := voteFromPayload(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: message %s: %w", agentID, msg.ID, err)
			}
			votes = append(votes, v)
		}

		decision, err := resolution.Resolve(votes)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", agentID, err)
		}
		return graph.Patch{decisionField: map[string]any{
			"choice": decision.Choice,
			"score":  decision.Score,
			"tied":   decision.Tied,
		}}, nil
	})
}

// voteFromPayload recovers a Vote from a message payload, tolerating the
// map form a JSON round-trip produces.
func voteFromPayload(payload any) (Vote, error) {
	switch p := payload.(type) {
	case Vote:
		return p, nil
	case map[string]any:
		v := Vote{}
		if s, ok := p["agent"].(string); ok {
			v.Agent = s
		}
		if s, ok := p["choice"].(string); ok {
			v.Choice = s
		}
		switch w := p["weight"].(type) {
		case float64:
			v.Weight = w
		case int:
			v.Weight = float64(w)
		}
		return v, nil
	default:
		return Vote{}, fmt.Errorf("payload is not a vote: %T", payload)
	}
}
