package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/graph/store"
)

// hierarchicalPlan wires the research-team topology: a coordinator
// splits work into subtasks, worker agents run as parallel branches, and
// a collect node joins their replies.
func hierarchicalPlan(t *testing.T, c *Coordinator, workers []string) *graph.Plan {
	t.Helper()
	schema := graph.NewSchema().
		Field("expected", graph.Replace).
		Field("answers", graph.Append)

	b := graph.NewBuilder(schema)
	b.RegisterNode("dispatch", c.DispatchNode("coordinator", workers, "expected",
		func(s graph.State) ([]any, error) {
			return []any{1, 2, 3}, nil
		}))
	for _, w := range workers {
		b.RegisterNode(w, c.WorkerNode(w, "coordinator",
			func(ctx context.Context, s graph.State, task Message) (any, error) {
				n, _ := task.Payload.(int)
				return n * 10, nil
			}))
		b.AddEdge("dispatch", w)
		b.AddEdge(w, "collect")
	}
	b.RegisterNode("collect", c.CollectNode("coordinator", "expected",
		func(s graph.State, replies []Message) (graph.Patch, error) {
			total := 0
			for _, r := range replies {
				n, _ := r.Payload.(int)
				total += n
			}
			return graph.Patch{"answers": total}, nil
		}))
	b.SetEntryPoint("dispatch")
	b.MarkTerminal("collect")
	b.SetJoin("collect")

	plan, err := b.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return plan
}

func registerAll(t *testing.T, bus *Bus, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := bus.Register(id, 0); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
}

func TestCoordinator_Hierarchical(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatch workers collect", func(t *testing.T) {
		bus := NewBus()
		workers := []string{"w1", "w2", "w3"}
		registerAll(t, bus, append([]string{"coordinator"}, workers...)...)
		c := NewCoordinator(bus)

		eng, err := graph.New(hierarchicalPlan(t, c, workers), store.NewMemStore[graph.State](), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		final, err := eng.Invoke(ctx, "team-1", nil)
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}

		if got := final.Int("expected"); got != 3 {
			t.Errorf("expected = %d, want 3", got)
		}
		answers := final.Slice("answers")
		if len(answers) != 1 {
			t.Fatalf("answers = %v", answers)
		}
		// 1+2+3 each multiplied by 10.
		if (graph.State{"v": answers[0]}).Int("v") != 60 {
			t.Errorf("total = %v, want 60", answers[0])
		}
	})

	t.Run("collect suspends until the missing reply arrives", func(t *testing.T) {
		bus := NewBus()
		// Only one worker node is in the graph; the second subtask's
		// reply comes from outside.
		registerAll(t, bus, "coordinator", "w1")
		c := NewCoordinator(bus)

		schema := graph.NewSchema().Field("expected", graph.Replace)
		b := graph.NewBuilder(schema)
		b.RegisterNode("dispatch", graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
			if err := bus.Send(NewMessage("coordinator", "w1", TypeTask, 7)); err != nil {
				return nil, err
			}
			return graph.Patch{"expected": 2}, nil
		}))
		b.RegisterNode("w1", c.WorkerNode("w1", "coordinator",
			func(ctx context.Context, s graph.State, task Message) (any, error) {
				n, _ := task.Payload.(int)
				return n + 1, nil
			}))
		b.RegisterNode("collect", c.CollectNode("coordinator", "expected",
			func(s graph.State, replies []Message) (graph.Patch, error) {
				return graph.Patch{"got": len(replies)}, nil
			}))
		b.AddEdge("dispatch", "w1")
		b.AddEdge("w1", "collect")
		b.SetEntryPoint("dispatch")
		b.MarkTerminal("collect")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		eng, err := graph.New(plan, store.NewMemStore[graph.State](), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		_, err = eng.Invoke(ctx, "team-late", nil)
		var serr *graph.SuspendedError
		if !errors.As(err, &serr) {
			t.Fatalf("err = %v, want *SuspendedError", err)
		}
		if serr.Node != "collect" {
			t.Errorf("suspended at %q, want collect", serr.Node)
		}

		// The mailbox still holds w1's reply; suspension drained nothing.
		if got := bus.Pending("coordinator"); got != 1 {
			t.Fatalf("pending = %d, want 1 preserved reply", got)
		}

		// The late collaborator reports in.
		if err := bus.Send(NewMessage("external", "coordinator", TypeReply, 99)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		final, err := eng.Resume(ctx, "team-late", nil)
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if final.Int("got") != 2 {
			t.Errorf("got = %d replies, want 2", final.Int("got"))
		}
	})

	t.Run("suspended collect expires on join timeout", func(t *testing.T) {
		bus := NewBus()
		registerAll(t, bus, "coordinator")
		c := NewCoordinator(bus)

		b := graph.NewBuilder(graph.NewSchema())
		b.RegisterNode("seed", graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
			return graph.Patch{"expected": 5}, nil
		}))
		b.RegisterNode("collect", c.CollectNode("coordinator", "expected",
			func(s graph.State, replies []Message) (graph.Patch, error) {
				return graph.Patch{}, nil
			}))
		b.AddEdge("seed", "collect")
		b.SetEntryPoint("seed")
		b.MarkTerminal("collect")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		eng, err := graph.New(plan, store.NewMemStore[graph.State](), nil,
			graph.WithJoinTimeout(time.Nanosecond))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := eng.Invoke(ctx, "team-slow", nil); err == nil {
			t.Fatal("expected suspension")
		}
		time.Sleep(time.Millisecond)

		err = eng.Expire(ctx, "team-slow")
		var terr *graph.TimeoutError
		if !errors.As(err, &terr) {
			t.Fatalf("err = %v, want *TimeoutError", err)
		}
		if terr.Node != "collect" {
			t.Errorf("timed out node = %q, want collect", terr.Node)
		}
	})

	t.Run("collect without an expected count fails", func(t *testing.T) {
		bus := NewBus()
		registerAll(t, bus, "coordinator")
		c := NewCoordinator(bus)

		node := c.CollectNode("coordinator", "expected", func(s graph.State, replies []Message) (graph.Patch, error) {
			return graph.Patch{}, nil
		})
		if _, err := node.Run(ctx, graph.State{}); err == nil {
			t.Error("expected error without an expected count")
		}
	})

	t.Run("worker handler error propagates", func(t *testing.T) {
		bus := NewBus()
		registerAll(t, bus, "coordinator", "w1")
		c := NewCoordinator(bus)
		if err := bus.Send(NewMessage("coordinator", "w1", TypeTask, 1)); err != nil {
			t.Fatalf("Send: %v", err)
		}

		node := c.WorkerNode("w1", "coordinator",
			func(ctx context.Context, s graph.State, task Message) (any, error) {
				return nil, fmt.Errorf("cannot handle task %v", task.Payload)
			})
		if _, err := node.Run(ctx, graph.State{}); err == nil {
			t.Error("expected handler error to propagate")
		}
	})

	t.Run("dispatch with no workers fails", func(t *testing.T) {
		c := NewCoordinator(NewBus())
		node := c.DispatchNode("coordinator", nil, "expected", func(s graph.State) ([]any, error) {
			return []any{1}, nil
		})
		if _, err := node.Run(ctx, graph.State{}); err == nil {
			t.Error("expected error with no workers")
		}
	})
}

func TestCoordinator_PeerVoting(t *testing.T) {
	ctx := context.Background()

	t.Run("proposals votes and majority resolution", func(t *testing.T) {
		bus := NewBus()
		peers := []string{"alice", "bob", "carol"}
		registerAll(t, bus, append([]string{"tally"}, peers...)...)
		c := NewCoordinator(bus)

		choices := map[string]string{"alice": "plan-x", "bob": "plan-y", "carol": "plan-x"}

		b := graph.NewBuilder(graph.NewSchema())
		b.RegisterNode("open", graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
			return graph.Patch{"voters": len(peers)}, nil
		}))
		prev := "open"
		for _, p := range peers {
			propose := "propose-" + p
			b.RegisterNode(propose, c.ProposeNode(p, func(p string) func(context.Context, graph.State) (any, error) {
				return func(ctx context.Context, s graph.State) (any, error) {
					return choices[p], nil
				}
			}(p)))
			b.AddEdge(prev, propose)
			prev = propose
		}
		for _, p := range peers {
			vote := "vote-" + p
			b.RegisterNode(vote, c.VoteNode(p, "tally", func(p string) func(context.Context, graph.State, []Message) (Vote, error) {
				return func(ctx context.Context, s graph.State, proposals []Message) (Vote, error) {
					// Each peer has seen everyone's proposals; it votes
					// for its own favorite.
					if len(proposals) == 0 {
						return Vote{}, errors.New("no proposals seen")
					}
					return Vote{Choice: choices[p]}, nil
				}
			}(p)))
			b.AddEdge(prev, vote)
			prev = vote
		}
		b.RegisterNode("resolve", c.ResolveNode("tally", "voters", "decision", Majority{}))
		b.AddEdge(prev, "resolve")
		b.SetEntryPoint("open")
		b.MarkTerminal("resolve")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		eng, err := graph.New(plan, store.NewMemStore[graph.State](), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		final, err := eng.Invoke(ctx, "vote-1", nil)
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}

		decision, ok := final["decision"].(map[string]any)
		if !ok {
			t.Fatalf("decision = %v", final["decision"])
		}
		if decision["choice"] != "plan-x" {
			t.Errorf("choice = %v, want plan-x", decision["choice"])
		}
		if decision["score"] != float64(2) {
			t.Errorf("score = %v, want 2", decision["score"])
		}
	})

	t.Run("resolve suspends until all votes are in", func(t *testing.T) {
		bus := NewBus()
		registerAll(t, bus, "tally", "alice")
		c := NewCoordinator(bus)

		b := graph.NewBuilder(graph.NewSchema())
		b.RegisterNode("open", graph.NodeFunc(func(ctx context.Context, s graph.State) (graph.Patch, error) {
			return graph.Patch{"voters": 2}, nil
		}))
		b.RegisterNode("resolve", c.ResolveNode("tally", "voters", "decision", Majority{}))
		b.AddEdge("open", "resolve")
		b.SetEntryPoint("open")
		b.MarkTerminal("resolve")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		eng, err := graph.New(plan, store.NewMemStore[graph.State](), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		if err := bus.Send(NewMessage("alice", "tally", TypeVote, Vote{Agent: "alice", Choice: "x"})); err != nil {
			t.Fatalf("Send: %v", err)
		}
		_, err = eng.Invoke(ctx, "vote-wait", nil)
		var serr *graph.SuspendedError
		if !errors.As(err, &serr) {
			t.Fatalf("err = %v, want *SuspendedError", err)
		}

		if err := bus.Send(NewMessage("bob", "tally", TypeVote, Vote{Agent: "bob", Choice: "x"})); err != nil {
			t.Fatalf("Send: %v", err)
		}
		final, err := eng.Resume(ctx, "vote-wait", nil)
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		decision, ok := final["decision"].(map[string]any)
		if !ok || decision["choice"] != "x" {
			t.Errorf("decision = %v", final["decision"])
		}
	})

	t.Run("vote payload survives a serialization round trip", func(t *testing.T) {
		v, err := voteFromPayload(map[string]any{
			"agent":  "alice",
			"choice": "x",
			"weight": 0.7,
		})
		if err != nil {
			t.Fatalf("voteFromPayload: %v", err)
		}
		if v.Agent != "alice" || v.Choice != "x" || v.Weight != 0.7 {
			t.Errorf("vote = %+v", v)
		}

		if _, err := voteFromPayload(42); err == nil {
			t.Error("expected error for non-vote payload")
		}
	})

	t.Run("vote drains the whole mailbox keeping proposals only", func(t *testing.T) {
		bus := NewBus()
		registerAll(t, bus, "alice", "tally")
		c := NewCoordinator(bus)

		if err := bus.Send(NewMessage("bob", "alice", TypeProposal, "plan-x")); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if err := bus.Send(NewMessage("bob", "alice", TypeNotify, "ignore me")); err != nil {
			t.Fatalf("Send: %v", err)
		}

		var seen []Message
		node := c.VoteNode("alice", "tally", func(ctx context.Context, s graph.State, proposals []Message) (Vote, error) {
			seen = proposals
			return Vote{Choice: "plan-x", Weight: 1}, nil
		})
		if _, err := node.Run(context.Background(), graph.State{}); err != nil {
			t.Fatalf("vote node: %v", err)
		}

		if len(seen) != 1 || seen[0].Payload != "plan-x" {
			t.Errorf("proposals = %+v, want the single plan-x proposal", seen)
		}
		if got := bus.Pending("alice"); got != 0 {
			t.Errorf("alice pending = %d, want 0 after the drain", got)
		}
		if got := bus.Pending("tally"); got != 1 {
			t.Errorf("tally pending = %d, want the vote", got)
		}
	})
}
