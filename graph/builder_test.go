package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func noopNode() Node {
	return NodeFunc(func(ctx context.Context, s State) (Patch, error) {
		return Patch{}, nil
	})
}

func TestBuilder_RegisterNode(t *testing.T) {
	t.Run("rejects empty ID", func(t *testing.T) {
		b := NewBuilder(nil)
		if err := b.RegisterNode("", noopNode()); err == nil {
			t.Error("expected error for empty node ID")
		}
	})

	t.Run("rejects nil node", func(t *testing.T) {
		b := NewBuilder(nil)
		if err := b.RegisterNode("a", nil); err == nil {
			t.Error("expected error for nil node")
		}
	})

	t.Run("rejects duplicate ID", func(t *testing.T) {
		b := NewBuilder(nil)
		if err := b.RegisterNode("a", noopNode()); err != nil {
			t.Fatalf("first register: %v", err)
		}
		if err := b.RegisterNode("a", noopNode()); err == nil {
			t.Error("expected error for duplicate node ID")
		}
	})
}

func TestBuilder_Compile(t *testing.T) {
	t.Run("valid linear graph compiles", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("start", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddEdge("start", "end")
		b.SetEntryPoint("start")
		b.MarkTerminal("end")

		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if plan.Entry() != "start" {
			t.Errorf("Entry = %q, want start", plan.Entry())
		}
	})

	t.Run("all problems reported together", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("a", noopNode())
		b.AddEdge("a", "ghost")       // undeclared target
		b.AddEdge("phantom", "a")     // undeclared source
		// no entry point, no terminal

		_, err := b.Compile()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
		if len(verr.Problems) < 4 {
			t.Errorf("Problems = %d, want at least 4: %v", len(verr.Problems), verr.Problems)
		}
		joined := strings.Join(verr.Problems, "\n")
		for _, want := range []string{"ghost", "phantom", "entry point", "terminal"} {
			if !strings.Contains(joined, want) {
				t.Errorf("problems missing %q:\n%s", want, joined)
			}
		}
	})

	t.Run("entry point set twice", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("a", noopNode())
		b.SetEntryPoint("a")
		b.SetEntryPoint("a")
		b.MarkTerminal("a")

		_, err := b.Compile()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
	})

	t.Run("unreachable node", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("start", noopNode())
		b.RegisterNode("island", noopNode())
		b.SetEntryPoint("start")
		b.MarkTerminal("start")

		_, err := b.Compile()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
		if !strings.Contains(verr.Error(), "island") {
			t.Errorf("missing unreachable node report: %v", verr)
		}
	})

	t.Run("no path to terminal", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("start", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddEdge("end", "start")
		b.SetEntryPoint("start")
		b.MarkTerminal("end")

		_, err := b.Compile()
		if err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("conditional edge with empty targets", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("a", noopNode())
		b.AddConditionalEdge("a", func(s State) string { return "x" }, nil)
		b.SetEntryPoint("a")
		b.MarkTerminal("a")

		_, err := b.Compile()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
		if !strings.Contains(verr.Error(), "empty target map") {
			t.Errorf("missing empty target map report: %v", verr)
		}
	})

	t.Run("mixing conditional and unconditional edges", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("a", noopNode())
		b.RegisterNode("b", noopNode())
		b.AddEdge("a", "b")
		b.AddConditionalEdge("a", func(s State) string { return "go" }, map[string]string{"go": "b"})
		b.SetEntryPoint("a")
		b.MarkTerminal("b")

		_, err := b.Compile()
		if err == nil || !strings.Contains(err.Error(), "mixes") {
			t.Errorf("err = %v, want mixed-edges problem", err)
		}
	})

	t.Run("fan-out without join", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("split", noopNode())
		b.RegisterNode("left", noopNode())
		b.RegisterNode("right", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddEdge("split", "left")
		b.AddEdge("split", "right")
		b.AddEdge("left", "end")
		b.AddEdge("right", "end")
		b.SetEntryPoint("split")
		b.MarkTerminal("end")

		_, err := b.Compile()
		if err == nil || !strings.Contains(err.Error(), "join") {
			t.Errorf("err = %v, want missing-join problem", err)
		}
	})

	t.Run("fan-out branch missing the join", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("split", noopNode())
		b.RegisterNode("left", noopNode())
		b.RegisterNode("stray", noopNode())
		b.RegisterNode("join", noopNode())
		b.AddEdge("split", "left")
		b.AddEdge("split", "stray")
		b.AddEdge("left", "join")
		b.AddEdge("stray", "stray") // spins in place, never reaches join
		b.SetEntryPoint("split")
		b.MarkTerminal("join")
		b.SetJoin("join")

		_, err := b.Compile()
		if err == nil || !strings.Contains(err.Error(), "never reaches join") {
			t.Errorf("err = %v, want branch convergence problem", err)
		}
	})

	t.Run("self-loop is a warning not an error", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("loop", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddConditionalEdge("loop", func(s State) string { return "done" }, map[string]string{
			"again": "loop",
			"done":  "end",
		})
		b.SetEntryPoint("loop")
		b.MarkTerminal("end")

		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if len(plan.Warnings()) == 0 {
			t.Error("expected self-loop warning")
		}
	})

	t.Run("terminal with outgoing edges warns", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("start", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddEdge("start", "end")
		b.AddEdge("end", "start")
		b.SetEntryPoint("start")
		b.MarkTerminal("end")

		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		found := false
		for _, w := range plan.Warnings() {
			if strings.Contains(w, "never followed") {
				found = true
			}
		}
		if !found {
			t.Errorf("warnings = %v, want terminal-outgoing warning", plan.Warnings())
		}
	})
}

func TestPlan_Next(t *testing.T) {
	build := func(t *testing.T) *Plan {
		t.Helper()
		b := NewBuilder(nil)
		b.RegisterNode("decide", noopNode())
		b.RegisterNode("more", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddConditionalEdge("decide", func(s State) string {
			if s.Int("turns") < 3 {
				return "continue"
			}
			return "finish"
		}, map[string]string{"continue": "more", "finish": "end"})
		b.AddEdge("more", "decide")
		b.SetEntryPoint("decide")
		b.MarkTerminal("end")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		return plan
	}

	t.Run("router label selects target", func(t *testing.T) {
		plan := build(t)
		next, err := plan.next("decide", State{"turns": 1})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(next) != 1 || next[0] != "more" {
			t.Errorf("next = %v, want [more]", next)
		}

		next, err = plan.next("decide", State{"turns": 3})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(next) != 1 || next[0] != "end" {
			t.Errorf("next = %v, want [end]", next)
		}
	})

	t.Run("unmapped label is a routing error", func(t *testing.T) {
		b := NewBuilder(nil)
		b.RegisterNode("decide", noopNode())
		b.RegisterNode("end", noopNode())
		b.AddConditionalEdge("decide", func(s State) string { return "nonsense" }, map[string]string{"finish": "end"})
		b.SetEntryPoint("decide")
		b.MarkTerminal("end")
		plan, err := b.Compile()
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}

		_, err = plan.next("decide", State{})
		var rerr *RoutingError
		if !errors.As(err, &rerr) {
			t.Fatalf("err = %v, want *RoutingError", err)
		}
		if rerr.Node != "decide" || rerr.Label != "nonsense" {
			t.Errorf("RoutingError = %+v", rerr)
		}
	})
}
