package graph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/graph/store"
)

// branchOutcome is the result of one fan-out branch: the patches its
// nodes produced in execution order, which node wrote each field, and
// the terminal error if the branch did not reach the join.
type branchOutcome struct {
	entry   string
	patches []Patch
	writers map[string][]string
	errNode string
	err     error
}

// superStep executes a parallel fan-out as one atomic step.
//
// Every branch runs concurrently from its entry node until it routes to
// the declared join node, each against its own copy of the pre-step
// state. Branch patches are then merged in edge declaration order
// through the schema reducers, and a single checkpoint closes the
// super-step; the join node itself runs as the next sequential step.
//
// Two branches writing the same Replace field is a *MergeConflictError:
// the engine never silently picks a winner. Append and Custom fields
// merge cleanly. A failure or suspension in any branch fails or
// suspends the whole super-step, and Resume redoes all branches from
// the pre-step checkpoint.
func (e *Engine) superStep(ctx context.Context, threadID string, state State, branches []string, seq int, parentID string, steps *int) (State, int, string, error) {
	if e.plan.join == "" {
		err := &EngineError{Message: "fan-out without a declared join node", Code: "NO_JOIN"}
		st, e2 := e.failThread(ctx, threadID, state, seq, parentID, branches, frontierLabel(branches), 0, err.Error(), err)
		return st, seq, parentID, e2
	}

	var (
		used     atomic.Int64
		budget   = int64(e.cfg.maxSteps - *steps)
		sem      = make(chan struct{}, e.cfg.maxConcurrentBranches)
		wg       sync.WaitGroup
		outcomes = make([]branchOutcome, len(branches))
	)

	for i, entry := range branches {
		wg.Add(1)
		go func(i int, entry string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.cfg.metrics.branchStarted()
			defer e.cfg.metrics.branchStopped()
			outcomes[i] = e.runBranch(ctx, threadID, state, entry, seq, &used, budget)
		}(i, entry)
	}
	wg.Wait()
	*steps += int(used.Load())

	// A real failure outranks a suspension; branches are inspected in
	// declaration order so the reported node is deterministic.
	for _, oc := range outcomes {
		if oc.err != nil && !errors.Is(oc.err, ErrAwaitingExternal) {
			attempts := 0
			var execErr *NodeExecutionError
			if errors.As(oc.err, &execErr) {
				attempts = execErr.Attempts
			}
			st, e2 := e.failThread(ctx, threadID, state, seq, parentID, branches, oc.errNode, attempts, oc.err.Error(), oc.err)
			return st, seq, parentID, e2
		}
	}
	for _, oc := range outcomes {
		if oc.err != nil {
			st, e2 := e.suspendThread(ctx, threadID, state, seq, parentID, branches, oc.errNode, oc.err)
			return st, seq, parentID, e2
		}
	}

	// Cross-branch conflict detection on Replace fields. Multiple writes
	// within one branch are ordinary sequential merges; the conflict is
	// two distinct branches writing the same field.
	fieldBranches := make(map[string][]string)
	for _, oc := range outcomes {
		for field, nodes := range oc.writers {
			if e.plan.schema.rule(field).kind != Replace {
				continue
			}
			fieldBranches[field] = append(fieldBranches[field], nodes[0])
		}
	}
	fields := make([]string, 0, len(fieldBranches))
	for field := range fieldBranches {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if writers := fieldBranches[field]; len(writers) > 1 {
			e.cfg.metrics.conflictRecorded(field)
			conflict := &MergeConflictError{Field: field, Nodes: writers}
			st, e2 := e.failThread(ctx, threadID, state, seq, parentID, branches, frontierLabel(branches), 0, conflict.Error(), conflict)
			return st, seq, parentID, e2
		}
	}

	// Merge in edge declaration order, patch by patch, so replay of the
	// same branch outputs always produces the same state.
	merged := state
	for _, oc := range outcomes {
		for _, p := range oc.patches {
			merged = e.plan.schema.Apply(merged, p)
		}
	}

	seq++
	id, err := e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      seq,
		State:    merged,
		Meta: store.CheckpointMeta{
			Timestamp: time.Now().UTC(),
			ParentID:  parentID,
			Branches:  branches,
		},
	})
	if err != nil {
		e.setStatus(threadID, StatusFailed)
		e.emitter.Emit(emit.Event{
			ThreadID: threadID, Seq: seq, Msg: "thread_failed",
			Meta: map[string]any{"error": err.Error()},
		})
		return state, seq, parentID, err
	}
	e.emitter.Emit(emit.Event{
		ThreadID: threadID, Seq: seq, Msg: "checkpoint_saved",
		Meta: map[string]any{"checkpoint_id": id, "branches": len(branches)},
	})

	return merged, seq, id, nil
}

// runBranch executes one branch chain from entry until it routes to the
// join node. The branch sees the shared pre-step state plus its own
// accumulated patches; sibling branches never observe each other's
// writes.
func (e *Engine) runBranch(ctx context.Context, threadID string, base State, entry string, seq int, used *atomic.Int64, budget int64) branchOutcome {
	oc := branchOutcome{entry: entry, writers: make(map[string][]string)}

	branchState, err := cloneState(base)
	if err != nil {
		oc.errNode, oc.err = entry, err
		return oc
	}

	// A fan-out edge may target the join directly. That branch carries
	// no work of its own: it is already converged, contributes no
	// patches, and the join still runs once, after the merge.
	if entry == e.plan.join {
		return oc
	}

	nodeID := entry
	for {
		if used.Add(1) > budget {
			oc.errNode, oc.err = nodeID, ErrMaxStepsExceeded
			return oc
		}
		node, ok := e.plan.node(nodeID)
		if !ok {
			oc.errNode = nodeID
			oc.err = &EngineError{Message: "node not found in plan: " + nodeID, Code: "NODE_NOT_FOUND"}
			return oc
		}

		input, err := cloneState(branchState)
		if err != nil {
			oc.errNode, oc.err = nodeID, err
			return oc
		}

		e.emitter.Emit(emit.Event{ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "node_start"})
		start := time.Now()
		patch, attempts, err := e.runWithRetry(ctx, threadID, nodeID, node, input, seq)
		elapsed := float64(time.Since(start).Milliseconds())
		if err != nil {
			status := "error"
			if errors.Is(err, ErrAwaitingExternal) {
				status = "suspended"
			} else {
				err = &NodeExecutionError{Node: nodeID, Attempts: attempts, Err: err}
			}
			e.cfg.metrics.observeStep(nodeID, status, elapsed)
			oc.errNode, oc.err = nodeID, err
			return oc
		}
		e.cfg.metrics.observeStep(nodeID, "success", elapsed)
		e.emitter.Emit(emit.Event{
			ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "node_complete",
			Meta: map[string]any{"duration_ms": elapsed, "attempt": attempts},
		})

		oc.patches = append(oc.patches, patch)
		for field := range patch {
			oc.writers[field] = append(oc.writers[field], nodeID)
		}
		branchState = e.plan.schema.Apply(branchState, patch)

		next, err := e.plan.next(nodeID, branchState)
		if err != nil {
			oc.errNode, oc.err = nodeID, err
			return oc
		}
		if len(next) > 1 {
			oc.errNode = nodeID
			oc.err = &EngineError{Message: "nested fan-out inside branch: " + nodeID, Code: "NESTED_FANOUT"}
			return oc
		}
		if next[0] == e.plan.join {
			return oc
		}
		nodeID = next[0]
	}
}
