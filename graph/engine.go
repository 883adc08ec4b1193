package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/graph/emit"
	"github.com/loomworks/loom/graph/store"
)

// Engine executes compiled plans as resumable threads.
//
// A thread is one execution instance of a plan, identified by an opaque
// thread ID chosen by the caller. The engine persists a checkpoint after
// every completed step, before evaluating outgoing edges, so a thread can
// be resumed from its latest checkpoint after suspension, failure, or a
// process restart. One Engine serves any number of threads concurrently;
// a thread itself executes one step at a time (parallel fan-out branches
// within a step run concurrently).
//
// Example:
//
//	engine, err := graph.New(plan, store.NewMemStore[graph.State](), nil,
//	    graph.WithMaxSteps(100),
//	)
//	if err != nil {
//	    return err
//	}
//	final, err := engine.Invoke(ctx, "thread-1", graph.Patch{"topic": "greetings"})
type Engine struct {
	plan    *Plan
	store   store.Store[State]
	emitter emit.Emitter
	cfg     engineConfig

	mu      sync.Mutex
	threads map[string]*thread
}

// New creates an Engine for the given plan and checkpoint store.
// A nil emitter disables event emission.
func New(plan *Plan, st store.Store[State], emitter emit.Emitter, opts ...Option) (*Engine, error) {
	if plan == nil {
		return nil, &EngineError{Message: "plan is required", Code: "NO_PLAN"}
	}
	if st == nil {
		return nil, &EngineError{Message: "checkpoint store is required", Code: "NO_STORE"}
	}
	if emitter == nil {
		emitter = &emit.NullEmitter{}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.defaultRetry != nil {
		if err := cfg.defaultRetry.Validate(); err != nil {
			return nil, err
		}
	}

	return &Engine{
		plan:    plan,
		store:   st,
		emitter: emitter,
		cfg:     cfg,
		threads: make(map[string]*thread),
	}, nil
}

// Invoke starts a new thread at the plan's entry point.
//
// The initial patch is merged into an empty state through the schema
// reducers before the first node runs. Invoke blocks until the thread
// completes, suspends, or fails, and returns the final (or last good)
// state. A thread ID that already has checkpoint history is rejected;
// use Resume for existing threads.
func (e *Engine) Invoke(ctx context.Context, threadID string, initial Patch) (State, error) {
	if threadID == "" {
		return nil, &EngineError{Message: "thread ID cannot be empty", Code: "EMPTY_THREAD_ID"}
	}
	if err := e.claim(threadID); err != nil {
		return nil, err
	}

	if _, err := e.store.GetLatest(ctx, threadID); err == nil {
		e.release(threadID)
		return nil, &EngineError{
			Message: "thread already has checkpoint history, use Resume: " + threadID,
			Code:    "THREAD_EXISTS",
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		e.release(threadID)
		return nil, &PersistenceError{ThreadID: threadID, Err: err}
	}

	state := e.plan.schema.Apply(State{}, initial)
	return e.run(ctx, threadID, state, []string{e.plan.entry}, 0, "")
}

// Resume continues a thread from its latest checkpoint.
//
// The optional input patch is merged into the checkpointed state before
// execution continues; this is how awaited external input (a human
// approval, late messages) is delivered. Which node runs next depends on
// the latest checkpoint:
//
//   - suspension checkpoint: the suspended node is re-attempted
//   - error checkpoint: the failed node is re-attempted from its last
//     good input
//   - ordinary checkpoint: routing is re-evaluated from the checkpoint's
//     triggering node (routers are required to be deterministic, so this
//     reproduces the decision the thread would have made)
func (e *Engine) Resume(ctx context.Context, threadID string, input Patch) (State, error) {
	if err := e.claim(threadID); err != nil {
		return nil, err
	}

	cp, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		e.release(threadID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &EngineError{Message: "unknown thread: " + threadID, Code: "UNKNOWN_THREAD"}
		}
		return nil, &PersistenceError{ThreadID: threadID, Err: err}
	}

	state := e.plan.schema.Apply(cp.State, input)

	frontier, err := e.resumeFrontier(cp, state)
	if err != nil {
		e.release(threadID)
		return nil, err
	}
	return e.run(ctx, threadID, state, frontier, cp.Seq, cp.ID)
}

// resumeFrontier decides which node(s) execute next given the latest
// checkpoint. Fan-out checkpoints carry their branch set in metadata so
// the whole super-step is redone as a unit.
func (e *Engine) resumeFrontier(cp store.Checkpoint[State], state State) ([]string, error) {
	switch {
	case cp.Meta.Suspension != nil:
		if len(cp.Meta.Branches) > 0 {
			return cp.Meta.Branches, nil
		}
		return []string{cp.Meta.Suspension.Node}, nil

	case cp.Meta.Failure != nil:
		if len(cp.Meta.Branches) > 0 {
			return cp.Meta.Branches, nil
		}
		return []string{cp.Meta.Failure.Node}, nil

	case len(cp.Meta.Branches) > 0:
		// A completed fan-out super-step continues at the join.
		return []string{e.plan.join}, nil

	default:
		if e.plan.terminal(cp.Meta.TriggeringNode) {
			return nil, &EngineError{
				Message: "thread already completed: " + cp.ThreadID,
				Code:    "THREAD_COMPLETED",
			}
		}
		return e.plan.next(cp.Meta.TriggeringNode, state)
	}
}

// Cancel requests cancellation of a running or suspended thread.
//
// Cancellation is honored between steps, never mid-node: the running
// step finishes (and its checkpoint is written) before the thread stops.
// Cancelling a suspended thread fails it immediately with a cancellation
// checkpoint.
func (e *Engine) Cancel(ctx context.Context, threadID, reason string) error {
	e.mu.Lock()
	t, ok := e.threads[threadID]
	if !ok {
		e.mu.Unlock()
		return &EngineError{Message: "unknown thread: " + threadID, Code: "UNKNOWN_THREAD"}
	}
	if reason == "" {
		reason = "cancelled"
	}
	t.cancelReason = reason
	suspended := t.status == StatusSuspended
	if suspended {
		t.status = StatusFailed
	}
	e.mu.Unlock()

	if !suspended {
		return nil
	}

	// Nothing is running; write the cancellation checkpoint here.
	cp, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		return &PersistenceError{ThreadID: threadID, Err: err}
	}
	node := ""
	if cp.Meta.Suspension != nil {
		node = cp.Meta.Suspension.Node
	}
	_, err = e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      cp.Seq,
		State:    cp.State,
		Meta: store.CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: node,
			ParentID:       cp.ID,
			Failure:        &store.FailureInfo{Node: node, Reason: reason},
		},
	})
	if err != nil {
		return err
	}
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Seq:      cp.Seq,
		NodeID:   node,
		Msg:      "thread_failed",
		Meta:     map[string]any{"error": reason},
	})
	return nil
}

// Expire checks a suspended thread against the engine's join timeout and
// fails it with a *TimeoutError if the wait has been exceeded.
//
// Suspension time is read from the suspension checkpoint, so Expire works
// across process restarts. It returns nil when the thread is still within
// its timeout. Call it from a periodic sweep or before a Resume attempt.
func (e *Engine) Expire(ctx context.Context, threadID string) error {
	cp, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &EngineError{Message: "unknown thread: " + threadID, Code: "UNKNOWN_THREAD"}
		}
		return &PersistenceError{ThreadID: threadID, Err: err}
	}
	if cp.Meta.Suspension == nil {
		return &EngineError{Message: "thread is not suspended: " + threadID, Code: "NOT_SUSPENDED"}
	}

	waited := time.Since(cp.Meta.Suspension.Since)
	if waited < e.cfg.joinTimeout {
		return nil
	}

	timeoutErr := &TimeoutError{
		ThreadID: threadID,
		Node:     cp.Meta.Suspension.Node,
		Waited:   waited,
	}
	if _, err := e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      cp.Seq,
		State:    cp.State,
		Meta: store.CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: cp.Meta.Suspension.Node,
			ParentID:       cp.ID,
			Branches:       cp.Meta.Branches,
			Failure: &store.FailureInfo{
				Node:   cp.Meta.Suspension.Node,
				Reason: timeoutErr.Error(),
			},
		},
	}); err != nil {
		return err
	}

	e.setStatus(threadID, StatusFailed)
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Seq:      cp.Seq,
		NodeID:   cp.Meta.Suspension.Node,
		Msg:      "thread_failed",
		Meta:     map[string]any{"error": timeoutErr.Error()},
	})
	return timeoutErr
}

// Status reports the thread's lifecycle status. For threads this engine
// instance is not tracking in memory, the status is derived from the
// latest checkpoint.
func (e *Engine) Status(ctx context.Context, threadID string) (ThreadStatus, error) {
	e.mu.Lock()
	if t, ok := e.threads[threadID]; ok {
		status := t.status
		e.mu.Unlock()
		return status, nil
	}
	e.mu.Unlock()

	cp, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusReady, &EngineError{Message: "unknown thread: " + threadID, Code: "UNKNOWN_THREAD"}
		}
		return StatusReady, &PersistenceError{ThreadID: threadID, Err: err}
	}
	switch {
	case cp.Meta.Failure != nil:
		return StatusFailed, nil
	case cp.Meta.Suspension != nil:
		return StatusSuspended, nil
	case e.plan.terminal(cp.Meta.TriggeringNode):
		return StatusCompleted, nil
	default:
		// Checkpointed mid-flight, for example after a crash.
		return StatusSuspended, nil
	}
}

// History returns the thread's full checkpoint history in append order.
func (e *Engine) History(ctx context.Context, threadID string) ([]store.Checkpoint[State], error) {
	return e.store.GetHistory(ctx, threadID)
}

// claim registers the thread as running, rejecting concurrent execution
// of the same thread ID.
func (e *Engine) claim(threadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.threads[threadID]; ok && t.status == StatusRunning {
		return &EngineError{Message: "thread is already running: " + threadID, Code: "THREAD_BUSY"}
	}
	e.threads[threadID] = &thread{status: StatusRunning}
	e.cfg.metrics.threadStarted()
	return nil
}

// release drops the running claim without recording an outcome, used when
// startup validation fails before any step ran.
func (e *Engine) release(threadID string) {
	e.mu.Lock()
	delete(e.threads, threadID)
	e.mu.Unlock()
	e.cfg.metrics.threadStopped()
}

func (e *Engine) setStatus(threadID string, status ThreadStatus) {
	e.mu.Lock()
	t, ok := e.threads[threadID]
	if !ok {
		t = &thread{}
		e.threads[threadID] = t
	}
	if t.status == StatusRunning && status != StatusRunning {
		e.cfg.metrics.threadStopped()
	}
	t.status = status
	e.mu.Unlock()
}

// cancelled returns the pending cancellation reason, if any.
func (e *Engine) cancelled(threadID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.threads[threadID]; ok && t.cancelReason != "" {
		return t.cancelReason, true
	}
	return "", false
}

// run is the step loop. frontier is the node set to execute next: one
// element for a sequential step, several for a parallel super-step. seq
// and parentID track the last durable checkpoint.
func (e *Engine) run(ctx context.Context, threadID string, state State, frontier []string, seq int, parentID string) (State, error) {
	steps := 0
	for {
		branches := frontier
		if len(frontier) == 1 {
			branches = nil
		}

		// Cancellation and context checks happen between steps only; a
		// running node always finishes and checkpoints.
		if reason, ok := e.cancelled(threadID); ok {
			return e.failThread(ctx, threadID, state, seq, parentID, branches,
				frontierLabel(frontier), 0, reason,
				&EngineError{Message: "thread cancelled: " + reason, Code: "CANCELLED"})
		}
		if err := ctx.Err(); err != nil {
			return e.failThread(ctx, threadID, state, seq, parentID, branches,
				frontierLabel(frontier), 0, err.Error(),
				&EngineError{Message: "context cancelled: " + err.Error(), Code: "CANCELLED"})
		}

		if steps >= e.cfg.maxSteps {
			return e.failThread(ctx, threadID, state, seq, parentID, branches,
				frontierLabel(frontier), 0, ErrMaxStepsExceeded.Error(), ErrMaxStepsExceeded)
		}

		var (
			next     []string
			newState State
			err      error
		)
		if len(frontier) == 1 {
			newState, next, seq, parentID, err = e.step(ctx, threadID, state, frontier[0], seq, parentID)
			steps++
		} else {
			newState, seq, parentID, err = e.superStep(ctx, threadID, state, frontier, seq, parentID, &steps)
			next = []string{e.plan.join}
		}
		if err != nil {
			return newState, err
		}
		if next == nil {
			// Terminal reached.
			return newState, nil
		}
		state, frontier = newState, next
	}
}

// step executes one sequential node: run with retries, merge the patch,
// persist the checkpoint, then route. A nil next with nil error means a
// terminal node completed the thread.
func (e *Engine) step(ctx context.Context, threadID string, state State, nodeID string, seq int, parentID string) (State, []string, int, string, error) {
	node, ok := e.plan.node(nodeID)
	if !ok {
		err := &EngineError{Message: "node not found in plan: " + nodeID, Code: "NODE_NOT_FOUND"}
		st, e2 := e.failThread(ctx, threadID, state, seq, parentID, nil, nodeID, 0, err.Error(), err)
		return st, nil, seq, parentID, e2
	}

	input, err := cloneState(state)
	if err != nil {
		st, e2 := e.failThread(ctx, threadID, state, seq, parentID, nil, nodeID, 0, err.Error(), err)
		return st, nil, seq, parentID, e2
	}

	e.emitter.Emit(emit.Event{ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "node_start"})
	start := time.Now()
	patch, attempts, err := e.runWithRetry(ctx, threadID, nodeID, node, input, seq)
	elapsed := float64(time.Since(start).Milliseconds())

	switch {
	case err == nil:
		e.cfg.metrics.observeStep(nodeID, "success", elapsed)
		e.emitter.Emit(emit.Event{
			ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "node_complete",
			Meta: map[string]any{"duration_ms": elapsed, "attempt": attempts},
		})

	case errors.Is(err, ErrAwaitingExternal):
		e.cfg.metrics.observeStep(nodeID, "suspended", elapsed)
		st, e2 := e.suspendThread(ctx, threadID, state, seq, parentID, nil, nodeID, err)
		return st, nil, seq, parentID, e2

	default:
		e.cfg.metrics.observeStep(nodeID, "error", elapsed)
		execErr := &NodeExecutionError{Node: nodeID, Attempts: attempts, Err: err}
		st, e2 := e.failThread(ctx, threadID, state, seq, parentID, nil, nodeID, attempts, execErr.Error(), execErr)
		return st, nil, seq, parentID, e2
	}

	merged := e.plan.schema.Apply(state, patch)
	seq++

	id, err := e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      seq,
		State:    merged,
		Meta: store.CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: nodeID,
			ParentID:       parentID,
		},
	})
	if err != nil {
		e.setStatus(threadID, StatusFailed)
		e.emitter.Emit(emit.Event{
			ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "thread_failed",
			Meta: map[string]any{"error": err.Error()},
		})
		return state, nil, seq, parentID, err
	}
	e.emitter.Emit(emit.Event{
		ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "checkpoint_saved",
		Meta: map[string]any{"checkpoint_id": id},
	})

	if e.plan.terminal(nodeID) {
		e.setStatus(threadID, StatusCompleted)
		e.emitter.Emit(emit.Event{ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "thread_completed"})
		return merged, nil, seq, id, nil
	}

	next, err := e.plan.next(nodeID, merged)
	if err != nil {
		st, e2 := e.failThread(ctx, threadID, merged, seq, id, nil, nodeID, 0, err.Error(), err)
		return st, nil, seq, id, e2
	}
	return merged, next, seq, id, nil
}

// runWithRetry executes a node under its effective retry policy.
// Returns the attempt count alongside the result. Suspensions are never
// retried; they are scheduling points, not failures.
func (e *Engine) runWithRetry(ctx context.Context, threadID, nodeID string, node Node, input State, seq int) (Patch, int, error) {
	policy := e.plan.policy(nodeID)
	retry := e.cfg.defaultRetry
	if policy != nil && policy.Retry != nil {
		retry = policy.Retry
	}

	attempt := 0
	for {
		patch, err := runNodeWithTimeout(ctx, node, nodeID, input, policy, e.cfg.defaultNodeTimeout)
		attempt++
		if err == nil || errors.Is(err, ErrAwaitingExternal) {
			return patch, attempt, err
		}
		if !retry.retryAllowed(attempt-1, err) {
			return nil, attempt, err
		}

		delay := computeBackoff(attempt-1, retry.BaseDelay, retry.MaxDelay, nil)
		e.cfg.metrics.retryRecorded(nodeID)
		e.emitter.Emit(emit.Event{
			ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "retry",
			Meta: map[string]any{"attempt": attempt, "error": err.Error(), "delay_ms": delay.Milliseconds()},
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
}

// suspendThread writes a non-advancing suspension checkpoint and parks
// the thread. branches is non-nil when the suspension happened inside a
// fan-out super-step, so Resume redoes the whole super-step.
func (e *Engine) suspendThread(ctx context.Context, threadID string, state State, seq int, parentID string, branches []string, nodeID string, cause error) (State, error) {
	// A cancellation issued while the node was running takes precedence;
	// parking the thread would drop it.
	if reason, ok := e.cancelled(threadID); ok {
		return e.failThread(ctx, threadID, state, seq, parentID, branches, nodeID, 0, reason,
			&EngineError{Message: "thread cancelled: " + reason, Code: "CANCELLED"})
	}
	reason := suspendReason(cause)
	if _, err := e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      seq,
		State:    state,
		Meta: store.CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: nodeID,
			ParentID:       parentID,
			Branches:       branches,
			Suspension: &store.SuspensionInfo{
				Node:   nodeID,
				Reason: reason,
				Since:  time.Now().UTC(),
			},
		},
	}); err != nil {
		e.setStatus(threadID, StatusFailed)
		return state, err
	}

	e.setStatus(threadID, StatusSuspended)
	e.emitter.Emit(emit.Event{
		ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "suspended",
		Meta: map[string]any{"reason": reason},
	})
	return state, &SuspendedError{ThreadID: threadID, Node: nodeID, Reason: reason}
}

// failThread writes a non-advancing error checkpoint, marks the thread
// failed, and returns retErr to the caller.
func (e *Engine) failThread(ctx context.Context, threadID string, state State, seq int, parentID string, branches []string, nodeID string, attempts int, reason string, retErr error) (State, error) {
	if _, err := e.persist(ctx, threadID, store.Checkpoint[State]{
		ThreadID: threadID,
		Seq:      seq,
		State:    state,
		Meta: store.CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: nodeID,
			ParentID:       parentID,
			Branches:       branches,
			Failure: &store.FailureInfo{
				Node:     nodeID,
				Attempts: attempts,
				Reason:   reason,
			},
		},
	}); err != nil {
		// The failure itself still stands; report the original error.
		e.setStatus(threadID, StatusFailed)
		return state, retErr
	}

	e.setStatus(threadID, StatusFailed)
	e.emitter.Emit(emit.Event{
		ThreadID: threadID, Seq: seq, NodeID: nodeID, Msg: "thread_failed",
		Meta: map[string]any{"error": reason},
	})
	return state, retErr
}

// persist writes a checkpoint with the engine's independent persistence
// retry. This retry is separate from node retry policies: the node has
// already succeeded, only the write is redone.
func (e *Engine) persist(ctx context.Context, threadID string, cp store.Checkpoint[State]) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.persistAttempts; attempt++ {
		if attempt > 0 {
			e.cfg.metrics.checkpointRetryRecorded()
			select {
			case <-time.After(e.cfg.persistDelay):
			case <-ctx.Done():
				return "", &PersistenceError{ThreadID: threadID, Seq: cp.Seq, Err: ctx.Err()}
			}
		}
		id, err := e.store.Put(ctx, threadID, cp)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", &PersistenceError{ThreadID: threadID, Seq: cp.Seq, Err: lastErr}
}

// suspendReason extracts the human-readable reason from a Suspend error.
func suspendReason(err error) string {
	msg := err.Error()
	prefix := ErrAwaitingExternal.Error() + ": "
	if strings.HasPrefix(msg, prefix) {
		return strings.TrimPrefix(msg, prefix)
	}
	return msg
}

// frontierLabel names the current frontier for failure metadata.
func frontierLabel(frontier []string) string {
	if len(frontier) == 1 {
		return frontier[0]
	}
	return fmt.Sprintf("fan-out(%s)", strings.Join(frontier, ","))
}
