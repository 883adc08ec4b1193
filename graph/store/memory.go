package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Store[S].
//
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived threads where persistence isn't required
//
// MemStore is thread-safe and supports concurrent appends to distinct
// thread IDs. Data is lost when the process terminates; for durable
// checkpoints use SQLiteStore or MySQLStore.
//
// Type parameter S is the state type to persist.
type MemStore[S any] struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint[S]
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[graph.State]()
//	engine := graph.New(plan, st, emitter)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		threads: make(map[string][]Checkpoint[S]),
	}
}

// Put appends a checkpoint to the thread's history.
//
// Assigns a UUID if cp.ID is empty. The stored checkpoint is never
// modified afterwards.
func (m *MemStore[S]) Put(_ context.Context, threadID string, cp Checkpoint[S]) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.ThreadID = threadID
	m.threads[threadID] = append(m.threads[threadID], cp)
	return cp.ID, nil
}

// GetLatest returns the most recently appended checkpoint for the thread.
func (m *MemStore[S]) GetLatest(_ context.Context, threadID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.threads[threadID]
	if len(history) == 0 {
		var zero Checkpoint[S]
		return zero, ErrNotFound
	}
	return history[len(history)-1], nil
}

// GetHistory returns the thread's checkpoints in append order.
//
// Returns a copy; callers may not mutate stored history.
func (m *MemStore[S]) GetHistory(_ context.Context, threadID string) ([]Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.threads[threadID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Checkpoint[S], len(history))
	copy(out, history)
	return out, nil
}
