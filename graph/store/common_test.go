package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// testState is the state shape used across store conformance tests.
type testState struct {
	Topic string   `json:"topic"`
	Turns int      `json:"turns"`
	Log   []string `json:"log,omitempty"`
}

// uniqueThread returns a thread ID that never collides across subtests,
// so the suite can run against shared databases.
func uniqueThread(name string) string {
	return name + "-" + uuid.NewString()
}

func sampleCheckpoint(threadID string, seq int) Checkpoint[testState] {
	return Checkpoint[testState]{
		ThreadID: threadID,
		Seq:      seq,
		State:    testState{Topic: "demo", Turns: seq, Log: []string{"a", "b"}},
		Meta: CheckpointMeta{
			Timestamp:      time.Now().UTC(),
			TriggeringNode: fmt.Sprintf("node-%d", seq),
		},
	}
}

// runStoreConformance exercises the Store contract every implementation
// must satisfy.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store[testState]) {
	ctx := context.Background()

	t.Run("empty thread returns ErrNotFound", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("empty")
		if _, err := st.GetLatest(ctx, tid); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetLatest err = %v, want ErrNotFound", err)
		}
		if _, err := st.GetHistory(ctx, tid); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetHistory err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put assigns an ID when empty", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("assign")
		id, err := st.Put(ctx, tid, sampleCheckpoint(tid, 1))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if id == "" {
			t.Error("Put returned empty ID")
		}
	})

	t.Run("put keeps a caller-provided ID", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("keep")
		cp := sampleCheckpoint(tid, 1)
		cp.ID = uniqueThread("custom-id")
		id, err := st.Put(ctx, tid, cp)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if id != cp.ID {
			t.Errorf("id = %q, want %q", id, cp.ID)
		}
	})

	t.Run("latest reflects append order", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("latest")
		for seq := 1; seq <= 3; seq++ {
			if _, err := st.Put(ctx, tid, sampleCheckpoint(tid, seq)); err != nil {
				t.Fatalf("Put seq %d: %v", seq, err)
			}
		}
		cp, err := st.GetLatest(ctx, tid)
		if err != nil {
			t.Fatalf("GetLatest: %v", err)
		}
		if cp.Seq != 3 || cp.State.Turns != 3 {
			t.Errorf("latest = %+v, want seq 3", cp)
		}
	})

	t.Run("history preserves append order including repeated seq", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("history")
		// A failure checkpoint repeats the last completed seq.
		seqs := []int{1, 2, 2, 3}
		for i, seq := range seqs {
			cp := sampleCheckpoint(tid, seq)
			if i == 2 {
				cp.Meta.Failure = &FailureInfo{Node: "node-2", Attempts: 3, Reason: "boom"}
			}
			if _, err := st.Put(ctx, tid, cp); err != nil {
				t.Fatalf("Put %d: %v", i, err)
			}
		}

		history, err := st.GetHistory(ctx, tid)
		if err != nil {
			t.Fatalf("GetHistory: %v", err)
		}
		if len(history) != 4 {
			t.Fatalf("history len = %d, want 4", len(history))
		}
		for i, cp := range history {
			if cp.Seq != seqs[i] {
				t.Errorf("history[%d].Seq = %d, want %d", i, cp.Seq, seqs[i])
			}
		}
		if history[2].Meta.Failure == nil || history[2].Meta.Failure.Reason != "boom" {
			t.Errorf("failure meta lost: %+v", history[2].Meta)
		}
	})

	t.Run("threads are isolated", func(t *testing.T) {
		st := newStore(t)
		a, b := uniqueThread("iso-a"), uniqueThread("iso-b")
		if _, err := st.Put(ctx, a, sampleCheckpoint(a, 1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if _, err := st.Put(ctx, b, sampleCheckpoint(b, 5)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		cp, err := st.GetLatest(ctx, a)
		if err != nil {
			t.Fatalf("GetLatest: %v", err)
		}
		if cp.Seq != 1 {
			t.Errorf("thread a latest seq = %d, want 1", cp.Seq)
		}
	})

	t.Run("state and meta survive a round trip", func(t *testing.T) {
		st := newStore(t)
		tid := uniqueThread("roundtrip")
		cp := sampleCheckpoint(tid, 1)
		cp.Meta.ParentID = "parent-1"
		cp.Meta.Branches = []string{"left", "right"}
		cp.Meta.Suspension = &SuspensionInfo{Node: "join", Reason: "waiting", Since: time.Now().UTC().Truncate(time.Second)}
		if _, err := st.Put(ctx, tid, cp); err != nil {
			t.Fatalf("Put: %v", err)
		}

		got, err := st.GetLatest(ctx, tid)
		if err != nil {
			t.Fatalf("GetLatest: %v", err)
		}
		if got.State.Topic != "demo" || len(got.State.Log) != 2 {
			t.Errorf("state = %+v", got.State)
		}
		if got.Meta.ParentID != "parent-1" || len(got.Meta.Branches) != 2 {
			t.Errorf("meta = %+v", got.Meta)
		}
		if got.Meta.Suspension == nil || got.Meta.Suspension.Node != "join" {
			t.Errorf("suspension meta = %+v", got.Meta.Suspension)
		}
	})

	t.Run("concurrent appends to distinct threads", func(t *testing.T) {
		st := newStore(t)
		threads := make([]string, 10)
		for i := range threads {
			threads[i] = uniqueThread(fmt.Sprintf("conc-%d", i))
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(threads))
		for _, tid := range threads {
			wg.Add(1)
			go func(tid string) {
				defer wg.Done()
				for seq := 1; seq <= 5; seq++ {
					if _, err := st.Put(context.Background(), tid, sampleCheckpoint(tid, seq)); err != nil {
						errs <- err
						return
					}
				}
			}(tid)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent Put: %v", err)
		}

		for _, tid := range threads {
			history, err := st.GetHistory(ctx, tid)
			if err != nil {
				t.Fatalf("GetHistory %s: %v", tid, err)
			}
			if len(history) != 5 {
				t.Errorf("thread %s history = %d, want 5", tid, len(history))
			}
		}
	})
}
