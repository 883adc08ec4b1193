package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore[testState] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	st, err := NewSQLiteStore[testState](path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store[testState] {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	st, err := NewSQLiteStore[testState](path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	id, err := st.Put(ctx, "t1", sampleCheckpoint("t1", 1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := NewSQLiteStore[testState](path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st2.Close() }()

	cp, err := st2.GetLatest(ctx, "t1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if cp.ID != id || cp.Seq != 1 || cp.State.Topic != "demo" {
		t.Errorf("checkpoint after reopen = %+v", cp)
	}
}

func TestSQLiteStore_PutAfterClose(t *testing.T) {
	st := newTestSQLiteStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.Put(context.Background(), "t1", sampleCheckpoint("t1", 1)); err == nil {
		t.Error("expected error for Put on closed store")
	}
}

func TestSQLiteStore_DuplicateCheckpointID(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	cp := sampleCheckpoint("t1", 1)
	cp.ID = "same-id"
	if _, err := st.Put(ctx, "t1", cp); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := st.Put(ctx, "t1", cp); err == nil {
		t.Error("expected unique constraint violation for duplicate ID")
	}
}
