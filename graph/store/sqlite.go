package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store[S].
//
// It keeps checkpoint history in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows needing durable checkpoints
//   - Prototyping before migrating to a shared database
//
// The store enables WAL mode so concurrent readers don't block the single
// writer, and wraps every Put in a transaction: a checkpoint is either
// fully durable or absent, which is what lets the engine treat Put as
// atomic.
//
// Schema: a single append-only table, loom_checkpoints, with the state and
// metadata stored as JSON. The rowid preserves append order.
//
// Type parameter S is the state type to persist (JSON-serializable).
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path specifies the database file location: "./dev.db", an absolute
// path, or ":memory:" for an in-memory database (data lost on close).
// The database file and schema are created on first use.
//
// Example:
//
//	st, err := store.NewSQLiteStore[graph.State]("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the checkpoint schema if it doesn't exist.
func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS loom_checkpoints (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state TEXT NOT NULL,
			meta TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create loom_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON loom_checkpoints(thread_id, rowid)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}
	return nil
}

// Put appends a checkpoint inside a transaction.
func (s *SQLiteStore[S]) Put(ctx context.Context, threadID string, cp Checkpoint[S]) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.ThreadID = threadID

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(cp.Meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO loom_checkpoints (id, thread_id, seq, state, meta) VALUES (?, ?, ?, ?, ?)",
		cp.ID, threadID, cp.Seq, string(stateJSON), string(metaJSON),
	)
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp.ID, nil
}

// GetLatest returns the most recently appended checkpoint for the thread.
func (s *SQLiteStore[S]) GetLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	row := s.db.QueryRowContext(ctx,
		"SELECT id, thread_id, seq, state, meta FROM loom_checkpoints WHERE thread_id = ? ORDER BY rowid DESC LIMIT 1",
		threadID,
	)
	cp, err := s.scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	return cp, nil
}

// GetHistory returns the thread's checkpoints in append order.
func (s *SQLiteStore[S]) GetHistory(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, thread_id, seq, state, meta FROM loom_checkpoints WHERE thread_id = ? ORDER BY rowid ASC",
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []Checkpoint[S]
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore[S]) scanCheckpoint(row rowScanner) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	var stateJSON, metaJSON string
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.Seq, &stateJSON, &metaJSON); err != nil {
		return cp, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &cp.Meta); err != nil {
		return cp, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return cp, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
