package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL implementation of Store[S].
//
// Designed for multi-process deployments where several engine instances
// append to the same checkpoint history. Distinct thread IDs append
// concurrently without interference; within one thread the engine is the
// only writer.
//
// DSN format (go-sql-driver/mysql):
//
//	user:password@tcp(host:3306)/dbname?parseTime=true
//
// Type parameter S is the state type to persist (JSON-serializable).
type MySQLStore[S any] struct {
	db *sql.DB
}

// NewMySQLStore creates a MySQL-backed store and ensures the schema
// exists.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the checkpoint schema if it doesn't exist.
func (s *MySQLStore[S]) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS loom_checkpoints (
			row_id BIGINT PRIMARY KEY AUTO_INCREMENT,
			id VARCHAR(64) NOT NULL UNIQUE,
			thread_id VARCHAR(255) NOT NULL,
			seq INT NOT NULL,
			state JSON NOT NULL,
			meta JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_checkpoints_thread (thread_id, row_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create loom_checkpoints table: %w", err)
	}
	return nil
}

// Put appends a checkpoint inside a transaction.
func (s *MySQLStore[S]) Put(ctx context.Context, threadID string, cp Checkpoint[S]) (string, error) {
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
func (s *MySQLStore[S]) GetLatest(ctx context.Context, threadID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	row := s.db.QueryRowContext(ctx,
		"SELECT id, thread_id, seq, state, meta FROM loom_checkpoints WHERE thread_id = ? ORDER BY row_id DESC LIMIT 1",
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
func (s *MySQLStore[S]) GetHistory(ctx context.Context, threadID string) ([]Checkpoint[S], error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, thread_id, seq, state, meta FROM loom_checkpoints WHERE thread_id = ? ORDER BY row_id ASC",
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

func (s *MySQLStore[S]) scanCheckpoint(row rowScanner) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	var stateJSON, metaJSON []byte
	if err := row.Scan(&cp.ID, &cp.ThreadID, &cp.Seq, &stateJSON, &metaJSON); err != nil {
		return cp, err
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &cp.Meta); err != nil {
		return cp, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return cp, nil
}

// Close closes the underlying database connection.
func (s *MySQLStore[S]) Close() error {
	return s.db.Close()
}
