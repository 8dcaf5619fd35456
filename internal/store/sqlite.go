// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps one resume snapshot row per shard with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS shard_sessions (
			shard_id INTEGER PRIMARY KEY,
			shard_count INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			resume_url TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL -- unix milliseconds
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshots upserts the given snapshots in one transaction.
func (s *SQLiteStore) SaveSnapshots(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO shard_sessions (shard_id, shard_count, session_id, sequence, resume_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard_id) DO UPDATE SET
			shard_count = excluded.shard_count,
			session_id = excluded.session_id,
			sequence = excluded.sequence,
			resume_url = excluded.resume_url,
			updated_at = excluded.updated_at
	`
	for _, snap := range snaps {
		updated := snap.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := tx.ExecContext(ctx, query,
			snap.ShardID, snap.ShardCount, snap.SessionID, snap.Sequence, snap.ResumeURL, updated.UnixMilli(),
		); err != nil {
			return fmt.Errorf("saving snapshot for shard %d: %w", snap.ShardID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshots: %w", err)
	}
	s.logger.Debug("saved resume snapshots", "count", len(snaps))
	return nil
}

// LoadSnapshots returns snapshots for shardCount updated after since.
func (s *SQLiteStore) LoadSnapshots(ctx context.Context, shardCount int, since time.Time) ([]Snapshot, error) {
	query := `
		SELECT shard_id, shard_count, session_id, sequence, resume_url, updated_at
		FROM shard_sessions
		WHERE shard_count = ? AND updated_at > ?
		ORDER BY shard_id
	`
	rows, err := s.db.QueryContext(ctx, query, shardCount, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var updated int64
		if err := rows.Scan(&snap.ShardID, &snap.ShardCount, &snap.SessionID, &snap.Sequence, &snap.ResumeURL, &updated); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snap.UpdatedAt = time.UnixMilli(updated).UTC()
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes one shard's snapshot.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, shardID int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE shard_id = ?`, shardID)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSnapshots removes all snapshots.
func (s *SQLiteStore) DeleteSnapshots(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions`); err != nil {
		return fmt.Errorf("deleting snapshots: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
