// ABOUTME: Store interface and types for persisted shard resume snapshots
// ABOUTME: Snapshots let a restarted process resume sessions instead of re-identifying

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested snapshot does not exist
var ErrNotFound = errors.New("not found")

// Snapshot is the resume state of one shard at shutdown.
type Snapshot struct {
	ShardID    int
	ShardCount int
	SessionID  string
	Sequence   int64
	ResumeURL  string
	UpdatedAt  time.Time
}

// Store persists resume snapshots.
type Store interface {
	// SaveSnapshots upserts one snapshot per shard.
	SaveSnapshots(ctx context.Context, snaps []Snapshot) error

	// LoadSnapshots returns snapshots taken for the given shard count that
	// were updated after since, ordered by shard id.
	LoadSnapshots(ctx context.Context, shardCount int, since time.Time) ([]Snapshot, error)

	// DeleteSnapshot removes the snapshot of a shard.
	DeleteSnapshot(ctx context.Context, shardID int) error

	// DeleteSnapshots removes every snapshot.
	DeleteSnapshots(ctx context.Context) error

	Close() error
}
