// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	snapshots map[int]Snapshot // keyed by shard ID
	saves     int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		snapshots: make(map[int]Snapshot),
	}
}

// SaveSnapshots upserts snapshots in memory.
func (m *MockStore) SaveSnapshots(ctx context.Context, snaps []Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range snaps {
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = time.Now()
		}
		m.snapshots[snap.ShardID] = snap
	}
	m.saves++
	return nil
}

// LoadSnapshots returns matching snapshots ordered by shard ID.
func (m *MockStore) LoadSnapshots(ctx context.Context, shardCount int, since time.Time) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Snapshot
	for _, snap := range m.snapshots {
		if snap.ShardCount == shardCount && snap.UpdatedAt.After(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

// DeleteSnapshot removes one shard's snapshot.
func (m *MockStore) DeleteSnapshot(ctx context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[shardID]; !ok {
		return ErrNotFound
	}
	delete(m.snapshots, shardID)
	return nil
}

// DeleteSnapshots removes all snapshots.
func (m *MockStore) DeleteSnapshots(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.snapshots)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Saves returns how many times SaveSnapshots was called.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
