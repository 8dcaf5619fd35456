// ABOUTME: Identify gate bounding how many shards may handshake at once
// ABOUTME: One bucket per unit of max_concurrency, each with a cooldown from grant time

package identify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCooldown is the minimum spacing between two grants of one bucket.
const DefaultCooldown = 5 * time.Second

type bucket struct {
	slot      chan struct{} // holds a token while the bucket is free
	mu        sync.Mutex
	nextGrant time.Time
	held      bool
}

// Gate grants Identify slots. Shards whose ids share a bucket
// (shard_id mod max_concurrency) are strictly serialized; shards in
// different buckets proceed concurrently.
type Gate struct {
	buckets  []*bucket
	cooldown time.Duration
	logger   *slog.Logger
}

// New creates a gate with maxConcurrency buckets. Values below one are
// treated as one.
func New(maxConcurrency int, cooldown time.Duration, logger *slog.Logger) *Gate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		buckets:  make([]*bucket, maxConcurrency),
		cooldown: cooldown,
		logger:   logger.With("component", "identify_gate"),
	}
	for i := range g.buckets {
		b := &bucket{slot: make(chan struct{}, 1)}
		b.slot <- struct{}{}
		g.buckets[i] = b
	}
	return g
}

// MaxConcurrency returns the number of buckets.
func (g *Gate) MaxConcurrency() int {
	return len(g.buckets)
}

// Bucket returns the bucket a shard identifies through.
func (g *Gate) Bucket(shardID int) int {
	if shardID < 0 {
		shardID = -shardID
	}
	return shardID % len(g.buckets)
}

// Acquire blocks until the shard's bucket is free and its cooldown since the
// previous grant has elapsed. The caller must Release the returned bucket
// once its handshake finishes or fails. Waiting is back-pressure, not an
// error: only context cancellation is returned.
func (g *Gate) Acquire(ctx context.Context, shardID int) (int, error) {
	idx := g.Bucket(shardID)
	b := g.buckets[idx]

	select {
	case <-b.slot:
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for identify bucket %d: %w", idx, ctx.Err())
	}

	b.mu.Lock()
	wait := time.Until(b.nextGrant)
	b.mu.Unlock()

	if wait > 0 {
		g.logger.Debug("identify bucket cooling down", "shard_id", shardID, "bucket", idx, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			b.slot <- struct{}{}
			return 0, fmt.Errorf("waiting for identify bucket %d: %w", idx, ctx.Err())
		}
	}

	b.mu.Lock()
	b.nextGrant = time.Now().Add(g.cooldown)
	b.held = true
	b.mu.Unlock()

	g.logger.Debug("identify slot granted", "shard_id", shardID, "bucket", idx)
	return idx, nil
}

// Release frees a bucket granted by Acquire. The cooldown already started at
// grant time, so the next grant still waits for it. Releasing a bucket that
// is not held is a no-op.
func (g *Gate) Release(idx int) {
	if idx < 0 || idx >= len(g.buckets) {
		return
	}
	b := g.buckets[idx]

	b.mu.Lock()
	if !b.held {
		b.mu.Unlock()
		return
	}
	b.held = false
	b.mu.Unlock()

	b.slot <- struct{}{}
}
