package identify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_BucketAssignment(t *testing.T) {
	g := New(4, 0, nil)
	assert.Equal(t, 4, g.MaxConcurrency())
	assert.Equal(t, 0, g.Bucket(0))
	assert.Equal(t, 1, g.Bucket(5))
	assert.Equal(t, 3, g.Bucket(7))

	assert.Equal(t, 1, New(0, 0, nil).MaxConcurrency())
}

func TestGate_DistinctBucketsRunConcurrently(t *testing.T) {
	const n = 4
	g := New(n, time.Minute, nil)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for shard := 0; shard < n; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			idx, err := g.Acquire(context.Background(), shard)
			if !assert.NoError(t, err) {
				return
			}
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			g.Release(idx)
		}(shard)
	}

	require.Eventually(t, func() bool { return inFlight.Load() == n }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(n), peak.Load())
}

func TestGate_SameBucketSerializedByCooldown(t *testing.T) {
	cooldown := 80 * time.Millisecond
	g := New(2, cooldown, nil)

	var mu sync.Mutex
	var grants []time.Time
	var wg sync.WaitGroup

	// shards 0, 2 and 4 all share bucket 0
	for _, shard := range []int{0, 2, 4} {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			idx, err := g.Acquire(context.Background(), shard)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
			g.Release(idx)
		}(shard)
	}
	wg.Wait()

	require.Len(t, grants, 3)
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		assert.GreaterOrEqual(t, gap, cooldown-5*time.Millisecond, "grant %d came %v after the previous", i, gap)
	}
}

func TestGate_HeldBucketBlocksUntilRelease(t *testing.T) {
	g := New(1, 0, nil)

	idx, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release(idx)
	g.Release(idx) // second release is a no-op

	idx, err = g.Acquire(context.Background(), 1)
	require.NoError(t, err)
	g.Release(idx)
}

func TestGate_CancelDuringCooldownReturnsSlot(t *testing.T) {
	g := New(1, time.Hour, nil)

	idx, err := g.Acquire(context.Background(), 0)
	require.NoError(t, err)
	g.Release(idx)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned wait hands the slot back instead of leaking it
	assert.Len(t, g.buckets[0].slot, 1)
	assert.False(t, g.buckets[0].held)
}
