// ABOUTME: Reconnect backoff policy for shard sessions
// ABOUTME: Doubling delay capped at a maximum, with equal jitter

package shard

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
	DefaultMaxFailures = 10
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0,1); defaults to rand.Float64.
	Rand func() float64
}

// Delay returns the wait before reconnect attempt n (zero-based). The
// undithered delay is Base·2^n capped at Max; the result lies in [d/2, d).
func (b Backoff) Delay(attempt int) time.Duration {
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if attempt < 0 {
		attempt = 0
	}

	d := maxDelay
	if attempt < 32 {
		if shifted := base << attempt; shifted > 0 && shifted < maxDelay {
			d = shifted
		}
	}

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	half := d / 2
	return half + time.Duration(rnd()*float64(half))
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
