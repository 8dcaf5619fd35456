// ABOUTME: Error taxonomy for shard sessions
// ABOUTME: Sentinels for connection-level causes plus HandshakeError and FatalError

package shard

import (
	"errors"
	"fmt"
)

var (
	ErrHeartbeatTimeout   = errors.New("heartbeat not acknowledged before next interval")
	ErrReconnectRequested = errors.New("gateway requested reconnect")
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrNotConnected       = errors.New("shard is not connected")
	ErrAlreadyRunning     = errors.New("shard session already running")
)

// HandshakeError means the current connection attempt failed before the
// session became Connected. The session reconnects.
type HandshakeError struct {
	Stage string // "hello", "identify", "resume"
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

var errHandshakeTimeout = errors.New("timed out")

// FatalError is returned by Run when a shard gives up: either the retry
// budget is exhausted or the gateway closed with an unrecoverable code. The
// shard stays down until it is explicitly restarted.
type FatalError struct {
	ShardID  int
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("shard %d failed after %d attempts: %v", e.ShardID, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
