// ABOUTME: Connection states of a shard session
// ABOUTME: Status is a point-in-time snapshot used by the manager and status endpoint

package shard

import "time"

// State is a shard connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ResumeState is what a session needs to resume instead of identifying.
type ResumeState struct {
	SessionID string
	Sequence  int64
	ResumeURL string
}

// Status is a snapshot of a session.
type Status struct {
	ShardID           int
	ShardCount        int
	State             State
	Ready             bool
	SessionID         string
	Sequence          int64
	HasSequence       bool
	HeartbeatInterval time.Duration
	LastHeartbeatSent time.Time
	LastAck           time.Time
	Latency           time.Duration
	LastActivity      time.Time
	Failures          int
}
