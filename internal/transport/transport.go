// ABOUTME: Pluggable framed transport the shard sessions talk through
// ABOUTME: Defines Conn, Dialer and CloseError; the codec interprets the bytes

package transport

import (
	"context"
	"errors"
	"fmt"
)

// MessageType distinguishes text and binary messages.
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Conn is an ordered, bidirectional, message-framed connection.
//
// Read is called from one goroutine at a time; Write may be called
// concurrently with Read. Close sends a close frame with the given code and
// waits briefly for the peer; CloseNow tears the connection down immediately.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(code int, reason string) error
	CloseNow() error
}

// Dialer opens connections to a gateway URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ErrClosed is returned by operations on a connection this side already closed.
var ErrClosed = errors.New("transport: connection closed")

// CloseError reports that the remote closed the connection with a close code.
// Code is zero when the connection dropped without a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed with code %d", e.Code)
}

// CloseCode extracts the close code from err, or 0 if err carries none.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
