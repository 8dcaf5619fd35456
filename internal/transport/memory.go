// ABOUTME: In-memory transport for running sessions without a network
// ABOUTME: Pipe joins two PipeConns; MemoryDialer hands the remote end to a scripted gateway

package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

type message struct {
	typ  MessageType
	data []byte
}

// pipeState is shared by both ends of a pipe.
type pipeState struct {
	once   sync.Once
	closed chan struct{}
	code   int
	reason string
}

func (s *pipeState) close(by *PipeConn, code int, reason string) bool {
	first := false
	s.once.Do(func() {
		by.local.Store(true)
		s.code = code
		s.reason = reason
		close(s.closed)
		first = true
	})
	return first
}

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	in    chan message
	out   chan message
	state *pipeState
	local atomic.Bool // this end initiated the close
}

// Pipe returns two connected ends. Messages written on one are read on the
// other in order. Closing either end closes both; the peer's Read returns a
// CloseError carrying the code.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan message, 64)
	ba := make(chan message, 64)
	state := &pipeState{closed: make(chan struct{})}
	return &PipeConn{in: ba, out: ab, state: state}, &PipeConn{in: ab, out: ba, state: state}
}

func (p *PipeConn) Read(ctx context.Context) (MessageType, []byte, error) {
	// queued messages are delivered before the close
	select {
	case m := <-p.in:
		return m.typ, m.data, nil
	default:
	}

	select {
	case m := <-p.in:
		return m.typ, m.data, nil
	case <-p.state.closed:
		select {
		case m := <-p.in:
			return m.typ, m.data, nil
		default:
		}
		return 0, nil, p.closeErr()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (p *PipeConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	select {
	case <-p.state.closed:
		return p.closeErr()
	default:
	}

	buf := append([]byte(nil), data...)
	select {
	case p.out <- message{typ: typ, data: buf}:
		return nil
	case <-p.state.closed:
		return p.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Close(code int, reason string) error {
	if p.state.close(p, code, reason) {
		return nil
	}
	return ErrClosed
}

// CloseNow drops the connection without a close code.
func (p *PipeConn) CloseNow() error {
	return p.Close(0, "")
}

// Closed is closed once either end closes.
func (p *PipeConn) Closed() <-chan struct{} {
	return p.state.closed
}

// CloseCode returns the code the connection was closed with.
func (p *PipeConn) CloseCode() int {
	<-p.state.closed
	return p.state.code
}

func (p *PipeConn) closeErr() error {
	if p.local.Load() {
		return ErrClosed
	}
	return &CloseError{Code: p.state.code, Reason: p.state.reason}
}

// Accepted is the remote end of a connection opened by MemoryDialer.
type Accepted struct {
	URL  string
	Conn *PipeConn
}

// MemoryDialer opens in-memory connections and queues their remote ends
// for Accept.
type MemoryDialer struct {
	accepted chan Accepted

	mu    sync.Mutex
	fail  error
	dials int
}

// NewMemoryDialer creates a dialer with room for backlog unaccepted connections.
func NewMemoryDialer(backlog int) *MemoryDialer {
	if backlog < 1 {
		backlog = 16
	}
	return &MemoryDialer{accepted: make(chan Accepted, backlog)}
}

func (d *MemoryDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()

	if fail != nil {
		return nil, fail
	}

	local, remote := Pipe()
	select {
	case d.accepted <- Accepted{URL: url, Conn: remote}:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept waits for the next dialed connection.
func (d *MemoryDialer) Accept(ctx context.Context) (Accepted, error) {
	select {
	case a := <-d.accepted:
		return a, nil
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	}
}

// FailWith makes every later Dial return err. A nil err restores dialing.
func (d *MemoryDialer) FailWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Dials returns how many times Dial was called.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
