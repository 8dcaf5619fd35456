// ABOUTME: Scripted remote gateway for driving shard sessions over the in-memory transport
// ABOUTME: Used by shard and cluster tests to play Hello, READY and dispatch sequences

package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/2389/coven-discord/internal/protocol"
	"github.com/2389/coven-discord/internal/transport"
)

// Remote is the gateway side of one connection.
type Remote struct {
	URL  string
	Conn *transport.PipeConn

	frames     chan *protocol.Frame
	autoAck    atomic.Bool
	heartbeats atomic.Int32
}

// Accept waits for the next connection dialed through d. Heartbeats sent by
// the client are counted and, when AutoAck is on, acknowledged; every other
// frame is queued for Expect.
func Accept(ctx context.Context, d *transport.MemoryDialer) (*Remote, error) {
	acc, err := d.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}

	r := &Remote{
		URL:    acc.URL,
		Conn:   acc.Conn,
		frames: make(chan *protocol.Frame, 64),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	defer close(r.frames)
	for {
		_, data, err := r.Conn.Read(context.Background())
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if frame.Op == protocol.OpHeartbeat {
			r.heartbeats.Add(1)
			if r.autoAck.Load() {
				_ = r.Send(context.Background(), protocol.OpHeartbeatAck, nil)
			}
			continue
		}
		r.frames <- frame
	}
}

// AutoAck turns automatic heartbeat acknowledgement on or off.
func (r *Remote) AutoAck(on bool) {
	r.autoAck.Store(on)
}

// Heartbeats returns how many heartbeats the client has sent.
func (r *Remote) Heartbeats() int {
	return int(r.heartbeats.Load())
}

// Send writes a non-dispatch frame.
func (r *Remote) Send(ctx context.Context, op protocol.Opcode, data any) error {
	b, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}
	return r.Conn.Write(ctx, transport.MessageText, b)
}

// Hello sends op 10 with the given heartbeat interval in milliseconds.
func (r *Remote) Hello(ctx context.Context, intervalMS int64) error {
	return r.Send(ctx, protocol.OpHello, protocol.Hello{HeartbeatInterval: intervalMS})
}

type dispatchFrame struct {
	Op   protocol.Opcode `json:"op"`
	Seq  int64           `json:"s"`
	Type string          `json:"t"`
	Data any             `json:"d"`
}

// Dispatch sends an op 0 event with a sequence number.
func (r *Remote) Dispatch(ctx context.Context, name string, seq int64, data any) error {
	b, err := json.Marshal(dispatchFrame{Op: protocol.OpDispatch, Seq: seq, Type: name, Data: data})
	if err != nil {
		return err
	}
	return r.Conn.Write(ctx, transport.MessageText, b)
}

// Ready sends a READY dispatch for a session.
func (r *Remote) Ready(ctx context.Context, seq int64, sessionID, resumeURL string, guildIDs ...string) error {
	guilds := make([]protocol.UnavailableGuild, 0, len(guildIDs))
	for _, id := range guildIDs {
		guilds = append(guilds, protocol.UnavailableGuild{ID: id, Unavailable: true})
	}
	return r.Dispatch(ctx, protocol.EventReady, seq, protocol.Ready{
		Version:          10,
		SessionID:        sessionID,
		ResumeGatewayURL: resumeURL,
		Guilds:           guilds,
	})
}

// Expect returns the next non-heartbeat frame, failing if its opcode differs.
func (r *Remote) Expect(ctx context.Context, op protocol.Opcode) (*protocol.Frame, error) {
	select {
	case frame, ok := <-r.frames:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for %s", op)
		}
		if frame.Op != op {
			return frame, fmt.Errorf("expected %s, got %s", op, frame.Op)
		}
		return frame, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", op, ctx.Err())
	}
}

// Close closes the connection from the gateway side.
func (r *Remote) Close(code int, reason string) error {
	return r.Conn.Close(code, reason)
}

// Closed is closed once either side closes the connection.
func (r *Remote) Closed() <-chan struct{} {
	return r.Conn.Closed()
}
