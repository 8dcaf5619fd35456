// ABOUTME: Per-connection state machine loop of a shard session
// ABOUTME: Every transition is driven by one select input: frame, timer, gate grant or shutdown

package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-discord/internal/protocol"
	"github.com/2389/coven-discord/internal/transport"
)

type readResult struct {
	data []byte
	err  error
}

type grant struct {
	bucket int
	err    error
}

// connLoop is the state of a single transport connection. It lives on the
// Run goroutine; only the reader and the gate acquisition run beside it and
// both report back through channels.
type connLoop struct {
	s    *Session
	conn transport.Conn

	reads      chan readResult
	readerDone chan struct{}

	grants    chan grant
	acquiring bool
	bucket    int // held identify bucket, -1 when none

	helloTimer      *time.Timer
	handshakeTimer  *time.Timer
	heartbeatTimer  *time.Timer
	reidentifyTimer *time.Timer
	guildReadyTimer *time.Timer

	awaitingAck bool
	connected   bool
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (l *connLoop) run(ctx context.Context) (bool, error) {
	s := l.s
	connCtx, cancel := context.WithCancel(ctx)
	defer l.teardown(cancel)

	s.attach(l.conn)
	s.setState(StateAwaitingHello)
	go l.readLoop(connCtx)
	l.helloTimer = time.NewTimer(s.cfg.HelloTimeout)

	for {
		select {
		case <-ctx.Done():
			l.closeGracefully()
			return l.connected, ctx.Err()

		case r := <-l.reads:
			if r.err != nil {
				if ctx.Err() != nil {
					// the reader saw shutdown first
					l.closeGracefully()
					return l.connected, ctx.Err()
				}
				return l.connected, r.err
			}
			if err := l.handleMessage(ctx, connCtx, r.data); err != nil {
				return l.connected, err
			}

		case <-timerC(l.helloTimer):
			l.helloTimer = nil
			l.close(closeCodeReconnect, "hello timeout")
			return false, &HandshakeError{Stage: "hello", Err: errHandshakeTimeout}

		case <-timerC(l.handshakeTimer):
			l.handshakeTimer = nil
			stage := "identify"
			if s.State() == StateResuming {
				stage = "resume"
			}
			l.close(closeCodeReconnect, stage+" timeout")
			return l.connected, &HandshakeError{Stage: stage, Err: errHandshakeTimeout}

		case <-timerC(l.heartbeatTimer):
			if err := l.heartbeatTick(ctx); err != nil {
				return l.connected, err
			}

		case g := <-l.grants:
			l.acquiring = false
			if g.err != nil {
				if ctx.Err() != nil {
					// shutdown cancelled the gate wait
					l.closeGracefully()
					return l.connected, ctx.Err()
				}
				return l.connected, g.err
			}
			l.bucket = g.bucket
			if err := l.identify(ctx); err != nil {
				return l.connected, err
			}

		case <-timerC(l.reidentifyTimer):
			l.reidentifyTimer = nil
			l.startAcquire(connCtx)

		case <-timerC(l.guildReadyTimer):
			l.guildReadyTimer = nil
			s.setReady(true)
			s.logger.Info("shard ready")
			s.emit(ctx, protocol.EventShardReady, map[string]int{"shard_id": s.cfg.ShardID})
		}
	}
}

func (l *connLoop) readLoop(ctx context.Context) {
	defer close(l.readerDone)
	for {
		_, data, err := l.conn.Read(ctx)
		select {
		case l.reads <- readResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *connLoop) teardown(cancel context.CancelFunc) {
	stopTimer(&l.helloTimer)
	stopTimer(&l.handshakeTimer)
	stopTimer(&l.heartbeatTimer)
	stopTimer(&l.reidentifyTimer)
	stopTimer(&l.guildReadyTimer)

	cancel()
	_ = l.conn.CloseNow()
	<-l.readerDone

	if l.acquiring {
		if g := <-l.grants; g.err == nil {
			l.s.gate.Release(g.bucket)
		}
		l.acquiring = false
	}
	l.releaseGate()
	l.s.detach()
}

func (l *connLoop) closeGracefully() {
	l.s.setState(StateClosing)
	if l.s.killed.Load() {
		return
	}
	if err := l.conn.Close(l.s.cfg.CloseCode, "shutting down"); err != nil {
		l.s.logger.Debug("closing connection", "error", err)
	}
}

func (l *connLoop) close(code int, reason string) {
	if err := l.conn.Close(code, reason); err != nil {
		l.s.logger.Debug("closing connection", "code", code, "error", err)
	}
}

func (l *connLoop) write(ctx context.Context, op protocol.Opcode, payload any) error {
	b, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := l.conn.Write(ctx, transport.MessageText, b); err != nil {
		return fmt.Errorf("writing %s: %w", op, err)
	}
	return nil
}

func (l *connLoop) startAcquire(ctx context.Context) {
	if l.acquiring || l.bucket >= 0 {
		return
	}
	l.acquiring = true
	go func() {
		bucket, err := l.s.gate.Acquire(ctx, l.s.cfg.ShardID)
		l.grants <- grant{bucket: bucket, err: err}
	}()
}

func (l *connLoop) releaseGate() {
	if l.bucket >= 0 {
		l.s.gate.Release(l.bucket)
		l.bucket = -1
	}
}

func (l *connLoop) handleMessage(ctx, connCtx context.Context, raw []byte) error {
	s := l.s
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("skipping malformed frame", "error", err)
		return nil
	}
	s.touch()

	switch frame.Op {
	case protocol.OpHello:
		return l.onHello(ctx, connCtx, frame)
	case protocol.OpHeartbeat:
		return l.sendHeartbeat(ctx)
	case protocol.OpHeartbeatAck:
		l.awaitingAck = false
		s.recordAck()
	case protocol.OpReconnect:
		s.logger.Info("gateway requested reconnect")
		l.close(closeCodeReconnect, "reconnect requested")
		return ErrReconnectRequested
	case protocol.OpInvalidSession:
		return l.onInvalidSession(frame)
	case protocol.OpDispatch:
		return l.onDispatch(ctx, frame)
	default:
		s.logger.Debug("ignoring frame", "op", frame.Op)
	}
	return nil
}

func (l *connLoop) onHello(ctx, connCtx context.Context, frame *protocol.Frame) error {
	s := l.s
	if s.State() != StateAwaitingHello {
		s.logger.Debug("ignoring repeated hello")
		return nil
	}

	var hello protocol.Hello
	if err := json.Unmarshal(frame.Data, &hello); err != nil {
		return &HandshakeError{Stage: "hello", Err: err}
	}
	interval := hello.Interval()
	if interval <= 0 {
		return &HandshakeError{Stage: "hello", Err: fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)}
	}
	stopTimer(&l.helloTimer)

	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	l.heartbeatTimer = time.NewTimer(time.Duration(float64(interval) * s.jitter()))

	if !s.resumable() {
		s.setState(StateIdentifying)
		l.startAcquire(connCtx)
		return nil
	}

	s.mu.Lock()
	resume := protocol.Resume{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.sequence}
	s.mu.Unlock()

	s.setState(StateResuming)
	s.logger.Info("resuming session", "session_id", resume.SessionID, "sequence", resume.Seq)
	if err := l.write(ctx, protocol.OpResume, resume); err != nil {
		return err
	}
	l.handshakeTimer = time.NewTimer(s.cfg.HandshakeTimeout)
	return nil
}

func (l *connLoop) identify(ctx context.Context) error {
	s := l.s
	s.clearSession()
	s.setReady(false)

	s.logger.Info("identifying", "bucket", l.bucket, "shard_count", s.cfg.ShardCount)
	if err := l.write(ctx, protocol.OpIdentify, s.identifyPayload()); err != nil {
		return err
	}
	l.handshakeTimer = time.NewTimer(s.cfg.HandshakeTimeout)
	return nil
}

func (l *connLoop) heartbeatTick(ctx context.Context) error {
	if l.awaitingAck {
		l.s.logger.Warn("heartbeat not acknowledged, reconnecting")
		l.close(closeCodeReconnect, "heartbeat timeout")
		return ErrHeartbeatTimeout
	}
	if err := l.sendHeartbeat(ctx); err != nil {
		return err
	}
	l.awaitingAck = true

	l.s.mu.Lock()
	interval := l.s.interval
	l.s.mu.Unlock()
	l.heartbeatTimer.Reset(interval)
	return nil
}

func (l *connLoop) sendHeartbeat(ctx context.Context) error {
	if err := l.write(ctx, protocol.OpHeartbeat, l.s.currentSequence()); err != nil {
		return err
	}
	l.s.recordHeartbeat()
	l.s.logger.Debug("heartbeat sent")
	return nil
}

func (l *connLoop) onInvalidSession(frame *protocol.Frame) error {
	s := l.s
	var resumable bool
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &resumable); err != nil {
			s.logger.Debug("malformed invalid session payload, treating as not resumable", "error", err)
		}
	}

	if resumable {
		s.logger.Warn("session invalidated, resuming on a new connection")
		l.close(closeCodeReconnect, "invalid session")
		return ErrSessionInvalidated
	}

	delay := s.reidentifyDelay()
	s.logger.Warn("session invalidated, re-identifying", "delay", delay)
	s.clearSession()
	s.setReady(false)
	stopTimer(&l.handshakeTimer)
	stopTimer(&l.guildReadyTimer)
	l.releaseGate()
	s.setState(StateIdentifying)

	if !l.acquiring {
		stopTimer(&l.reidentifyTimer)
		l.reidentifyTimer = time.NewTimer(delay)
	}
	return nil
}

func (l *connLoop) onDispatch(ctx context.Context, frame *protocol.Frame) error {
	s := l.s
	ev := &protocol.Event{Name: frame.Type, ShardID: s.cfg.ShardID, Data: frame.Data}
	if frame.Sequence != nil {
		if !s.advanceSequence(*frame.Sequence) {
			s.logger.Debug("skipping replayed event", "event", frame.Type, "sequence", *frame.Sequence)
			return nil
		}
		ev.Sequence = *frame.Sequence
	}

	switch frame.Type {
	case protocol.EventReady:
		var ready protocol.Ready
		if err := json.Unmarshal(frame.Data, &ready); err != nil {
			return &HandshakeError{Stage: "identify", Err: fmt.Errorf("decoding READY: %w", err)}
		}
		s.setSession(ready.SessionID, ready.ResumeGatewayURL)
		stopTimer(&l.handshakeTimer)
		l.releaseGate()
		l.connected = true
		s.setState(StateConnected)
		s.logger.Info("=== SHARD IDENTIFIED ===", "session_id", ready.SessionID, "guilds", len(ready.Guilds))

		s.deliver(ctx, ev)
		l.guildReadyTimer = time.NewTimer(s.cfg.GuildReadyTimeout)
		return nil

	case protocol.EventResumed:
		stopTimer(&l.handshakeTimer)
		l.connected = true
		s.setState(StateConnected)
		s.setReady(true)
		s.logger.Info("=== SHARD RESUMED ===", "sequence", ev.Sequence)

		s.deliver(ctx, ev)
		s.emit(ctx, protocol.EventShardResumed, map[string]int{"shard_id": s.cfg.ShardID})
		return nil

	case protocol.EventGuildCreate:
		if l.guildReadyTimer != nil {
			l.guildReadyTimer.Reset(s.cfg.GuildReadyTimeout)
		}
	}

	s.deliver(ctx, ev)
	return nil
}
