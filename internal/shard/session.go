// ABOUTME: Shard session owning one gateway connection at a time
// ABOUTME: Run drives reconnects with backoff until shutdown or a fatal failure

package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-discord/internal/flags"
	"github.com/2389/coven-discord/internal/protocol"
	"github.com/2389/coven-discord/internal/transport"
)

const (
	DefaultHelloTimeout      = 20 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultGuildReadyTimeout = 2 * time.Second
	DefaultSendPerMinute     = 110

	latencyWarnThreshold = 10 * time.Second
	writeTimeout         = 10 * time.Second

	// Closing with a non-1000 code keeps the session resumable on the remote.
	closeCodeReconnect = protocol.CloseUnknownError
)

// Gate is the identify concurrency limiter shared by all shards.
type Gate interface {
	Acquire(ctx context.Context, shardID int) (int, error)
	Release(bucket int)
}

// Sink receives every event of a shard, in transport order, on the session
// goroutine. It must not block for long: the shard reads no frames meanwhile.
type Sink func(ctx context.Context, ev *protocol.Event)

// Config describes one shard.
type Config struct {
	ShardID    int
	ShardCount int
	Token      string
	Intents    flags.Intents
	GatewayURL string

	Properties     protocol.IdentifyProperties
	Compress       bool
	LargeThreshold int
	Presence       *protocol.Presence

	HelloTimeout      time.Duration
	HandshakeTimeout  time.Duration
	GuildReadyTimeout time.Duration
	Backoff           Backoff
	MaxFailures       int
	SendPerMinute     int

	// CloseCode is sent on graceful shutdown. 1000 ends the session on the
	// remote; a 4xxx or 1012 code leaves it resumable.
	CloseCode int
}

func (c *Config) applyDefaults() {
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.GuildReadyTimeout <= 0 {
		c.GuildReadyTimeout = DefaultGuildReadyTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.SendPerMinute <= 0 {
		c.SendPerMinute = DefaultSendPerMinute
	}
	if c.CloseCode == 0 {
		c.CloseCode = protocol.CloseNormal
	}
	if c.Properties.OS == "" {
		c.Properties.OS = runtime.GOOS
	}
	if c.Properties.Browser == "" {
		c.Properties.Browser = "coven-discord"
	}
	if c.Properties.Device == "" {
		c.Properties.Device = "coven-discord"
	}
}

// Params holds the dependencies of a Session.
type Params struct {
	Config Config
	Dialer transport.Dialer
	Gate   Gate
	Sink   Sink
	Logger *slog.Logger
}

// Session is one shard. Its connection state is only mutated by the Run
// goroutine; other goroutines read it through Status and send through Send.
type Session struct {
	cfg     Config
	dialer  transport.Dialer
	gate    Gate
	sink    Sink
	logger  *slog.Logger
	limiter *rate.Limiter

	jitter          func() float64
	reidentifyDelay func() time.Duration

	running atomic.Bool
	killed  atomic.Bool

	mu           sync.Mutex
	state        State
	conn         transport.Conn
	cancel       context.CancelFunc
	sessionID    string
	sequence     int64
	hasSequence  bool
	resumeURL    string
	presence     *protocol.Presence
	interval     time.Duration
	lastSent     time.Time
	lastAck      time.Time
	latency      time.Duration
	lastActivity time.Time
	ready        bool
	failures     int
}

// New creates a session. It does not connect until Run.
func New(p Params) (*Session, error) {
	cfg := p.Config
	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", cfg.ShardCount)
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.ShardCount {
		return nil, fmt.Errorf("shard id %d out of range [0, %d)", cfg.ShardID, cfg.ShardCount)
	}
	if cfg.GatewayURL == "" {
		return nil, errors.New("gateway url is required")
	}
	if p.Dialer == nil || p.Gate == nil {
		return nil, errors.New("dialer and identify gate are required")
	}
	cfg.applyDefaults()

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := p.Sink
	if sink == nil {
		sink = func(context.Context, *protocol.Event) {}
	}

	return &Session{
		cfg:      cfg,
		dialer:   p.Dialer,
		gate:     p.Gate,
		sink:     sink,
		logger:   logger.With("component", "shard", "shard_id", cfg.ShardID),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.SendPerMinute)/60), cfg.SendPerMinute),
		presence: cfg.Presence,
		jitter:   rand.Float64,
		reidentifyDelay: func() time.Duration {
			return time.Second + time.Duration(rand.Int64N(int64(4*time.Second)))
		},
	}, nil
}

// ID returns the shard id.
func (s *Session) ID() int {
	return s.cfg.ShardID
}

// Run connects and keeps the shard connected until ctx is cancelled (nil is
// returned) or the shard fails fatally (*FatalError is returned). Run may be
// called again after it returns to restart the shard.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.killed.Store(false)
	s.mu.Lock()
	s.cancel = cancel
	s.failures = 0
	s.mu.Unlock()
	defer s.setState(StateDisconnected)

	for {
		connected, err := s.runConnection(ctx)
		if ctx.Err() != nil {
			s.logger.Info("shard stopped")
			return nil
		}

		action := classify(err)
		s.emitClosed(ctx, err, action)

		s.mu.Lock()
		if connected {
			s.failures = 0
		} else {
			s.failures++
		}
		attempts := s.failures
		s.mu.Unlock()

		if action == protocol.CloseActionFatal {
			s.logger.Error("unrecoverable gateway close", "error", err)
			return &FatalError{ShardID: s.cfg.ShardID, Attempts: max(attempts, 1), Err: err}
		}
		if attempts >= s.cfg.MaxFailures {
			s.logger.Error("retry budget exhausted", "attempts", attempts, "error", err)
			return &FatalError{ShardID: s.cfg.ShardID, Attempts: attempts, Err: err}
		}
		if action == protocol.CloseActionReidentify {
			s.clearSession()
		}

		s.setState(StateReconnecting)
		delay := s.cfg.Backoff.Delay(max(attempts-1, 0))
		s.logger.Info("reconnecting", "action", action, "attempt", attempts, "delay", delay, "error", err)
		if err := contextSleep(ctx, delay); err != nil {
			s.logger.Info("shard stopped")
			return nil
		}
	}
}

// classify decides what the next connection attempt does after err.
func classify(err error) protocol.CloseAction {
	var ce *transport.CloseError
	if errors.As(err, &ce) {
		return protocol.ClassifyClose(ce.Code)
	}
	var he *HandshakeError
	if errors.As(err, &he) && he.Stage == "resume" {
		return protocol.CloseActionReidentify
	}
	return protocol.CloseActionResume
}

func (s *Session) runConnection(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	url := s.dialURL()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	conn, err := s.dialer.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}

	l := &connLoop{
		s:          s,
		conn:       conn,
		reads:      make(chan readResult),
		readerDone: make(chan struct{}),
		grants:     make(chan grant, 1),
		bucket:     -1,
	}
	return l.run(ctx)
}

func (s *Session) dialURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" && s.resumeURL != "" {
		return s.resumeURL
	}
	return s.cfg.GatewayURL
}

// Kill terminates the session without a close handshake.
func (s *Session) Kill() {
	s.mu.Lock()
	cancel, conn := s.cancel, s.conn
	s.mu.Unlock()

	s.killed.Store(true)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// Restore seeds resume state so the next Hello resumes instead of identifying.
func (s *Session) Restore(rs ResumeState) {
	if rs.SessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = rs.SessionID
	s.sequence = rs.Sequence
	s.hasSequence = true
	s.resumeURL = rs.ResumeURL
}

// Snapshot returns the current resume state, if the session has one.
func (s *Session) Snapshot() (ResumeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" || !s.hasSequence {
		return ResumeState{}, false
	}
	return ResumeState{SessionID: s.sessionID, Sequence: s.sequence, ResumeURL: s.resumeURL}, true
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ShardID:           s.cfg.ShardID,
		ShardCount:        s.cfg.ShardCount,
		State:             s.state,
		Ready:             s.ready,
		SessionID:         s.sessionID,
		Sequence:          s.sequence,
		HasSequence:       s.hasSequence,
		HeartbeatInterval: s.interval,
		LastHeartbeatSent: s.lastSent,
		LastAck:           s.lastAck,
		Latency:           s.latency,
		LastActivity:      s.lastActivity,
		Failures:          s.failures,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to {
		s.logger.Debug("state changed", "from", from, "to", to)
	}
}

func (s *Session) attach(conn transport.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) detach() {
	s.mu.Lock()
	s.conn = nil
	s.ready = false
	s.mu.Unlock()
}

func (s *Session) resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.hasSequence
}

func (s *Session) clearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.sequence = 0
	s.hasSequence = false
	s.resumeURL = ""
}

func (s *Session) setSession(id, resumeURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.resumeURL = resumeURL
}

// advanceSequence records seq and reports whether it is new. Duplicates and
// stale sequences are rejected so replays never reorder delivery.
func (s *Session) advanceSequence(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSequence && seq <= s.sequence {
		return false
	}
	s.sequence = seq
	s.hasSequence = true
	return true
}

func (s *Session) currentSequence() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSequence {
		return nil
	}
	seq := s.sequence
	return &seq
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) recordHeartbeat() {
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
}

func (s *Session) recordAck() {
	s.mu.Lock()
	s.lastAck = time.Now()
	if !s.lastSent.IsZero() {
		s.latency = s.lastAck.Sub(s.lastSent)
	}
	latency := s.latency
	s.mu.Unlock()

	if latency > latencyWarnThreshold {
		s.logger.Warn("high gateway latency", "latency", latency)
	} else {
		s.logger.Debug("heartbeat acknowledged", "latency", latency)
	}
}

func (s *Session) setReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

func (s *Session) deliver(ctx context.Context, ev *protocol.Event) {
	s.sink(ctx, ev)
}

func (s *Session) emit(ctx context.Context, name string, payload any) {
	ev, err := protocol.NewEvent(name, s.cfg.ShardID, payload)
	if err != nil {
		s.logger.Error("building synthetic event", "event", name, "error", err)
		return
	}
	s.sink(ctx, ev)
}

func (s *Session) emitClosed(ctx context.Context, err error, action protocol.CloseAction) {
	closed := protocol.ShardClosed{
		ShardID: s.cfg.ShardID,
		Code:    transport.CloseCode(err),
		Action:  action.String(),
	}
	if err != nil {
		closed.Reason = err.Error()
	}
	s.emit(ctx, protocol.EventShardClosed, closed)
}

// Send writes a non-essential frame (presence, member requests) through the
// outbound rate limiter. It fails unless the shard is Connected.
func (s *Session) Send(ctx context.Context, op protocol.Opcode, payload any) error {
	if !s.limiter.Allow() {
		s.logger.Warn("outbound rate limit reached, waiting", "op", op)
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for send budget: %w", err)
		}
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	b, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, transport.MessageText, b); err != nil {
		return fmt.Errorf("sending %s: %w", op, err)
	}
	return nil
}

// ChangePresence updates the bot presence on this shard and remembers it
// for later identifies.
func (s *Session) ChangePresence(ctx context.Context, p protocol.Presence) error {
	s.mu.Lock()
	s.presence = &p
	s.mu.Unlock()
	return s.Send(ctx, protocol.OpPresenceUpdate, p)
}

// RequestGuildMembers asks the gateway to stream members of a guild.
func (s *Session) RequestGuildMembers(ctx context.Context, req protocol.RequestGuildMembers) error {
	return s.Send(ctx, protocol.OpRequestGuildMembers, req)
}

func (s *Session) identifyPayload() protocol.Identify {
	s.mu.Lock()
	presence := s.presence
	s.mu.Unlock()

	return protocol.Identify{
		Token:          s.cfg.Token,
		Intents:        uint64(s.cfg.Intents),
		Properties:     s.cfg.Properties,
		Compress:       s.cfg.Compress,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          &[2]int{s.cfg.ShardID, s.cfg.ShardCount},
		Presence:       presence,
	}
}
