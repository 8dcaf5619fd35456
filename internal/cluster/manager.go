// ABOUTME: Shard manager owning every shard session of the bot
// ABOUTME: Starts shards in identify waves, restarts failed shards, persists resume state on shutdown

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-discord/internal/cache"
	"github.com/2389/coven-discord/internal/dispatch"
	"github.com/2389/coven-discord/internal/flags"
	"github.com/2389/coven-discord/internal/identify"
	"github.com/2389/coven-discord/internal/protocol"
	"github.com/2389/coven-discord/internal/shard"
	"github.com/2389/coven-discord/internal/store"
	"github.com/2389/coven-discord/internal/transport"
)

var (
	ErrShardNotFound  = errors.New("shard not found")
	ErrAlreadyStarted = errors.New("manager already started")
	ErrNotRunning     = errors.New("manager is not running")

	errShardRunning = errors.New("shard is already running")
)

const DefaultShutdownTimeout = 10 * time.Second

// InfoSource provides the recommended shard count and identify quota.
type InfoSource interface {
	GatewayBot(ctx context.Context) (*protocol.GatewayBot, error)
}

// Config describes the fleet.
type Config struct {
	Token   string
	Intents flags.Intents

	// GatewayURL overrides the URL reported by the info source.
	GatewayURL string
	// ShardCount of zero uses the recommended count.
	ShardCount int
	// ShardIDs restricts this process to a subset of [0, ShardCount).
	ShardIDs []int
	// MaxConcurrency of zero uses the remote quota.
	MaxConcurrency   int
	IdentifyCooldown time.Duration

	AutoRestart     bool
	RestartDelay    time.Duration
	ShutdownTimeout time.Duration

	// SnapshotMaxAge bounds how old a persisted resume snapshot may be.
	SnapshotMaxAge time.Duration

	// Session is the template for every shard. Identity fields are filled in
	// by the manager.
	Session shard.Config
}

// FatalReport describes a shard that gave up.
type FatalReport struct {
	ShardID  int
	Attempts int
	Err      error
	At       time.Time
}

// Params holds the dependencies of a Manager. Cache, Router, Sessions and
// OnFatal are optional.
type Params struct {
	Config   Config
	Info     InfoSource
	Dialer   transport.Dialer
	Cache    *cache.Store
	Router   *dispatch.Router
	Sessions store.Store
	OnFatal  func(FatalReport)
	Logger   *slog.Logger
}

type handle struct {
	session   *shard.Session
	connected chan struct{}
	connOnce  sync.Once

	// serializes stop+start of RestartShard
	restartMu sync.Mutex

	// guarded by Manager.mu
	cancel       context.CancelFunc
	done         chan struct{}
	fatal        *FatalReport
	restartTimer *time.Timer
}

func (h *handle) markConnected() {
	h.connOnce.Do(func() { close(h.connected) })
}

// Manager owns the shard table. Shards are indexed by id and started in
// ascending order; shutdown walks them in reverse.
type Manager struct {
	cfg      Config
	info     InfoSource
	dialer   transport.Dialer
	cache    *cache.Store
	router   *dispatch.Router
	sessions store.Store
	onFatal  func(FatalReport)
	base     *slog.Logger
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	stopping  bool
	shards    map[int]*handle
	order     []int
	count     int
	gate      *identify.Gate
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	guildsMu    sync.Mutex
	unavailable map[int]map[string]bool // shard id -> guilds expected back through GUILD_CREATE

	readyCh   chan struct{}
	readyOnce sync.Once
	fatals    atomic.Int64

	chunks *chunkRegistry
}

// New creates a manager. It does not connect until Start.
func New(p Params) (*Manager, error) {
	if p.Info == nil {
		return nil, errors.New("gateway info source is required")
	}
	if p.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if p.Config.Token == "" {
		return nil, errors.New("token is required")
	}
	cfg := p.Config
	if cfg.IdentifyCooldown <= 0 {
		cfg.IdentifyCooldown = identify.DefaultCooldown
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 30 * time.Second
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = 5 * time.Minute
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:         cfg,
		info:        p.Info,
		dialer:      p.Dialer,
		cache:       p.Cache,
		router:      p.Router,
		sessions:    p.Sessions,
		onFatal:     p.OnFatal,
		base:        logger,
		logger:      logger.With("component", "cluster"),
		shards:      make(map[int]*handle),
		unavailable: make(map[int]map[string]bool),
		readyCh:     make(chan struct{}),
		chunks:      newChunkRegistry(),
	}, nil
}

// Start fetches the gateway info, creates the shards and launches them in
// the background. A failure to fetch the gateway info is returned as is and
// nothing is started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	info, err := m.info.GatewayBot(ctx)
	if err != nil {
		m.resetStarted()
		return fmt.Errorf("fetching gateway info: %w", err)
	}

	limit := info.SessionStartLimit
	if limit.Remaining == 0 && limit.Total > 0 {
		wait := time.Duration(limit.ResetAfter) * time.Millisecond
		m.logger.Warn("session start limit exhausted, waiting for reset", "reset_after", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			m.resetStarted()
			return fmt.Errorf("waiting for session start limit reset: %w", ctx.Err())
		}
	}

	count := m.cfg.ShardCount
	if count == 0 {
		count = info.Shards
	}
	ids := m.cfg.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, count)
		for i := range ids {
			ids[i] = i
		}
	}
	ids = slices.Clone(ids)
	slices.Sort(ids)
	for _, id := range ids {
		if id < 0 || id >= count {
			m.resetStarted()
			return fmt.Errorf("shard id %d out of range [0, %d)", id, count)
		}
	}

	concurrency := m.cfg.MaxConcurrency
	if concurrency == 0 {
		concurrency = max(limit.MaxConcurrency, 1)
	}
	gatewayURL := m.cfg.GatewayURL
	if gatewayURL == "" {
		gatewayURL = info.URL
	}

	snapshots := m.loadSnapshots(ctx, count)
	gate := identify.New(concurrency, m.cfg.IdentifyCooldown, m.base)

	shards := make(map[int]*handle, len(ids))
	for _, id := range ids {
		sc := m.cfg.Session
		sc.ShardID = id
		sc.ShardCount = count
		sc.Token = m.cfg.Token
		sc.Intents = m.cfg.Intents
		sc.GatewayURL = gatewayURL
		if m.sessions != nil && sc.CloseCode == 0 {
			// keep sessions resumable across a restart
			sc.CloseCode = protocol.CloseServiceRestart
		}

		s, err := shard.New(shard.Params{
			Config: sc,
			Dialer: m.dialer,
			Gate:   gate,
			Sink:   m.sink,
			Logger: m.base,
		})
		if err != nil {
			m.resetStarted()
			return fmt.Errorf("creating shard %d: %w", id, err)
		}
		if snap, ok := snapshots[id]; ok {
			s.Restore(snap)
		}
		shards[id] = &handle{session: s, connected: make(chan struct{})}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.shards = shards
	m.order = ids
	m.count = count
	m.gate = gate
	m.runCtx = runCtx
	m.runCancel = cancel
	m.mu.Unlock()

	m.logger.Info("starting shards",
		"shard_count", count,
		"shards", len(ids),
		"max_concurrency", concurrency,
		"resuming", len(snapshots),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.launch(runCtx, ids, concurrency)
	}()
	return nil
}

func (m *Manager) resetStarted() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

func (m *Manager) loadSnapshots(ctx context.Context, count int) map[int]shard.ResumeState {
	out := make(map[int]shard.ResumeState)
	if m.sessions == nil {
		return out
	}
	snaps, err := m.sessions.LoadSnapshots(ctx, count, time.Now().Add(-m.cfg.SnapshotMaxAge))
	if err != nil {
		m.logger.Warn("loading resume snapshots", "error", err)
		return out
	}
	for _, snap := range snaps {
		out[snap.ShardID] = shard.ResumeState{
			SessionID: snap.SessionID,
			Sequence:  snap.Sequence,
			ResumeURL: snap.ResumeURL,
		}
	}
	return out
}

// launch starts shards one identify wave at a time. A wave is as many
// shards as there are gate buckets; the next wave starts once every shard of
// the current one finished its first handshake, gave up, or timed out.
func (m *Manager) launch(ctx context.Context, ids []int, concurrency int) {
	waveTimeout := m.cfg.Session.HelloTimeout + m.cfg.Session.HandshakeTimeout
	if waveTimeout <= 0 {
		waveTimeout = shard.DefaultHelloTimeout + shard.DefaultHandshakeTimeout
	}

	for wave := range slices.Chunk(ids, concurrency) {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range wave {
			h, done, err := m.startShard(id)
			if errors.Is(err, errShardRunning) {
				// restarted by an operator before its wave came up
				continue
			}
			if err != nil {
				_ = g.Wait()
				return
			}
			g.Go(func() error {
				timer := time.NewTimer(waveTimeout)
				defer timer.Stop()
				select {
				case <-h.connected:
				case <-done:
				case <-timer.C:
					m.logger.Warn("shard slow to connect, continuing", "shard_id", id)
				case <-gctx.Done():
					return gctx.Err()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return
		}
	}
	m.logger.Debug("all shards launched", "shards", len(ids))
}

// startShard runs a shard's session in its own goroutine.
func (m *Manager) startShard(id int) (*handle, chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping || m.runCtx == nil {
		return nil, nil, ErrNotRunning
	}
	h, ok := m.shards[id]
	if !ok {
		return nil, nil, ErrShardNotFound
	}
	if h.done != nil {
		select {
		case <-h.done:
		default:
			return nil, nil, errShardRunning
		}
	}

	ctx, cancel := context.WithCancel(m.runCtx)
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	h.fatal = nil

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer cancel()
		m.runShard(ctx, h)
	}()
	return h, done, nil
}

func (m *Manager) runShard(ctx context.Context, h *handle) {
	err := h.session.Run(ctx)
	var fe *shard.FatalError
	if errors.As(err, &fe) {
		m.reportFatal(ctx, h, fe)
		return
	}
	if err != nil {
		m.logger.Error("shard exited", "shard_id", h.session.ID(), "error", err)
	}
}

func (m *Manager) reportFatal(ctx context.Context, h *handle, fe *shard.FatalError) {
	report := FatalReport{ShardID: fe.ShardID, Attempts: fe.Attempts, Err: fe.Err, At: time.Now()}
	m.fatals.Add(1)
	m.logger.Error("=== SHARD FAILED ===", "shard_id", fe.ShardID, "attempts", fe.Attempts, "error", fe.Err)

	m.mu.Lock()
	h.fatal = &report
	restart := m.cfg.AutoRestart && !m.stopping
	if restart {
		id := fe.ShardID
		h.restartTimer = time.AfterFunc(m.cfg.RestartDelay, func() {
			if err := m.RestartShard(context.Background(), id); err != nil && !errors.Is(err, ErrNotRunning) {
				m.logger.Error("automatic shard restart failed", "shard_id", id, "error", err)
			}
		})
	}
	m.mu.Unlock()

	payload := protocol.ShardFatal{ShardID: fe.ShardID, Attempts: fe.Attempts}
	if fe.Err != nil {
		payload.Error = fe.Err.Error()
	}
	m.emit(ctx, protocol.EventShardFatal, fe.ShardID, payload)

	if m.onFatal != nil {
		m.onFatal(report)
	}
	if restart {
		m.logger.Info("shard restart scheduled", "shard_id", fe.ShardID, "delay", m.cfg.RestartDelay)
	}
}

// RestartShard stops a shard (gracefully, then forcibly after the shutdown
// timeout) and starts it again. Its resume state is kept. Concurrent restarts
// of one shard run one after the other.
func (m *Manager) RestartShard(ctx context.Context, id int) error {
	m.mu.Lock()
	if m.stopping || m.runCtx == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	h, ok := m.shards[id]
	if !ok {
		m.mu.Unlock()
		return ErrShardNotFound
	}
	if h.restartTimer != nil {
		h.restartTimer.Stop()
		h.restartTimer = nil
	}
	m.mu.Unlock()

	h.restartMu.Lock()
	defer h.restartMu.Unlock()

	m.logger.Info("restarting shard", "shard_id", id)
	if err := m.stopShard(ctx, h); err != nil {
		return err
	}
	_, _, err := m.startShard(id)
	if errors.Is(err, errShardRunning) {
		// the launcher started it in between
		return nil
	}
	return err
}

// stopShard cancels a shard's run and waits for it, killing the connection
// when the graceful close takes longer than the shutdown timeout.
func (m *Manager) stopShard(ctx context.Context, h *handle) error {
	m.mu.Lock()
	cancel, done := h.cancel, h.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.logger.Warn("shard did not close in time, terminating", "shard_id", h.session.ID())
	h.session.Kill()
	<-done
	return nil
}

// Shutdown stops every shard in reverse start order and persists resume
// snapshots when a session store is configured.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping || m.runCtx == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	order := slices.Clone(m.order)
	count := m.count
	for _, h := range m.shards {
		if h.restartTimer != nil {
			h.restartTimer.Stop()
			h.restartTimer = nil
		}
	}
	m.mu.Unlock()

	m.logger.Info("shutting down shards", "shards", len(order))
	slices.Reverse(order)
	for _, id := range order {
		_ = m.stopShard(ctx, m.shards[id])
	}

	m.mu.Lock()
	m.runCancel()
	m.mu.Unlock()
	m.wg.Wait()
	m.chunks.failAll(ErrNotRunning)

	if m.sessions == nil {
		return nil
	}
	var snaps []store.Snapshot
	for _, id := range order {
		rs, ok := m.shards[id].session.Snapshot()
		if !ok {
			continue
		}
		snaps = append(snaps, store.Snapshot{
			ShardID:    id,
			ShardCount: count,
			SessionID:  rs.SessionID,
			Sequence:   rs.Sequence,
			ResumeURL:  rs.ResumeURL,
			UpdatedAt:  time.Now(),
		})
	}
	if err := m.sessions.SaveSnapshots(ctx, snaps); err != nil {
		return fmt.Errorf("saving resume snapshots: %w", err)
	}
	m.logger.Info("saved resume snapshots", "count", len(snaps))
	return nil
}

// ShardCount returns the total shard count, zero before Start.
func (m *Manager) ShardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// ShardForGuild returns the shard that owns a guild.
func (m *Manager) ShardForGuild(guildID string) (int, error) {
	count := m.ShardCount()
	if count == 0 {
		return 0, ErrNotRunning
	}
	return protocol.ShardForGuild(guildID, count)
}

// Session returns the session of a shard run by this manager.
func (m *Manager) Session(id int) (*shard.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.shards[id]
	if !ok {
		return nil, ErrShardNotFound
	}
	return h.session, nil
}

// Ready reports whether every shard is connected and past its initial
// guild burst.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.shards))
	for _, h := range m.shards {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	if len(handles) == 0 {
		return false
	}
	for _, h := range handles {
		st := h.session.Status()
		if st.State != shard.StateConnected || !st.Ready {
			return false
		}
	}
	return true
}

// WaitReady blocks until every shard has been ready at the same time once.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FatalCount returns how many fatal shard failures have been reported.
func (m *Manager) FatalCount() int {
	return int(m.fatals.Load())
}

// ChangePresence sends a presence update on every connected shard.
func (m *Manager) ChangePresence(ctx context.Context, p protocol.Presence) error {
	m.mu.Lock()
	sessions := make([]*shard.Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.shards[id].session)
	}
	m.mu.Unlock()
	if len(sessions) == 0 {
		return ErrNotRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.ChangePresence(gctx, p); err != nil {
				return fmt.Errorf("shard %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
