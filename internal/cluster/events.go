// ABOUTME: Event sink shared by all shards: cache first, then listeners
// ABOUTME: Derives guild availability and fleet readiness events from the raw stream

package cluster

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-discord/internal/protocol"
)

// sink runs on the goroutine of the shard that produced ev, so events of one
// shard reach the cache and the router in transport order.
func (m *Manager) sink(ctx context.Context, ev *protocol.Event) {
	out := ev

	switch ev.Name {
	case protocol.EventReady:
		m.trackReadyGuilds(ev)
		m.markConnected(ev.ShardID)

	case protocol.EventResumed:
		m.markConnected(ev.ShardID)

	case protocol.EventGuildCreate:
		if m.guildReturned(ev) {
			out = renamed(ev, protocol.EventGuildAvailable)
		}

	case protocol.EventGuildDelete:
		if m.guildLost(ev) {
			out = renamed(ev, protocol.EventGuildUnavailable)
		}

	case protocol.EventGuildMembersChunk:
		m.chunks.deliver(ev)
	}

	if m.cache != nil {
		m.cache.Apply(ev)
	}
	m.dispatch(ctx, out)

	if ev.Name == protocol.EventShardReady || ev.Name == protocol.EventShardResumed {
		m.checkAllReady(ctx)
	}
}

func (m *Manager) dispatch(ctx context.Context, ev *protocol.Event) {
	if m.router == nil {
		return
	}
	m.router.Dispatch(ctx, ev)
}

func (m *Manager) emit(ctx context.Context, name string, shardID int, payload any) {
	ev, err := protocol.NewEvent(name, shardID, payload)
	if err != nil {
		m.logger.Error("building event", "event", name, "error", err)
		return
	}
	m.dispatch(ctx, ev)
}

func renamed(ev *protocol.Event, name string) *protocol.Event {
	out := *ev
	out.Name = name
	return &out
}

func (m *Manager) markConnected(shardID int) {
	m.mu.Lock()
	h, ok := m.shards[shardID]
	m.mu.Unlock()
	if ok {
		h.markConnected()
	}
}

// trackReadyGuilds remembers the guilds READY announced as unavailable; their
// GUILD_CREATE marks them available rather than joined.
func (m *Manager) trackReadyGuilds(ev *protocol.Event) {
	pending := make(map[string]bool)
	gjson.GetBytes(ev.Data, "guilds").ForEach(func(_, g gjson.Result) bool {
		if id := g.Get("id").String(); id != "" {
			pending[id] = true
		}
		return true
	})

	m.guildsMu.Lock()
	m.unavailable[ev.ShardID] = pending
	m.guildsMu.Unlock()
}

func (m *Manager) guildReturned(ev *protocol.Event) bool {
	fields := gjson.GetManyBytes(ev.Data, "id", "unavailable")
	if fields[1].Bool() {
		return false
	}
	id := fields[0].String()

	m.guildsMu.Lock()
	defer m.guildsMu.Unlock()
	pending := m.unavailable[ev.ShardID]
	if !pending[id] {
		return false
	}
	delete(pending, id)
	return true
}

func (m *Manager) guildLost(ev *protocol.Event) bool {
	fields := gjson.GetManyBytes(ev.Data, "id", "unavailable")
	if !fields[1].Bool() {
		return false
	}

	m.guildsMu.Lock()
	defer m.guildsMu.Unlock()
	pending := m.unavailable[ev.ShardID]
	if pending == nil {
		pending = make(map[string]bool)
		m.unavailable[ev.ShardID] = pending
	}
	pending[fields[0].String()] = true
	return true
}

func (m *Manager) checkAllReady(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.readyOnce.Do(func() {
		m.mu.Lock()
		shards := len(m.shards)
		m.mu.Unlock()

		m.logger.Info("=== ALL SHARDS READY ===", "shards", shards)
		close(m.readyCh)
		m.emit(ctx, protocol.EventAllShardsReady, -1, map[string]int{"shards": shards})
	})
}

// UnavailableGuilds returns how many guilds of a shard are known but not
// currently available.
func (m *Manager) UnavailableGuilds(shardID int) int {
	m.guildsMu.Lock()
	defer m.guildsMu.Unlock()
	return len(m.unavailable[shardID])
}
