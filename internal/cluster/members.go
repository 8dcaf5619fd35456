// ABOUTME: Guild member queries over the gateway (op 8) collected from member chunks
// ABOUTME: Each request carries a nonce so concurrent queries never mix replies

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-discord/internal/protocol"
)

const DefaultMemberQueryTimeout = 30 * time.Second

// MemberQuery selects which members to fetch. With neither Query nor UserIDs
// set, every member is requested.
type MemberQuery struct {
	Query     string
	UserIDs   []string
	Limit     int
	Presences bool
	Timeout   time.Duration
}

// MemberResult gathers every chunk of one query.
type MemberResult struct {
	GuildID   string
	Members   []json.RawMessage
	Presences []json.RawMessage
	NotFound  []json.RawMessage
}

type chunkWaiter struct {
	result MemberResult
	done   chan struct{}
	err    error
}

type chunkRegistry struct {
	mu      sync.Mutex
	waiters map[string]*chunkWaiter
}

func newChunkRegistry() *chunkRegistry {
	return &chunkRegistry{waiters: make(map[string]*chunkWaiter)}
}

func (r *chunkRegistry) register(nonce, guildID string) *chunkWaiter {
	w := &chunkWaiter{result: MemberResult{GuildID: guildID}, done: make(chan struct{})}
	r.mu.Lock()
	r.waiters[nonce] = w
	r.mu.Unlock()
	return w
}

func (r *chunkRegistry) remove(nonce string) {
	r.mu.Lock()
	delete(r.waiters, nonce)
	r.mu.Unlock()
}

// deliver appends a GUILD_MEMBERS_CHUNK to its query. Chunks without a
// known nonce belong to someone else and are ignored.
func (r *chunkRegistry) deliver(ev *protocol.Event) {
	var chunk struct {
		protocol.GuildMembersChunk
		Presences []json.RawMessage `json:"presences"`
	}
	if err := json.Unmarshal(ev.Data, &chunk); err != nil || chunk.Nonce == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[chunk.Nonce]
	if !ok {
		return
	}
	w.result.Members = append(w.result.Members, chunk.Members...)
	w.result.Presences = append(w.result.Presences, chunk.Presences...)
	w.result.NotFound = append(w.result.NotFound, chunk.NotFound...)
	if chunk.ChunkIndex >= chunk.ChunkCount-1 {
		delete(r.waiters, chunk.Nonce)
		close(w.done)
	}
}

func (r *chunkRegistry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for nonce, w := range r.waiters {
		w.err = err
		close(w.done)
		delete(r.waiters, nonce)
	}
}

// QueryMembers asks the shard owning guildID for members and waits until the
// last chunk arrives.
func (m *Manager) QueryMembers(ctx context.Context, guildID string, q MemberQuery) (*MemberResult, error) {
	shardID, err := m.ShardForGuild(guildID)
	if err != nil {
		return nil, err
	}
	s, err := m.Session(shardID)
	if err != nil {
		return nil, fmt.Errorf("guild %s is on shard %d: %w", guildID, shardID, err)
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = DefaultMemberQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := protocol.RequestGuildMembers{
		GuildID:   guildID,
		Limit:     q.Limit,
		Presences: q.Presences,
		UserIDs:   q.UserIDs,
		Nonce:     uuid.NewString(),
	}
	if len(q.UserIDs) == 0 {
		query := q.Query
		req.Query = &query
	}

	w := m.chunks.register(req.Nonce, guildID)
	defer m.chunks.remove(req.Nonce)

	if err := s.RequestGuildMembers(ctx, req); err != nil {
		return nil, fmt.Errorf("requesting members: %w", err)
	}

	select {
	case <-w.done:
		if w.err != nil {
			return nil, w.err
		}
		m.logger.Debug("member query complete", "guild_id", guildID, "members", len(w.result.Members))
		return &w.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for member chunks: %w", ctx.Err())
	}
}
