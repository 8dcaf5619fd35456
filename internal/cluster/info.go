// ABOUTME: Point-in-time view of every shard for status endpoints and the CLI
// ABOUTME: ShardInfo is JSON-serializable

package cluster

import "time"

// ShardInfo describes one shard.
type ShardInfo struct {
	ID           int       `json:"id"`
	State        string    `json:"state"`
	Ready        bool      `json:"ready"`
	Bucket       int       `json:"bucket"`
	SessionID    string    `json:"session_id,omitempty"`
	Sequence     int64     `json:"sequence"`
	LatencyMS    int64     `json:"latency_ms"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	IdleSeconds  float64   `json:"idle_seconds"`
	Failures     int       `json:"failures"`
	Unavailable  int       `json:"unavailable_guilds"`
	Fatal        string    `json:"fatal,omitempty"`
}

// Shards returns the state of every shard in start order.
func (m *Manager) Shards() []ShardInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]ShardInfo, 0, len(m.order))
	for _, id := range m.order {
		h := m.shards[id]
		st := h.session.Status()
		info := ShardInfo{
			ID:           id,
			State:        st.State.String(),
			Ready:        st.Ready,
			Bucket:       m.gate.Bucket(id),
			SessionID:    st.SessionID,
			Sequence:     st.Sequence,
			LatencyMS:    st.Latency.Milliseconds(),
			LastActivity: st.LastActivity,
			Failures:     st.Failures,
			Unavailable:  m.UnavailableGuilds(id),
		}
		if !st.LastActivity.IsZero() {
			info.IdleSeconds = now.Sub(st.LastActivity).Seconds()
		}
		if h.fatal != nil {
			info.Fatal = "failed"
			if h.fatal.Err != nil {
				info.Fatal = h.fatal.Err.Error()
			}
		}
		out = append(out, info)
	}
	return out
}
