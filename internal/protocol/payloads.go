// ABOUTME: Typed payloads for handshake, heartbeat, presence and member requests
// ABOUTME: Also holds the /gateway/bot response and the guild-to-shard mapping

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Hello is the first frame the gateway sends on a new connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a brand-new session.
type Identify struct {
	Token          string             `json:"token"`
	Intents        uint64             `json:"intents"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Presence       *Presence          `json:"presence,omitempty"`
}

// Resume reattaches to a previous session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// UnavailableGuild is a guild stub listed in READY.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	Version          int                `json:"v"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
	Guilds           []UnavailableGuild `json:"guilds"`
	User             json.RawMessage    `json:"user,omitempty"`
}

// Activity is one entry of a presence.
type Activity struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	URL   string `json:"url,omitempty"`
	State string `json:"state,omitempty"`
}

// Presence is sent with op 3 or embedded in Identify.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// RequestGuildMembers asks the gateway to stream GUILD_MEMBERS_CHUNK events.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// GuildMembersChunk is one reply to RequestGuildMembers.
type GuildMembersChunk struct {
	GuildID    string            `json:"guild_id"`
	Members    []json.RawMessage `json:"members"`
	ChunkIndex int               `json:"chunk_index"`
	ChunkCount int               `json:"chunk_count"`
	NotFound   []json.RawMessage `json:"not_found,omitempty"`
	Nonce      string            `json:"nonce,omitempty"`
}

// SessionStartLimit is the identify quota reported by /gateway/bot.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // milliseconds
	MaxConcurrency int   `json:"max_concurrency"`
}

// GatewayBot is the /gateway/bot response.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// ShardForGuild returns the shard that receives events for a guild.
func ShardForGuild(guildID string, shardCount int) (int, error) {
	if shardCount <= 0 {
		return 0, fmt.Errorf("invalid shard count %d", shardCount)
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing guild id %q: %w", guildID, err)
	}
	return int((id >> 22) % uint64(shardCount)), nil
}
