// ABOUTME: Event is a decoded dispatch handed to the cache and listeners
// ABOUTME: Lists the gateway event names and the synthetic shard lifecycle events

package protocol

import (
	"encoding/json"
	"fmt"
)

// Gateway dispatch event names used by this module.
const (
	EventReady               = "READY"
	EventResumed             = "RESUMED"
	EventGuildCreate         = "GUILD_CREATE"
	EventGuildUpdate         = "GUILD_UPDATE"
	EventGuildDelete         = "GUILD_DELETE"
	EventGuildRoleCreate     = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate     = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete     = "GUILD_ROLE_DELETE"
	EventGuildMemberAdd      = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate   = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove   = "GUILD_MEMBER_REMOVE"
	EventGuildMembersChunk   = "GUILD_MEMBERS_CHUNK"
	EventGuildEmojisUpdate   = "GUILD_EMOJIS_UPDATE"
	EventGuildStickersUpdate = "GUILD_STICKERS_UPDATE"
	EventChannelCreate       = "CHANNEL_CREATE"
	EventChannelUpdate       = "CHANNEL_UPDATE"
	EventChannelDelete       = "CHANNEL_DELETE"
	EventThreadCreate        = "THREAD_CREATE"
	EventThreadUpdate        = "THREAD_UPDATE"
	EventThreadDelete        = "THREAD_DELETE"
	EventThreadListSync      = "THREAD_LIST_SYNC"
	EventVoiceStateUpdate    = "VOICE_STATE_UPDATE"
	EventPresenceUpdate      = "PRESENCE_UPDATE"
	EventMessageCreate       = "MESSAGE_CREATE"
)

// Events produced locally rather than by the gateway.
const (
	EventGuildAvailable   = "GUILD_AVAILABLE"
	EventGuildUnavailable = "GUILD_UNAVAILABLE"
	EventShardReady       = "SHARD_READY"
	EventShardResumed     = "SHARD_RESUMED"
	EventShardClosed      = "SHARD_CLOSED"
	EventShardFatal       = "SHARD_FATAL"
	EventAllShardsReady   = "ALL_SHARDS_READY"
)

// Event is a named payload delivered to the cache and to listeners.
// Sequence is zero for synthetic events. Data must be treated as read-only.
type Event struct {
	Name     string
	ShardID  int
	Sequence int64
	Data     json.RawMessage
}

// NewEvent builds a synthetic event, marshaling payload as its data.
func NewEvent(name string, shardID int, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	return &Event{Name: name, ShardID: shardID, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Name, err)
	}
	return nil
}

// ShardClosed is the payload of SHARD_CLOSED.
type ShardClosed struct {
	ShardID int    `json:"shard_id"`
	Code    int    `json:"code"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

// ShardFatal is the payload of SHARD_FATAL.
type ShardFatal struct {
	ShardID  int    `json:"shard_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
