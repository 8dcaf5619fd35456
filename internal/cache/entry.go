// ABOUTME: Cached entity kinds and the Full/Partial entry variants
// ABOUTME: Each kind maps to a partial and a full cache flag

package cache

import (
	"encoding/json"

	"github.com/2389/coven-discord/internal/flags"
)

// Kind is a cached entity type.
type Kind int

const (
	KindGuild Kind = iota
	KindMember
	KindChannel
	KindThread
	KindRole
	KindEmoji
	KindSticker
	KindVoiceState
	KindPresence

	kindCount
)

// Kinds lists every cached entity type.
var Kinds = []Kind{
	KindGuild, KindMember, KindChannel, KindThread, KindRole,
	KindEmoji, KindSticker, KindVoiceState, KindPresence,
}

func (k Kind) String() string {
	switch k {
	case KindGuild:
		return "guild"
	case KindMember:
		return "member"
	case KindChannel:
		return "channel"
	case KindThread:
		return "thread"
	case KindRole:
		return "role"
	case KindEmoji:
		return "emoji"
	case KindSticker:
		return "sticker"
	case KindVoiceState:
		return "voice_state"
	case KindPresence:
		return "presence"
	default:
		return "unknown"
	}
}

func (k Kind) flags() (partial, full flags.CacheFlags) {
	switch k {
	case KindGuild:
		return flags.CachePartialGuilds, flags.CacheGuilds
	case KindMember:
		return flags.CachePartialMembers, flags.CacheMembers
	case KindChannel:
		return flags.CachePartialChannels, flags.CacheChannels
	case KindThread:
		return flags.CachePartialThreads, flags.CacheThreads
	case KindRole:
		return flags.CachePartialRoles, flags.CacheRoles
	case KindEmoji:
		return flags.CachePartialEmojis, flags.CacheEmojis
	case KindSticker:
		return flags.CachePartialStickers, flags.CacheStickers
	case KindVoiceState:
		return flags.CachePartialVoiceStates, flags.CacheVoiceStates
	case KindPresence:
		return 0, flags.CachePresences
	default:
		return 0, 0
	}
}

// Entry is either Full or Partial. Callers switch on the concrete type:
//
//	switch e := entry.(type) {
//	case cache.Full:
//	case cache.Partial:
//	}
type Entry interface {
	EntryID() string
	Guild() string
	isEntry()
}

// Full holds every field seen for an entity. Data must not be modified.
type Full struct {
	ID      string
	GuildID string
	Data    json.RawMessage
}

// Partial is an identity stub kept when only the partial flag is enabled.
type Partial struct {
	ID      string
	GuildID string
	Name    string
}

func (f Full) EntryID() string    { return f.ID }
func (f Full) Guild() string      { return f.GuildID }
func (Full) isEntry()             {}
func (p Partial) EntryID() string { return p.ID }
func (p Partial) Guild() string   { return p.GuildID }
func (Partial) isEntry()          {}
