// ABOUTME: Cache flags bitset selecting which entity kinds are retained
// ABOUTME: Partial flags keep identity stubs, full flags keep whole payloads

package flags

import (
	"fmt"
	"strings"
)

// CacheFlags selects which entity kinds the cache retains and in what form.
type CacheFlags uint64

const (
	CachePartialGuilds      CacheFlags = 1 << 0
	CachePartialMembers     CacheFlags = 1 << 1
	CachePartialChannels    CacheFlags = 1 << 2
	CachePartialThreads     CacheFlags = 1 << 3
	CachePartialRoles       CacheFlags = 1 << 4
	CachePartialEmojis      CacheFlags = 1 << 5
	CachePartialStickers    CacheFlags = 1 << 6
	CachePartialVoiceStates CacheFlags = 1 << 7

	CacheGuilds      CacheFlags = 1 << 32
	CacheMembers     CacheFlags = 1 << 33
	CacheChannels    CacheFlags = 1 << 34
	CacheThreads     CacheFlags = 1 << 35
	CacheRoles       CacheFlags = 1 << 36
	CacheEmojis      CacheFlags = 1 << 37
	CacheStickers    CacheFlags = 1 << 38
	CacheVoiceStates CacheFlags = 1 << 39

	// Presences have no partial form.
	CachePresences CacheFlags = 1 << 40
)

// fullShift moves a partial flag onto its full counterpart.
const fullShift = 32

var cacheNames = map[string]CacheFlags{
	"partial_guilds":       CachePartialGuilds,
	"partial_members":      CachePartialMembers,
	"partial_channels":     CachePartialChannels,
	"partial_threads":      CachePartialThreads,
	"partial_roles":        CachePartialRoles,
	"partial_emojis":       CachePartialEmojis,
	"partial_stickers":     CachePartialStickers,
	"partial_voice_states": CachePartialVoiceStates,
	"guilds":               CacheGuilds,
	"members":              CacheMembers,
	"channels":             CacheChannels,
	"threads":              CacheThreads,
	"roles":                CacheRoles,
	"emojis":               CacheEmojis,
	"stickers":             CacheStickers,
	"voice_states":         CacheVoiceStates,
	"presences":            CachePresences,
}

// CacheAll enables the full form of every kind.
const CacheAll = CacheGuilds | CacheMembers | CacheChannels | CacheThreads |
	CacheRoles | CacheEmojis | CacheStickers | CacheVoiceStates | CachePresences

// CacheAllPartial enables the partial form of every kind that has one.
const CacheAllPartial = CachePartialGuilds | CachePartialMembers | CachePartialChannels |
	CachePartialThreads | CachePartialRoles | CachePartialEmojis | CachePartialStickers |
	CachePartialVoiceStates

// ParseCacheFlags builds CacheFlags from config names. "all", "partial" and
// "none" are accepted as shorthands.
func ParseCacheFlags(names []string) (CacheFlags, error) {
	var out CacheFlags
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "", "none":
			continue
		case "all":
			out |= CacheAll
			continue
		case "partial":
			out |= CacheAllPartial
			continue
		}
		v, ok := cacheNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown cache flag %q", raw)
		}
		out |= v
	}
	return out, nil
}

// Has reports whether every bit of want is set.
func (f CacheFlags) Has(want CacheFlags) bool {
	return f&want == want
}

// Full returns the full-form flag for a partial flag. Other values pass through.
func (f CacheFlags) Full() CacheFlags {
	if f != 0 && f&CacheAllPartial == f {
		return f << fullShift
	}
	return f
}

func (f CacheFlags) String() string {
	return bitNames(uint64(f), cacheNames)
}
