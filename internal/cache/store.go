// ABOUTME: Flag-gated entity cache shared by every shard
// ABOUTME: Per-kind tables under RWMutex; upserts merge field by field and never downgrade

package cache

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/coven-discord/internal/flags"
)

type table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Store caches decoded entities. Reads run concurrently; writes are
// serialized per kind.
type Store struct {
	flags  atomic.Uint64
	tables [kindCount]*table
	logger *slog.Logger
}

// New creates a store retaining the kinds enabled in f.
func New(f flags.CacheFlags, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger.With("component", "cache")}
	s.flags.Store(uint64(f))
	for i := range s.tables {
		s.tables[i] = &table{entries: make(map[string]Entry)}
	}
	return s
}

// Flags returns the active cache flags.
func (s *Store) Flags() flags.CacheFlags {
	return flags.CacheFlags(s.flags.Load())
}

// SetFlags changes which kinds are retained. Kinds that become disabled are
// purged. A kind that keeps only its partial flag loses its full entries;
// later upserts recreate them as partial stubs.
func (s *Store) SetFlags(f flags.CacheFlags) {
	s.flags.Store(uint64(f))

	for _, k := range Kinds {
		partial, full := k.flags()
		t := s.tables[k]
		t.mu.Lock()
		switch {
		case f&full != 0:
		case partial != 0 && f&partial != 0:
			for id, e := range t.entries {
				if _, ok := e.(Full); ok {
					delete(t.entries, id)
				}
			}
		default:
			clear(t.entries)
		}
		t.mu.Unlock()
	}
	s.logger.Debug("cache flags changed", "flags", f)
}

// mode reports whether a kind is retained and in which form.
func (s *Store) mode(k Kind) (enabled, full bool) {
	f := s.Flags()
	partial, fullFlag := k.flags()
	if f&fullFlag != 0 {
		return true, true
	}
	return partial != 0 && f&partial != 0, false
}

// Enabled reports whether a kind is retained at all.
func (s *Store) Enabled(k Kind) bool {
	enabled, _ := s.mode(k)
	return enabled
}

// Upsert stores or merges an entity. It returns false when the kind is
// disabled or the id is empty.
func (s *Store) Upsert(k Kind, id, guildID string, data []byte) bool {
	if id == "" || k < 0 || k >= kindCount {
		return false
	}
	t := s.tables[k]
	t.mu.Lock()
	defer t.mu.Unlock()

	// read under the table lock so a concurrent SetFlags purge cannot be undone
	enabled, full := s.mode(k)
	if !enabled {
		return false
	}

	existing, ok := t.entries[id]
	if ok && guildID == "" {
		guildID = existing.Guild()
	}

	switch prev := existing.(type) {
	case Full:
		// never downgrade a full entry
		t.entries[id] = Full{ID: id, GuildID: guildID, Data: merge(prev.Data, data)}
		return true
	case Partial:
		if full {
			t.entries[id] = Full{ID: id, GuildID: guildID, Data: merge(stubJSON(prev), data)}
			return true
		}
		name := partialName(k, data)
		if name == "" {
			name = prev.Name
		}
		t.entries[id] = Partial{ID: id, GuildID: guildID, Name: name}
		return true
	}

	if full {
		t.entries[id] = Full{ID: id, GuildID: guildID, Data: merge(nil, data)}
	} else {
		t.entries[id] = Partial{ID: id, GuildID: guildID, Name: partialName(k, data)}
	}
	return true
}

// Remove deletes an entity and reports whether it was present.
func (s *Store) Remove(k Kind, id string) bool {
	if k < 0 || k >= kindCount {
		return false
	}
	t := s.tables[k]
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Get returns the cached entity. Disabled kinds always report absent.
func (s *Store) Get(k Kind, id string) (Entry, bool) {
	if k < 0 || k >= kindCount || !s.Enabled(k) {
		return nil, false
	}
	t := s.tables[k]
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// Len returns how many entities of a kind are cached.
func (s *Store) Len(k Kind) int {
	if k < 0 || k >= kindCount || !s.Enabled(k) {
		return 0
	}
	t := s.tables[k]
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// List returns the entities of a kind that belong to a guild.
func (s *Store) List(k Kind, guildID string) []Entry {
	if k < 0 || k >= kindCount || !s.Enabled(k) {
		return nil
	}
	t := s.tables[k]
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Guild() == guildID {
			out = append(out, e)
		}
	}
	return out
}

// RemoveGuild evicts a guild and every entity that belongs to it.
func (s *Store) RemoveGuild(guildID string) int {
	removed := 0
	if s.Remove(KindGuild, guildID) {
		removed++
	}
	for _, k := range Kinds {
		if k == KindGuild {
			continue
		}
		t := s.tables[k]
		t.mu.Lock()
		for id, e := range t.entries {
			if e.Guild() == guildID {
				delete(t.entries, id)
				removed++
			}
		}
		t.mu.Unlock()
	}
	return removed
}

// merge applies the top-level fields of src onto a copy of dst. dst is never
// modified, so entries handed out by Get stay immutable.
func merge(dst, src []byte) []byte {
	srcResult := gjson.ParseBytes(src)
	if len(dst) == 0 || !gjson.ParseBytes(dst).IsObject() || !srcResult.IsObject() {
		return append([]byte(nil), src...)
	}

	out := append([]byte(nil), dst...)
	srcResult.ForEach(func(key, value gjson.Result) bool {
		next, err := sjson.SetRawBytes(out, escapeKey(key.String()), []byte(value.Raw))
		if err != nil {
			return true
		}
		out = next
		return true
	})
	return out
}

var keyEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapeKey(key string) string {
	return keyEscaper.Replace(key)
}

func partialName(k Kind, data []byte) string {
	switch k {
	case KindMember:
		fields := gjson.GetManyBytes(data, "nick", "user.global_name", "user.username")
		for _, f := range fields {
			if f.Type == gjson.String && f.String() != "" {
				return f.String()
			}
		}
		return ""
	case KindVoiceState, KindPresence:
		return ""
	default:
		return gjson.GetBytes(data, "name").String()
	}
}

func stubJSON(p Partial) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "id", p.ID)
	if p.Name != "" {
		out, _ = sjson.SetBytes(out, "name", p.Name)
	}
	return out
}
