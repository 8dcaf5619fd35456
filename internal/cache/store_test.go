package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-discord/internal/flags"
	"github.com/2389/coven-discord/internal/protocol"
)

func fullData(t *testing.T, e Entry) string {
	t.Helper()
	f, ok := e.(Full)
	require.True(t, ok, "expected Full entry, got %T", e)
	return string(f.Data)
}

func TestUpsert_MergesFields(t *testing.T) {
	s := New(flags.CacheAll, nil)

	require.True(t, s.Upsert(KindChannel, "10", "1", []byte(`{"id":"10","name":"general","topic":"hi"}`)))
	require.True(t, s.Upsert(KindChannel, "10", "", []byte(`{"id":"10","name":"chat","nsfw":false}`)))

	e, ok := s.Get(KindChannel, "10")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"10","name":"chat","topic":"hi","nsfw":false}`, fullData(t, e))
	assert.Equal(t, "1", e.Guild(), "guild id kept from the first upsert")
}

func TestUpsert_Idempotent(t *testing.T) {
	s := New(flags.CacheAll, nil)
	payload := []byte(`{"id":"5","name":"mods","permissions":"8","color":0}`)

	s.Upsert(KindRole, "5", "1", payload)
	e1, _ := s.Get(KindRole, "5")
	once := fullData(t, e1)

	s.Upsert(KindRole, "5", "1", payload)
	e2, _ := s.Get(KindRole, "5")
	assert.Equal(t, once, fullData(t, e2))
}

func TestUpsert_DoesNotMutateReturnedEntries(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1","name":"a"}`))
	before, _ := s.Get(KindGuild, "1")
	snapshot := fullData(t, before)

	s.Upsert(KindGuild, "1", "1", []byte(`{"name":"b","icon":"x"}`))
	assert.Equal(t, snapshot, fullData(t, before))
}

func TestUpsert_PartialStubs(t *testing.T) {
	s := New(flags.CachePartialGuilds|flags.CachePartialMembers, nil)

	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1","name":"Coven","region":"eu"}`))
	e, ok := s.Get(KindGuild, "1")
	require.True(t, ok)
	assert.Equal(t, Partial{ID: "1", GuildID: "1", Name: "Coven"}, e)

	// later data without a name keeps the known one
	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1","icon":"abc"}`))
	e, _ = s.Get(KindGuild, "1")
	assert.Equal(t, "Coven", e.(Partial).Name)

	s.Upsert(KindMember, MemberKey("1", "7"), "1", []byte(`{"user":{"id":"7","username":"harper"}}`))
	e, _ = s.Get(KindMember, MemberKey("1", "7"))
	assert.Equal(t, "harper", e.(Partial).Name)
}

func TestUpsert_PartialUpgradesToFull(t *testing.T) {
	s := New(flags.CachePartialRoles, nil)
	s.Upsert(KindRole, "5", "1", []byte(`{"id":"5","name":"mods"}`))

	s.SetFlags(flags.CachePartialRoles | flags.CacheRoles)
	s.Upsert(KindRole, "5", "1", []byte(`{"color":3}`))

	e, ok := s.Get(KindRole, "5")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"5","name":"mods","color":3}`, fullData(t, e))
}

func TestDisabledKindIsAbsent(t *testing.T) {
	s := New(flags.CacheGuilds, nil)

	assert.False(t, s.Upsert(KindMember, "1:2", "1", []byte(`{}`)))
	_, ok := s.Get(KindMember, "1:2")
	assert.False(t, ok)
	assert.Zero(t, s.Len(KindMember))
	assert.False(t, s.Upsert(KindGuild, "", "", []byte(`{}`)))
}

func TestSetFlags_DisablePurges(t *testing.T) {
	s := New(flags.CacheGuilds|flags.CacheChannels, nil)
	s.Upsert(KindChannel, "10", "1", []byte(`{"id":"10"}`))
	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1"}`))

	s.SetFlags(flags.CacheGuilds)

	_, ok := s.Get(KindChannel, "10")
	assert.False(t, ok)
	_, ok = s.Get(KindGuild, "1")
	assert.True(t, ok)

	// re-enabling does not resurrect purged entries
	s.SetFlags(flags.CacheGuilds | flags.CacheChannels)
	_, ok = s.Get(KindChannel, "10")
	assert.False(t, ok)
}

func TestSetFlags_FullToPartialDropsFullEntries(t *testing.T) {
	s := New(flags.CacheGuilds|flags.CachePartialGuilds, nil)
	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1","name":"a"}`))

	s.SetFlags(flags.CachePartialGuilds)
	_, ok := s.Get(KindGuild, "1")
	assert.False(t, ok)

	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1","name":"a"}`))
	e, ok := s.Get(KindGuild, "1")
	require.True(t, ok)
	assert.IsType(t, Partial{}, e)
}

func TestRemoveAndRemoveGuild(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Upsert(KindGuild, "1", "1", []byte(`{"id":"1"}`))
	s.Upsert(KindChannel, "10", "1", []byte(`{"id":"10"}`))
	s.Upsert(KindChannel, "20", "2", []byte(`{"id":"20"}`))
	s.Upsert(KindMember, MemberKey("1", "7"), "1", []byte(`{}`))

	assert.True(t, s.Remove(KindChannel, "20"))
	assert.False(t, s.Remove(KindChannel, "20"))

	assert.Equal(t, 3, s.RemoveGuild("1"))
	assert.Zero(t, s.Len(KindGuild))
	assert.Zero(t, s.Len(KindChannel))
	assert.Zero(t, s.Len(KindMember))
}

func TestConcurrentAccess(t *testing.T) {
	s := New(flags.CacheAll, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprint(i % 20)
				s.Upsert(KindChannel, id, "1", []byte(fmt.Sprintf(`{"id":%q,"w%d":%d}`, id, w, i)))
				s.Get(KindChannel, id)
				s.List(KindChannel, "1")
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len(KindChannel))
}

func TestSetFlags_RacingUpsertsNeverLeaveFullEntries(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := New(flags.CacheChannels|flags.CachePartialChannels, nil)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					id := fmt.Sprint(w*100 + i)
					s.Upsert(KindChannel, id, "1", []byte(fmt.Sprintf(`{"id":%q,"name":"c"}`, id)))
				}
			}(w)
		}
		close(start)
		s.SetFlags(flags.CachePartialChannels)
		wg.Wait()

		for _, e := range s.List(KindChannel, "1") {
			_, full := e.(Full)
			require.False(t, full, "round %d: channel %s kept its full form after the full flag was cleared", round, e.EntryID())
		}
	}
}

func TestMerge_EscapesKeys(t *testing.T) {
	out := merge([]byte(`{"a":1}`), []byte(`{"b.c":2,"a":3}`))
	assert.JSONEq(t, `{"a":3,"b.c":2}`, string(out))

	// non-object payloads replace
	assert.Equal(t, `[1]`, string(merge([]byte(`{"a":1}`), []byte(`[1]`))))
}

func event(name, data string) *protocol.Event {
	return &protocol.Event{Name: name, Data: []byte(data)}
}

func TestApply_GuildCreateSplitsChildren(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Apply(event(protocol.EventGuildCreate, `{
		"id":"1","name":"Coven",
		"channels":[{"id":"10","name":"general"}],
		"roles":[{"id":"5","name":"mods"}],
		"members":[{"user":{"id":"7","username":"harper"},"nick":"h"}],
		"voice_states":[{"user_id":"7","channel_id":"10"}],
		"presences":[{"user":{"id":"7"},"status":"online"}]
	}`))

	g, ok := s.Get(KindGuild, "1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"1","name":"Coven"}`, fullData(t, g))

	_, ok = s.Get(KindChannel, "10")
	assert.True(t, ok)
	_, ok = s.Get(KindRole, "5")
	assert.True(t, ok)
	_, ok = s.Get(KindMember, MemberKey("1", "7"))
	assert.True(t, ok)
	_, ok = s.Get(KindVoiceState, MemberKey("1", "7"))
	assert.True(t, ok)
	p, ok := s.Get(KindPresence, MemberKey("1", "7"))
	require.True(t, ok)
	assert.Equal(t, "1", p.Guild())
}

func TestApply_UnavailableGuildCreateIgnored(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Apply(event(protocol.EventGuildCreate, `{"id":"1","unavailable":true}`))
	assert.Zero(t, s.Len(KindGuild))
}

func TestApply_GuildDeleteEvicts(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Apply(event(protocol.EventGuildCreate, `{"id":"1","channels":[{"id":"10"}]}`))
	s.Apply(event(protocol.EventGuildDelete, `{"id":"1","unavailable":true}`))

	assert.Zero(t, s.Len(KindGuild))
	assert.Zero(t, s.Len(KindChannel))
}

func TestApply_EntityEvents(t *testing.T) {
	s := New(flags.CacheAll, nil)

	s.Apply(event(protocol.EventGuildRoleCreate, `{"guild_id":"1","role":{"id":"5","name":"a"}}`))
	s.Apply(event(protocol.EventGuildRoleUpdate, `{"guild_id":"1","role":{"id":"5","color":2}}`))
	r, _ := s.Get(KindRole, "5")
	assert.JSONEq(t, `{"id":"5","name":"a","color":2}`, fullData(t, r))
	s.Apply(event(protocol.EventGuildRoleDelete, `{"guild_id":"1","role_id":"5"}`))
	assert.Zero(t, s.Len(KindRole))

	s.Apply(event(protocol.EventGuildMemberAdd, `{"guild_id":"1","user":{"id":"7"},"nick":"a"}`))
	s.Apply(event(protocol.EventGuildMemberUpdate, `{"guild_id":"1","user":{"id":"7"},"nick":"b"}`))
	m, _ := s.Get(KindMember, MemberKey("1", "7"))
	assert.Contains(t, fullData(t, m), `"nick":"b"`)
	s.Apply(event(protocol.EventGuildMemberRemove, `{"guild_id":"1","user":{"id":"7"}}`))
	assert.Zero(t, s.Len(KindMember))

	s.Apply(event(protocol.EventChannelCreate, `{"id":"10","guild_id":"1"}`))
	s.Apply(event(protocol.EventChannelCreate, `{"id":"99","type":1}`)) // DM, not cached
	assert.Equal(t, 1, s.Len(KindChannel))
	s.Apply(event(protocol.EventChannelDelete, `{"id":"10","guild_id":"1"}`))
	assert.Zero(t, s.Len(KindChannel))

	s.Apply(event(protocol.EventThreadListSync, `{"guild_id":"1","threads":[{"id":"30"},{"id":"31"}]}`))
	assert.Equal(t, 2, s.Len(KindThread))
	s.Apply(event(protocol.EventThreadDelete, `{"id":"30","guild_id":"1"}`))
	assert.Equal(t, 1, s.Len(KindThread))

	s.Apply(event(protocol.EventVoiceStateUpdate, `{"guild_id":"1","user_id":"7","channel_id":"10"}`))
	assert.Equal(t, 1, s.Len(KindVoiceState))
	s.Apply(event(protocol.EventVoiceStateUpdate, `{"guild_id":"1","user_id":"7","channel_id":null}`))
	assert.Zero(t, s.Len(KindVoiceState))
}

func TestApply_EmojiListReplacesSet(t *testing.T) {
	s := New(flags.CacheAll, nil)
	s.Apply(event(protocol.EventGuildEmojisUpdate, `{"guild_id":"1","emojis":[{"id":"a"},{"id":"b"}]}`))
	s.Apply(event(protocol.EventGuildEmojisUpdate, `{"guild_id":"1","emojis":[{"id":"b","name":"bee"}]}`))

	assert.Equal(t, 1, s.Len(KindEmoji))
	_, ok := s.Get(KindEmoji, "a")
	assert.False(t, ok)
}

func TestApply_MembersChunk(t *testing.T) {
	s := New(flags.CacheMembers|flags.CachePresences, nil)
	s.Apply(event(protocol.EventGuildMembersChunk, `{
		"guild_id":"1","chunk_index":0,"chunk_count":1,
		"members":[{"user":{"id":"7"}},{"user":{"id":"8"}}],
		"presences":[{"user":{"id":"7"},"status":"idle"}]
	}`))
	assert.Equal(t, 2, s.Len(KindMember))
	assert.Equal(t, 1, s.Len(KindPresence))
}
