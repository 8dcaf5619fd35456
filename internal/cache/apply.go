// ABOUTME: Maps gateway dispatch events onto cache upserts and removals
// ABOUTME: Guild payloads are split so child entities live in their own tables

package cache

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/coven-discord/internal/protocol"
)

// child arrays carried inside guild payloads and the kind each one feeds
var guildChildren = []struct {
	field string
	kind  Kind
	idKey string
}{
	{"channels", KindChannel, "id"},
	{"threads", KindThread, "id"},
	{"roles", KindRole, "id"},
	{"emojis", KindEmoji, "id"},
	{"stickers", KindSticker, "id"},
	{"members", KindMember, "user.id"},
	{"voice_states", KindVoiceState, "user_id"},
	{"presences", KindPresence, "user.id"},
}

// MemberKey is the cache id of guild-scoped per-user entities (members,
// voice states and presences).
func MemberKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// Apply updates the cache from a dispatch event. Events that do not touch
// cached entities are ignored.
func (s *Store) Apply(ev *protocol.Event) {
	data := []byte(ev.Data)

	switch ev.Name {
	case protocol.EventGuildCreate, protocol.EventGuildUpdate:
		if gjson.GetBytes(data, "unavailable").Bool() {
			return
		}
		s.applyGuild(data)

	case protocol.EventGuildDelete:
		// both outage and removal evict; an available guild comes back
		// through GUILD_CREATE with full data
		guildID := gjson.GetBytes(data, "id").String()
		if n := s.RemoveGuild(guildID); n > 0 {
			s.logger.Debug("evicted guild", "guild_id", guildID, "entities", n)
		}

	case protocol.EventGuildRoleCreate, protocol.EventGuildRoleUpdate:
		role := gjson.GetBytes(data, "role")
		s.Upsert(KindRole, role.Get("id").String(), gjson.GetBytes(data, "guild_id").String(), []byte(role.Raw))

	case protocol.EventGuildRoleDelete:
		s.Remove(KindRole, gjson.GetBytes(data, "role_id").String())

	case protocol.EventGuildMemberAdd, protocol.EventGuildMemberUpdate:
		guildID := gjson.GetBytes(data, "guild_id").String()
		s.Upsert(KindMember, MemberKey(guildID, gjson.GetBytes(data, "user.id").String()), guildID, data)

	case protocol.EventGuildMemberRemove:
		guildID := gjson.GetBytes(data, "guild_id").String()
		s.Remove(KindMember, MemberKey(guildID, gjson.GetBytes(data, "user.id").String()))

	case protocol.EventGuildMembersChunk:
		guildID := gjson.GetBytes(data, "guild_id").String()
		s.upsertChildren(KindMember, guildID, gjson.GetBytes(data, "members"), "user.id")
		s.upsertChildren(KindPresence, guildID, gjson.GetBytes(data, "presences"), "user.id")

	case protocol.EventGuildEmojisUpdate:
		s.replaceChildren(KindEmoji, data, "emojis")

	case protocol.EventGuildStickersUpdate:
		s.replaceChildren(KindSticker, data, "stickers")

	case protocol.EventChannelCreate, protocol.EventChannelUpdate:
		guildID := gjson.GetBytes(data, "guild_id").String()
		if guildID == "" {
			return
		}
		s.Upsert(KindChannel, gjson.GetBytes(data, "id").String(), guildID, data)

	case protocol.EventChannelDelete:
		s.Remove(KindChannel, gjson.GetBytes(data, "id").String())

	case protocol.EventThreadCreate, protocol.EventThreadUpdate:
		s.Upsert(KindThread, gjson.GetBytes(data, "id").String(), gjson.GetBytes(data, "guild_id").String(), data)

	case protocol.EventThreadDelete:
		s.Remove(KindThread, gjson.GetBytes(data, "id").String())

	case protocol.EventThreadListSync:
		guildID := gjson.GetBytes(data, "guild_id").String()
		s.upsertChildren(KindThread, guildID, gjson.GetBytes(data, "threads"), "id")

	case protocol.EventVoiceStateUpdate:
		fields := gjson.GetManyBytes(data, "guild_id", "user_id", "channel_id")
		guildID, userID := fields[0].String(), fields[1].String()
		if guildID == "" {
			return
		}
		if fields[2].Type == gjson.Null || !fields[2].Exists() {
			s.Remove(KindVoiceState, MemberKey(guildID, userID))
			return
		}
		s.Upsert(KindVoiceState, MemberKey(guildID, userID), guildID, data)

	case protocol.EventPresenceUpdate:
		guildID := gjson.GetBytes(data, "guild_id").String()
		if guildID == "" {
			return
		}
		s.Upsert(KindPresence, MemberKey(guildID, gjson.GetBytes(data, "user.id").String()), guildID, data)
	}
}

func (s *Store) applyGuild(data []byte) {
	guildID := gjson.GetBytes(data, "id").String()
	if guildID == "" {
		return
	}

	stripped := data
	for _, child := range guildChildren {
		arr := gjson.GetBytes(data, child.field)
		if !arr.Exists() {
			continue
		}
		s.upsertChildren(child.kind, guildID, arr, child.idKey)
		if next, err := sjson.DeleteBytes(stripped, child.field); err == nil {
			stripped = next
		}
	}
	s.Upsert(KindGuild, guildID, guildID, stripped)
}

func (s *Store) upsertChildren(k Kind, guildID string, arr gjson.Result, idKey string) {
	if !arr.IsArray() || !s.Enabled(k) {
		return
	}
	scoped := k == KindMember || k == KindVoiceState || k == KindPresence
	arr.ForEach(func(_, item gjson.Result) bool {
		id := item.Get(idKey).String()
		if scoped {
			id = MemberKey(guildID, id)
		}
		s.Upsert(k, id, guildID, []byte(item.Raw))
		return true
	})
}

// replaceChildren handles list updates that carry the complete set: entities
// missing from the new list are deleted, the rest are merged.
func (s *Store) replaceChildren(k Kind, data []byte, field string) {
	guildID := gjson.GetBytes(data, "guild_id").String()
	arr := gjson.GetBytes(data, field)
	if guildID == "" || !arr.IsArray() {
		return
	}

	keep := make(map[string]bool)
	arr.ForEach(func(_, item gjson.Result) bool {
		keep[item.Get("id").String()] = true
		return true
	})
	for _, e := range s.List(k, guildID) {
		if !keep[e.EntryID()] {
			s.Remove(k, e.EntryID())
		}
	}
	s.upsertChildren(k, guildID, arr, "id")
}
