// ABOUTME: Gateway intents bitset and the event-to-intent ownership table
// ABOUTME: The dispatch router uses RequiredIntents to filter deliveries

package flags

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Intents is the capability bitset sent in Identify.
type Intents uint64

const (
	IntentGuilds                      Intents = 1 << 0
	IntentGuildMembers                Intents = 1 << 1
	IntentGuildModeration             Intents = 1 << 2
	IntentGuildExpressions            Intents = 1 << 3
	IntentGuildIntegrations           Intents = 1 << 4
	IntentGuildWebhooks               Intents = 1 << 5
	IntentGuildInvites                Intents = 1 << 6
	IntentGuildVoiceStates            Intents = 1 << 7
	IntentGuildPresences              Intents = 1 << 8
	IntentGuildMessages               Intents = 1 << 9
	IntentGuildMessageReactions       Intents = 1 << 10
	IntentGuildMessageTyping          Intents = 1 << 11
	IntentDirectMessages              Intents = 1 << 12
	IntentDirectMessageReactions      Intents = 1 << 13
	IntentDirectMessageTyping         Intents = 1 << 14
	IntentMessageContent              Intents = 1 << 15
	IntentGuildScheduledEvents        Intents = 1 << 16
	IntentAutoModerationConfiguration Intents = 1 << 20
	IntentAutoModerationExecution     Intents = 1 << 21
	IntentGuildMessagePolls           Intents = 1 << 24
	IntentDirectMessagePolls          Intents = 1 << 25
)

var intentNames = map[string]Intents{
	"guilds":                        IntentGuilds,
	"guild_members":                 IntentGuildMembers,
	"guild_moderation":              IntentGuildModeration,
	"guild_expressions":             IntentGuildExpressions,
	"guild_integrations":            IntentGuildIntegrations,
	"guild_webhooks":                IntentGuildWebhooks,
	"guild_invites":                 IntentGuildInvites,
	"guild_voice_states":            IntentGuildVoiceStates,
	"guild_presences":               IntentGuildPresences,
	"guild_messages":                IntentGuildMessages,
	"guild_message_reactions":       IntentGuildMessageReactions,
	"guild_message_typing":          IntentGuildMessageTyping,
	"direct_messages":               IntentDirectMessages,
	"direct_message_reactions":      IntentDirectMessageReactions,
	"direct_message_typing":         IntentDirectMessageTyping,
	"message_content":               IntentMessageContent,
	"guild_scheduled_events":        IntentGuildScheduledEvents,
	"auto_moderation_configuration": IntentAutoModerationConfiguration,
	"auto_moderation_execution":     IntentAutoModerationExecution,
	"guild_message_polls":           IntentGuildMessagePolls,
	"direct_message_polls":          IntentDirectMessagePolls,
}

// IntentsDefault is every non-privileged intent.
var IntentsDefault = IntentsAll &^ (IntentGuildMembers | IntentGuildPresences | IntentMessageContent)

// IntentsAll is every known intent.
var IntentsAll = func() Intents {
	var all Intents
	for _, v := range intentNames {
		all |= v
	}
	return all
}()

// ParseIntents builds an Intents set from config names. "all" and "default"
// are accepted as shorthands.
func ParseIntents(names []string) (Intents, error) {
	var out Intents
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "all":
			out |= IntentsAll
			continue
		case "default":
			out |= IntentsDefault
			continue
		}
		v, ok := intentNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", raw)
		}
		out |= v
	}
	return out, nil
}

// Has reports whether every bit of want is set.
func (i Intents) Has(want Intents) bool {
	return i&want == want
}

// Any reports whether at least one bit of want is set.
func (i Intents) Any(want Intents) bool {
	return i&want != 0
}

func (i Intents) String() string {
	return bitNames(uint64(i), intentNames)
}

// Event ownership. A zero entry means the event is always delivered.
var eventIntents = map[string]Intents{
	"GUILD_CREATE":                           IntentGuilds,
	"GUILD_UPDATE":                           IntentGuilds,
	"GUILD_DELETE":                           IntentGuilds,
	"GUILD_AVAILABLE":                        IntentGuilds,
	"GUILD_UNAVAILABLE":                      IntentGuilds,
	"GUILD_ROLE_CREATE":                      IntentGuilds,
	"GUILD_ROLE_UPDATE":                      IntentGuilds,
	"GUILD_ROLE_DELETE":                      IntentGuilds,
	"CHANNEL_CREATE":                         IntentGuilds,
	"CHANNEL_UPDATE":                         IntentGuilds,
	"CHANNEL_DELETE":                         IntentGuilds,
	"THREAD_CREATE":                          IntentGuilds,
	"THREAD_UPDATE":                          IntentGuilds,
	"THREAD_DELETE":                          IntentGuilds,
	"THREAD_LIST_SYNC":                       IntentGuilds,
	"THREAD_MEMBER_UPDATE":                   IntentGuilds,
	"STAGE_INSTANCE_CREATE":                  IntentGuilds,
	"STAGE_INSTANCE_UPDATE":                  IntentGuilds,
	"STAGE_INSTANCE_DELETE":                  IntentGuilds,
	"GUILD_MEMBER_ADD":                       IntentGuildMembers,
	"GUILD_MEMBER_UPDATE":                    IntentGuildMembers,
	"GUILD_MEMBER_REMOVE":                    IntentGuildMembers,
	"THREAD_MEMBERS_UPDATE":                  IntentGuildMembers,
	"GUILD_AUDIT_LOG_ENTRY_CREATE":           IntentGuildModeration,
	"GUILD_BAN_ADD":                          IntentGuildModeration,
	"GUILD_BAN_REMOVE":                       IntentGuildModeration,
	"GUILD_EMOJIS_UPDATE":                    IntentGuildExpressions,
	"GUILD_STICKERS_UPDATE":                  IntentGuildExpressions,
	"GUILD_SOUNDBOARD_SOUND_CREATE":          IntentGuildExpressions,
	"GUILD_SOUNDBOARD_SOUND_UPDATE":          IntentGuildExpressions,
	"GUILD_SOUNDBOARD_SOUND_DELETE":          IntentGuildExpressions,
	"GUILD_INTEGRATIONS_UPDATE":              IntentGuildIntegrations,
	"INTEGRATION_CREATE":                     IntentGuildIntegrations,
	"INTEGRATION_UPDATE":                     IntentGuildIntegrations,
	"INTEGRATION_DELETE":                     IntentGuildIntegrations,
	"WEBHOOKS_UPDATE":                        IntentGuildWebhooks,
	"INVITE_CREATE":                          IntentGuildInvites,
	"INVITE_DELETE":                          IntentGuildInvites,
	"VOICE_STATE_UPDATE":                     IntentGuildVoiceStates,
	"PRESENCE_UPDATE":                        IntentGuildPresences,
	"GUILD_SCHEDULED_EVENT_CREATE":           IntentGuildScheduledEvents,
	"GUILD_SCHEDULED_EVENT_UPDATE":           IntentGuildScheduledEvents,
	"GUILD_SCHEDULED_EVENT_DELETE":           IntentGuildScheduledEvents,
	"GUILD_SCHEDULED_EVENT_USER_ADD":         IntentGuildScheduledEvents,
	"GUILD_SCHEDULED_EVENT_USER_REMOVE":      IntentGuildScheduledEvents,
	"AUTO_MODERATION_RULE_CREATE":            IntentAutoModerationConfiguration,
	"AUTO_MODERATION_RULE_UPDATE":            IntentAutoModerationConfiguration,
	"AUTO_MODERATION_RULE_DELETE":            IntentAutoModerationConfiguration,
	"AUTO_MODERATION_ACTION_EXECUTION":       IntentAutoModerationExecution,
}

// Events whose owning intent depends on whether they happened in a guild.
var splitIntents = map[string][2]Intents{
	"MESSAGE_CREATE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_UPDATE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_DELETE":                {IntentGuildMessages, IntentDirectMessages},
	"MESSAGE_DELETE_BULK":           {IntentGuildMessages, IntentGuildMessages},
	"CHANNEL_PINS_UPDATE":           {IntentGuilds, IntentDirectMessages},
	"MESSAGE_REACTION_ADD":          {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE":       {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE_ALL":   {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"MESSAGE_REACTION_REMOVE_EMOJI": {IntentGuildMessageReactions, IntentDirectMessageReactions},
	"TYPING_START":                  {IntentGuildMessageTyping, IntentDirectMessageTyping},
	"MESSAGE_POLL_VOTE_ADD":         {IntentGuildMessagePolls, IntentDirectMessagePolls},
	"MESSAGE_POLL_VOTE_REMOVE":      {IntentGuildMessagePolls, IntentDirectMessagePolls},
}

// RequiredIntents returns the intent that owns an event. data is the raw
// payload, consulted only for events that exist both in guilds and in DMs.
// Zero means the event is not gated by any intent.
func RequiredIntents(name string, data []byte) Intents {
	if v, ok := eventIntents[name]; ok {
		return v
	}
	if pair, ok := splitIntents[name]; ok {
		if gjson.GetBytes(data, "guild_id").Exists() {
			return pair[0]
		}
		return pair[1]
	}
	return 0
}

func bitNames[T ~uint64](v uint64, names map[string]T) string {
	if v == 0 {
		return "none"
	}
	var out []string
	for name, bit := range names {
		if v&uint64(bit) != 0 && bits.OnesCount64(uint64(bit)) == 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return strings.Join(out, "|")
}
