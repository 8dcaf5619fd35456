// ABOUTME: Gateway opcodes and close codes with their resume/reidentify classification
// ABOUTME: Shared by the codec, the shard session state machine, and tests

package protocol

import "fmt"

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpVoicePing           Opcode = 5
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
	OpGuildSync           Opcode = 12
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "dispatch",
	OpHeartbeat:           "heartbeat",
	OpIdentify:            "identify",
	OpPresenceUpdate:      "presence_update",
	OpVoiceStateUpdate:    "voice_state_update",
	OpVoicePing:           "voice_ping",
	OpResume:              "resume",
	OpReconnect:           "reconnect",
	OpRequestGuildMembers: "request_guild_members",
	OpInvalidSession:      "invalid_session",
	OpHello:               "hello",
	OpHeartbeatAck:        "heartbeat_ack",
	OpGuildSync:           "guild_sync",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

// Close codes sent by the gateway (4xxx) or used locally (1xxx).
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseServiceRestart       = 1012
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CloseAction describes what a shard must do after its transport closed.
type CloseAction int

const (
	// CloseActionResume keeps the session id and sequence and resumes.
	CloseActionResume CloseAction = iota
	// CloseActionReidentify clears session state; the next handshake is a fresh Identify.
	CloseActionReidentify
	// CloseActionFatal means reconnecting cannot succeed without operator action.
	CloseActionFatal
)

func (a CloseAction) String() string {
	switch a {
	case CloseActionResume:
		return "resume"
	case CloseActionReidentify:
		return "reidentify"
	case CloseActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyClose maps a close code to the action the shard takes.
// Code 0 means the connection dropped without a close frame.
func ClassifyClose(code int) CloseAction {
	switch code {
	case CloseNormal, CloseGoingAway, CloseInvalidSeq, CloseSessionTimedOut:
		return CloseActionReidentify
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return CloseActionFatal
	default:
		return CloseActionResume
	}
}
