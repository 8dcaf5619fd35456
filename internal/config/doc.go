// Package config handles configuration loading for coven-discord.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends
// in .toml) with environment variable expansion. Load applies defaults and
// validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DISCORD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/discord.yaml
//  3. ~/.config/coven/discord.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	discord:
//	  token: "${DISCORD_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  hello_timeout: "20s"
//	  backoff_max: "1m"
//
// # Configuration Sections
//
// Discord credentials and subscription:
//
//	discord:
//	  token: "${DISCORD_TOKEN}"       # required
//	  intents: [default, message_content]
//	  cache: [guilds, channels, partial_members]
//	  large_threshold: 250
//	  compress: false
//	  presence:
//	    status: online
//	    activity_name: "the gateway"
//	    activity_type: 3
//
// Shard supervision:
//
//	shards:
//	  count: 0                 # 0 uses the recommended count
//	  ids: []                  # subset of [0, count) to run here
//	  max_concurrency: 0       # 0 uses the value from /gateway/bot
//	  identify_cooldown: "5s"
//	  auto_restart: false
//	  restart_delay: "30s"
//	  shutdown_timeout: "10s"
//	  guild_ready_timeout: "2s"
//
// Per-connection timing:
//
//	session:
//	  hello_timeout: "20s"
//	  handshake_timeout: "30s"
//	  backoff_base: "1s"
//	  backoff_max: "1m"
//	  max_failures: 10
//	  send_per_minute: 110
//
// Resume snapshots (empty path disables persistence):
//
//	sessions:
//	  path: "~/.local/share/coven/discord-sessions.db"
//	  max_age: "5m"
//
// Status server and logging:
//
//	server:
//	  http_addr: "localhost:8090"
//	  grpc_addr: "localhost:50061"
//	tailscale:
//	  enabled: false
//	  hostname: "coven-discord"
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text or json
package config
