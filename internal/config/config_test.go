// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-discord/internal/flags"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "discord.yaml", `
discord:
  token: "abc"
  intents: [guilds, guild_messages]
  cache: [guilds, partial_members]
  large_threshold: 100
  compress: true
  presence:
    status: idle
    activity_name: "shards"

shards:
  count: 4
  ids: [3, 1]
  max_concurrency: 2
  auto_restart: true
  restart_delay: "10s"
  shutdown_timeout: "3s"

session:
  hello_timeout: "5s"
  backoff_base: "500ms"
  backoff_max: "30s"
  max_failures: 4

sessions:
  path: "/tmp/sessions.db"
  max_age: "2m"

server:
  http_addr: "localhost:8090"
  grpc_addr: "localhost:50061"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Discord.Token != "abc" {
		t.Errorf("Discord.Token = %q, want %q", cfg.Discord.Token, "abc")
	}
	if cfg.Discord.IntentFlags != flags.IntentGuilds|flags.IntentGuildMessages {
		t.Errorf("Discord.IntentFlags = %v", cfg.Discord.IntentFlags)
	}
	if !cfg.Discord.CacheFlags.Has(flags.CacheGuilds | flags.CachePartialMembers) {
		t.Errorf("Discord.CacheFlags = %v", cfg.Discord.CacheFlags)
	}
	if cfg.Discord.LargeThreshold != 100 || !cfg.Discord.Compress {
		t.Errorf("unexpected discord settings: %+v", cfg.Discord)
	}
	if cfg.Discord.Presence.Status != "idle" {
		t.Errorf("Presence.Status = %q, want idle", cfg.Discord.Presence.Status)
	}
	if cfg.Shards.RestartDelay != 10*time.Second {
		t.Errorf("Shards.RestartDelay = %v, want 10s", cfg.Shards.RestartDelay)
	}
	if cfg.Shards.ShutdownTimeout != 3*time.Second {
		t.Errorf("Shards.ShutdownTimeout = %v, want 3s", cfg.Shards.ShutdownTimeout)
	}
	if cfg.Session.BackoffBase != 500*time.Millisecond || cfg.Session.BackoffMax != 30*time.Second {
		t.Errorf("unexpected backoff: base=%v max=%v", cfg.Session.BackoffBase, cfg.Session.BackoffMax)
	}
	if cfg.Sessions.MaxAge != 2*time.Minute {
		t.Errorf("Sessions.MaxAge = %v, want 2m", cfg.Sessions.MaxAge)
	}
	if got := cfg.ShardIDs(4); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("ShardIDs() = %v, want [1 3]", got)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "discord.yaml", "discord:\n  token: abc\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Discord.IntentFlags != flags.IntentsDefault {
		t.Errorf("IntentFlags = %v, want default intents", cfg.Discord.IntentFlags)
	}
	if cfg.Discord.CacheFlags != 0 {
		t.Errorf("CacheFlags = %v, want none", cfg.Discord.CacheFlags)
	}
	if cfg.Discord.APIVersion != 10 || cfg.Discord.LargeThreshold != 250 {
		t.Errorf("unexpected discord defaults: %+v", cfg.Discord)
	}
	if cfg.Shards.IdentifyCooldown != 5*time.Second {
		t.Errorf("IdentifyCooldown = %v, want 5s", cfg.Shards.IdentifyCooldown)
	}
	if cfg.Session.HelloTimeout != 20*time.Second || cfg.Session.HandshakeTimeout != 30*time.Second {
		t.Errorf("unexpected handshake defaults: %+v", cfg.Session)
	}
	if cfg.Session.MaxFailures != 10 || cfg.Session.SendPerMinute != 110 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
	if got := cfg.ShardIDs(3); len(got) != 3 || got[2] != 2 {
		t.Errorf("ShardIDs() = %v, want [0 1 2]", got)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "discord.toml", `
[discord]
token = "abc"
intents = ["all"]

[shards]
count = 2
shutdown_timeout = "4s"

[logging]
level = "warn"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.IntentFlags != flags.IntentsAll {
		t.Errorf("IntentFlags = %v, want all", cfg.Discord.IntentFlags)
	}
	if cfg.Shards.Count != 2 || cfg.Shards.ShutdownTimeout != 4*time.Second {
		t.Errorf("unexpected shards: %+v", cfg.Shards)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DISCORD_TOKEN", "from-env")

	cfg, err := Load(writeConfig(t, "discord.yaml", "discord:\n  token: \"${TEST_DISCORD_TOKEN}\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("Discord.Token = %q, want from-env", cfg.Discord.Token)
	}
}

func TestLoad_UnsetEnvVarFailsValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "discord.yaml", "discord:\n  token: \"${COVEN_DISCORD_SURELY_UNSET}\"\n"))
	if err == nil || !strings.Contains(err.Error(), "discord.token is required") {
		t.Errorf("expected token validation error, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad yaml",
			content: "discord: [",
			wantErr: "parsing config file",
		},
		{
			name:    "bad duration",
			content: "discord:\n  token: a\nsession:\n  hello_timeout: soon\n",
			wantErr: "session.hello_timeout",
		},
		{
			name:    "negative duration",
			content: "discord:\n  token: a\nshards:\n  restart_delay: -1s\n",
			wantErr: "must not be negative",
		},
		{
			name:    "unknown intent",
			content: "discord:\n  token: a\n  intents: [guilds, telepathy]\n",
			wantErr: "unknown intent",
		},
		{
			name:    "unknown cache flag",
			content: "discord:\n  token: a\n  cache: [souls]\n",
			wantErr: "unknown cache flag",
		},
		{
			name:    "ids without count",
			content: "discord:\n  token: a\nshards:\n  ids: [0]\n",
			wantErr: "shards.count is required",
		},
		{
			name:    "id out of range",
			content: "discord:\n  token: a\nshards:\n  count: 2\n  ids: [2]\n",
			wantErr: "outside [0, 2)",
		},
		{
			name:    "duplicate id",
			content: "discord:\n  token: a\nshards:\n  count: 2\n  ids: [1, 1]\n",
			wantErr: "listed twice",
		},
		{
			name:    "backoff max below base",
			content: "discord:\n  token: a\nsession:\n  backoff_base: 10s\n  backoff_max: 1s\n",
			wantErr: "backoff_max",
		},
		{
			name:    "gateway url scheme",
			content: "discord:\n  token: a\n  gateway_url: http://gateway\n",
			wantErr: "ws or wss",
		},
		{
			name:    "large threshold",
			content: "discord:\n  token: a\n  large_threshold: 10\n",
			wantErr: "large_threshold",
		},
		{
			name:    "tailscale hostname",
			content: "discord:\n  token: a\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "log level",
			content: "discord:\n  token: a\nlogging:\n  level: loud\n",
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "discord.yaml", tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("A_VAR", "x")
	if got := expandEnvVars("${A_VAR}-${NOT_SET_VAR_123}-$A_VAR"); got != "x--$A_VAR" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}
