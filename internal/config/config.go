// ABOUTME: Configuration loading and parsing for coven-discord
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-discord/internal/flags"
)

// Config represents the complete coven-discord configuration
type Config struct {
	Discord   DiscordConfig   `yaml:"discord" toml:"discord"`
	Shards    ShardsConfig    `yaml:"shards" toml:"shards"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DiscordConfig holds the bot credentials and gateway subscription.
type DiscordConfig struct {
	Token          string         `yaml:"token" toml:"token"`
	APIURL         string         `yaml:"api_url" toml:"api_url"`
	APIVersion     int            `yaml:"api_version" toml:"api_version"`
	GatewayURL     string         `yaml:"gateway_url" toml:"gateway_url"` // overrides the URL from /gateway/bot
	Intents        []string       `yaml:"intents" toml:"intents"`
	Cache          []string       `yaml:"cache" toml:"cache"`
	LargeThreshold int            `yaml:"large_threshold" toml:"large_threshold"`
	Compress       bool           `yaml:"compress" toml:"compress"`
	Presence       PresenceConfig `yaml:"presence" toml:"presence"`

	// Parsed from Intents and Cache
	IntentFlags flags.Intents    `yaml:"-" toml:"-"`
	CacheFlags  flags.CacheFlags `yaml:"-" toml:"-"`
}

// PresenceConfig is the presence sent with identify.
type PresenceConfig struct {
	Status       string `yaml:"status" toml:"status"`
	ActivityName string `yaml:"activity_name" toml:"activity_name"`
	ActivityType int    `yaml:"activity_type" toml:"activity_type"`
}

// ShardsConfig controls how many shards run and how they are supervised.
type ShardsConfig struct {
	Count          int   `yaml:"count" toml:"count"` // 0 uses the recommended count
	IDs            []int `yaml:"ids" toml:"ids"`     // empty runs every shard
	MaxConcurrency int   `yaml:"max_concurrency" toml:"max_concurrency"`
	AutoRestart    bool  `yaml:"auto_restart" toml:"auto_restart"`

	IdentifyCooldown  time.Duration `yaml:"-" toml:"-"`
	RestartDelay      time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`
	GuildReadyTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdentifyCooldownRaw  string `yaml:"identify_cooldown" toml:"identify_cooldown"`
	RestartDelayRaw      string `yaml:"restart_delay" toml:"restart_delay"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	GuildReadyTimeoutRaw string `yaml:"guild_ready_timeout" toml:"guild_ready_timeout"`
}

// SessionConfig holds per-connection timing.
type SessionConfig struct {
	MaxFailures   int `yaml:"max_failures" toml:"max_failures"`
	SendPerMinute int `yaml:"send_per_minute" toml:"send_per_minute"`

	HelloTimeout     time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	BackoffBase      time.Duration `yaml:"-" toml:"-"`
	BackoffMax       time.Duration `yaml:"-" toml:"-"`

	HelloTimeoutRaw     string `yaml:"hello_timeout" toml:"hello_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	BackoffBaseRaw      string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw       string `yaml:"backoff_max" toml:"backoff_max"`
}

// SessionsConfig holds resume snapshot persistence. An empty path disables it.
type SessionsConfig struct {
	Path   string        `yaml:"path" toml:"path"`
	MaxAge time.Duration `yaml:"-" toml:"-"`

	MaxAgeRaw string `yaml:"max_age" toml:"max_age"`
}

// ServerConfig holds status server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := parseFlags(&cfg); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Discord.APIVersion == 0 {
		c.Discord.APIVersion = 10
	}
	if c.Discord.LargeThreshold == 0 {
		c.Discord.LargeThreshold = 250
	}
	if c.Shards.IdentifyCooldown == 0 {
		c.Shards.IdentifyCooldown = 5 * time.Second
	}
	if c.Shards.RestartDelay == 0 {
		c.Shards.RestartDelay = 30 * time.Second
	}
	if c.Shards.ShutdownTimeout == 0 {
		c.Shards.ShutdownTimeout = 10 * time.Second
	}
	if c.Shards.GuildReadyTimeout == 0 {
		c.Shards.GuildReadyTimeout = 2 * time.Second
	}
	if c.Session.HelloTimeout == 0 {
		c.Session.HelloTimeout = 20 * time.Second
	}
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = 30 * time.Second
	}
	if c.Session.BackoffBase == 0 {
		c.Session.BackoffBase = time.Second
	}
	if c.Session.BackoffMax == 0 {
		c.Session.BackoffMax = time.Minute
	}
	if c.Session.MaxFailures == 0 {
		c.Session.MaxFailures = 10
	}
	if c.Session.SendPerMinute == 0 {
		c.Session.SendPerMinute = 110
	}
	if c.Sessions.MaxAge == 0 {
		c.Sessions.MaxAge = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if c.Discord.APIURL != "" {
		if u, err := url.Parse(c.Discord.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("discord.api_url must be an http or https URL")
		}
	}
	if c.Discord.GatewayURL != "" {
		if u, err := url.Parse(c.Discord.GatewayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("discord.gateway_url must be a ws or wss URL")
		}
	}
	if c.Discord.LargeThreshold < 50 || c.Discord.LargeThreshold > 250 {
		return fmt.Errorf("discord.large_threshold must be between 50 and 250")
	}

	if c.Shards.Count < 0 {
		return fmt.Errorf("shards.count must not be negative")
	}
	if len(c.Shards.IDs) > 0 && c.Shards.Count == 0 {
		return fmt.Errorf("shards.count is required when shards.ids is set")
	}
	seen := make(map[int]bool, len(c.Shards.IDs))
	for _, id := range c.Shards.IDs {
		if id < 0 || id >= c.Shards.Count {
			return fmt.Errorf("shards.ids: %d is outside [0, %d)", id, c.Shards.Count)
		}
		if seen[id] {
			return fmt.Errorf("shards.ids: %d is listed twice", id)
		}
		seen[id] = true
	}
	if c.Shards.MaxConcurrency < 0 {
		return fmt.Errorf("shards.max_concurrency must not be negative")
	}

	if c.Session.BackoffMax < c.Session.BackoffBase {
		return fmt.Errorf("session.backoff_max must be at least session.backoff_base")
	}
	if c.Session.MaxFailures < 1 {
		return fmt.Errorf("session.max_failures must be positive")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// ShardIDs returns the shard ids this process runs for the given total.
func (c *Config) ShardIDs(count int) []int {
	if len(c.Shards.IDs) > 0 {
		ids := slices.Clone(c.Shards.IDs)
		slices.Sort(ids)
		return ids
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func parseFlags(cfg *Config) error {
	intents := cfg.Discord.Intents
	if len(intents) == 0 {
		intents = []string{"default"}
	}
	var err error
	cfg.Discord.IntentFlags, err = flags.ParseIntents(intents)
	if err != nil {
		return fmt.Errorf("discord.intents: %w", err)
	}
	cfg.Discord.CacheFlags, err = flags.ParseCacheFlags(cfg.Discord.Cache)
	if err != nil {
		return fmt.Errorf("discord.cache: %w", err)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shards.identify_cooldown", cfg.Shards.IdentifyCooldownRaw, &cfg.Shards.IdentifyCooldown},
		{"shards.restart_delay", cfg.Shards.RestartDelayRaw, &cfg.Shards.RestartDelay},
		{"shards.shutdown_timeout", cfg.Shards.ShutdownTimeoutRaw, &cfg.Shards.ShutdownTimeout},
		{"shards.guild_ready_timeout", cfg.Shards.GuildReadyTimeoutRaw, &cfg.Shards.GuildReadyTimeout},
		{"session.hello_timeout", cfg.Session.HelloTimeoutRaw, &cfg.Session.HelloTimeout},
		{"session.handshake_timeout", cfg.Session.HandshakeTimeoutRaw, &cfg.Session.HandshakeTimeout},
		{"session.backoff_base", cfg.Session.BackoffBaseRaw, &cfg.Session.BackoffBase},
		{"session.backoff_max", cfg.Session.BackoffMaxRaw, &cfg.Session.BackoffMax},
		{"sessions.max_age", cfg.Sessions.MaxAgeRaw, &cfg.Sessions.MaxAge},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
