package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-discord/internal/cluster"
	"github.com/2389/coven-discord/internal/config"
)

func init() {
	color.NoColor = true
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_DISCORD_CONFIG", "/etc/coven/discord.toml")
	assert.Equal(t, "/etc/coven/discord.toml", getConfigPath())

	t.Setenv("COVEN_DISCORD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/coven/discord.yaml", getConfigPath())
}

func TestYAMLList(t *testing.T) {
	assert.Equal(t, `["guilds", "channels"]`, yamlList(" guilds, channels ,"))
	assert.Equal(t, `[]`, yamlList(""))
}

func TestIdentifyPresence(t *testing.T) {
	assert.Nil(t, identifyPresence(config.PresenceConfig{}))

	p := identifyPresence(config.PresenceConfig{ActivityName: "the shards", ActivityType: 3})
	require.NotNil(t, p)
	assert.Equal(t, "online", p.Status)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, "the shards", p.Activities[0].Name)
	assert.Equal(t, 3, p.Activities[0].Type)

	p = identifyPresence(config.PresenceConfig{Status: "idle"})
	require.NotNil(t, p)
	assert.Equal(t, "idle", p.Status)
	assert.Empty(t, p.Activities)
}

func TestClusterConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
discord:
  token: "abc"
  compress: true
shards:
  count: 4
  ids: [1, 3]
  auto_restart: true
session:
  backoff_base: "2s"
  backoff_max: "20s"
sessions:
  path: "/tmp/s.db"
  max_age: "1m"
`), false)
	require.NoError(t, err)

	cc := clusterConfig(cfg)
	assert.Equal(t, "abc", cc.Token)
	assert.Equal(t, 4, cc.ShardCount)
	assert.Equal(t, []int{1, 3}, cc.ShardIDs)
	assert.True(t, cc.AutoRestart)
	assert.Equal(t, time.Minute, cc.SnapshotMaxAge)
	assert.Equal(t, cfg.Discord.IntentFlags, cc.Intents)
	assert.True(t, cc.Session.Compress)
	assert.Equal(t, 2*time.Second, cc.Session.Backoff.Base)
	assert.Equal(t, 20*time.Second, cc.Session.Backoff.Max)
	assert.Equal(t, 250, cc.Session.LargeThreshold)
	assert.Nil(t, cc.Session.Presence)
}

func TestPrintShards(t *testing.T) {
	var buf bytes.Buffer
	printShards(&buf, false, []cluster.ShardInfo{
		{ID: 0, State: "connected", Ready: true, Sequence: 42, LatencyMS: 55},
		{ID: 1, State: "disconnected", Failures: 10, Fatal: "authentication failed"},
	})
	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "55ms")
	assert.Contains(t, out, "shard 1: authentication failed")
	assert.Contains(t, out, "fleet not ready")
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "shard").WithGroup("gw").Info("connected", "shard_id", 3)
	logger.Warn("slow", slog.Group("latency", "ms", 12000))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF connected")
	assert.Contains(t, lines[0], "component=shard")
	assert.Contains(t, lines[0], "gw.shard_id=3")
	assert.Contains(t, lines[1], "WRN slow")
	assert.Contains(t, lines[1], "latency.ms=12000")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}
