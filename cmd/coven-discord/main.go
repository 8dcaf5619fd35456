// ABOUTME: Entry point for coven-discord, a sharded Discord gateway client
// ABOUTME: Runs the shard fleet and its status server, plus operator subcommands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-discord/internal/cache"
	"github.com/2389/coven-discord/internal/cluster"
	"github.com/2389/coven-discord/internal/config"
	"github.com/2389/coven-discord/internal/dispatch"
	"github.com/2389/coven-discord/internal/protocol"
	"github.com/2389/coven-discord/internal/rest"
	"github.com/2389/coven-discord/internal/server"
	"github.com/2389/coven-discord/internal/shard"
	"github.com/2389/coven-discord/internal/store"
	"github.com/2389/coven-discord/internal/transport"
)

// version is overridden at build time with -ldflags "-X main.version=<tag>".
var version = "dev"

const banner = `
                                          _ _                       _
  ___ _____   _____ _ __              __| (_)___  ___ ___  _ __ __| |
 / __/ _ \ \ / / _ \ '_ \   _____   / _' | / __|/ __/ _ \| '__/ _' |
| (_| (_) \ V /  __/ | | | |_____| | (_| | \__ \ (_| (_) | | | (_| |
 \___\___/ \_/ \___|_| |_|          \__,_|_|___/\___\___/|_|  \__,_|
`

// getConfigPath returns the path to the config file.
// Priority: COVEN_DISCORD_CONFIG env var > XDG_CONFIG_HOME/coven/discord.yaml > ~/.config/coven/discord.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DISCORD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "discord.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "discord.yaml")
}

// getDataPath returns the directory holding the resume snapshot database.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-discord <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Connect every configured shard and serve status")
	fmt.Println("  init      Create a new config file interactively")
	fmt.Println("  health    Check whether the fleet is ready")
	fmt.Println("  shards    Show the state of every shard")
	fmt.Println("  restart   Restart one shard: coven-discord restart <id>")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "shards":
		err = runShards(ctx)
	case "restart":
		err = runRestart(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	shardsDesc := "recommended"
	if cfg.Shards.Count > 0 {
		shardsDesc = fmt.Sprintf("%d", cfg.Shards.Count)
		if len(cfg.Shards.IDs) > 0 {
			shardsDesc += fmt.Sprintf(" (running %v)", cfg.Shards.IDs)
		}
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Shards:    %s\n", shardsDesc)
	green.Print("    ▶ ")
	fmt.Printf("Intents:   %s\n", cfg.Discord.IntentFlags)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	fmt.Println()

	var sessions store.Store
	if cfg.Sessions.Path != "" {
		sqlStore, err := store.NewSQLiteStore(cfg.Sessions.Path)
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		defer sqlStore.Close()
		sessions = sqlStore
	}

	router := dispatch.NewRouter(cfg.Discord.IntentFlags, logger)
	router.OnError(func(_ context.Context, lerr *dispatch.ListenerError) {
		logger.Error("listener failed", "event", lerr.Event, "shard_id", lerr.ShardID, "error", lerr.Err)
	})
	router.On(protocol.EventAllShardsReady, func(_ context.Context, _ *protocol.Event) error {
		logger.Info("=== ALL SHARDS READY ===")
		return nil
	})

	manager, err := cluster.New(cluster.Params{
		Config:   clusterConfig(cfg),
		Info:     rest.NewClient(cfg.Discord.Token, rest.Options{BaseURL: cfg.Discord.APIURL, APIVersion: cfg.Discord.APIVersion, Logger: logger}),
		Dialer:   &transport.WebSocketDialer{Version: cfg.Discord.APIVersion, Encoding: "json"},
		Cache:    cache.New(cfg.Discord.CacheFlags, logger),
		Router:   router,
		Sessions: sessions,
		OnFatal: func(r cluster.FatalReport) {
			color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "shard %d failed after %d attempts: %v\n", r.ShardID, r.Attempts, r.Err)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating shard manager: %w", err)
	}

	logger.Info("starting coven-discord", "config", configPath, "intents", cfg.Discord.IntentFlags.String())
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting shards: %w", err)
	}

	srv := server.New(cfg, manager, logger)
	runErr := srv.Run(ctx)

	// ctx is done at this point; give the fleet its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shards.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutting down shards: %w", err))
	}
	logger.Info("coven-discord stopped")
	return runErr
}

// clusterConfig maps the file configuration onto the manager and the
// per-shard session template.
func clusterConfig(cfg *config.Config) cluster.Config {
	sc := shard.Config{
		Compress:          cfg.Discord.Compress,
		LargeThreshold:    cfg.Discord.LargeThreshold,
		Presence:          identifyPresence(cfg.Discord.Presence),
		HelloTimeout:      cfg.Session.HelloTimeout,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		GuildReadyTimeout: cfg.Shards.GuildReadyTimeout,
		Backoff:           shard.Backoff{Base: cfg.Session.BackoffBase, Max: cfg.Session.BackoffMax},
		MaxFailures:       cfg.Session.MaxFailures,
		SendPerMinute:     cfg.Session.SendPerMinute,
	}
	return cluster.Config{
		Token:            cfg.Discord.Token,
		Intents:          cfg.Discord.IntentFlags,
		GatewayURL:       cfg.Discord.GatewayURL,
		ShardCount:       cfg.Shards.Count,
		ShardIDs:         cfg.Shards.IDs,
		MaxConcurrency:   cfg.Shards.MaxConcurrency,
		IdentifyCooldown: cfg.Shards.IdentifyCooldown,
		AutoRestart:      cfg.Shards.AutoRestart,
		RestartDelay:     cfg.Shards.RestartDelay,
		ShutdownTimeout:  cfg.Shards.ShutdownTimeout,
		SnapshotMaxAge:   cfg.Sessions.MaxAge,
		Session:          sc,
	}
}

func identifyPresence(p config.PresenceConfig) *protocol.Presence {
	if p.Status == "" && p.ActivityName == "" {
		return nil
	}
	presence := &protocol.Presence{Status: p.Status, Activities: []protocol.Activity{}}
	if presence.Status == "" {
		presence.Status = "online"
	}
	if p.ActivityName != "" {
		presence.Activities = append(presence.Activities, protocol.Activity{Name: p.ActivityName, Type: p.ActivityType})
	}
	return presence
}

// statusURL builds a URL on the running server's HTTP address.
func statusURL(path string) (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	addr := cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		addr = cfg.Tailscale.Hostname
	}
	if addr == "" {
		return "", errors.New("server.http_addr is not configured")
	}
	return "http://" + addr + path, nil
}

func doStatusRequest(ctx context.Context, method, path string) (*http.Response, error) {
	url, err := statusURL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting coven-discord: %w", err)
	}
	return resp, nil
}

func runHealth(ctx context.Context) error {
	resp, err := doStatusRequest(ctx, http.MethodGet, "/health/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runShards(ctx context.Context) error {
	resp, err := doStatusRequest(ctx, http.MethodGet, "/shards")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shards request failed: status %d", resp.StatusCode)
	}

	var status struct {
		Ready  bool                `json:"ready"`
		Shards []cluster.ShardInfo `json:"shards"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printShards(os.Stdout, status.Ready, status.Shards)
	return nil
}

func printShards(w io.Writer, ready bool, shards []cluster.ShardInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tREADY\tBUCKET\tSEQ\tLATENCY\tIDLE\tFAILURES\tUNAVAILABLE")
	for _, sh := range shards {
		state := sh.State
		switch {
		case sh.Fatal != "":
			state = color.RedString(state)
		case sh.Ready:
			state = color.GreenString(state)
		default:
			state = color.YellowString(state)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%d\t%dms\t%.0fs\t%d\t%d\n",
			sh.ID, state, sh.Ready, sh.Bucket, sh.Sequence, sh.LatencyMS, sh.IdleSeconds, sh.Failures, sh.Unavailable)
	}
	_ = tw.Flush()

	for _, sh := range shards {
		if sh.Fatal != "" {
			fmt.Fprintf(w, "shard %d: %s\n", sh.ID, sh.Fatal)
		}
	}
	if ready {
		fmt.Fprintln(w, color.GreenString("fleet ready"))
	} else {
		fmt.Fprintln(w, color.YellowString("fleet not ready"))
	}
}

func runRestart(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-discord restart <shard id>")
	}
	resp, err := doStatusRequest(ctx, http.MethodPost, "/shards/"+args[0]+"/restart")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("restart failed: %s", strings.TrimSpace(string(body)))
	}
	fmt.Printf("shard %s restarting\n", args[0])
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-discord configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Discord ---")
	token := prompt(reader, "Bot token (use ${DISCORD_TOKEN} to read from the environment)", "${DISCORD_TOKEN}")
	intents := prompt(reader, "Intents (comma separated, or \"default\")", "default")
	cacheFlags := prompt(reader, "Cache (comma separated, empty for none)", "guilds,channels,roles")

	fmt.Println("\n--- Shards ---")
	count := prompt(reader, "Shard count (0 for the recommended count)", "0")
	autoRestart := yes(prompt(reader, "Restart shards after fatal failures?", "yes"))

	fmt.Println("\n--- Resume Sessions ---")
	sessionsPath := prompt(reader, "Snapshot database path (empty to disable)", filepath.Join(getDataPath(), "discord-sessions.db"))

	fmt.Println("\n--- Status Server ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8090")
	grpcAddr := prompt(reader, "gRPC health address", "localhost:50052")

	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "coven-discord")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-discord configuration\n")
	cfg.WriteString("# Generated by coven-discord init\n\n")

	cfg.WriteString("discord:\n")
	fmt.Fprintf(&cfg, "  token: %q\n", token)
	fmt.Fprintf(&cfg, "  intents: %s\n", yamlList(intents))
	fmt.Fprintf(&cfg, "  cache: %s\n", yamlList(cacheFlags))
	cfg.WriteString("  compress: true\n\n")

	cfg.WriteString("shards:\n")
	fmt.Fprintf(&cfg, "  count: %s\n", count)
	fmt.Fprintf(&cfg, "  auto_restart: %t\n", autoRestart)
	cfg.WriteString("  restart_delay: \"30s\"\n")
	cfg.WriteString("  identify_cooldown: \"5s\"\n\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  max_failures: 10\n")
	cfg.WriteString("  backoff_base: \"1s\"\n")
	cfg.WriteString("  backoff_max: \"1m\"\n\n")

	if sessionsPath != "" {
		cfg.WriteString("sessions:\n")
		fmt.Fprintf(&cfg, "  path: %q\n", sessionsPath)
		cfg.WriteString("  max_age: \"5m\"\n\n")
	}

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", grpcAddr)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the shards:")
	fmt.Println("  coven-discord serve")
	return nil
}

// yamlList renders "a, b" as a YAML flow sequence.
func yamlList(csv string) string {
	var items []string
	for _, item := range strings.Split(csv, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, fmt.Sprintf("%q", item))
		}
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	if input = strings.TrimSpace(input); input == "" {
		return defaultVal
	}
	return input
}

// setupLogger builds the root logger: JSON when logging.format is json,
// colorized text otherwise.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(os.Stdout, level))
}
