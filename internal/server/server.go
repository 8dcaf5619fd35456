// ABOUTME: Status server exposing shard health over HTTP and the gRPC health protocol
// ABOUTME: Listens on TCP or, when enabled, on a Tailscale node via tsnet

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-discord/internal/cluster"
	"github.com/2389/coven-discord/internal/config"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "coven.discord.Gateway"

const healthPollInterval = time.Second

// Fleet is the part of the shard manager the server reports on.
type Fleet interface {
	Ready() bool
	Shards() []cluster.ShardInfo
	RestartShard(ctx context.Context, id int) error
}

// Server serves the status surface of a running shard fleet.
type Server struct {
	config      *config.Config
	fleet       Fleet
	grpcServer  *grpc.Server
	httpServer  *http.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates the HTTP and gRPC servers. Nothing listens until Run.
func New(cfg *config.Config, fleet Fleet, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		fleet:  fleet,
		health: health.NewServer(),
		logger: logger.With("component", "server"),
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.updateHealth()

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /shards", s.handleShards)
	mux.HandleFunc("POST /shards/{id}/restart", s.handleRestart)
	return mux
}

// updateHealth mirrors fleet readiness into the gRPC health service.
func (s *Server) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.fleet.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

// setupTCPListeners creates TCP listeners for the configured addresses.
// An empty address disables that server.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	if addr := s.config.Server.GRPCAddr; addr != "" {
		grpcLn, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if addr := s.config.Server.HTTPAddr; addr != "" {
		httpLn, err = net.Listen("tcp", addr)
		if err != nil {
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// Run serves until ctx is cancelled or a server fails.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	if httpLn != nil {
		go func() {
			s.logger.Info("HTTP status server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchHealth(watchCtx)

	var serverErr error
	select {
	case <-ctx.Done():
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// the run context is already cancelled here
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops both servers and the Tailscale node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	}

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-discord", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 (HTTP) and
// :50051 (gRPC) of the node.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only when every shard is connected and ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	shards := s.fleet.Shards()
	if !s.fleet.Ready() {
		notReady := 0
		for _, sh := range shards {
			if !sh.Ready {
				notReady++
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready (%d of %d shards pending)", notReady, len(shards))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d shards)", len(shards))
}

type shardsResponse struct {
	Ready  bool                `json:"ready"`
	Shards []cluster.ShardInfo `json:"shards"`
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	resp := shardsResponse{Ready: s.fleet.Ready(), Shards: s.fleet.Shards()}
	if resp.Shards == nil {
		resp.Shards = []cluster.ShardInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding shards response", "error", err)
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	switch err := s.fleet.RestartShard(r.Context(), id); {
	case errors.Is(err, cluster.ErrShardNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cluster.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		s.logger.Error("restarting shard", "shard_id", id, "error", err)
		http.Error(w, "restart failed", http.StatusInternalServerError)
	default:
		s.logger.Info("shard restarted via status API", "shard_id", id)
		w.WriteHeader(http.StatusAccepted)
	}
}
