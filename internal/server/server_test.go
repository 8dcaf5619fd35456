package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-discord/internal/cluster"
	"github.com/2389/coven-discord/internal/config"
)

type fakeFleet struct {
	mu        sync.Mutex
	ready     bool
	shards    []cluster.ShardInfo
	restarted []int
}

func (f *fakeFleet) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeFleet) Shards() []cluster.ShardInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shards
}

func (f *fakeFleet) RestartShard(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sh := range f.shards {
		if sh.ID == id {
			f.restarted = append(f.restarted, id)
			return nil
		}
	}
	return fmt.Errorf("shard %d: %w", id, cluster.ErrShardNotFound)
}

func (f *fakeFleet) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func newTestServer(fleet *fakeFleet) (*Server, *httptest.Server) {
	s := New(&config.Config{}, fleet, nil)
	return s, httptest.NewServer(s.Handler())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(&fakeFleet{})
	defer ts.Close()

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)
}

func TestReady(t *testing.T) {
	fleet := &fakeFleet{shards: []cluster.ShardInfo{{ID: 0, Ready: true}, {ID: 1}}}
	_, ts := newTestServer(fleet)
	defer ts.Close()

	code, body := get(t, ts.URL+"/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready (1 of 2 shards pending)", body)

	fleet.setReady(true)
	code, body = get(t, ts.URL+"/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready (2 shards)", body)
}

func TestShards(t *testing.T) {
	fleet := &fakeFleet{ready: true, shards: []cluster.ShardInfo{
		{ID: 0, State: "connected", Ready: true, Sequence: 12, LatencyMS: 40},
	}}
	_, ts := newTestServer(fleet)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/shards")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got shardsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Ready)
	require.Len(t, got.Shards, 1)
	assert.Equal(t, "connected", got.Shards[0].State)
	assert.Equal(t, int64(12), got.Shards[0].Sequence)
	assert.Equal(t, int64(40), got.Shards[0].LatencyMS)
}

func TestShards_EmptyIsArray(t *testing.T) {
	_, ts := newTestServer(&fakeFleet{})
	defer ts.Close()

	_, body := get(t, ts.URL+"/shards")
	assert.JSONEq(t, `{"ready":false,"shards":[]}`, body)
}

func TestRestart(t *testing.T) {
	fleet := &fakeFleet{shards: []cluster.ShardInfo{{ID: 3}}}
	_, ts := newTestServer(fleet)
	defer ts.Close()

	post := func(path string) int {
		resp, err := http.Post(ts.URL+path, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post("/shards/3/restart"))
	assert.Equal(t, http.StatusNotFound, post("/shards/9/restart"))
	assert.Equal(t, http.StatusBadRequest, post("/shards/x/restart"))
	assert.Equal(t, []int{3}, fleet.restarted)

	// GET is not routed to restart
	code, _ := get(t, ts.URL+"/shards/3/restart")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	fleet := &fakeFleet{}
	s, ts := newTestServer(fleet)
	defer ts.Close()
	ctx := context.Background()

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	fleet.setReady(true)
	s.updateHealth()
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}}
	s := New(cfg, &fakeFleet{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
