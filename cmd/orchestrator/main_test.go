package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/internal/config"
	"github.com/Sternrassler/platform-orchestrator/internal/testutil"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

func testConfig(redisAddr, bulkURL string) config.Config {
	cfg := config.Config{
		Environment: "test",
		Server:      config.ServerConfig{Port: 8080},
		Redis:       config.RedisConfig{Addr: redisAddr},
		Flush: config.FlushConfig{
			Interval:     time.Hour,
			Limit:        100,
			Platforms:    []string{"meta"},
			BatchTimeout: 5 * time.Second,
		},
		Assets: config.AssetConfig{Freshness: time.Hour},
		Platforms: config.PlatformsConfig{
			UserAgent: "orchestrator-test/1.0",
			Budgets:   map[string]ratelimit.Budget{"meta": {Limit: 10, Window: time.Hour}},
			BulkURLs:  map[string]string{},
			Tokens:    map[string]string{},
		},
	}
	if bulkURL != "" {
		cfg.Platforms.BulkURLs["meta"] = bulkURL
		cfg.Platforms.Tokens["meta"] = "secret-token"
	}
	return cfg
}

func newTestApp(t *testing.T, bulkURL string) *app {
	t.Helper()
	mr := miniredis.RunT(t)

	a, err := newApp(context.Background(), testConfig(mr.Addr(), bulkURL), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func call(t *testing.T, a *app, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return w.Code, out
}

func TestNewAppRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := newApp(context.Background(), testConfig(addr, ""), zerolog.Nop()); err == nil {
		t.Fatal("newApp() expected error with redis down")
	}
}

func TestHealthAndReady(t *testing.T) {
	a := newTestApp(t, "")

	code, body := call(t, a, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Errorf("GET /health = %d, want %d", code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	code, body = call(t, a, http.MethodGet, "/ready", "")
	if code != http.StatusOK {
		t.Errorf("GET /ready = %d, want %d", code, http.StatusOK)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["redis"] != "ok" {
		t.Errorf("redis check = %v, want ok", checks["redis"])
	}
	if _, ok := checks["postgres"]; ok {
		t.Error("postgres check registered without a database")
	}
}

func TestMetricsExposeRuntimeCollectors(t *testing.T) {
	a := newTestApp(t, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics missing go_goroutines")
	}
}

func TestEnqueueFlushThroughBulkEndpoint(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	a := newTestApp(t, mock.URL())

	var ids []string
	for _, id := range []string{"101", "102", "101"} {
		body := `{"organization_id":"org-1","platform":"meta","connection_id":"conn-1","request_type":"campaigns","params":{"id":"` + id + `"}}`
		code, out := call(t, a, http.MethodPost, "/v1/requests", body)
		if code != http.StatusAccepted {
			t.Fatalf("POST /v1/requests = %d, want %d", code, http.StatusAccepted)
		}
		ids = append(ids, out["id"].(string))
	}
	if ids[0] != ids[2] {
		t.Errorf("duplicate enqueue returned %s, want %s", ids[2], ids[0])
	}

	code, res := call(t, a, http.MethodPost, "/v1/platforms/meta/flush", "")
	if code != http.StatusOK {
		t.Fatalf("flush = %d, want %d", code, http.StatusOK)
	}
	if res["succeeded"] != float64(2) {
		t.Errorf("succeeded = %v, want 2", res["succeeded"])
	}
	if got := mock.GetRequestCount(); got != 1 {
		t.Errorf("platform calls = %d, want 1", got)
	}
	if got := mock.LastRequestHeader.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}

	_, got := call(t, a, http.MethodGet, "/v1/requests/"+ids[1], "")
	if got["status"] != "completed" {
		t.Errorf("status = %v, want completed", got["status"])
	}
	result, _ := got["result"].(map[string]any)
	if result["id"] != "102" {
		t.Errorf("result id = %v, want 102", result["id"])
	}

	_, limit := call(t, a, http.MethodGet, "/v1/platforms/meta/connections/conn-1/rate-limit", "")
	if limit["remaining"] != float64(9) {
		t.Errorf("remaining = %v, want 9", limit["remaining"])
	}
}

func TestAssetsThroughPagedListing(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.TotalPages = 2
	a := newTestApp(t, mock.URL())

	code, out := call(t, a, http.MethodGet, "/v1/platforms/meta/connections/conn-1/assets/page?org_id=org-1", "")
	if code != http.StatusOK {
		t.Fatalf("GET assets = %d, want %d", code, http.StatusOK)
	}
	if out["count"] != float64(4) {
		t.Errorf("count = %v, want 4", out["count"])
	}

	code, _ = call(t, a, http.MethodGet, "/v1/platforms/google/connections/conn-1/assets/customer", "")
	if code != http.StatusNotFound {
		t.Errorf("GET assets without bulk url = %d, want %d", code, http.StatusNotFound)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, "")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a.cfg.Server.Port = l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + l.Addr().String() + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRequeuerFollowsRetryFailed(t *testing.T) {
	a := newTestApp(t, "")

	if r := a.requeuer(); r != nil {
		t.Errorf("requeuer() = %v, want nil with retry pass disabled", r)
	}

	a.cfg.Flush.RetryFailed = true
	if r := a.requeuer(); r != a.queue {
		t.Errorf("requeuer() = %v, want the queue with retry pass enabled", r)
	}
}
