package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/platform-orchestrator/internal/server"
	"github.com/Sternrassler/platform-orchestrator/internal/memstore"
	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
	"github.com/Sternrassler/platform-orchestrator/pkg/cache"
	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

type fixture struct {
	handler http.Handler
	queue   *queue.Queue
	store   *memstore.QueueStore
	cache   *cache.Manager
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, checks map[string]server.Check) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	store := memstore.NewQueueStore()
	q := queue.New(store, collector, zerolog.Nop())
	limiter := ratelimit.NewLimiter(rdb, ratelimit.Config{
		Budgets: map[string]ratelimit.Budget{"meta": {Limit: 10, Window: time.Hour}},
	}, collector, zerolog.Nop())
	cm := cache.NewManager(rdb, collector, zerolog.Nop())
	execLog := memstore.NewExecutionLog()
	orch := batch.NewOrchestrator(q, nil, limiter, execLog, batch.Config{Platforms: []string{"meta"}}, collector, zerolog.Nop())

	srv := server.New(server.Deps{
		Queue:        q,
		Flusher:      orch,
		Limiter:      limiter,
		Cache:        cm,
		ExecutionLog: execLog,
		Gatherer:     reg,
		ReadyChecks:  checks,
	}, zerolog.Nop())

	return &fixture{handler: srv.Handler(), queue: q, store: store, cache: cm, mr: mr}
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

const enqueueBody = `{"organization_id":"org-1","platform":"Meta","connection_id":"conn-1","request_type":"campaigns","params":{"id":"1"}}`

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, map[string]server.Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})

	rec, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = f.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["ready"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["redis"])
	assert.Equal(t, "connection refused", checks["postgres"])
}

func TestEnqueueDeduplicatesAndFlush(t *testing.T) {
	f := newFixture(t, nil)

	rec, first := f.do(t, http.MethodPost, "/v1/requests", enqueueBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "meta", first["platform"])
	assert.Equal(t, "pending", first["status"])

	_, second := f.do(t, http.MethodPost, "/v1/requests", enqueueBody)
	assert.Equal(t, first["id"], second["id"])

	rec, got := f.do(t, http.MethodGet, "/v1/requests/"+first["id"].(string), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["identity_hash"], got["identity_hash"])

	rec, res := f.do(t, http.MethodPost, "/v1/platforms/meta/flush?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, res["processed"])
	assert.EqualValues(t, 1, res["succeeded"])

	_, stats := f.do(t, http.MethodGet, "/v1/platforms/meta/stats", "")
	assert.EqualValues(t, 1, stats["completed_24h"])
	assert.EqualValues(t, 0, stats["pending"])

	_, batches := f.do(t, http.MethodGet, "/v1/platforms/meta/batches", "")
	list := batches["batches"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, batch.BatchTypeStandard, list[0].(map[string]any)["batch_type"])

	_, limit := f.do(t, http.MethodGet, "/v1/platforms/meta/connections/conn-1/rate-limit", "")
	assert.EqualValues(t, 9, limit["remaining"])
	assert.EqualValues(t, 10, limit["limit"])
	assert.Equal(t, true, limit["can_call"])

	rec, _ = f.do(t, http.MethodPost, "/v1/platforms/meta/connections/conn-1/rate-limit/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, limit = f.do(t, http.MethodGet, "/v1/platforms/meta/connections/conn-1/rate-limit", "")
	assert.EqualValues(t, 10, limit["remaining"])
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"platform":`},
		{"missing connection", `{"organization_id":"o","platform":"meta","request_type":"x"}`},
		{"priority out of range", `{"organization_id":"o","platform":"meta","connection_id":"c","request_type":"x","priority":11}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, "/v1/requests", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetRequestErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec, _ := f.do(t, http.MethodGet, "/v1/requests/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/v1/requests/6f1c1e7e-4c55-4a43-9a8c-2f9d3b0c8f11", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRetryAndCleanup(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{"1", "2"} {
		body := strings.Replace(enqueueBody, `"id":"1"`, `"id":"`+id+`"`, 1)
		rec, _ := f.do(t, http.MethodPost, "/v1/requests", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec, out := f.do(t, http.MethodPost, "/v1/connections/conn-1/cancel", `{"reason":"token revoked"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["cancelled"])
	for _, r := range f.store.All() {
		assert.Equal(t, queue.StatusCancelled, r.Status)
		assert.Equal(t, "token revoked", r.ErrorMessage)
	}

	_, out = f.do(t, http.MethodPost, "/v1/platforms/meta/retry", "")
	assert.EqualValues(t, 0, out["requeued"])

	rec, _ = f.do(t, http.MethodPost, "/v1/platforms/meta/retry?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, out = f.do(t, http.MethodPost, "/v1/cleanup?days=1", "")
	assert.EqualValues(t, 0, out["deleted"])
}

func TestInvalidateCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.cache.Put(ctx, "org:ORG1:campaigns", cache.CategoryAPIResponse, map[string]int{"n": 1}))
	require.NoError(t, f.cache.Put(ctx, "org:ORG2:campaigns", cache.CategoryAPIResponse, map[string]int{"n": 2}))

	rec, _ := f.do(t, http.MethodDelete, "/v1/cache", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := f.do(t, http.MethodDelete, "/v1/cache?pattern=*:org:ORG1:*", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["deleted"])
}

func TestPlatformsAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	_, out := f.do(t, http.MethodGet, "/v1/platforms", "")
	assert.Equal(t, []any{"meta"}, out["platforms"])

	f.do(t, http.MethodPost, "/v1/requests", enqueueBody)
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `orchestrator_requests_enqueued_total{outcome="created",platform="meta"} 1`)
}
