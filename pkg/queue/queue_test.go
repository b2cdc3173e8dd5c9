package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/platform-orchestrator/internal/memstore"
	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

type fixture struct {
	q         *queue.Queue
	store     *memstore.QueueStore
	collector *metrics.Collector
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.NewQueueStore(),
		collector: metrics.NewCollector(prometheus.NewRegistry()),
		now:       time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	f.q = queue.New(f.store, f.collector, zerolog.Nop())
	f.q.SetClock(func() time.Time { return f.now })
	return f
}

func input(conn string, params map[string]any) queue.EnqueueInput {
	return queue.EnqueueInput{
		OrganizationID: "org-1",
		Platform:       "meta",
		ConnectionID:   conn,
		RequestType:    "insights",
		Params:         params,
	}
}

func TestEnqueue_Defaults(t *testing.T) {
	f := newFixture(t)

	r, err := f.q.Enqueue(context.Background(), input("conn-1", nil))
	require.NoError(t, err)

	assert.Equal(t, queue.StatusPending, r.Status)
	assert.Equal(t, queue.DefaultPriority, r.Priority)
	assert.Equal(t, queue.DefaultMaxAttempts, r.MaxAttempts)
	assert.Equal(t, "meta:conn-1", r.BatchGroup)
	assert.Equal(t, f.now, r.ScheduledAt)
	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.Len(t, r.IdentityHash, 64)
	assert.NotNil(t, r.Params)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*queue.EnqueueInput)
	}{
		{"missing org", func(in *queue.EnqueueInput) { in.OrganizationID = "" }},
		{"missing platform", func(in *queue.EnqueueInput) { in.Platform = "" }},
		{"missing connection", func(in *queue.EnqueueInput) { in.ConnectionID = "" }},
		{"missing type", func(in *queue.EnqueueInput) { in.RequestType = "" }},
		{"priority too high", func(in *queue.EnqueueInput) { in.Priority = 11 }},
		{"priority negative", func(in *queue.EnqueueInput) { in.Priority = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("conn-1", nil)
			tt.mutate(&in)
			_, err := f.q.Enqueue(context.Background(), in)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.store.All())
}

func TestEnqueue_DeduplicatesActiveRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"id": "1", "fields": []any{"spend"}}))
	require.NoError(t, err)

	// Same logical request with params in a different key order.
	second, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"fields": []any{"spend"}, "id": "1"}))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.All(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.collector.RequestsEnqueued.WithLabelValues("meta", "deduplicated")))

	// A processing row still deduplicates.
	_, err = f.q.Claim(ctx, []uuid.UUID{first.ID}, uuid.New())
	require.NoError(t, err)
	third, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"id": "1", "fields": []any{"spend"}}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, queue.StatusProcessing, third.Status)
}

func TestEnqueue_NormalizesPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := input("conn-1", map[string]any{"id": "1"})
	in.Platform = " Meta "
	first, err := f.q.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "meta", first.Platform)
	assert.Equal(t, "meta:conn-1", first.BatchGroup)

	hash, err := queue.IdentityHash("org-1", "meta", "conn-1", "insights", map[string]any{"id": "1"})
	require.NoError(t, err)
	assert.Equal(t, hash, first.IdentityHash)

	// Lower-case spelling of the same request deduplicates.
	second, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	groups, err := f.q.PendingFor(ctx, "META", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "meta", groups[0].Platform)

	blank := input("conn-1", nil)
	blank.Platform = "   "
	_, err = f.q.Enqueue(ctx, blank)
	assert.Error(t, err)
}

func TestEnqueue_NewRowAfterTerminalState(t *testing.T) {
	terminal := map[string]func(*fixture, uuid.UUID) error{
		"completed": func(f *fixture, id uuid.UUID) error {
			return f.q.MarkCompleted(context.Background(), id, json.RawMessage(`{}`))
		},
		"failed": func(f *fixture, id uuid.UUID) error {
			return f.q.MarkFailed(context.Background(), id, "boom")
		},
		"cancelled": func(f *fixture, id uuid.UUID) error {
			_, err := f.q.CancelForConnection(context.Background(), "conn-1", "disabled")
			return err
		},
	}

	for name, finish := range terminal {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			first, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"id": "1"}))
			require.NoError(t, err)
			_, err = f.q.Claim(ctx, []uuid.UUID{first.ID}, uuid.New())
			require.NoError(t, err)
			require.NoError(t, finish(f, first.ID))

			second, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"id": "1"}))
			require.NoError(t, err)
			assert.NotEqual(t, first.ID, second.ID)
			assert.Len(t, f.store.All(), 2)
		})
	}
}

func TestEnqueue_FutureScheduleIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := input("conn-1", nil)
	in.ScheduledAt = f.now.Add(time.Hour)
	r, err := f.q.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, r.Status)

	groups, err := f.q.PendingFor(ctx, "meta", 10)
	require.NoError(t, err)
	assert.Empty(t, groups, "queued request is not eligible before scheduled_at")

	f.now = f.now.Add(time.Hour)
	groups, err = f.q.PendingFor(ctx, "meta", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, r.ID, groups[0].Requests[0].ID)
}

func TestPendingFor_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []int{9, 1, 5} {
		in := input("conn-1", map[string]any{"p": p})
		in.Priority = p
		_, err := f.q.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	groups, err := f.q.PendingFor(ctx, "meta", 10)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	var prios []int
	for _, r := range groups[0].Requests {
		prios = append(prios, r.Priority)
	}
	assert.Equal(t, []int{1, 5, 9}, prios)
}

func TestPendingFor_GroupsByConnectionAndRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, conn := range []string{"c1", "c2", "c1", "c3", "c2"} {
		_, err := f.q.Enqueue(ctx, input(conn, map[string]any{"i": i}))
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}
	in := input("c1", nil)
	in.Platform = "google"
	_, err := f.q.Enqueue(ctx, in)
	require.NoError(t, err)

	groups, err := f.q.PendingFor(ctx, "meta", 4)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "c1", groups[0].ConnectionID)
	assert.Len(t, groups[0].Requests, 2)
	assert.Equal(t, "c2", groups[1].ConnectionID)
	assert.Len(t, groups[1].Requests, 1)
	assert.Equal(t, "c3", groups[2].ConnectionID)

	groups, err = f.q.PendingFor(ctx, "meta", 0)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestClaim_StampsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.q.Enqueue(ctx, input("conn-1", nil))
	require.NoError(t, err)

	batchID := uuid.New()
	claimed, err := f.q.Claim(ctx, []uuid.UUID{r.ID}, batchID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	c := claimed[0]
	assert.Equal(t, queue.StatusProcessing, c.Status)
	assert.Equal(t, 1, c.Attempts)
	require.NotNil(t, c.BatchID)
	assert.Equal(t, batchID, *c.BatchID)
	require.NotNil(t, c.StartedAt)

	again, err := f.q.Claim(ctx, []uuid.UUID{r.ID}, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, again, "a processing request cannot be claimed twice")
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		r, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"i": i}))
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	const flushes = 8
	results := make([][]*queue.Request, flushes)
	var wg sync.WaitGroup
	for i := 0; i < flushes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := f.q.Claim(ctx, ids, uuid.New())
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	owner := make(map[uuid.UUID]uuid.UUID)
	total := 0
	for _, claimed := range results {
		for _, r := range claimed {
			total++
			if prev, ok := owner[r.ID]; ok {
				t.Errorf("request %s claimed by %s and %s", r.ID, prev, *r.BatchID)
			}
			owner[r.ID] = *r.BatchID
		}
	}
	assert.Equal(t, len(ids), total)

	for _, r := range f.store.All() {
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, owner[r.ID], *r.BatchID)
	}
}

func TestMarkCompletedAndFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 1}))
	b, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 2}))

	// Not yet processing.
	err := f.q.MarkCompleted(ctx, a.ID, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, queue.ErrInvalidTransition))

	_, err = f.q.Claim(ctx, []uuid.UUID{a.ID, b.ID}, uuid.New())
	require.NoError(t, err)

	require.NoError(t, f.q.MarkCompleted(ctx, a.ID, json.RawMessage(`{"ok":true}`)))
	require.NoError(t, f.q.MarkFailed(ctx, b.ID, "platform said no"))

	gotA, err := f.q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, gotA.Status)
	assert.JSONEq(t, `{"ok":true}`, string(gotA.Result))
	assert.NotNil(t, gotA.CompletedAt)

	gotB, err := f.q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, gotB.Status)
	assert.Equal(t, "platform said no", gotB.ErrorMessage)

	// Terminal rows stay terminal.
	err = f.q.MarkFailed(ctx, a.ID, "late")
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = f.q.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrNotFound)
	assert.ErrorIs(t, f.q.MarkFailed(ctx, uuid.New(), "x"), queue.ErrNotFound)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := input("conn-1", map[string]any{"n": 1})
	in.MaxAttempts = 2
	r, _ := f.q.Enqueue(ctx, in)

	fail := func() {
		claimed, err := f.q.Claim(ctx, []uuid.UUID{r.ID}, uuid.New())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, f.q.MarkFailed(ctx, r.ID, "timeout"))
	}

	fail()
	f.now = f.now.Add(time.Minute)
	n, err := f.q.RetryFailed(ctx, "meta", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.q.Get(ctx, r.ID)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, f.now, got.ScheduledAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.BatchID)

	// Second failure exhausts max_attempts.
	fail()
	n, err = f.q.RetryFailed(ctx, "meta", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := f.q.Stats(ctx, "meta")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Retryable)
}

func TestRetryFailed_SkipsWhenNewerRequestActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 1}))
	f.q.Claim(ctx, []uuid.UUID{old.ID}, uuid.New())
	require.NoError(t, f.q.MarkFailed(ctx, old.ID, "boom"))

	fresh, err := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 1}))
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)

	n, err := f.q.RetryFailed(ctx, "meta", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCancelForConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 1}))
	processing, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 2}))
	done, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 3}))
	other, _ := f.q.Enqueue(ctx, input("conn-2", map[string]any{"n": 1}))

	f.q.Claim(ctx, []uuid.UUID{processing.ID, done.ID}, uuid.New())
	require.NoError(t, f.q.MarkCompleted(ctx, done.ID, json.RawMessage(`{}`)))

	n, err := f.q.CancelForConnection(ctx, "conn-1", "connection disabled")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{pending.ID, processing.ID} {
		r, _ := f.q.Get(ctx, id)
		assert.Equal(t, queue.StatusCancelled, r.Status)
		assert.Equal(t, "connection disabled", r.ErrorMessage)
	}
	r, _ := f.q.Get(ctx, done.ID)
	assert.Equal(t, queue.StatusCompleted, r.Status)
	r, _ = f.q.Get(ctx, other.ID)
	assert.Equal(t, queue.StatusPending, r.Status)

	// The in-flight batch finishing later cannot resurrect the request.
	assert.ErrorIs(t, f.q.MarkCompleted(ctx, processing.ID, json.RawMessage(`{}`)), queue.ErrInvalidTransition)

	_, err = f.q.CancelForConnection(ctx, "", "x")
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		r, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": i}))
		ids = append(ids, r.ID)
	}
	in := input("conn-1", map[string]any{"later": true})
	in.ScheduledAt = f.now.Add(time.Hour)
	f.q.Enqueue(ctx, in)

	f.q.Claim(ctx, ids[:3], uuid.New())
	f.q.MarkCompleted(ctx, ids[0], json.RawMessage(`{}`))
	f.q.MarkFailed(ctx, ids[1], "x")

	stats, err := f.q.Stats(ctx, "meta")
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{
		Platform:     "meta",
		Pending:      2,
		Queued:       1,
		Processing:   1,
		Retryable:    1,
		Completed24h: 1,
		Failed:       1,
	}, stats)

	// Completed rows older than 24h drop out of the window.
	f.now = f.now.Add(25 * time.Hour)
	stats, _ = f.q.Stats(ctx, "meta")
	assert.Equal(t, 0, stats.Completed24h)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 1}))
	active, _ := f.q.Enqueue(ctx, input("conn-1", map[string]any{"n": 2}))
	f.q.Claim(ctx, []uuid.UUID{old.ID}, uuid.New())
	f.q.MarkCompleted(ctx, old.ID, json.RawMessage(`{}`))

	f.now = f.now.AddDate(0, 0, 31)
	n, err := f.q.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.q.Get(ctx, old.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = f.q.Get(ctx, active.ID)
	assert.NoError(t, err, "active rows are never cleaned up")

	_, err = f.q.Cleanup(ctx, 0)
	assert.Error(t, err)
}
