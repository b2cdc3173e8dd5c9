package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, budgets map[string]Budget) (*Limiter, *fakeClock, *metrics.Collector) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	collector := metrics.NewCollector(prometheus.NewRegistry())
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.Disabled)

	l := NewLimiter(rdb, Config{Budgets: budgets, Now: clock.Now}, collector, logger)
	return l, clock, collector
}

func TestLimiter_AttemptConsumesUntilExhausted(t *testing.T) {
	l, _, collector := newTestLimiter(t, map[string]Budget{"meta": {Limit: 3, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Attempt(ctx, "meta", "conn-1")
		if err != nil {
			t.Fatalf("Attempt() #%d error = %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Attempt() #%d = false, want true", i+1)
		}
	}

	ok, err := l.Attempt(ctx, "meta", "conn-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if ok {
		t.Error("Attempt() after budget = true, want false")
	}

	state, err := l.Remaining(ctx, "meta", "conn-1")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if state.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0 (denied attempt must not go negative)", state.Remaining)
	}

	if got := testutil.ToFloat64(collector.RateLimitDenied.WithLabelValues("meta")); got != 1 {
		t.Errorf("RateLimitDenied = %v, want 1", got)
	}
}

func TestLimiter_RemainingDoesNotConsume(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]Budget{"tiktok": {Limit: 5, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		state, err := l.Remaining(ctx, "tiktok", "conn-1")
		if err != nil {
			t.Fatalf("Remaining() error = %v", err)
		}
		if state.Remaining != 5 {
			t.Errorf("Remaining = %d, want 5", state.Remaining)
		}
		if state.Limit != 5 {
			t.Errorf("Limit = %d, want 5", state.Limit)
		}
		if want := clock.Now().Add(time.Hour); !state.ResetAt.Equal(want) {
			t.Errorf("ResetAt = %v, want %v", state.ResetAt, want)
		}
	}
}

func TestLimiter_LazyWindowReset(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]Budget{"linkedin": {Limit: 2, Window: time.Hour}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Attempt(ctx, "linkedin", "conn-1"); !ok {
			t.Fatalf("Attempt() #%d = false, want true", i+1)
		}
	}
	if ok, _ := l.Attempt(ctx, "linkedin", "conn-1"); ok {
		t.Fatal("Attempt() on exhausted window = true, want false")
	}

	// Just before the reset the window is still exhausted.
	clock.Advance(59 * time.Minute)
	if ok, _ := l.Attempt(ctx, "linkedin", "conn-1"); ok {
		t.Error("Attempt() before reset_at = true, want false")
	}

	clock.Advance(time.Minute)
	ok, err := l.Attempt(ctx, "linkedin", "conn-1")
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if !ok {
		t.Fatal("Attempt() after reset_at = false, want true")
	}

	state, err := l.Remaining(ctx, "linkedin", "conn-1")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if state.Remaining != 1 {
		t.Errorf("Remaining after reset = %d, want 1", state.Remaining)
	}
	if want := clock.Now().Add(time.Hour); !state.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt, want)
	}
}

func TestLimiter_ResetAdvancesByWholeWindows(t *testing.T) {
	l, clock, _ := newTestLimiter(t, map[string]Budget{"linkedin": {Limit: 2, Window: time.Hour}})
	ctx := context.Background()
	start := clock.Now()

	if ok, _ := l.Attempt(ctx, "linkedin", "conn-1"); !ok {
		t.Fatal("Attempt() = false, want true")
	}

	tests := []struct {
		name    string
		advance time.Duration
		want    time.Time
	}{
		{"mid next window", 90 * time.Minute, start.Add(2 * time.Hour)},
		{"exactly on boundary", 30 * time.Minute, start.Add(3 * time.Hour)},
		{"same window", 10 * time.Minute, start.Add(3 * time.Hour)},
	}

	for _, tt := range tests {
		clock.Advance(tt.advance)
		ok, err := l.Attempt(ctx, "linkedin", "conn-1")
		if err != nil {
			t.Fatalf("%s: Attempt() error = %v", tt.name, err)
		}
		if !ok {
			t.Errorf("%s: Attempt() = false, want true", tt.name)
		}
		state, err := l.Remaining(ctx, "linkedin", "conn-1")
		if err != nil {
			t.Fatalf("%s: Remaining() error = %v", tt.name, err)
		}
		if !state.ResetAt.Equal(tt.want) {
			t.Errorf("%s: ResetAt = %v, want %v", tt.name, state.ResetAt, tt.want)
		}
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Budget{
		"meta":   {Limit: 1, Window: time.Hour},
		"google": {Limit: 1, Window: time.Hour},
	})
	ctx := context.Background()

	if ok, _ := l.Attempt(ctx, "meta", "conn-1"); !ok {
		t.Fatal("meta/conn-1 first attempt denied")
	}
	if ok, _ := l.Attempt(ctx, "meta", "conn-2"); !ok {
		t.Error("meta/conn-2 should have its own window")
	}
	if ok, _ := l.Attempt(ctx, "google", "conn-1"); !ok {
		t.Error("google/conn-1 should have its own window")
	}
}

func TestLimiter_ConcurrentAttempts(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Budget{"twitter": {Limit: 10, Window: time.Hour}})
	ctx := context.Background()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Attempt(ctx, "twitter", "conn-1")
			if err != nil {
				t.Errorf("Attempt() error = %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 10 {
		t.Errorf("granted = %d, want 10", got)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Budget{"reddit": {Limit: 1, Window: time.Hour}})
	ctx := context.Background()

	l.Attempt(ctx, "reddit", "conn-1")
	if ok, _ := l.Attempt(ctx, "reddit", "conn-1"); ok {
		t.Fatal("second attempt should be denied")
	}

	if err := l.Reset(ctx, "reddit", "conn-1"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if ok, _ := l.Attempt(ctx, "reddit", "conn-1"); !ok {
		t.Error("Attempt() after Reset() = false, want true")
	}
}

func TestLimiter_BudgetFor(t *testing.T) {
	l, _, _ := newTestLimiter(t, map[string]Budget{
		"Meta":    {Limit: 50, Window: time.Minute},
		"invalid": {Limit: 0, Window: time.Hour},
	})

	tests := []struct {
		platform string
		want     Budget
	}{
		{"meta", Budget{Limit: 50, Window: time.Minute}},
		{"google", Budget{Limit: 10000, Window: 24 * time.Hour}},
		{"unknown", DefaultBudget},
		{"invalid", DefaultBudget},
	}

	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			if got := l.BudgetFor(tt.platform); got != tt.want {
				t.Errorf("BudgetFor(%q) = %+v, want %+v", tt.platform, got, tt.want)
			}
		})
	}
}

func TestLimiter_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	l := NewLimiter(rdb, Config{}, nil, zerolog.Nop())

	mr.Close()

	if _, err := l.Attempt(context.Background(), "meta", "conn-1"); err == nil {
		t.Error("Attempt() with Redis down should return an error")
	}
	if _, err := l.Remaining(context.Background(), "meta", "conn-1"); err == nil {
		t.Error("Remaining() with Redis down should return an error")
	}
}
