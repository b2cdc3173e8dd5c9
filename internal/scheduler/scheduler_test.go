package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
)

type fakeFlusher struct {
	mu        sync.Mutex
	calls     map[string]int
	platforms []string
	block     map[string]chan struct{}
	panicOn   string
	err       error
}

func newFakeFlusher(platforms ...string) *fakeFlusher {
	return &fakeFlusher{calls: make(map[string]int), platforms: platforms, block: make(map[string]chan struct{})}
}

func (f *fakeFlusher) Flush(ctx context.Context, platform string, limit int) (batch.FlushResult, error) {
	f.mu.Lock()
	f.calls[platform]++
	block := f.block[platform]
	f.mu.Unlock()

	if platform == f.panicOn {
		panic("boom")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return batch.FlushResult{Platform: platform}, f.err
}

func (f *fakeFlusher) Platforms() []string { return f.platforms }

func (f *fakeFlusher) count(platform string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[platform]
}

type fakeRequeuer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRequeuer) RetryFailed(context.Context, string, int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestScheduler_FlushesEveryPlatformRepeatedly(t *testing.T) {
	f := newFakeFlusher("meta", "google")
	r := &fakeRequeuer{}
	s := New(f, r, Config{Interval: 10 * time.Millisecond}, zerolog.Nop())

	s.Start(context.Background())
	waitFor(t, func() bool { return f.count("meta") >= 3 && f.count("google") >= 3 })
	s.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls < 6 {
		t.Errorf("RetryFailed calls = %d, want at least 6", r.calls)
	}
}

func TestScheduler_SlowPlatformDoesNotBlockOthers(t *testing.T) {
	f := newFakeFlusher("meta", "tiktok")
	f.block["meta"] = make(chan struct{})
	s := New(f, nil, Config{Interval: 10 * time.Millisecond}, zerolog.Nop())

	s.Start(context.Background())
	waitFor(t, func() bool { return f.count("tiktok") >= 3 })
	if got := f.count("meta"); got != 1 {
		t.Errorf("meta flushes = %d, want 1 while blocked", got)
	}
	s.Stop()
}

func TestScheduler_SurvivesErrorsAndPanics(t *testing.T) {
	f := newFakeFlusher("meta", "reddit")
	f.err = errors.New("queue unavailable")
	f.panicOn = "reddit"
	s := New(f, nil, Config{Interval: 10 * time.Millisecond}, zerolog.Nop())

	s.Start(context.Background())
	waitFor(t, func() bool { return f.count("meta") >= 2 && f.count("reddit") >= 2 })
	s.Stop()
}

func TestScheduler_ConfigPlatformsOverride(t *testing.T) {
	f := newFakeFlusher("meta")
	s := New(f, nil, Config{Interval: time.Hour, Platforms: []string{"linkedin"}}, zerolog.Nop())

	s.Start(context.Background())
	s.Start(context.Background())
	waitFor(t, func() bool { return f.count("linkedin") == 1 })
	s.Stop()
	s.Stop()

	if got := f.count("meta"); got != 0 {
		t.Errorf("meta flushes = %d, want 0", got)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(newFakeFlusher(), nil, Config{}, zerolog.Nop())
	if s.cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", s.cfg.Interval)
	}
	if s.cfg.Limit != 100 {
		t.Errorf("Limit = %d, want 100", s.cfg.Limit)
	}
}
