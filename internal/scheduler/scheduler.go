// Package scheduler drives periodic flushes: one loop per platform, so a slow
// platform never delays another.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
)

// Flusher is the orchestrator surface the scheduler drives.
type Flusher interface {
	Flush(ctx context.Context, platform string, limit int) (batch.FlushResult, error)
	Platforms() []string
}

// Requeuer resets failed requests with attempts left.
type Requeuer interface {
	RetryFailed(ctx context.Context, platform string, limit int) (int, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval time.Duration // default 30s
	Limit    int           // per flush, default 100

	// Platforms overrides Flusher.Platforms when set.
	Platforms []string
}

// Scheduler runs the flush loops.
type Scheduler struct {
	flusher  Flusher
	requeuer Requeuer
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil requeuer disables the retry pass that
// follows each flush.
func New(f Flusher, r Requeuer, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Scheduler{
		flusher:  f,
		requeuer: r,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches one loop per platform. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	platforms := s.cfg.Platforms
	if len(platforms) == 0 {
		platforms = s.flusher.Platforms()
	}
	for _, p := range platforms {
		s.wg.Add(1)
		go s.loop(ctx, p)
	}
	s.logger.Info().Strs("platforms", platforms).Dur("interval", s.cfg.Interval).Msg("Flush scheduler started")
}

// Stop cancels the loops and waits for in-flight flushes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Flush scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, platform string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, platform)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one flush and the optional retry pass. Panics are logged so one
// bad flush does not stop the loop.
func (s *Scheduler) tick(ctx context.Context, platform string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("platform", platform).Interface("panic", r).Msg("Flush panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}

	if _, err := s.flusher.Flush(ctx, platform, s.cfg.Limit); err != nil {
		s.logger.Error().Err(err).Str("platform", platform).Msg("Flush failed")
	}

	if s.requeuer == nil {
		return
	}
	if _, err := s.requeuer.RetryFailed(ctx, platform, s.cfg.Limit); err != nil {
		s.logger.Error().Err(err).Str("platform", platform).Msg("Retry pass failed")
	}
}
