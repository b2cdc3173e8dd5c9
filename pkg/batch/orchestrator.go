package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

// DefaultBatchTimeout bounds one ExecuteBatch call.
const DefaultBatchTimeout = 60 * time.Second

// RequestQueue is the part of the queue the orchestrator drives.
type RequestQueue interface {
	PendingFor(ctx context.Context, platform string, limit int) ([]queue.Group, error)
	Claim(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]*queue.Request, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// Limiter is the rate limiter consulted before and charged after a flush.
type Limiter interface {
	Attempt(ctx context.Context, platform, connectionID string) (bool, error)
	Remaining(ctx context.Context, platform, connectionID string) (ratelimit.State, error)
}

// Config holds orchestrator configuration.
type Config struct {
	// BatchTimeout bounds each ExecuteBatch call. Defaults to DefaultBatchTimeout.
	BatchTimeout time.Duration

	// Platforms are flushed by FlushAll in addition to those with a
	// registered batcher.
	Platforms []string
}

// FlushResult summarises one flush. It is meant for reporting only.
type FlushResult struct {
	Platform  string      `json:"platform"`
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	BatchIDs  []uuid.UUID `json:"batch_ids"`
}

// Orchestrator flushes queued requests through the registered batchers.
type Orchestrator struct {
	queue    RequestQueue
	registry *Registry
	limiter  Limiter
	log      ExecutionLog
	config   Config
	metrics  *metrics.Collector
	logger   zerolog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. A nil registry flushes every
// platform in fallback mode; a nil collector gets an unregistered one.
func NewOrchestrator(q RequestQueue, registry *Registry, limiter Limiter, log ExecutionLog, cfg Config, collector *metrics.Collector, logger zerolog.Logger) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	return &Orchestrator{
		queue:    q,
		registry: registry,
		limiter:  limiter,
		log:      log,
		config:   cfg,
		metrics:  collector,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for audit timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Flush processes up to limit eligible requests of platform.
//
// Groups whose connection has no rate budget left are skipped untouched.
// Every claimed request reaches a terminal state before Flush returns. The
// only error is a failure to read the queue.
func (o *Orchestrator) Flush(ctx context.Context, platform string, limit int) (FlushResult, error) {
	start := time.Now()
	result := FlushResult{Platform: platform, BatchIDs: []uuid.UUID{}}
	defer func() {
		o.metrics.FlushDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	}()

	groups, err := o.queue.PendingFor(ctx, platform, limit)
	if err != nil {
		return result, fmt.Errorf("load pending requests: %w", err)
	}

	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		o.flushGroup(ctx, platform, g, &result)
	}

	if result.Processed > 0 || result.Skipped > 0 {
		o.logger.Info().
			Str("platform", platform).
			Int("processed", result.Processed).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Int("batches", len(result.BatchIDs)).
			Dur("duration", time.Since(start)).
			Msg("Flush complete")
	}
	return result, nil
}

func (o *Orchestrator) flushGroup(ctx context.Context, platform string, g queue.Group, result *FlushResult) {
	log := o.logger.With().
		Str("platform", platform).
		Str("connection_id", g.ConnectionID).
		Str("batch_group", g.BatchGroup).
		Logger()

	state, err := o.limiter.Remaining(ctx, platform, g.ConnectionID)
	if err != nil {
		log.Warn().Err(err).Msg("Rate limit lookup failed, skipping group")
		o.skip(platform, len(g.Requests), result)
		return
	}
	if state.Exhausted() {
		log.Info().
			Int("requests", len(g.Requests)).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted, skipping group")
		o.skip(platform, len(g.Requests), result)
		return
	}

	batchID := uuid.New()
	claimed, err := o.queue.Claim(ctx, g.IDs(), batchID)
	if err != nil {
		log.Error().Err(err).Msg("Claim failed")
		return
	}
	if len(claimed) == 0 {
		log.Debug().Msg("Group already claimed elsewhere")
		return
	}
	log = log.With().Str("batch_id", batchID.String()).Logger()

	batcher, hasBatcher := o.registry.Get(platform)
	rec := &ExecutionRecord{
		BatchID:      batchID,
		Platform:     platform,
		ConnectionID: g.ConnectionID,
		RequestCount: len(claimed),
		BatchType:    BatchTypeStandard,
		StartedAt:    o.now(),
	}
	if hasBatcher {
		rec.BatchType = batcher.BatchType()
	}
	if err := o.log.Start(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Execution record start failed")
	}

	run := &groupRun{
		ctx:      context.WithoutCancel(ctx),
		orch:     o,
		platform: platform,
		conn:     g.ConnectionID,
		batchID:  batchID,
		terminal: make(map[uuid.UUID]bool, len(claimed)),
		logger:   log,
	}

	var runErr error
	if hasBatcher {
		runErr = run.executeBatcher(ctx, batcher, claimed)
	} else {
		runErr = run.executeFallback(claimed)
	}

	if runErr != nil {
		log.Error().Err(runErr).Int("requests", len(claimed)).Msg("Batch execution failed")
		o.metrics.BatchFailures.WithLabelValues(platform).Inc()
		for _, r := range claimed {
			if !run.terminal[r.ID] {
				run.fail(r, runErr.Error())
			}
		}
		rec.SuccessCount = 0
		rec.FailureCount = len(claimed)
		rec.ErrorContext = runErr.Error()
	} else {
		rec.SuccessCount = run.succeeded
		rec.FailureCount = run.failed
	}
	rec.APICallsMade = run.calls

	if after, err := o.limiter.Remaining(run.ctx, platform, g.ConnectionID); err == nil {
		remaining := after.Remaining
		resetAt := after.ResetAt
		rec.RateLimitRemainingAfter = &remaining
		rec.RateLimitResetAt = &resetAt
		o.metrics.RateLimitRemaining.WithLabelValues(platform).Set(float64(remaining))
	}
	completedAt := o.now()
	rec.CompletedAt = &completedAt
	if err := o.log.Complete(run.ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Execution record completion failed")
	}

	o.metrics.BatchesTotal.WithLabelValues(platform, rec.BatchType).Inc()
	o.metrics.PhysicalCalls.WithLabelValues(platform).Add(float64(run.calls))

	result.Processed += len(claimed)
	result.Succeeded += run.succeeded
	result.Failed += run.failed
	result.BatchIDs = append(result.BatchIDs, batchID)

	log.Debug().
		Str("batch_type", rec.BatchType).
		Int("requests", len(claimed)).
		Int("succeeded", run.succeeded).
		Int("failed", run.failed).
		Int("api_calls", run.calls).
		Msg("Batch executed")
}

func (o *Orchestrator) skip(platform string, n int, result *FlushResult) {
	result.Skipped += n
	o.metrics.FlushRequests.WithLabelValues(platform, "skipped").Add(float64(n))
}

// groupRun tracks the requests of one claimed group. Terminal marks use ctx,
// which outlives the caller's cancellation so no request stays processing.
type groupRun struct {
	ctx      context.Context
	orch     *Orchestrator
	platform string
	conn     string
	batchID  uuid.UUID
	terminal map[uuid.UUID]bool
	logger   zerolog.Logger

	succeeded int
	failed    int
	calls     int
}

func (g *groupRun) executeBatcher(ctx context.Context, b Batcher, claimed []*queue.Request) error {
	size := b.MaxBatchSize()
	if size < 1 {
		size = len(claimed)
	}

	for start := 0; start < len(claimed); start += size {
		chunk := claimed[start:min(start+size, len(claimed))]

		results, calls, err := g.orch.callBatcher(ctx, b, g.conn, chunk)
		g.calls += calls
		if err != nil {
			return err
		}

		for _, r := range chunk {
			res, ok := results[r.ID.String()]
			switch {
			case !ok:
				g.fail(r, "no result returned for request")
			case res.Failed():
				g.fail(r, res.Err)
			default:
				g.complete(r, res.Data)
			}
		}
	}
	return nil
}

// callBatcher runs one ExecuteBatch call under the batch timeout. Panics and
// timeouts are returned as errors. A batcher that ignores its context is
// abandoned when the timeout fires.
func (o *Orchestrator) callBatcher(ctx context.Context, b Batcher, conn string, reqs []*queue.Request) (map[string]Result, int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.BatchTimeout)
	defer cancel()
	ctx, counter := withCallCounter(ctx)

	type outcome struct {
		results map[string]Result
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("batcher panic: %v", p)}
			}
		}()
		res, err := b.ExecuteBatch(ctx, conn, reqs)
		done <- outcome{results: res, err: err}
	}()

	calls := func() int {
		if n := int(counter.Load()); n > 0 {
			return n
		}
		return 1
	}

	select {
	case out := <-done:
		return out.results, calls(), out.err
	case <-ctx.Done():
		return nil, calls(), fmt.Errorf("batch execution: %w", ctx.Err())
	}
}

func (g *groupRun) executeFallback(claimed []*queue.Request) error {
	for _, r := range claimed {
		placeholder, err := json.Marshal(map[string]any{
			"fallback":     true,
			"request_type": r.RequestType,
			"params":       r.Params,
			"batch_id":     g.batchID.String(),
			"processed_at": g.orch.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("encode fallback result: %w", err)
		}
		g.complete(r, placeholder)
	}
	return nil
}

func (g *groupRun) complete(r *queue.Request, data json.RawMessage) {
	if err := g.orch.queue.MarkCompleted(g.ctx, r.ID, data); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			g.terminal[r.ID] = true
			g.logger.Info().Str("request_id", r.ID.String()).Msg("Request left processing before completion, result discarded")
			return
		}
		g.logger.Error().Err(err).Str("request_id", r.ID.String()).Msg("Mark completed failed")
		g.fail(r, "record result: "+err.Error())
		return
	}
	g.terminal[r.ID] = true
	g.succeeded++
	g.orch.metrics.FlushRequests.WithLabelValues(g.platform, "succeeded").Inc()

	allowed, err := g.orch.limiter.Attempt(g.ctx, g.platform, g.conn)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Rate limit charge failed")
	} else if !allowed {
		g.logger.Warn().Msg("Batch successes exceeded the remaining rate budget")
	}
}

// markFailedAttempts bounds how often a failed mark is written before the
// request is given up on.
const markFailedAttempts = 3

func (g *groupRun) fail(r *queue.Request, msg string) {
	var err error
	for i := range markFailedAttempts {
		if i > 0 {
			time.Sleep(time.Duration(i) * 50 * time.Millisecond)
		}
		err = g.orch.queue.MarkFailed(g.ctx, r.ID, msg)
		if err == nil || errors.Is(err, queue.ErrInvalidTransition) {
			break
		}
		g.logger.Warn().Err(err).Str("request_id", r.ID.String()).Int("try", i+1).Msg("Mark failed failed")
	}
	if errors.Is(err, queue.ErrInvalidTransition) {
		g.terminal[r.ID] = true
		return
	}

	// The request is counted as failed even when the store never confirmed
	// it; it may then remain processing until an operator cancels it.
	g.terminal[r.ID] = true
	g.failed++
	g.orch.metrics.FlushRequests.WithLabelValues(g.platform, "failed").Inc()
	if err != nil {
		g.logger.Error().Err(err).Str("request_id", r.ID.String()).Msg("Request could not be marked failed")
		return
	}
	g.logger.Warn().
		Str("request_id", r.ID.String()).
		Str("request_type", r.RequestType).
		Int("attempts", r.Attempts).
		Str("error", msg).
		Msg("Request failed")
}

// Platforms returns the platforms FlushAll covers, sorted and deduplicated.
func (o *Orchestrator) Platforms() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(o.registry.Platforms(), o.config.Platforms...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FlushAll flushes every platform in parallel.
func (o *Orchestrator) FlushAll(ctx context.Context, limit int) (map[string]FlushResult, error) {
	platforms := o.Platforms()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]FlushResult, len(platforms))
		errs    []error
	)
	for _, p := range platforms {
		wg.Add(1)
		go func(platform string) {
			defer wg.Done()
			res, err := o.Flush(ctx, platform, limit)
			mu.Lock()
			defer mu.Unlock()
			results[platform] = res
			if err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", platform, err))
			}
		}(p)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}
