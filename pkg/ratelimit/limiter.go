package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

// DefaultKeyPrefix namespaces limiter keys in Redis.
const DefaultKeyPrefix = "ratelimit"

// windowScript performs the lazy window reset and the optional decrement as
// one atomic step. A lapsed window advances reset_at by whole windows so
// boundaries stay on the grid set by first use. The grid is kept while the
// key lives (two windows after the last reset).
//
// KEYS[1] state hash
// ARGV[1] now (unix ms), ARGV[2] limit, ARGV[3] window (ms), ARGV[4] consume (0|1)
//
// Returns {allowed, remaining, reset_at_ms}.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local consume = tonumber(ARGV[4])

local remaining = tonumber(redis.call('HGET', key, 'remaining'))
local reset = tonumber(redis.call('HGET', key, 'reset_at'))

if remaining == nil or reset == nil then
	remaining = limit
	reset = now + window
	redis.call('HSET', key, 'remaining', remaining, 'reset_at', reset)
	redis.call('PEXPIRE', key, window * 2)
elseif now >= reset then
	remaining = limit
	reset = reset + (math.floor((now - reset) / window) + 1) * window
	redis.call('HSET', key, 'remaining', remaining, 'reset_at', reset)
	redis.call('PEXPIRE', key, window * 2)
end

local allowed = 0
if consume == 1 and remaining > 0 then
	remaining = remaining - 1
	redis.call('HSET', key, 'remaining', remaining)
	allowed = 1
end

return {allowed, remaining, reset}
`)

// Config configures a Limiter.
type Config struct {
	// Budgets maps a platform name to its window budget. Platforms missing
	// from the map use DefaultBudget.
	Budgets map[string]Budget

	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Now is the clock used for window arithmetic. Defaults to time.Now.
	Now func() time.Time
}

// Limiter is a Redis-backed fixed-window rate limiter.
// Safe for concurrent use by multiple goroutines and processes.
type Limiter struct {
	redis   *redis.Client
	budgets map[string]Budget
	prefix  string
	now     func() time.Time
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewLimiter creates a limiter. A nil collector gets an unregistered one.
func NewLimiter(redisClient *redis.Client, cfg Config, collector *metrics.Collector, logger zerolog.Logger) *Limiter {
	budgets := DefaultBudgets()
	for platform, b := range cfg.Budgets {
		budgets[strings.ToLower(platform)] = b
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	return &Limiter{
		redis:   redisClient,
		budgets: budgets,
		prefix:  cfg.KeyPrefix,
		now:     cfg.Now,
		metrics: collector,
		logger:  logger,
	}
}

// BudgetFor returns the configured budget of a platform.
func (l *Limiter) BudgetFor(platform string) Budget {
	if b, ok := l.budgets[strings.ToLower(platform)]; ok && b.Limit > 0 && b.Window > 0 {
		return b
	}
	return DefaultBudget
}

// Attempt consumes one unit of the window budget if any is left and reports
// whether it did. It never waits.
func (l *Limiter) Attempt(ctx context.Context, platform, connectionID string) (bool, error) {
	allowed, state, err := l.eval(ctx, platform, connectionID, true)
	if err != nil {
		return false, fmt.Errorf("attempt rate limit %s/%s: %w", platform, connectionID, err)
	}

	l.metrics.RateLimitRemaining.WithLabelValues(platform).Set(float64(state.Remaining))
	if !allowed {
		l.metrics.RateLimitDenied.WithLabelValues(platform).Inc()
		l.logger.Debug().
			Str("platform", platform).
			Str("connection_id", connectionID).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted")
		return false, nil
	}

	l.logger.Debug().
		Str("platform", platform).
		Str("connection_id", connectionID).
		Int("remaining", state.Remaining).
		Msg("Rate limit unit consumed")
	return true, nil
}

// Remaining returns the current window without consuming from it. An elapsed
// window is reinitialized first.
func (l *Limiter) Remaining(ctx context.Context, platform, connectionID string) (State, error) {
	_, state, err := l.eval(ctx, platform, connectionID, false)
	if err != nil {
		return State{}, fmt.Errorf("get rate limit %s/%s: %w", platform, connectionID, err)
	}
	return state, nil
}

// Reset drops the stored window so the next call starts a full one.
func (l *Limiter) Reset(ctx context.Context, platform, connectionID string) error {
	if err := l.redis.Del(ctx, stateKey(l.prefix, platform, connectionID)).Err(); err != nil {
		return fmt.Errorf("reset rate limit %s/%s: %w", platform, connectionID, err)
	}
	l.logger.Info().
		Str("platform", platform).
		Str("connection_id", connectionID).
		Msg("Rate limit window reset")
	return nil
}

func (l *Limiter) eval(ctx context.Context, platform, connectionID string, consume bool) (bool, State, error) {
	budget := l.BudgetFor(platform)
	consumeArg := 0
	if consume {
		consumeArg = 1
	}

	res, err := windowScript.Run(ctx, l.redis,
		[]string{stateKey(l.prefix, platform, connectionID)},
		l.now().UnixMilli(),
		budget.Limit,
		budget.Window.Milliseconds(),
		consumeArg,
	).Int64Slice()
	if err != nil {
		return false, State{}, err
	}
	if len(res) != 3 {
		return false, State{}, fmt.Errorf("unexpected script reply length %d", len(res))
	}

	return res[0] == 1, State{
		Platform:     platform,
		ConnectionID: connectionID,
		Remaining:    int(res[1]),
		Limit:        budget.Limit,
		ResetAt:      time.UnixMilli(res[2]),
	}, nil
}
