package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts includes the initial request.
	MaxAttempts int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the retry configuration for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// attemptFunc performs one try. It returns the class of the failure (or ""),
// the error, and an optional server-requested wait (Retry-After).
type attemptFunc func() (ErrorClass, time.Duration, error)

type retrier struct {
	policy  func(ErrorClass) RetryConfig
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// do runs fn until it succeeds, returns a non-retryable class, or exhausts
// the attempts configured for the class of the first failure.
func (r retrier) do(ctx context.Context, fn attemptFunc) error {
	var (
		cfg     RetryConfig
		backoff time.Duration
		lastErr error
		class   ErrorClass
	)

	for attempt := 1; ; attempt++ {
		var wait time.Duration
		class, wait, lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info().Int("attempt", attempt).Msg("Request succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(class) {
			return lastErr
		}

		if attempt == 1 {
			cfg = r.policy(class)
			backoff = cfg.InitialBackoff
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		r.metrics.APIRetries.WithLabelValues(string(class)).Inc()

		// ±20% jitter
		delay := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if wait > delay {
			delay = wait
		}
		if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}

		r.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	r.metrics.APIRetryExhausted.WithLabelValues(string(class)).Inc()
	r.logger.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
