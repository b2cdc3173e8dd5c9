// Package server exposes the orchestrator admin HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/asset"
	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

// Limiter is the rate limiter surface used by the API.
type Limiter interface {
	Remaining(ctx context.Context, platform, connectionID string) (ratelimit.State, error)
	Reset(ctx context.Context, platform, connectionID string) error
}

// Cache is the cache surface used by the API.
type Cache interface {
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// Flusher runs flushes on demand.
type Flusher interface {
	Flush(ctx context.Context, platform string, limit int) (batch.FlushResult, error)
	Platforms() []string
}

// AssetReader is the tiered asset read path.
type AssetReader interface {
	GetAssets(ctx context.Context, in asset.GetAssetsInput) ([]asset.Data, error)
	GetOrgAssets(ctx context.Context, orgID, platform, assetType string, selectedOnly bool) ([]asset.Data, error)
	ClearCache(ctx context.Context, connectionID, platform, assetType string) error
}

// FetcherFunc returns the live fetcher of an asset listing, or false when
// the platform has no API configured.
type FetcherFunc func(platform, connectionID, assetType string) (asset.Fetcher, bool)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps are the collaborators behind the routes.
type Deps struct {
	Queue        *queue.Queue
	Flusher      Flusher
	Limiter      Limiter
	Cache        Cache
	ExecutionLog batch.ExecutionLog
	Gatherer     prometheus.Gatherer

	// Assets and FetcherFor back the asset routes; both are optional.
	Assets     AssetReader
	FetcherFor FetcherFunc

	// ReadyChecks are run by /ready, keyed by dependency name.
	ReadyChecks map[string]Check
}

// Server holds the Echo instance.
type Server struct {
	e      *echo.Echo
	deps   Deps
	logger zerolog.Logger
}

// New creates the server and registers every route.
func New(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger = logger.With().Str("component", "server").Logger()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("HTTP request")
			return nil
		},
	}))

	s := &Server{e: e, deps: deps, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/health", s.handleHealth)
	s.e.GET("/ready", s.handleReady)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.e.Group("/v1")
	v1.POST("/requests", s.handleEnqueue)
	v1.GET("/requests/:id", s.handleGetRequest)
	v1.GET("/platforms", s.handlePlatforms)
	v1.POST("/platforms/:platform/flush", s.handleFlush)
	v1.GET("/platforms/:platform/stats", s.handleStats)
	v1.POST("/platforms/:platform/retry", s.handleRetry)
	v1.GET("/platforms/:platform/batches", s.handleBatches)
	v1.GET("/platforms/:platform/connections/:connection/rate-limit", s.handleRateLimit)
	v1.POST("/platforms/:platform/connections/:connection/rate-limit/reset", s.handleRateLimitReset)
	v1.POST("/connections/:connection/cancel", s.handleCancel)
	v1.POST("/cleanup", s.handleCleanup)
	v1.DELETE("/cache", s.handleInvalidateCache)

	if s.deps.Assets != nil {
		v1.GET("/platforms/:platform/connections/:connection/assets/:type", s.handleGetAssets)
		v1.DELETE("/platforms/:platform/connections/:connection/assets", s.handleClearAssets)
		v1.GET("/orgs/:org/platforms/:platform/assets/:type", s.handleOrgAssets)
	}
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("Starting admin API")
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}
