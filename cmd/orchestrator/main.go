// Command orchestrator runs the platform request orchestrator: the admin
// API, the flush scheduler and the tiered asset reader.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/internal/config"
	"github.com/Sternrassler/platform-orchestrator/internal/postgres"
	"github.com/Sternrassler/platform-orchestrator/internal/scheduler"
	"github.com/Sternrassler/platform-orchestrator/internal/server"
	"github.com/Sternrassler/platform-orchestrator/internal/memstore"
	"github.com/Sternrassler/platform-orchestrator/pkg/asset"
	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
	"github.com/Sternrassler/platform-orchestrator/pkg/batch/httpbulk"
	"github.com/Sternrassler/platform-orchestrator/pkg/cache"
	"github.com/Sternrassler/platform-orchestrator/pkg/client"
	"github.com/Sternrassler/platform-orchestrator/pkg/logging"
	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
	"github.com/Sternrassler/platform-orchestrator/pkg/pagination"
	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:       logging.Level(cfg.Log.Level),
		Pretty:      cfg.Log.Pretty,
		Service:     "platform-orchestrator",
		Environment: cfg.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Startup failed")
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

type stores struct {
	queue   queue.Store
	assets  asset.Repository
	execLog batch.ExecutionLog
}

// app holds the wired components of one orchestrator process.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	rdb       *redis.Client
	db        *postgres.DB
	queue     *queue.Queue
	flusher   *batch.Orchestrator
	server    *server.Server
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(a.registry)

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	clients, err := platformClients(cfg.Platforms, collector, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	registry := batch.NewRegistry()
	pages := make(map[string]*pagination.BatchFetcher, len(clients))
	for p, c := range clients {
		registry.Register(httpbulk.New(c, httpbulk.Config{}, logger))
		pages[p] = pagination.NewBatchFetcher(pagination.NewClientFetcher(c, nil), pagination.DefaultConfig(), logger)
	}

	limiter := ratelimit.NewLimiter(a.rdb, ratelimit.Config{Budgets: cfg.Platforms.Budgets}, collector, logger)
	cacheManager := cache.NewManager(a.rdb, collector, logger)
	a.queue = queue.New(st.queue, collector, logger)

	flushPlatforms := cfg.Flush.Platforms
	if len(flushPlatforms) == 0 {
		flushPlatforms = config.KnownPlatforms
	}
	a.flusher = batch.NewOrchestrator(a.queue, registry, limiter, st.execLog, batch.Config{
		BatchTimeout: cfg.Flush.BatchTimeout,
		Platforms:    flushPlatforms,
	}, collector, logger)

	reader := asset.NewTieredReader(st.assets, cacheManager, limiter, asset.Config{Freshness: cfg.Assets.Freshness}, collector, logger)

	a.server = server.New(server.Deps{
		Queue:        a.queue,
		Flusher:      a.flusher,
		Limiter:      limiter,
		Cache:        cacheManager,
		ExecutionLog: st.execLog,
		Gatherer:     a.registry,
		ReadyChecks:  a.readyChecks(),
		Assets:       reader,
		FetcherFor: func(platform, _, assetType string) (asset.Fetcher, bool) {
			bf, ok := pages[platform]
			if !ok {
				return nil, false
			}
			return asset.EndpointFetcher(bf, "/"+assetType), true
		},
	}, logger)

	a.scheduler = scheduler.New(a.flusher, a.requeuer(), scheduler.Config{
		Interval: cfg.Flush.Interval,
		Limit:    cfg.Flush.Limit,
	}, logger)

	return a, nil
}

// requeuer returns the queue when the retry pass is enabled. Failed
// requests otherwise stay failed until retried through the admin API.
func (a *app) requeuer() scheduler.Requeuer {
	if !a.cfg.Flush.RetryFailed {
		return nil
	}
	return a.queue
}

// openStores connects Postgres and applies migrations. Without a database
// URL (local development only) the in-memory stores are used.
func (a *app) openStores(ctx context.Context) (stores, error) {
	if a.cfg.Database.URL == "" {
		a.logger.Warn().Msg("DATABASE_URL not set, using in-memory stores; data is lost on restart")
		return stores{
			queue:   memstore.NewQueueStore(),
			assets:  memstore.NewAssetRepo(),
			execLog: memstore.NewExecutionLog(),
		}, nil
	}

	db, err := postgres.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return stores{}, err
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return stores{}, err
	}
	a.logger.Info().Msg("Database migrations applied")

	return stores{
		queue:   postgres.NewQueueStore(db),
		assets:  postgres.NewAssetRepo(db),
		execLog: postgres.NewExecutionLog(db),
	}, nil
}

func (a *app) readyChecks() map[string]server.Check {
	checks := map[string]server.Check{
		"redis": func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	}
	if a.db != nil {
		checks["postgres"] = a.db.Ping
	}
	return checks
}

// platformClients builds one client per platform with a bulk URL.
func platformClients(cfg config.PlatformsConfig, collector *metrics.Collector, logger zerolog.Logger) (map[string]*client.Client, error) {
	out := make(map[string]*client.Client, len(cfg.BulkURLs))
	for p, u := range cfg.BulkURLs {
		cc := client.DefaultConfig(p, u, cfg.UserAgent)
		if tok := cfg.Tokens[p]; tok != "" {
			cc.Headers = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
		c, err := client.New(cc, collector, logger)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", p, err)
		}
		out[p] = c
		logger.Info().Str("platform", p).Str("url", u).Msg("Bulk batcher registered")
	}
	return out, nil
}

// Run starts the scheduler and serves until ctx is cancelled, then shuts
// both down.
func (a *app) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	addr := ":" + strconv.Itoa(a.cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// Close releases the connections.
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
}
