// Package config loads the orchestrator configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/platform-orchestrator/pkg/cache"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	Flush       FlushConfig
	Assets      AssetConfig
	Platforms   PlatformsConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type FlushConfig struct {
	Interval     time.Duration
	Limit        int
	Platforms    []string
	BatchTimeout time.Duration

	// RetryFailed makes the scheduler requeue failed requests with attempts
	// left after each flush.
	RetryFailed bool
}

type AssetConfig struct {
	Freshness time.Duration
}

type PlatformsConfig struct {
	UserAgent string

	// Budgets holds only the overrides; the limiter fills in the defaults.
	Budgets map[string]ratelimit.Budget

	// BulkURLs maps a platform to the base URL of its bulk endpoint. Each
	// entry registers a bulk batcher.
	BulkURLs map[string]string

	// Tokens are sent as bearer tokens to the matching bulk endpoint.
	Tokens map[string]string
}

// KnownPlatforms are the platforms checked for per-platform keys.
var KnownPlatforms = []string{"meta", "google", "tiktok", "linkedin", "twitter", "snapchat", "pinterest", "reddit"}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("orchestrator_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("http_port", 8080)
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("flush_interval", "30s")
	v.SetDefault("flush_limit", 100)
	v.SetDefault("flush_platforms", "")
	v.SetDefault("batch_timeout", "60s")
	v.SetDefault("flush_retry_failed", false)
	v.SetDefault("asset_freshness", "6h")
	v.SetDefault("user_agent", "PlatformOrchestrator/1.0")

	port := v.GetInt("http_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid HTTP_PORT: %d", port)
	}

	redisDB := v.GetInt("redis_db")
	if redisDB < 0 || redisDB > 15 {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %d", redisDB)
	}

	interval := v.GetDuration("flush_interval")
	if interval < time.Second {
		interval = time.Second
	}

	limit := v.GetInt("flush_limit")
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	batchTimeout := v.GetDuration("batch_timeout")
	if batchTimeout <= 0 {
		batchTimeout = 60 * time.Second
	}
	if batchTimeout > 10*time.Minute {
		batchTimeout = 10 * time.Minute
	}

	// Fresh rows must stay fresh at least as long as the asset hot cache
	// holds them.
	freshness := v.GetDuration("asset_freshness")
	if freshness <= 0 {
		freshness = 6 * time.Hour
	}
	if minFresh := cache.CategoryPlatformAssets.TTL(); freshness < minFresh {
		freshness = minFresh
	}

	userAgent := strings.TrimSpace(v.GetString("user_agent"))
	if userAgent == "" {
		userAgent = "PlatformOrchestrator/1.0"
	}

	flushPlatforms := splitList(v.GetString("flush_platforms"))

	cfg := Config{
		Environment: resolveEnvironment(v),
		Server:      ServerConfig{Port: port},
		Database:    DatabaseConfig{URL: strings.TrimSpace(v.GetString("database_url"))},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis_addr")),
			Password: v.GetString("redis_password"),
			DB:       redisDB,
		},
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
			Pretty: v.GetBool("log_pretty"),
		},
		Flush: FlushConfig{
			Interval:     interval,
			Limit:        limit,
			Platforms:    flushPlatforms,
			BatchTimeout: batchTimeout,
			RetryFailed:  v.GetBool("flush_retry_failed"),
		},
		Assets: AssetConfig{Freshness: freshness},
		Platforms: PlatformsConfig{
			UserAgent: userAgent,
			Budgets:   make(map[string]ratelimit.Budget),
			BulkURLs:  make(map[string]string),
			Tokens:    make(map[string]string),
		},
	}

	for _, p := range platformKeys(flushPlatforms) {
		if calls := v.GetInt("rate_limit_" + p); calls > 0 {
			window := v.GetDuration("rate_limit_" + p + "_window")
			if window <= 0 {
				window = ratelimit.DefaultBudget.Window
				if def, ok := ratelimit.DefaultBudgets()[p]; ok {
					window = def.Window
				}
			}
			cfg.Platforms.Budgets[p] = ratelimit.Budget{Limit: calls, Window: window}
		}
		if u := strings.TrimSpace(v.GetString("bulk_url_" + p)); u != "" {
			cfg.Platforms.BulkURLs[p] = u
		}
		if tok := strings.TrimSpace(v.GetString("bulk_token_" + p)); tok != "" {
			cfg.Platforms.Tokens[p] = tok
		}
	}

	if cfg.Database.URL == "" && !cfg.IsLocalDevelopment() {
		return Config{}, fmt.Errorf("DATABASE_URL is required outside local/dev environments")
	}
	return cfg, nil
}

func (c Config) IsLocalDevelopment() bool {
	switch c.Environment {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// platformKeys returns the known platforms plus any extra flush platforms.
func platformKeys(extra []string) []string {
	out := append([]string(nil), KnownPlatforms...)
	for _, p := range extra {
		known := false
		for _, k := range out {
			if k == p {
				known = true
				break
			}
		}
		if !known {
			out = append(out, p)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"orchestrator_env", "app_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
