package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

var (
	// ErrCacheMiss indicates the key was found in neither level.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Generator computes a value on a miss. The value is JSON encoded before it
// is stored.
type Generator func(ctx context.Context) (any, error)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Manager is the two-level cache. Safe for concurrent use.
type Manager struct {
	redis   *redis.Client
	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	local map[string]localEntry
}

// NewManager creates a cache manager with a Redis shared tier.
func NewManager(redisClient *redis.Client, collector *metrics.Collector, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	return &Manager{
		redis:   redisClient,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
		local:   make(map[string]localEntry),
	}
}

// Get returns the JSON value stored under key.
//
// On a miss with a non-nil generator the generated value is stored in both
// levels and returned. On a miss without a generator Get returns ErrCacheMiss.
// Shared tier failures are logged and treated as a miss.
func (m *Manager) Get(ctx context.Context, key string, category Category, generate Generator) ([]byte, error) {
	fullKey := Key(category, key)

	if v, ok := m.getLocal(fullKey); ok {
		m.metrics.CacheHits.WithLabelValues("local").Inc()
		m.logger.Debug().Str("cache_key", fullKey).Str("layer", "local").Msg("Cache hit")
		return v, nil
	}

	entry, err := m.getShared(ctx, fullKey)
	switch {
	case err == nil:
		m.setLocal(fullKey, entry.Value, entry.ExpiresAt)
		m.metrics.CacheHits.WithLabelValues("redis").Inc()
		m.logger.Debug().Str("cache_key", fullKey).Str("layer", "redis").Msg("Cache hit")
		return entry.Value, nil
	case errors.Is(err, ErrCacheMiss):
	default:
		m.metrics.CacheErrors.WithLabelValues("get").Inc()
		m.logger.Warn().Err(err).Str("cache_key", fullKey).Msg("Shared cache read failed, treating as miss")
	}

	m.metrics.CacheMisses.Inc()
	m.logger.Debug().Str("cache_key", fullKey).Msg("Cache miss")

	if generate == nil {
		return nil, ErrCacheMiss
	}

	value, err := generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", fullKey, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal generated value: %w", err)
	}
	if err := m.putRaw(ctx, fullKey, category, data); err != nil {
		m.logger.Warn().Err(err).Str("cache_key", fullKey).Msg("Cache write after generate failed")
	}
	return data, nil
}

// GetJSON decodes the cached value of key into dst.
// Returns ErrCacheMiss if neither level holds the key.
func (m *Manager) GetJSON(ctx context.Context, key string, category Category, dst any) error {
	data, err := m.Get(ctx, key, category, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}

// Put stores value (JSON encoded) in both levels with the category TTL.
func (m *Manager) Put(ctx context.Context, key string, category Category, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return m.putRaw(ctx, Key(category, key), category, data)
}

// Forget removes key from both levels.
func (m *Manager) Forget(ctx context.Context, key string, category Category) error {
	fullKey := Key(category, key)

	m.mu.Lock()
	delete(m.local, fullKey)
	m.mu.Unlock()

	if err := m.redis.Del(ctx, fullKey).Err(); err != nil {
		m.metrics.CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	m.metrics.CacheDeletes.Inc()
	m.logger.Debug().Str("cache_key", fullKey).Msg("Cache delete")
	return nil
}

// LocalLen returns the number of entries in the process-local level.
func (m *Manager) LocalLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.local)
}

// ClearLocal empties the process-local level only.
func (m *Manager) ClearLocal() {
	m.mu.Lock()
	m.local = make(map[string]localEntry)
	m.mu.Unlock()
}

// Ping checks the shared tier.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (m *Manager) putRaw(ctx context.Context, fullKey string, category Category, data []byte) error {
	now := m.now()
	ttl := category.TTL()
	entry := Entry{
		Value:     data,
		Category:  category,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	m.setLocal(fullKey, data, entry.ExpiresAt)

	payload, err := json.Marshal(entry)
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := m.redis.Set(ctx, fullKey, payload, ttl).Err(); err != nil {
		m.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	m.metrics.CacheWrites.Inc()
	m.logger.Debug().Str("cache_key", fullKey).Dur("ttl", ttl).Msg("Cache write")
	return nil
}

func (m *Manager) getShared(ctx context.Context, fullKey string) (*Entry, error) {
	data, err := m.redis.Get(ctx, fullKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.IsExpired(m.now()) {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

func (m *Manager) getLocal(fullKey string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.local[fullKey]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		delete(m.local, fullKey)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (m *Manager) setLocal(fullKey string, value []byte, expiresAt time.Time) {
	m.mu.Lock()
	m.local[fullKey] = localEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
}
