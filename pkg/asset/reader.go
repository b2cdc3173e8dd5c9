// Package asset implements the tiered read path for platform assets:
// hot cache, then the persisted store, then the platform API behind the rate
// limiter. Failures of the live call degrade to stale persisted data.
package asset

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/cache"
	"github.com/Sternrassler/platform-orchestrator/pkg/client"
	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
	"github.com/Sternrassler/platform-orchestrator/pkg/ratelimit"
)

// DefaultFreshness is how long persisted assets count as fresh.
const DefaultFreshness = 6 * time.Hour

// Fetcher performs the live platform call for one asset listing.
type Fetcher func(ctx context.Context) ([]Data, error)

// Cache is the hot tier.
type Cache interface {
	GetJSON(ctx context.Context, key string, category cache.Category, dst any) error
	Put(ctx context.Context, key string, category cache.Category, value any) error
	Forget(ctx context.Context, key string, category cache.Category) error
}

// Limiter gates live calls.
type Limiter interface {
	Attempt(ctx context.Context, platform, connectionID string) (bool, error)
	Remaining(ctx context.Context, platform, connectionID string) (ratelimit.State, error)
}

// Config holds TieredReader configuration.
type Config struct {
	// Freshness is the age below which persisted assets are served without
	// a live call. Defaults to DefaultFreshness and is never shorter than
	// the platform_assets cache TTL.
	Freshness time.Duration
}

// GetAssetsInput selects one asset listing.
type GetAssetsInput struct {
	ConnectionID string
	Platform     string
	AssetType    string
	Fetcher      Fetcher

	// ForceRefresh skips the cache and persisted tiers.
	ForceRefresh bool

	// OrgID, when set, records organization access for every fetched asset.
	OrgID string
}

// TieredReader serves asset listings from the cheapest tier that has them.
type TieredReader struct {
	repo    Repository
	cache   Cache
	limiter Limiter
	config  Config
	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTieredReader creates a reader. A nil collector gets an unregistered one.
func NewTieredReader(repo Repository, c Cache, limiter Limiter, cfg Config, collector *metrics.Collector, logger zerolog.Logger) *TieredReader {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if ttl := cache.CategoryPlatformAssets.TTL(); cfg.Freshness < ttl {
		cfg.Freshness = ttl
	}
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	return &TieredReader{
		repo:    repo,
		cache:   c,
		limiter: limiter,
		config:  cfg,
		metrics: collector,
		logger:  logger.With().Str("component", "asset_reader").Logger(),
		now:     time.Now,
	}
}

// Freshness returns the effective freshness window.
func (r *TieredReader) Freshness() time.Duration {
	return r.config.Freshness
}

// SetClock replaces the time source.
func (r *TieredReader) SetClock(now func() time.Time) {
	r.now = now
}

func cacheKey(platform, connectionID, assetType string) string {
	return fmt.Sprintf("%s_assets:%s:%s", platform, connectionID, assetType)
}

// GetAssets returns the asset listing for one connection.
//
// Rate limiting is never an error: a denied call returns stale data, or an
// empty listing when there is none. A failed live call also falls back to
// stale data; only when none exists is the error returned (wrapping
// ErrNoData).
func (r *TieredReader) GetAssets(ctx context.Context, in GetAssetsInput) ([]Data, error) {
	if in.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	start := r.now()
	key := cacheKey(in.Platform, in.ConnectionID, in.AssetType)
	log := r.logger.With().
		Str("platform", in.Platform).
		Str("asset_type", in.AssetType).
		Str("connection_id", in.ConnectionID).
		Logger()

	if !in.ForceRefresh {
		var cached []Data
		err := r.cache.GetJSON(ctx, key, cache.CategoryPlatformAssets, &cached)
		switch {
		case err == nil:
			r.metrics.AssetReads.WithLabelValues(in.Platform, "cache").Inc()
			log.Debug().Int("count", len(cached)).Msg("Asset cache hit")
			return cached, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			log.Warn().Err(err).Msg("Asset cache read failed")
		}

		fresh, err := r.repo.GetFreshAssets(ctx, in.Platform, in.AssetType, in.ConnectionID, start.Add(-r.config.Freshness))
		if err != nil {
			log.Warn().Err(err).Msg("Fresh asset lookup failed")
		} else if len(fresh) > 0 {
			data := DataOf(fresh)
			r.cachePut(ctx, key, data, log)
			r.metrics.AssetReads.WithLabelValues(in.Platform, "db").Inc()
			log.Debug().Int("count", len(data)).Msg("Asset DB hit")
			return data, nil
		}
	}

	allowed, err := r.limiter.Attempt(ctx, in.Platform, in.ConnectionID)
	if err != nil {
		log.Warn().Err(err).Msg("Rate limiter unavailable, treating as denied")
	}
	if !allowed {
		log.Warn().Msg("Rate limited, returning stale data")
		stale := r.stale(ctx, in, log)
		if len(stale) == 0 {
			r.metrics.AssetReads.WithLabelValues(in.Platform, "empty").Inc()
			return []Data{}, nil
		}
		r.metrics.AssetReads.WithLabelValues(in.Platform, "stale").Inc()
		return stale, nil
	}

	assets, fetchErr := in.Fetcher(ctx)
	elapsed := r.now().Sub(start)
	if fetchErr != nil {
		r.logCall(ctx, in, statusOf(fetchErr), elapsed, false, log)
		log.Error().Err(fetchErr).Msg("Asset API fetch failed")

		stale := r.stale(ctx, in, log)
		if len(stale) > 0 {
			log.Info().Int("count", len(stale)).Msg("Returning stale data after API failure")
			r.metrics.AssetReads.WithLabelValues(in.Platform, "stale").Inc()
			return stale, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrNoData, fetchErr)
	}
	if assets == nil {
		assets = []Data{}
	}

	r.logCall(ctx, in, http.StatusOK, elapsed, true, log)
	if err := r.persist(ctx, in, assets); err != nil {
		log.Warn().Err(err).Msg("Asset persistence failed")
	}
	r.cachePut(ctx, key, assets, log)
	r.metrics.AssetReads.WithLabelValues(in.Platform, "api").Inc()

	log.Debug().
		Int("count", len(assets)).
		Dur("duration", elapsed).
		Msg("Asset API fetch")
	return assets, nil
}

func (r *TieredReader) persist(ctx context.Context, in GetAssetsInput, assets []Data) error {
	if len(assets) == 0 {
		return nil
	}
	if _, err := r.repo.BulkUpsert(ctx, in.Platform, in.AssetType, assets, in.ConnectionID); err != nil {
		return fmt.Errorf("bulk upsert: %w", err)
	}
	if in.OrgID == "" {
		return nil
	}

	for _, d := range assets {
		id := ExtractPlatformAssetID(d, in.Platform)
		if id == "" {
			continue
		}
		rec, err := r.repo.FindOrCreate(ctx, in.Platform, id, in.AssetType, d)
		if err != nil {
			return fmt.Errorf("find asset %s: %w", id, err)
		}
		err = r.repo.RecordOrgAccess(ctx, OrgAccess{
			OrgID:        in.OrgID,
			AssetID:      rec.ID,
			ConnectionID: in.ConnectionID,
			AccessTypes:  InferAccessTypes(d),
			Permissions:  Permissions(d),
			Roles:        Roles(d),
		})
		if err != nil {
			return fmt.Errorf("record org access %s: %w", id, err)
		}
	}
	return nil
}

func (r *TieredReader) stale(ctx context.Context, in GetAssetsInput, log zerolog.Logger) []Data {
	records, err := r.repo.GetByPlatformAndType(ctx, in.Platform, in.AssetType)
	if err != nil {
		log.Warn().Err(err).Msg("Stale asset lookup failed")
		return nil
	}
	return DataOf(records)
}

func (r *TieredReader) cachePut(ctx context.Context, key string, data []Data, log zerolog.Logger) {
	if err := r.cache.Put(ctx, key, cache.CategoryPlatformAssets, data); err != nil {
		log.Warn().Err(err).Msg("Asset cache write failed")
	}
}

func (r *TieredReader) logCall(ctx context.Context, in GetAssetsInput, status int, elapsed time.Duration, success bool, log zerolog.Logger) {
	err := r.repo.LogAPICall(ctx, APICall{
		Platform:     in.Platform,
		ConnectionID: in.ConnectionID,
		Endpoint:     "/" + in.AssetType,
		Method:       http.MethodGet,
		ActionType:   "asset_sync",
		HTTPStatus:   status,
		DurationMS:   elapsed.Milliseconds(),
		Success:      success,
		CalledAt:     r.now(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("API call log failed")
	}
}

func statusOf(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}
	return http.StatusInternalServerError
}

// RecordRelationship links two assets given by their platform IDs. Nothing
// is recorded unless both assets are known.
func (r *TieredReader) RecordRelationship(ctx context.Context, platform, parentPlatformID, parentType, childPlatformID, childType, relationshipType string, data Data) error {
	parent, err := r.repo.GetByPlatformID(ctx, platform, parentPlatformID, parentType)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get parent asset: %w", err)
	}
	child, err := r.repo.GetByPlatformID(ctx, platform, childPlatformID, childType)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get child asset: %w", err)
	}

	return r.repo.RecordRelationship(ctx, Relationship{
		ParentAssetID:    parent.ID,
		ChildAssetID:     child.ID,
		RelationshipType: relationshipType,
		Data:             data,
		LastVerifiedAt:   r.now(),
	})
}

// GetOrgAssets lists the assets an organization can reach.
func (r *TieredReader) GetOrgAssets(ctx context.Context, orgID, platform, assetType string, selectedOnly bool) ([]Data, error) {
	records, err := r.repo.GetOrgAssets(ctx, orgID, platform, assetType, selectedOnly)
	if err != nil {
		return nil, fmt.Errorf("get org assets: %w", err)
	}
	return DataOf(records), nil
}

// ClearCache drops the cached listing of one asset type, or of every known
// type of the platform when assetType is empty.
func (r *TieredReader) ClearCache(ctx context.Context, connectionID, platform, assetType string) error {
	types := []string{assetType}
	if assetType == "" {
		types = TypesForPlatform(platform)
	}

	var errs []error
	for _, t := range types {
		if err := r.cache.Forget(ctx, cacheKey(platform, connectionID, t), cache.CategoryPlatformAssets); err != nil {
			errs = append(errs, err)
		}
	}

	scope := assetType
	if scope == "" {
		scope = "all"
	}
	r.logger.Info().
		Str("platform", platform).
		Str("connection_id", connectionID).
		Str("asset_type", scope).
		Msg("Asset cache cleared")
	return errors.Join(errs...)
}

// CanMakeAPICall reports whether the connection has budget left, without
// consuming any.
func (r *TieredReader) CanMakeAPICall(ctx context.Context, platform, connectionID string) (bool, error) {
	state, err := r.limiter.Remaining(ctx, platform, connectionID)
	if err != nil {
		return false, err
	}
	return state.Remaining > 0, nil
}

// RateLimitStatus returns the limiter state of the connection.
func (r *TieredReader) RateLimitStatus(ctx context.Context, platform, connectionID string) (ratelimit.State, error) {
	return r.limiter.Remaining(ctx, platform, connectionID)
}
