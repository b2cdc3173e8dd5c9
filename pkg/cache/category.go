package cache

import (
	"strings"
	"time"
)

// Category selects the TTL and key prefix of a cache entry.
type Category string

const (
	CategoryAPIResponse    Category = "api_response"
	CategoryQueryResult    Category = "query_result"
	CategoryModelData      Category = "model_data"
	CategoryPlatformAssets Category = "platform_assets"
	CategoryAnalytics      Category = "analytics"
	CategoryPlatformData   Category = "platform_data"
	CategoryUserSession    Category = "user_session"
	CategoryEmbeddings     Category = "embeddings"
	CategoryStaticData     Category = "static_data"
)

// DefaultTTL applies to categories missing from the TTL table.
const DefaultTTL = 10 * time.Minute

var categoryTTL = map[Category]time.Duration{
	CategoryAPIResponse:    5 * time.Minute,
	CategoryQueryResult:    10 * time.Minute,
	CategoryModelData:      15 * time.Minute,
	CategoryPlatformAssets: 15 * time.Minute,
	CategoryAnalytics:      30 * time.Minute,
	CategoryPlatformData:   time.Hour,
	CategoryUserSession:    2 * time.Hour,
	CategoryEmbeddings:     24 * time.Hour,
	CategoryStaticData:     7 * 24 * time.Hour,
}

var categoryPrefix = map[Category]string{
	CategoryAPIResponse:  "api",
	CategoryQueryResult:  "qry",
	CategoryModelData:    "mdl",
	CategoryAnalytics:    "anl",
	CategoryPlatformData: "plt",
	CategoryEmbeddings:   "emb",
}

// TTL returns the lifetime of entries in this category.
func (c Category) TTL() time.Duration {
	if ttl, ok := categoryTTL[c]; ok {
		return ttl
	}
	return DefaultTTL
}

// Prefix returns the short key prefix of the category ("cache" when unset).
func (c Category) Prefix() string {
	if p, ok := categoryPrefix[c]; ok {
		return p
	}
	return "cache"
}

// Categories lists every category with a configured TTL.
func Categories() []Category {
	return []Category{
		CategoryAPIResponse,
		CategoryQueryResult,
		CategoryModelData,
		CategoryPlatformAssets,
		CategoryAnalytics,
		CategoryPlatformData,
		CategoryUserSession,
		CategoryEmbeddings,
		CategoryStaticData,
	}
}

// Key builds the full cache key: {prefix}:{category}:{key}.
//
// Example:
//
//	qry:query_result:campaigns:org:42:active
func Key(category Category, key string) string {
	return category.Prefix() + ":" + string(category) + ":" + strings.TrimPrefix(key, ":")
}
