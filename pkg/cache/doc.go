// Package cache is the short-lived hot tier in front of the asset store and
// other expensive lookups.
//
// The Manager keeps two levels:
//
//   - a process-local map, fastest, never shared between processes
//   - Redis, shared by every orchestrator instance
//
// A read checks the local map, then Redis (populating the local map on a
// hit), then optionally calls a generator and writes its result to both
// levels. The local level may be empty or behind Redis at any time; it is only
// a performance optimization.
//
// Every entry belongs to a Category that fixes its TTL and key prefix. Keys are
// stored as {prefix}:{category}:{key}, which keeps glob invalidation simple:
//
//	// all keys of one organization, in any category
//	manager.InvalidatePattern(ctx, "*:org:ORG1:*")
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, collector, logger)
//
//	var report Report
//	err := manager.GetJSON(ctx, "analytics:org:42:summary", cache.CategoryAnalytics, &report)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// compute and Put
//	}
//
//	raw, err := manager.Get(ctx, "org:42", cache.CategoryModelData, func(ctx context.Context) (any, error) {
//		return loadOrganization(ctx, 42)
//	})
//
// # Invalidation
//
// Pattern invalidation uses SCAN MATCH and DEL. It is best-effort: keys
// written concurrently with the scan may survive, and nothing is atomic across
// batches. Local entries are dropped for exactly the keys deleted in Redis.
//
// # Metrics
//
// Hits (by layer), misses, writes, deletes and errors are recorded on the
// injected metrics.Collector.
package cache
