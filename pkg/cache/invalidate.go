package cache

import (
	"context"
	"fmt"
)

// scanCount is the COUNT hint per SCAN iteration and the DEL batch size.
const scanCount = 500

// InvalidatePattern deletes every shared key matching the Redis glob pattern
// and drops the same keys from the local level. Returns the number of keys
// deleted in Redis.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)

	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			m.metrics.CacheErrors.WithLabelValues("invalidate").Inc()
			return deleted, fmt.Errorf("scan %q: %w", pattern, err)
		}

		if len(keys) > 0 {
			n, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				m.metrics.CacheErrors.WithLabelValues("invalidate").Inc()
				return deleted, fmt.Errorf("del matched keys: %w", err)
			}
			deleted += int(n)

			m.mu.Lock()
			for _, k := range keys {
				delete(m.local, k)
			}
			m.mu.Unlock()
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	m.metrics.CacheDeletes.Add(float64(deleted))
	m.logger.Info().Str("pattern", pattern).Int("deleted", deleted).Msg("Cache pattern invalidated")
	return deleted, nil
}

// InvalidateCategory deletes every key of one category.
func (m *Manager) InvalidateCategory(ctx context.Context, category Category) (int, error) {
	return m.InvalidatePattern(ctx, Key(category, "*"))
}

// InvalidateOrganization deletes the keys that belong to one organization.
func (m *Manager) InvalidateOrganization(ctx context.Context, orgID string) (int, error) {
	return m.invalidateAll(ctx, []string{
		"*:org:" + orgID + ":*",
		"*:campaigns:org:" + orgID,
		"*:analytics:org:" + orgID,
		"*:platform:org:" + orgID,
	})
}

// InvalidateCampaign deletes the keys that belong to one campaign.
func (m *Manager) InvalidateCampaign(ctx context.Context, campaignID string) (int, error) {
	return m.invalidateAll(ctx, []string{
		"*:campaign:" + campaignID + ":*",
		"*:analytics:campaign:" + campaignID,
		"*:performance:campaign:" + campaignID,
	})
}

func (m *Manager) invalidateAll(ctx context.Context, patterns []string) (int, error) {
	total := 0
	for _, p := range patterns {
		n, err := m.InvalidatePattern(ctx, p)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
