package asset

import (
	"context"
	"time"
)

// Repository is the persisted tier of the asset read path.
type Repository interface {
	// GetFreshAssets returns active assets of the type synced at or after
	// since and reachable through connectionID.
	GetFreshAssets(ctx context.Context, platform, assetType, connectionID string, since time.Time) ([]Record, error)

	// GetByPlatformAndType returns every active asset of the type regardless
	// of freshness or connection. Used as the stale fallback.
	GetByPlatformAndType(ctx context.Context, platform, assetType string) ([]Record, error)

	// BulkUpsert inserts or refreshes assets keyed by their platform ID,
	// bumping sync_count on existing rows. Assets without an extractable ID
	// are skipped. Returns the number written.
	BulkUpsert(ctx context.Context, platform, assetType string, assets []Data, connectionID string) (int, error)

	FindOrCreate(ctx context.Context, platform, platformAssetID, assetType string, data Data) (*Record, error)

	// RecordOrgAccess upserts the access row and increments its
	// verification count.
	RecordOrgAccess(ctx context.Context, access OrgAccess) error

	LogAPICall(ctx context.Context, call APICall) error

	RecordRelationship(ctx context.Context, rel Relationship) error

	// GetByPlatformID returns ErrNotFound when no asset matches.
	GetByPlatformID(ctx context.Context, platform, platformAssetID, assetType string) (*Record, error)

	GetOrgAssets(ctx context.Context, orgID, platform, assetType string, selectedOnly bool) ([]Record, error)
}
