package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/platform-orchestrator/pkg/asset"
)

const assetColumns = `a.id, a.platform, a.asset_type, a.platform_asset_id, COALESCE(a.asset_name, ''),
	a.asset_data, COALESCE(a.connection_id, ''), a.ownership_type, a.first_seen_at, a.last_synced_at,
	a.sync_count, a.is_active`

// AssetRepo is the PostgreSQL asset.Repository.
type AssetRepo struct {
	db  *DB
	now func() time.Time
}

// NewAssetRepo creates an asset repository on db.
func NewAssetRepo(db *DB) *AssetRepo {
	return &AssetRepo{db: db, now: time.Now}
}

// SetClock replaces the time source used for sync and verification stamps.
func (r *AssetRepo) SetClock(now func() time.Time) {
	r.now = now
}

func scanAsset(row pgx.Row) (asset.Record, error) {
	var rec asset.Record
	err := row.Scan(&rec.ID, &rec.Platform, &rec.AssetType, &rec.PlatformAssetID, &rec.Name,
		&rec.Data, &rec.ConnectionID, &rec.OwnershipType, &rec.FirstSeenAt, &rec.LastSyncedAt,
		&rec.SyncCount, &rec.IsActive)
	return rec, err
}

func (r *AssetRepo) query(ctx context.Context, sql string, args ...any) ([]asset.Record, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (asset.Record, error) {
		return scanAsset(row)
	})
}

func (r *AssetRepo) GetFreshAssets(ctx context.Context, platform, assetType, connectionID string, since time.Time) ([]asset.Record, error) {
	recs, err := r.query(ctx, `
		SELECT `+assetColumns+` FROM platform_assets a
		WHERE a.platform = $1 AND a.asset_type = $2 AND a.is_active AND a.last_synced_at >= $4
		  AND (a.connection_id = $3 OR EXISTS (
			SELECT 1 FROM org_asset_access o
			WHERE o.asset_id = a.id AND o.connection_id = $3 AND o.is_active))
		ORDER BY a.first_seen_at, a.platform_asset_id`,
		platform, assetType, connectionID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query fresh assets: %w", err)
	}
	return recs, nil
}

func (r *AssetRepo) GetByPlatformAndType(ctx context.Context, platform, assetType string) ([]asset.Record, error) {
	recs, err := r.query(ctx, `
		SELECT `+assetColumns+` FROM platform_assets a
		WHERE a.platform = $1 AND a.asset_type = $2 AND a.is_active
		ORDER BY a.first_seen_at, a.platform_asset_id`,
		platform, assetType,
	)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	return recs, nil
}

const upsertAsset = `
	INSERT INTO platform_assets (id, platform, asset_type, platform_asset_id, asset_name, asset_data,
		connection_id, ownership_type, first_seen_at, last_synced_at, sync_count, is_active)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $9, 1, TRUE)
	ON CONFLICT (platform, asset_type, platform_asset_id) DO UPDATE
	SET asset_name = EXCLUDED.asset_name,
		asset_data = EXCLUDED.asset_data,
		connection_id = EXCLUDED.connection_id,
		ownership_type = EXCLUDED.ownership_type,
		last_synced_at = EXCLUDED.last_synced_at,
		sync_count = platform_assets.sync_count + 1,
		is_active = TRUE`

// BulkUpsert writes all assets in one round trip.
func (r *AssetRepo) BulkUpsert(ctx context.Context, platform, assetType string, assets []asset.Data, connectionID string) (int, error) {
	now := r.now()
	batch := &pgx.Batch{}
	for _, d := range assets {
		id := asset.ExtractPlatformAssetID(d, platform)
		if id == "" {
			continue
		}
		data, err := json.Marshal(d)
		if err != nil {
			return 0, fmt.Errorf("encode asset %s: %w", id, err)
		}
		batch.Queue(upsertAsset, uuid.New(), platform, assetType, id, asset.Name(d), data,
			connectionID, asset.InferOwnershipType(d), now)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	n := 0
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return n, fmt.Errorf("upsert asset: %w", err)
		}
		n++
	}
	return n, nil
}

func (r *AssetRepo) FindOrCreate(ctx context.Context, platform, platformAssetID, assetType string, data asset.Data) (*asset.Record, error) {
	rec, err := r.GetByPlatformID(ctx, platform, platformAssetID, assetType)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, asset.ErrNotFound) {
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode asset %s: %w", platformAssetID, err)
	}
	now := r.now()
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO platform_assets (id, platform, asset_type, platform_asset_id, asset_name, asset_data,
			ownership_type, first_seen_at, last_synced_at, sync_count, is_active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $8, 1, TRUE)
		ON CONFLICT (platform, asset_type, platform_asset_id) DO NOTHING`,
		uuid.New(), platform, assetType, platformAssetID, asset.Name(data), raw,
		asset.InferOwnershipType(data), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	return r.GetByPlatformID(ctx, platform, platformAssetID, assetType)
}

func (r *AssetRepo) RecordOrgAccess(ctx context.Context, access asset.OrgAccess) error {
	accessTypes := access.AccessTypes
	if len(accessTypes) == 0 {
		accessTypes = []string{"read"}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO org_asset_access (org_id, asset_id, connection_id, access_types, permissions, roles,
			is_selected, last_verified_at, verification_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, TRUE)
		ON CONFLICT (org_id, asset_id, connection_id) DO UPDATE
		SET access_types = EXCLUDED.access_types,
			permissions = EXCLUDED.permissions,
			roles = EXCLUDED.roles,
			is_selected = org_asset_access.is_selected OR EXCLUDED.is_selected,
			last_verified_at = EXCLUDED.last_verified_at,
			verification_count = org_asset_access.verification_count + 1,
			is_active = TRUE`,
		access.OrgID, access.AssetID, access.ConnectionID, accessTypes,
		nonNil(access.Permissions), nonNil(access.Roles), access.IsSelected, r.now(),
	)
	if err != nil {
		return fmt.Errorf("record org access: %w", err)
	}
	return nil
}

func (r *AssetRepo) LogAPICall(ctx context.Context, call asset.APICall) error {
	calledAt := call.CalledAt
	if calledAt.IsZero() {
		calledAt = r.now()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO platform_api_calls (platform, connection_id, endpoint, method, action_type,
			http_status, duration_ms, success, called_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		call.Platform, call.ConnectionID, call.Endpoint, call.Method, call.ActionType,
		call.HTTPStatus, call.DurationMS, call.Success, calledAt,
	)
	if err != nil {
		return fmt.Errorf("log api call: %w", err)
	}
	return nil
}

func (r *AssetRepo) RecordRelationship(ctx context.Context, rel asset.Relationship) error {
	var data []byte
	if rel.Data != nil {
		var err error
		if data, err = json.Marshal(rel.Data); err != nil {
			return fmt.Errorf("encode relationship data: %w", err)
		}
	}
	verified := rel.LastVerifiedAt
	if verified.IsZero() {
		verified = r.now()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO asset_relationships (parent_asset_id, child_asset_id, relationship_type,
			relationship_data, last_verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (parent_asset_id, child_asset_id, relationship_type) DO UPDATE
		SET relationship_data = EXCLUDED.relationship_data,
			last_verified_at = EXCLUDED.last_verified_at`,
		rel.ParentAssetID, rel.ChildAssetID, rel.RelationshipType, data, verified,
	)
	if err != nil {
		return fmt.Errorf("record relationship: %w", err)
	}
	return nil
}

func (r *AssetRepo) GetByPlatformID(ctx context.Context, platform, platformAssetID, assetType string) (*asset.Record, error) {
	rec, err := scanAsset(r.db.Pool.QueryRow(ctx, `
		SELECT `+assetColumns+` FROM platform_assets a
		WHERE a.platform = $1 AND a.platform_asset_id = $2 AND a.asset_type = $3`,
		platform, platformAssetID, assetType,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, asset.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &rec, nil
}

func (r *AssetRepo) GetOrgAssets(ctx context.Context, orgID, platform, assetType string, selectedOnly bool) ([]asset.Record, error) {
	recs, err := r.query(ctx, `
		SELECT `+assetColumns+` FROM platform_assets a
		WHERE a.platform = $2 AND a.asset_type = $3 AND a.is_active
		  AND EXISTS (
			SELECT 1 FROM org_asset_access o
			WHERE o.asset_id = a.id AND o.org_id = $1 AND o.is_active AND (NOT $4 OR o.is_selected))
		ORDER BY a.first_seen_at, a.platform_asset_id`,
		orgID, platform, assetType, selectedOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("query org assets: %w", err)
	}
	return recs, nil
}

// Relationships lists the relationships of a parent asset.
func (r *AssetRepo) Relationships(ctx context.Context, parentID uuid.UUID) ([]asset.Relationship, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT parent_asset_id, child_asset_id, relationship_type, relationship_data, last_verified_at
		FROM asset_relationships WHERE parent_asset_id = $1
		ORDER BY relationship_type, child_asset_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (asset.Relationship, error) {
		var rel asset.Relationship
		err := row.Scan(&rel.ParentAssetID, &rel.ChildAssetID, &rel.RelationshipType, &rel.Data, &rel.LastVerifiedAt)
		return rel, err
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ asset.Repository = (*AssetRepo)(nil)
