package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/platform-orchestrator/pkg/asset"
)

type assetKey struct {
	platform, assetType, platformID string
}

type accessKey struct {
	orgID        string
	assetID      uuid.UUID
	connectionID string
}

type relationKey struct {
	parent, child uuid.UUID
	kind          string
}

// AssetRepo is an in-memory asset.Repository.
type AssetRepo struct {
	mu        sync.Mutex
	now       func() time.Time
	assets    map[assetKey]*asset.Record
	order     []assetKey
	access    map[accessKey]*asset.OrgAccess
	relations map[relationKey]asset.Relationship
	calls     []asset.APICall
}

// NewAssetRepo returns an empty repository using time.Now.
func NewAssetRepo() *AssetRepo {
	return &AssetRepo{
		now:       time.Now,
		assets:    make(map[assetKey]*asset.Record),
		access:    make(map[accessKey]*asset.OrgAccess),
		relations: make(map[relationKey]asset.Relationship),
	}
}

// SetClock replaces the time source used for sync and verification stamps.
func (r *AssetRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Seed stores rec as-is, assigning an ID when missing.
func (r *AssetRepo) Seed(rec asset.Record) asset.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	k := assetKey{rec.Platform, rec.AssetType, rec.PlatformAssetID}
	if _, ok := r.assets[k]; !ok {
		r.order = append(r.order, k)
	}
	cp := rec
	r.assets[k] = &cp
	return rec
}

func (r *AssetRepo) list(match func(*asset.Record) bool) []asset.Record {
	var out []asset.Record
	for _, k := range r.order {
		rec := r.assets[k]
		if rec.IsActive && match(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

func (r *AssetRepo) reachable(rec *asset.Record, connectionID string) bool {
	if rec.ConnectionID == connectionID {
		return true
	}
	for k, a := range r.access {
		if k.assetID == rec.ID && k.connectionID == connectionID && a.IsActive {
			return true
		}
	}
	return false
}

func (r *AssetRepo) GetFreshAssets(_ context.Context, platform, assetType, connectionID string, since time.Time) ([]asset.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(rec *asset.Record) bool {
		return rec.Platform == platform && rec.AssetType == assetType &&
			!rec.LastSyncedAt.Before(since) && r.reachable(rec, connectionID)
	}), nil
}

func (r *AssetRepo) GetByPlatformAndType(_ context.Context, platform, assetType string) ([]asset.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(rec *asset.Record) bool {
		return rec.Platform == platform && rec.AssetType == assetType
	}), nil
}

func (r *AssetRepo) BulkUpsert(_ context.Context, platform, assetType string, assets []asset.Data, connectionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, d := range assets {
		id := asset.ExtractPlatformAssetID(d, platform)
		if id == "" {
			continue
		}
		k := assetKey{platform, assetType, id}
		rec, ok := r.assets[k]
		if !ok {
			rec = &asset.Record{
				ID:              uuid.New(),
				Platform:        platform,
				AssetType:       assetType,
				PlatformAssetID: id,
				FirstSeenAt:     now,
			}
			r.assets[k] = rec
			r.order = append(r.order, k)
		}
		rec.Name = asset.Name(d)
		rec.Data = maps.Clone(d)
		rec.OwnershipType = asset.InferOwnershipType(d)
		rec.ConnectionID = connectionID
		rec.LastSyncedAt = now
		rec.SyncCount++
		rec.IsActive = true
		n++
	}
	return n, nil
}

func (r *AssetRepo) FindOrCreate(_ context.Context, platform, platformAssetID, assetType string, data asset.Data) (*asset.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := assetKey{platform, assetType, platformAssetID}
	if rec, ok := r.assets[k]; ok {
		cp := *rec
		return &cp, nil
	}
	now := r.now()
	rec := &asset.Record{
		ID:              uuid.New(),
		Platform:        platform,
		AssetType:       assetType,
		PlatformAssetID: platformAssetID,
		Name:            asset.Name(data),
		Data:            maps.Clone(data),
		OwnershipType:   asset.InferOwnershipType(data),
		FirstSeenAt:     now,
		LastSyncedAt:    now,
		SyncCount:       1,
		IsActive:        true,
	}
	r.assets[k] = rec
	r.order = append(r.order, k)
	cp := *rec
	return &cp, nil
}

func (r *AssetRepo) RecordOrgAccess(_ context.Context, access asset.OrgAccess) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := accessKey{access.OrgID, access.AssetID, access.ConnectionID}
	existing, ok := r.access[k]
	if !ok {
		existing = &asset.OrgAccess{OrgID: access.OrgID, AssetID: access.AssetID, ConnectionID: access.ConnectionID}
		r.access[k] = existing
	}
	existing.AccessTypes = access.AccessTypes
	if len(existing.AccessTypes) == 0 {
		existing.AccessTypes = []string{"read"}
	}
	existing.Permissions = access.Permissions
	existing.Roles = access.Roles
	existing.IsSelected = existing.IsSelected || access.IsSelected
	existing.LastVerifiedAt = r.now()
	existing.VerificationCount++
	existing.IsActive = true
	return nil
}

func (r *AssetRepo) LogAPICall(_ context.Context, call asset.APICall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *AssetRepo) RecordRelationship(_ context.Context, rel asset.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relations[relationKey{rel.ParentAssetID, rel.ChildAssetID, rel.RelationshipType}] = rel
	return nil
}

func (r *AssetRepo) GetByPlatformID(_ context.Context, platform, platformAssetID, assetType string) (*asset.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.assets[assetKey{platform, assetType, platformAssetID}]
	if !ok {
		return nil, asset.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *AssetRepo) GetOrgAssets(_ context.Context, orgID, platform, assetType string, selectedOnly bool) ([]asset.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(rec *asset.Record) bool {
		if rec.Platform != platform || rec.AssetType != assetType {
			return false
		}
		for k, a := range r.access {
			if k.orgID == orgID && k.assetID == rec.ID && a.IsActive && (!selectedOnly || a.IsSelected) {
				return true
			}
		}
		return false
	}), nil
}

// Calls returns the logged API calls.
func (r *AssetRepo) Calls() []asset.APICall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]asset.APICall(nil), r.calls...)
}

// Access returns every org access row.
func (r *AssetRepo) Access() []asset.OrgAccess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]asset.OrgAccess, 0, len(r.access))
	for _, a := range r.access {
		out = append(out, *a)
	}
	return out
}

// Relationships returns every recorded relationship.
func (r *AssetRepo) Relationships() []asset.Relationship {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]asset.Relationship, 0, len(r.relations))
	for _, rel := range r.relations {
		out = append(out, rel)
	}
	return out
}

var _ asset.Repository = (*AssetRepo)(nil)
