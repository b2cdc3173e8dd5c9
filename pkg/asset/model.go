package asset

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Repository lookups that match nothing.
	ErrNotFound = errors.New("asset not found")

	// ErrNoData is returned by GetAssets when the live call failed and no
	// stale copy exists.
	ErrNoData = errors.New("no asset data available")
)

// Data is the platform's JSON representation of one asset, stored as-is.
type Data map[string]any

// Ownership types.
const (
	OwnershipOwned    = "owned"
	OwnershipClient   = "client"
	OwnershipManaged  = "managed"
	OwnershipPersonal = "personal"
	OwnershipUnknown  = "unknown"
)

// Record is a persisted platform asset, shared across organizations.
// (Platform, AssetType, PlatformAssetID) is unique.
type Record struct {
	ID              uuid.UUID `json:"id"`
	Platform        string    `json:"platform"`
	AssetType       string    `json:"asset_type"`
	PlatformAssetID string    `json:"platform_asset_id"`
	Name            string    `json:"name,omitempty"`
	Data            Data      `json:"data"`
	ConnectionID    string    `json:"connection_id,omitempty"`
	OwnershipType   string    `json:"ownership_type"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSyncedAt    time.Time `json:"last_synced_at"`
	SyncCount       int       `json:"sync_count"`
	IsActive        bool      `json:"is_active"`
}

// OrgAccess records that an organization reaches an asset through a
// connection. Unique per (OrgID, AssetID, ConnectionID).
type OrgAccess struct {
	OrgID             string    `json:"org_id"`
	AssetID           uuid.UUID `json:"asset_id"`
	ConnectionID      string    `json:"connection_id"`
	AccessTypes       []string  `json:"access_types"`
	Permissions       []string  `json:"permissions"`
	Roles             []string  `json:"roles"`
	IsSelected        bool      `json:"is_selected"`
	LastVerifiedAt    time.Time `json:"last_verified_at"`
	VerificationCount int       `json:"verification_count"`
	IsActive          bool      `json:"is_active"`
}

// Relationship links two assets, e.g. a page to its instagram account.
type Relationship struct {
	ParentAssetID    uuid.UUID `json:"parent_asset_id"`
	ChildAssetID     uuid.UUID `json:"child_asset_id"`
	RelationshipType string    `json:"relationship_type"`
	Data             Data      `json:"data,omitempty"`
	LastVerifiedAt   time.Time `json:"last_verified_at"`
}

// APICall is the audit row of one live platform call.
type APICall struct {
	Platform     string    `json:"platform"`
	ConnectionID string    `json:"connection_id"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	ActionType   string    `json:"action_type"`
	HTTPStatus   int       `json:"http_status"`
	DurationMS   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	CalledAt     time.Time `json:"called_at"`
}

// DataOf returns the Data of each record.
func DataOf(records []Record) []Data {
	out := make([]Data, len(records))
	for i, r := range records {
		out[i] = r.Data
	}
	return out
}
