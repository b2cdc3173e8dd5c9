package cache

import (
	"encoding/json"
	"time"
)

// Entry is the envelope stored in the shared tier.
type Entry struct {
	// Value is the JSON encoded payload.
	Value json.RawMessage `json:"value"`

	Category Category `json:"category"`

	// CachedAt is when the value was written.
	CachedAt time.Time `json:"cached_at"`

	// ExpiresAt is CachedAt plus the category TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry is past its expiry at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the time left until expiry, or 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
