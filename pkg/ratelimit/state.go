// Package ratelimit gates calls to external ad platforms with a fixed-window
// call budget per (platform, connection). Window state lives in Redis so every
// orchestrator process shares it; reset is lazy and happens on the first
// Attempt or Remaining call after the window has elapsed.
package ratelimit

import (
	"strings"
	"time"
)

// Budget is the number of calls allowed per window for one platform.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudget applies to platforms without an entry in the budget table.
var DefaultBudget = Budget{Limit: 100, Window: time.Hour}

// DefaultBudgets returns the per-platform defaults. The returned map is a
// fresh copy and may be modified by the caller.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		"meta":      {Limit: 200, Window: time.Hour},
		"google":    {Limit: 10000, Window: 24 * time.Hour},
		"linkedin":  {Limit: 100, Window: time.Hour},
		"twitter":   {Limit: 300, Window: time.Hour},
		"pinterest": {Limit: 10, Window: time.Hour},
		"tiktok":    {Limit: 100, Window: time.Hour},
		"snapchat":  {Limit: 100, Window: time.Hour},
		"reddit":    {Limit: 60, Window: time.Hour},
	}
}

// State is a snapshot of one (platform, connection) window.
type State struct {
	Platform     string    `json:"platform"`
	ConnectionID string    `json:"connection_id"`
	Remaining    int       `json:"remaining"`
	Limit        int       `json:"limit"`
	ResetAt      time.Time `json:"reset_at"`
}

// Exhausted reports whether no calls are left in the current window.
func (s State) Exhausted() bool {
	return s.Remaining <= 0
}

// TimeUntilReset returns the duration until the window resets, or 0 if the
// reset time has already passed.
func (s State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// stateKey builds the Redis key for one window: {prefix}:{platform}:{connection}.
func stateKey(prefix, platform, connectionID string) string {
	return prefix + ":" + strings.ToLower(platform) + ":" + connectionID
}
