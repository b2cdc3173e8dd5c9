package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BatchTypeStandard labels flushes without a registered batcher.
const BatchTypeStandard = "standard"

// ExecutionRecord is the audit row of one flushed group.
type ExecutionRecord struct {
	BatchID                 uuid.UUID  `json:"batch_id"`
	Platform                string     `json:"platform"`
	ConnectionID            string     `json:"connection_id"`
	RequestCount            int        `json:"request_count"`
	BatchType               string     `json:"batch_type"`
	APICallsMade            int        `json:"api_calls_made"`
	SuccessCount            int        `json:"success_count"`
	FailureCount            int        `json:"failure_count"`
	StartedAt               time.Time  `json:"started_at"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	RateLimitRemainingAfter *int       `json:"rate_limit_remaining_after,omitempty"`
	RateLimitResetAt        *time.Time `json:"rate_limit_reset_at,omitempty"`
	ErrorContext            string     `json:"error_context,omitempty"`
}

// ExecutionLog persists execution records. Records are written when a group
// is claimed and completed once; they are never read back by the flush.
type ExecutionLog interface {
	Start(ctx context.Context, rec *ExecutionRecord) error
	Complete(ctx context.Context, rec *ExecutionRecord) error

	// Recent lists the newest records of a platform, newest first.
	Recent(ctx context.Context, platform string, limit int) ([]ExecutionRecord, error)
}
