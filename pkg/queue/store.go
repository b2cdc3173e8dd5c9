package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store persists queued requests. Implementations must make Insert and Claim
// atomic: Insert deduplicates against active rows with the same identity
// hash, and Claim only wins rows that are still pending or queued.
type Store interface {
	// Insert stores r unless an active request with the same identity hash
	// exists, in which case that request is returned and created is false.
	Insert(ctx context.Context, r *Request) (live *Request, created bool, err error)

	Get(ctx context.Context, id uuid.UUID) (*Request, error)

	// Eligible returns pending or queued requests of platform whose
	// scheduled_at is not after now, ordered by priority then scheduled_at.
	Eligible(ctx context.Context, platform string, now time.Time, limit int) ([]*Request, error)

	// Claim moves the given pending/queued rows to processing, stamping
	// batchID and startedAt and incrementing attempts. Returns only the rows
	// this call transitioned.
	Claim(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID, startedAt time.Time) ([]*Request, error)

	// Complete and Fail are conditional on status processing and return
	// ErrInvalidTransition otherwise.
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage, at time.Time) error
	Fail(ctx context.Context, id uuid.UUID, message string, at time.Time) error

	// Requeue resets up to limit retryable failed rows of platform to pending.
	Requeue(ctx context.Context, platform string, scheduledAt time.Time, limit int) (int, error)

	// Cancel moves every active row of a connection to cancelled.
	Cancel(ctx context.Context, connectionID, reason string, at time.Time) (int, error)

	// Stats counts rows of platform by status; completedSince bounds the
	// completed count.
	Stats(ctx context.Context, platform string, completedSince time.Time) (Stats, error)

	// DeleteTerminal removes terminal rows last updated before cutoff.
	DeleteTerminal(ctx context.Context, cutoff time.Time) (int, error)
}
