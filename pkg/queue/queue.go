package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/platform-orchestrator/pkg/metrics"
)

var validate = validator.New()

// EnqueueInput describes a logical request to enqueue.
type EnqueueInput struct {
	OrganizationID string         `json:"organization_id" validate:"required,max=100"`
	Platform       string         `json:"platform" validate:"required,max=50"`
	ConnectionID   string         `json:"connection_id" validate:"required,max=100"`
	RequestType    string         `json:"request_type" validate:"required,max=100"`
	Params         map[string]any `json:"params"`

	// Priority 1 (highest) to 10 (lowest); zero means DefaultPriority.
	Priority int `json:"priority" validate:"omitempty,min=1,max=10"`

	// BatchGroup overrides the default platform:connection grouping key.
	BatchGroup string `json:"batch_group" validate:"omitempty,max=150"`

	// MaxAttempts zero means DefaultMaxAttempts.
	MaxAttempts int `json:"max_attempts" validate:"omitempty,min=1,max=25"`

	// ScheduledAt in the future stores the request as queued until then.
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Validate checks the input with go-playground/validator.
func (in *EnqueueInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid enqueue input: %w", err)
	}
	return nil
}

// Queue is the request queue service on top of a Store.
type Queue struct {
	store   Store
	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Queue. A nil collector gets an unregistered one.
func New(store Store, collector *metrics.Collector, logger zerolog.Logger) *Queue {
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}
	return &Queue{
		store:   store,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the clock used for scheduling decisions.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// NormalizePlatform returns the stored form of a platform name: trimmed and
// lower case.
func NormalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// Enqueue adds a request unless an active request with the same identity
// exists; the live request is returned either way.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (*Request, error) {
	in.Platform = NormalizePlatform(in.Platform)
	if err := in.Validate(); err != nil {
		return nil, err
	}

	hash, err := IdentityHash(in.OrganizationID, in.Platform, in.ConnectionID, in.RequestType, in.Params)
	if err != nil {
		return nil, fmt.Errorf("hash request identity: %w", err)
	}

	now := q.now()
	r := &Request{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Platform:       in.Platform,
		ConnectionID:   in.ConnectionID,
		RequestType:    in.RequestType,
		Params:         in.Params,
		IdentityHash:   hash,
		Priority:       in.Priority,
		BatchGroup:     in.BatchGroup,
		Status:         StatusPending,
		MaxAttempts:    in.MaxAttempts,
		ScheduledAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BatchGroup == "" {
		r.BatchGroup = DefaultBatchGroup(in.Platform, in.ConnectionID)
	}
	if in.ScheduledAt.After(now) {
		r.ScheduledAt = in.ScheduledAt
		r.Status = StatusQueued
	}

	live, created, err := q.store.Insert(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	outcome := "created"
	if !created {
		outcome = "deduplicated"
	}
	q.metrics.RequestsEnqueued.WithLabelValues(in.Platform, outcome).Inc()
	q.logger.Debug().
		Str("platform", in.Platform).
		Str("connection_id", in.ConnectionID).
		Str("request_type", in.RequestType).
		Str("request_id", live.ID.String()).
		Str("outcome", outcome).
		Msg("Request enqueued")

	return live, nil
}

// Get returns a request by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return q.store.Get(ctx, id)
}

// PendingFor returns up to limit eligible requests of platform grouped by
// connection and batch group. Groups appear in the order of their highest
// ranked member; requests inside a group keep (priority, scheduled_at) order.
func (q *Queue) PendingFor(ctx context.Context, platform string, limit int) ([]Group, error) {
	if limit <= 0 {
		return nil, nil
	}
	platform = NormalizePlatform(platform)

	rows, err := q.store.Eligible(ctx, platform, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("select pending requests: %w", err)
	}
	return GroupRequests(rows), nil
}

// GroupRequests groups ordered requests by (connection, batch group).
func GroupRequests(rows []*Request) []Group {
	type groupKey struct{ connection, batchGroup string }

	index := make(map[groupKey]int)
	var groups []Group
	for _, r := range rows {
		bg := r.BatchGroup
		if bg == "" {
			bg = DefaultBatchGroup(r.Platform, r.ConnectionID)
		}
		k := groupKey{r.ConnectionID, bg}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{
				Platform:     r.Platform,
				ConnectionID: r.ConnectionID,
				BatchGroup:   bg,
			})
		}
		groups[i].Requests = append(groups[i].Requests, r)
	}
	return groups
}

// Claim atomically moves the given requests into processing under batchID.
// Requests already claimed elsewhere are not returned.
func (q *Queue) Claim(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]*Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := q.store.Claim(ctx, ids, batchID, q.now())
	if err != nil {
		return nil, fmt.Errorf("claim requests: %w", err)
	}

	if len(claimed) > 0 {
		q.metrics.RequestsClaimed.WithLabelValues(claimed[0].Platform).Add(float64(len(claimed)))
	}
	if len(claimed) < len(ids) {
		q.logger.Debug().
			Str("batch_id", batchID.String()).
			Int("requested", len(ids)).
			Int("claimed", len(claimed)).
			Msg("Some requests were claimed by another flush")
	}
	return claimed, nil
}

// MarkCompleted stores the result of a processing request.
func (q *Queue) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if err := q.store.Complete(ctx, id, result, q.now()); err != nil {
		return fmt.Errorf("mark request %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed records the failure of a processing request. It is not
// requeued; see RetryFailed.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if err := q.store.Fail(ctx, id, message, q.now()); err != nil {
		return fmt.Errorf("mark request %s failed: %w", id, err)
	}
	return nil
}

// RetryFailed resets up to limit failed requests of platform that have
// attempts left back to pending.
func (q *Queue) RetryFailed(ctx context.Context, platform string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	platform = NormalizePlatform(platform)

	n, err := q.store.Requeue(ctx, platform, q.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("requeue failed requests: %w", err)
	}

	q.metrics.RequestsRetried.WithLabelValues(platform).Add(float64(n))
	q.logger.Info().Str("platform", platform).Int("requeued", n).Msg("Failed requests requeued")
	return n, nil
}

// CancelForConnection cancels every active request of a connection. It does
// not interrupt a batch already executing; results for cancelled requests
// are discarded.
func (q *Queue) CancelForConnection(ctx context.Context, connectionID, reason string) (int, error) {
	if connectionID == "" {
		return 0, errors.New("connection id is required")
	}

	n, err := q.store.Cancel(ctx, connectionID, reason, q.now())
	if err != nil {
		return 0, fmt.Errorf("cancel requests: %w", err)
	}

	q.metrics.RequestsCanceled.Add(float64(n))
	q.logger.Info().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Int("cancelled", n).
		Msg("Requests cancelled for connection")
	return n, nil
}

// Stats returns per-status counts for platform.
func (q *Queue) Stats(ctx context.Context, platform string) (Stats, error) {
	platform = NormalizePlatform(platform)
	s, err := q.store.Stats(ctx, platform, q.now().Add(-24*time.Hour))
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	s.Platform = platform
	return s, nil
}

// Cleanup deletes terminal requests not updated within daysOld days.
func (q *Queue) Cleanup(ctx context.Context, daysOld int) (int, error) {
	if daysOld < 1 {
		return 0, fmt.Errorf("days old must be positive, got %d", daysOld)
	}

	n, err := q.store.DeleteTerminal(ctx, q.now().AddDate(0, 0, -daysOld))
	if err != nil {
		return 0, fmt.Errorf("cleanup requests: %w", err)
	}

	q.logger.Info().Int("days_old", daysOld).Int("deleted", n).Msg("Queue cleaned up")
	return n, nil
}
