package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/platform-orchestrator/pkg/queue"
)

const requestColumns = `id, organization_id, platform, connection_id, request_type, params,
	identity_hash, priority, batch_group, status, attempts, max_attempts, scheduled_at,
	started_at, completed_at, result, error_message, batch_id, created_at, updated_at`

// insertAttempts bounds the insert/lookup loop when the live row of an
// identity finishes between the two statements.
const insertAttempts = 3

// QueueStore is the PostgreSQL queue.Store. The partial unique index on
// identity_hash keeps at most one active row per identity; Claim and the
// terminal marks are conditional updates.
type QueueStore struct {
	db *DB
}

// NewQueueStore creates a queue store on db.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

func scanRequest(row pgx.Row) (*queue.Request, error) {
	var (
		r      queue.Request
		status string
		result []byte
		errMsg *string
	)
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.Platform, &r.ConnectionID, &r.RequestType, &r.Params,
		&r.IdentityHash, &r.Priority, &r.BatchGroup, &status, &r.Attempts, &r.MaxAttempts, &r.ScheduledAt,
		&r.StartedAt, &r.CompletedAt, &result, &errMsg, &r.BatchID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = queue.Status(status)
	if result != nil {
		r.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]*queue.Request, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Request, error) {
		return scanRequest(row)
	})
}

func (s *QueueStore) Insert(ctx context.Context, r *queue.Request) (*queue.Request, bool, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, false, fmt.Errorf("encode params: %w", err)
	}

	for i := 0; i < insertAttempts; i++ {
		row := s.db.Pool.QueryRow(ctx, `
			INSERT INTO request_queue (id, organization_id, platform, connection_id, request_type, params,
				identity_hash, priority, batch_group, status, attempts, max_attempts, scheduled_at,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $13)
			RETURNING `+requestColumns,
			r.ID, r.OrganizationID, r.Platform, r.ConnectionID, r.RequestType, params,
			r.IdentityHash, r.Priority, r.BatchGroup, string(r.Status), r.MaxAttempts, r.ScheduledAt,
			r.CreatedAt,
		)
		created, err := scanRequest(row)
		if err == nil {
			return created, true, nil
		}
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("insert request: %w", err)
		}

		live, err := scanRequest(s.db.Pool.QueryRow(ctx, `
			SELECT `+requestColumns+` FROM request_queue
			WHERE identity_hash = $1 AND status IN ('pending', 'queued', 'processing')`,
			r.IdentityHash,
		))
		if err == nil {
			return live, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("load live request: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert request %s: identity kept changing state", r.IdentityHash)
}

func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*queue.Request, error) {
	r, err := scanRequest(s.db.Pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM request_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

func (s *QueueStore) Eligible(ctx context.Context, platform string, now time.Time, limit int) ([]*queue.Request, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM request_queue
		WHERE platform = $1 AND status IN ('pending', 'queued') AND scheduled_at <= $2
		ORDER BY priority, scheduled_at, seq
		LIMIT NULLIF($3::int, 0)`,
		platform, now, max(limit, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("scan eligible requests: %w", err)
	}
	return out, nil
}

func (s *QueueStore) Claim(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID, startedAt time.Time) ([]*queue.Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		UPDATE request_queue
		SET status = 'processing', batch_id = $2, started_at = $3, attempts = attempts + 1, updated_at = $3
		WHERE id = ANY($1::uuid[]) AND status IN ('pending', 'queued')
		RETURNING `+requestColumns,
		uuidStrings(ids), batchID, startedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("claim requests: %w", err)
	}
	claimed, err := collectRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("scan claimed requests: %w", err)
	}
	return claimed, nil
}

func (s *QueueStore) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage, at time.Time) error {
	var payload any
	if result != nil {
		payload = []byte(result)
	}
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE request_queue
		SET status = 'completed', result = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, payload, at,
	)
	if err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return s.checkFinished(ctx, id, tag.RowsAffected())
}

func (s *QueueStore) Fail(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE request_queue
		SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, message, at,
	)
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return s.checkFinished(ctx, id, tag.RowsAffected())
}

func (s *QueueStore) checkFinished(ctx context.Context, id uuid.UUID, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM request_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check request: %w", err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrInvalidTransition
}

func (s *QueueStore) Requeue(ctx context.Context, platform string, scheduledAt time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	// One candidate per identity, and none whose identity already has a
	// live row, so the reset cannot violate the active identity index.
	tag, err := s.db.Pool.Exec(ctx, `
		WITH candidates AS (
			SELECT id FROM (
				SELECT DISTINCT ON (f.identity_hash) f.id, f.priority, f.seq
				FROM request_queue f
				WHERE f.platform = $1 AND f.status = 'failed' AND f.attempts < f.max_attempts
				  AND NOT EXISTS (
					SELECT 1 FROM request_queue a
					WHERE a.identity_hash = f.identity_hash AND a.status IN ('pending', 'queued', 'processing'))
				ORDER BY f.identity_hash, f.priority, f.seq
			) d
			ORDER BY d.priority, d.seq
			LIMIT $3
		)
		UPDATE request_queue r
		SET status = 'pending', scheduled_at = $2, error_message = NULL, batch_id = NULL,
			started_at = NULL, completed_at = NULL, updated_at = $2
		FROM candidates c
		WHERE r.id = c.id AND r.status = 'failed'`,
		platform, scheduledAt, limit,
	)
	if isUniqueViolation(err) {
		// A concurrent enqueue or requeue won the identity; the next run
		// picks up whatever is still failed.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("requeue failed requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *QueueStore) Cancel(ctx context.Context, connectionID, reason string, at time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE request_queue
		SET status = 'cancelled', error_message = $2, completed_at = $3, updated_at = $3
		WHERE connection_id = $1 AND status IN ('pending', 'queued', 'processing')`,
		connectionID, reason, at,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *QueueStore) Stats(ctx context.Context, platform string, completedSince time.Time) (queue.Stats, error) {
	st := queue.Stats{Platform: platform}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'failed' AND attempts < max_attempts),
			count(*) FILTER (WHERE status = 'completed' AND completed_at >= $2),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM request_queue
		WHERE platform = $1`,
		platform, completedSince,
	).Scan(&st.Pending, &st.Queued, &st.Processing, &st.Retryable, &st.Completed24h, &st.Failed, &st.Cancelled)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

func (s *QueueStore) DeleteTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM request_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

var _ queue.Store = (*QueueStore)(nil)
