package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/platform-orchestrator/pkg/batch"
)

// ExecutionLog is the PostgreSQL batch.ExecutionLog.
type ExecutionLog struct {
	db *DB
}

// NewExecutionLog creates an execution log on db.
func NewExecutionLog(db *DB) *ExecutionLog {
	return &ExecutionLog{db: db}
}

func (l *ExecutionLog) Start(ctx context.Context, rec *batch.ExecutionRecord) error {
	_, err := l.db.Pool.Exec(ctx, `
		INSERT INTO batch_executions (batch_id, platform, connection_id, request_count, batch_type, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.BatchID, rec.Platform, rec.ConnectionID, rec.RequestCount, rec.BatchType, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start batch execution: %w", err)
	}
	return nil
}

// Complete only updates a record that is not completed yet.
func (l *ExecutionLog) Complete(ctx context.Context, rec *batch.ExecutionRecord) error {
	_, err := l.db.Pool.Exec(ctx, `
		UPDATE batch_executions
		SET api_calls_made = $2, success_count = $3, failure_count = $4, completed_at = $5,
			rate_limit_remaining_after = $6, rate_limit_reset_at = $7, error_context = NULLIF($8, '')
		WHERE batch_id = $1 AND completed_at IS NULL`,
		rec.BatchID, rec.APICallsMade, rec.SuccessCount, rec.FailureCount, rec.CompletedAt,
		rec.RateLimitRemainingAfter, rec.RateLimitResetAt, rec.ErrorContext,
	)
	if err != nil {
		return fmt.Errorf("complete batch execution: %w", err)
	}
	return nil
}

func (l *ExecutionLog) Recent(ctx context.Context, platform string, limit int) ([]batch.ExecutionRecord, error) {
	rows, err := l.db.Pool.Query(ctx, `
		SELECT batch_id, platform, connection_id, request_count, batch_type, api_calls_made,
			success_count, failure_count, started_at, completed_at, rate_limit_remaining_after,
			rate_limit_reset_at, COALESCE(error_context, '')
		FROM batch_executions
		WHERE platform = $1
		ORDER BY started_at DESC
		LIMIT NULLIF($2::int, 0)`,
		platform, max(limit, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query batch executions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (batch.ExecutionRecord, error) {
		var rec batch.ExecutionRecord
		err := row.Scan(&rec.BatchID, &rec.Platform, &rec.ConnectionID, &rec.RequestCount, &rec.BatchType,
			&rec.APICallsMade, &rec.SuccessCount, &rec.FailureCount, &rec.StartedAt, &rec.CompletedAt,
			&rec.RateLimitRemainingAfter, &rec.RateLimitResetAt, &rec.ErrorContext)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan batch executions: %w", err)
	}
	return recs, nil
}

var _ batch.ExecutionLog = (*ExecutionLog)(nil)
