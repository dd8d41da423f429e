package db

import (
	"context"
	"time"

	"carpoolhub/internal/types"
)

// OutboxRepository provides data access for the billing_outbox table.
type OutboxRepository struct {
	db DBTX
}

// NewOutboxRepository creates a new OutboxRepository backed by the given
// database connection (pool or transaction).
func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue inserts a task. It is called inside the business transaction so the
// task commits or rolls back with the change that caused it.
func (r *OutboxRepository) Enqueue(ctx context.Context, t *types.OutboxTask) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_outbox
		 (id, kind, tenant_id, payload, status, attempts, next_attempt_at, locked_until, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID,
		string(t.Kind),
		t.TenantID,
		[]byte(t.Payload),
		string(t.Status),
		t.Attempts,
		t.NextAttemptAt,
		t.LockedUntil,
		t.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue outbox task", err)
	}
	return nil
}

// ClaimDue leases up to limit due tasks to the caller. FOR UPDATE SKIP LOCKED
// lets concurrent dispatchers claim disjoint batches; the lease keeps a
// claimed task invisible until locked_until passes.
func (r *OutboxRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]types.OutboxTask, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE billing_outbox
		 SET locked_until = $2
		 WHERE id IN (
		     SELECT id FROM billing_outbox
		     WHERE status = 'pending'
		       AND next_attempt_at <= $1
		       AND (locked_until IS NULL OR locked_until <= $1)
		     ORDER BY next_attempt_at
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, kind, tenant_id, payload, status, attempts, next_attempt_at,
		           locked_until, last_error, created_at, delivered_at`,
		now,
		now.Add(lease),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim outbox tasks", err)
	}
	defer rows.Close()

	var tasks []types.OutboxTask
	for rows.Next() {
		var (
			t       types.OutboxTask
			payload []byte
		)
		if err := rows.Scan(
			&t.ID,
			&t.Kind,
			&t.TenantID,
			&payload,
			&t.Status,
			&t.Attempts,
			&t.NextAttemptAt,
			&t.LockedUntil,
			&t.LastError,
			&t.CreatedAt,
			&t.DeliveredAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan outbox task", err)
		}
		t.Payload = payload
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating outbox tasks", err)
	}
	return tasks, nil
}

// MarkDelivered records a successful delivery and releases the lease.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	return r.exec(ctx, "failed to mark outbox task delivered",
		`UPDATE billing_outbox
		 SET status = 'delivered', delivered_at = $2, locked_until = NULL
		 WHERE id = $1`,
		id, now,
	)
}

// MarkRetry schedules another attempt and releases the lease.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.exec(ctx, "failed to reschedule outbox task",
		`UPDATE billing_outbox
		 SET attempts = $2, next_attempt_at = $3, last_error = $4, locked_until = NULL
		 WHERE id = $1`,
		id, attempts, next, lastErr,
	)
}

// MarkFailed parks a task that will not be retried.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.exec(ctx, "failed to mark outbox task failed",
		`UPDATE billing_outbox
		 SET status = 'failed', attempts = $2, last_error = $3, locked_until = NULL
		 WHERE id = $1`,
		id, attempts, lastErr,
	)
}

func (r *OutboxRepository) exec(ctx context.Context, msg, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "outbox task not found", nil)
	}
	return nil
}
