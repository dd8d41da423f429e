package db

import (
	"context"

	"carpoolhub/internal/types"
)

// PlanHistoryRepository provides append-only access to the plan_history table.
type PlanHistoryRepository struct {
	db DBTX
}

// NewPlanHistoryRepository creates a new PlanHistoryRepository backed by the
// given database connection (pool or transaction).
func NewPlanHistoryRepository(db DBTX) *PlanHistoryRepository {
	return &PlanHistoryRepository{db: db}
}

// Append inserts one history entry. Entries are never updated.
func (r *PlanHistoryRepository) Append(ctx context.Context, e *types.PlanHistoryEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO plan_history (id, tenant_id, old_plan_id, new_plan_id, reason, actor_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		e.ID,
		e.TenantID,
		e.OldPlanID,
		e.NewPlanID,
		e.Reason,
		e.ActorID,
		nilIfZeroTime(e.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append plan history", err)
	}
	return nil
}

// List returns the tenant's history, newest first.
func (r *PlanHistoryRepository) List(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, tenant_id, old_plan_id, new_plan_id, reason, actor_id, created_at
		 FROM plan_history
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		tenantID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query plan history", err)
	}
	defer rows.Close()

	var entries []types.PlanHistoryEntry
	for rows.Next() {
		var e types.PlanHistoryEntry
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.OldPlanID,
			&e.NewPlanID,
			&e.Reason,
			&e.ActorID,
			&e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan history entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan history", err)
	}
	return entries, nil
}
