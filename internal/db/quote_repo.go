package db

import (
	"context"
	"time"

	"carpoolhub/internal/types"
)

// QuoteRequestRepository provides data access for the quote_requests table.
type QuoteRequestRepository struct {
	db DBTX
}

// NewQuoteRequestRepository creates a new QuoteRequestRepository backed by
// the given database connection (pool or transaction).
func NewQuoteRequestRepository(db DBTX) *QuoteRequestRepository {
	return &QuoteRequestRepository{db: db}
}

// Create inserts an open quote request.
func (r *QuoteRequestRepository) Create(ctx context.Context, q *types.QuoteRequest) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO quote_requests (id, tenant_id, requested_plan_id, requested_by, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID,
		q.TenantID,
		q.RequestedPlanID,
		q.RequestedBy,
		string(q.Status),
		q.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create quote request", err)
	}
	return nil
}

// ApproveOpen resolves every open request of the tenant and returns how many
// were resolved.
func (r *QuoteRequestRepository) ApproveOpen(ctx context.Context, tenantID, approvedPlanID, actorID string, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE quote_requests
		 SET status = 'approved', approved_plan_id = $2, resolved_by = $3, resolved_at = $4
		 WHERE tenant_id = $1 AND status = 'open'`,
		tenantID,
		approvedPlanID,
		actorID,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve quote requests", err)
	}
	return int(tag.RowsAffected()), nil
}
