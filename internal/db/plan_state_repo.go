package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"carpoolhub/internal/types"
)

const planStateColumns = `tenant_id, plan_id, status, billing_cycle,
	stripe_customer_id, stripe_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end,
	quote_approved_at, quote_approved_by,
	payment_failed_at, failed_payment_count,
	created_at, updated_at`

// PlanStateRepository provides data access for the tenant_plan_states table.
// Lock methods use SELECT ... FOR UPDATE and must run inside a transaction.
type PlanStateRepository struct {
	db DBTX
}

// NewPlanStateRepository creates a new PlanStateRepository backed by the
// given database connection (pool or transaction).
func NewPlanStateRepository(db DBTX) *PlanStateRepository {
	return &PlanStateRepository{db: db}
}

func scanPlanState(row pgx.Row) (*types.TenantPlanState, error) {
	var st types.TenantPlanState
	err := row.Scan(
		&st.TenantID,
		&st.PlanID,
		&st.Status,
		&st.BillingCycle,
		&st.StripeCustomerID,
		&st.StripeSubscriptionID,
		&st.CurrentPeriodStart,
		&st.CurrentPeriodEnd,
		&st.CancelAtPeriodEnd,
		&st.QuoteApprovedAt,
		&st.QuoteApprovedBy,
		&st.PaymentFailedAt,
		&st.FailedPaymentCount,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Provision inserts the plan state row with no plan. Returns false when the
// tenant is already provisioned.
func (r *PlanStateRepository) Provision(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO tenant_plan_states (tenant_id, status, created_at, updated_at)
		 VALUES ($1, 'active', $2, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID,
		now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to provision plan state", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get reads the tenant's plan state without locking it.
func (r *PlanStateRepository) Get(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	return r.get(ctx, `SELECT `+planStateColumns+` FROM tenant_plan_states WHERE tenant_id = $1`, tenantID)
}

// Lock reads the tenant's plan state and holds a row lock until the
// transaction ends.
func (r *PlanStateRepository) Lock(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	return r.get(ctx, `SELECT `+planStateColumns+` FROM tenant_plan_states WHERE tenant_id = $1 FOR UPDATE`, tenantID)
}

func (r *PlanStateRepository) get(ctx context.Context, query, tenantID string) (*types.TenantPlanState, error) {
	st, err := scanPlanState(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundTenant, "tenant plan state not found", nil,
				map[string]any{"tenant_id": tenantID})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan state", err)
	}
	return st, nil
}

// LockBySubscription locks the plan state holding the given processor
// subscription.
func (r *PlanStateRepository) LockBySubscription(ctx context.Context, subscriptionID string) (*types.TenantPlanState, error) {
	st, err := scanPlanState(r.db.QueryRow(ctx,
		`SELECT `+planStateColumns+` FROM tenant_plan_states
		 WHERE stripe_subscription_id = $1
		 FOR UPDATE`,
		subscriptionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSubscription, "no tenant holds this subscription", nil,
				map[string]any{"subscription_id": subscriptionID})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan state by subscription", err)
	}
	return st, nil
}

// Update writes every mutable column of the plan state.
func (r *PlanStateRepository) Update(ctx context.Context, st *types.TenantPlanState) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenant_plan_states
		 SET plan_id = $2,
		     status = $3,
		     billing_cycle = $4,
		     stripe_customer_id = $5,
		     stripe_subscription_id = $6,
		     current_period_start = $7,
		     current_period_end = $8,
		     cancel_at_period_end = $9,
		     quote_approved_at = $10,
		     quote_approved_by = $11,
		     payment_failed_at = $12,
		     failed_payment_count = $13,
		     updated_at = $14
		 WHERE tenant_id = $1`,
		st.TenantID,
		st.PlanID,
		string(st.Status),
		string(st.BillingCycle),
		st.StripeCustomerID,
		st.StripeSubscriptionID,
		st.CurrentPeriodStart,
		st.CurrentPeriodEnd,
		st.CancelAtPeriodEnd,
		st.QuoteApprovedAt,
		st.QuoteApprovedBy,
		st.PaymentFailedAt,
		st.FailedPaymentCount,
		st.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update plan state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundTenant, "tenant plan state not found", nil,
			map[string]any{"tenant_id": st.TenantID})
	}
	return nil
}

// ListGraceExpired returns non-overridden tenants whose first unresolved
// payment failure is at or before cutoff, oldest failure first.
func (r *PlanStateRepository) ListGraceExpired(ctx context.Context, cutoff time.Time, limit int) ([]types.TenantPlanState, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planStateColumns+` FROM tenant_plan_states
		 WHERE payment_failed_at IS NOT NULL
		   AND payment_failed_at <= $1
		   AND status <> 'overridden'
		 ORDER BY payment_failed_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query delinquent tenants", err)
	}
	defer rows.Close()

	var out []types.TenantPlanState
	for rows.Next() {
		st, err := scanPlanState(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan state", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan states", err)
	}
	return out, nil
}
