package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"carpoolhub/internal/types"
)

const overrideColumns = `id, tenant_id, original_plan_id, original_status, override_plan_id,
	starts_at, ends_at, reason, created_by, active, ended_at, ended_by, created_at`

// OverrideRepository provides data access for the plan_overrides table.
// A partial unique index on (tenant_id) WHERE active enforces at most one
// active override per tenant.
type OverrideRepository struct {
	db DBTX
}

// NewOverrideRepository creates a new OverrideRepository backed by the given
// database connection (pool or transaction).
func NewOverrideRepository(db DBTX) *OverrideRepository {
	return &OverrideRepository{db: db}
}

func scanOverride(row pgx.Row) (*types.TemporaryOverride, error) {
	var o types.TemporaryOverride
	err := row.Scan(
		&o.ID,
		&o.TenantID,
		&o.OriginalPlanID,
		&o.OriginalStatus,
		&o.OverridePlanID,
		&o.StartsAt,
		&o.EndsAt,
		&o.Reason,
		&o.CreatedBy,
		&o.Active,
		&o.EndedAt,
		&o.EndedBy,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetByID reads an override without locking it.
func (r *OverrideRepository) GetByID(ctx context.Context, id string) (*types.TemporaryOverride, error) {
	return r.byID(ctx, `SELECT `+overrideColumns+` FROM plan_overrides WHERE id = $1`, id)
}

// LockByID reads an override and holds a row lock until the transaction ends.
func (r *OverrideRepository) LockByID(ctx context.Context, id string) (*types.TemporaryOverride, error) {
	return r.byID(ctx, `SELECT `+overrideColumns+` FROM plan_overrides WHERE id = $1 FOR UPDATE`, id)
}

func (r *OverrideRepository) byID(ctx context.Context, query, id string) (*types.TemporaryOverride, error) {
	o, err := scanOverride(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundOverride, "override not found", nil,
				map[string]any{"override_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load override", err)
	}
	return o, nil
}

// GetActive returns the tenant's active override, or nil when there is none.
func (r *OverrideRepository) GetActive(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return r.active(ctx, `SELECT `+overrideColumns+` FROM plan_overrides WHERE tenant_id = $1 AND active`, tenantID)
}

// LockActive is GetActive with a row lock.
func (r *OverrideRepository) LockActive(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return r.active(ctx, `SELECT `+overrideColumns+` FROM plan_overrides WHERE tenant_id = $1 AND active FOR UPDATE`, tenantID)
}

func (r *OverrideRepository) active(ctx context.Context, query, tenantID string) (*types.TemporaryOverride, error) {
	o, err := scanOverride(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load active override", err)
	}
	return o, nil
}

// Create inserts a new override. A concurrent active override for the same
// tenant surfaces as ErrCodeConflictOverrideActive.
func (r *OverrideRepository) Create(ctx context.Context, o *types.TemporaryOverride) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO plan_overrides
		 (id, tenant_id, original_plan_id, original_status, override_plan_id,
		  starts_at, ends_at, reason, created_by, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID,
		o.TenantID,
		o.OriginalPlanID,
		string(o.OriginalStatus),
		o.OverridePlanID,
		o.StartsAt,
		o.EndsAt,
		o.Reason,
		o.CreatedBy,
		o.Active,
		o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictOverrideActive,
				"tenant already has an active override", err, map[string]any{"tenant_id": o.TenantID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create override", err)
	}
	return nil
}

// Update writes the snapshot and lifecycle columns of an override.
func (r *OverrideRepository) Update(ctx context.Context, o *types.TemporaryOverride) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plan_overrides
		 SET original_plan_id = $2,
		     original_status = $3,
		     active = $4,
		     ended_at = $5,
		     ended_by = $6
		 WHERE id = $1`,
		o.ID,
		o.OriginalPlanID,
		string(o.OriginalStatus),
		o.Active,
		o.EndedAt,
		o.EndedBy,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update override", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundOverride, "override not found", nil,
			map[string]any{"override_id": o.ID})
	}
	return nil
}

// ListByTenant returns every override of the tenant, newest first.
func (r *OverrideRepository) ListByTenant(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error) {
	return r.list(ctx,
		`SELECT `+overrideColumns+` FROM plan_overrides
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC`,
		tenantID,
	)
}

// ListExpired returns active overrides whose window ended at or before now.
func (r *OverrideRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.TemporaryOverride, error) {
	return r.list(ctx,
		`SELECT `+overrideColumns+` FROM plan_overrides
		 WHERE active AND ends_at <= $1
		 ORDER BY ends_at
		 LIMIT $2`,
		now,
		limit,
	)
}

func (r *OverrideRepository) list(ctx context.Context, query string, args ...any) ([]types.TemporaryOverride, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query overrides", err)
	}
	defer rows.Close()

	var out []types.TemporaryOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan override", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating overrides", err)
	}
	return out, nil
}
