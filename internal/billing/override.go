package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// Override duration bounds, in days.
const (
	MinOverrideDays = 7
	MaxOverrideDays = 30

	sweepBatchLimit = 200
)

// CreateOverrideRequest describes a temporary plan substitution.
type CreateOverrideRequest struct {
	TenantID     string
	PlanID       string
	DurationDays int
	Reason       string
	Actor        types.Actor
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// OverrideScheduler creates, ends and expires temporary overrides.
type OverrideScheduler struct {
	store   Store
	catalog Catalog
	outbox  *OutboxRunner
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewOverrideScheduler creates an OverrideScheduler.
func NewOverrideScheduler(store Store, catalog Catalog, outbox *OutboxRunner, metrics Metrics, logger *slog.Logger) *OverrideScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &OverrideScheduler{
		store:   store,
		catalog: catalog,
		outbox:  outbox,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateOverride puts the tenant on req.PlanID for req.DurationDays days.
// Only one override may be active per tenant.
func (s *OverrideScheduler) CreateOverride(ctx context.Context, req CreateOverrideRequest) (*types.TemporaryOverride, error) {
	if req.DurationDays < MinOverrideDays || req.DurationDays > MaxOverrideDays {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationOverrideDuration,
			fmt.Sprintf("override duration must be between %d and %d days", MinOverrideDays, MaxOverrideDays), nil,
			map[string]any{"duration_days": req.DurationDays})
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "override reason is required", nil)
	}
	plan, err := lookupPlan(s.catalog, req.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ov := &types.TemporaryOverride{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		OverridePlanID: plan.ID,
		StartsAt:       now,
		EndsAt:         now.AddDate(0, 0, req.DurationDays),
		Reason:         req.Reason,
		CreatedBy:      req.Actor.ID,
		CreatedAt:      now,
	}

	err = inTx(ctx, s.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, req.TenantID)
		if err != nil {
			return err
		}
		existing, err := tx.LockActiveOverride(ctx, req.TenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictOverrideActive,
				"tenant already has an active override; deactivate it first", nil,
				map[string]any{"override_id": existing.ID, "ends_at": existing.EndsAt})
		}
		change, err := startOverride(st, ov)
		if err != nil {
			return err
		}
		if err := tx.InsertOverride(ctx, ov); err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return persistTransition(ctx, tx, st, change, overrideStartedReason(req.DurationDays, req.Reason), actorRef(req.Actor), now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPlanChange(ctx, "override_started")
	s.logger.InfoContext(ctx, "temporary override created",
		"override_id", ov.ID,
		"tenant_id", ov.TenantID,
		"override_plan_id", ov.OverridePlanID,
		"original_plan_id", lo.FromPtr(ov.OriginalPlanID),
		"ends_at", ov.EndsAt.Format(time.RFC3339),
	)
	return ov, nil
}

// DeactivateOverride ends an active override and restores the suspended plan.
func (s *OverrideScheduler) DeactivateOverride(ctx context.Context, overrideID string, actor types.Actor) (*types.TemporaryOverride, error) {
	ov, err := s.restore(ctx, overrideID, actorRef(actor), ReasonOverrideManualEnd, s.now(), func(*types.TemporaryOverride) bool { return true })
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "temporary override deactivated",
		"override_id", ov.ID,
		"tenant_id", ov.TenantID,
		"actor_id", actor.ID,
	)
	return ov, nil
}

// SweepExpiredOverrides restores every active override whose window has
// elapsed at now. Each override is restored in its own transaction, so
// concurrent sweeps or a racing manual deactivation restore a row at most once.
func (s *OverrideScheduler) SweepExpiredOverrides(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	expired, err := s.store.ListExpiredOverrides(ctx, now, sweepBatchLimit)
	if err != nil {
		return result, fmt.Errorf("listing expired overrides: %w", err)
	}
	result.Expired = len(expired)
	if len(expired) == 0 {
		s.logger.InfoContext(ctx, "no expired overrides to restore")
		return result, nil
	}

	for _, candidate := range expired {
		ov, err := s.restore(ctx, candidate.ID, nil, ReasonOverrideAutoEnd, now, func(o *types.TemporaryOverride) bool {
			return o.Expired(now)
		})
		var appErr *types.AppError
		switch {
		case err == nil:
			result.Restored++
			s.logger.InfoContext(ctx, "expired override restored",
				"override_id", ov.ID,
				"tenant_id", ov.TenantID,
				"restored_plan_id", lo.FromPtr(ov.OriginalPlanID),
			)
		case errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictOverrideInactive:
			// Ended concurrently.
			result.Skipped++
		case errors.Is(err, errNotDue):
			result.Skipped++
		default:
			result.Failed++
			s.logger.ErrorContext(ctx, "failed to restore expired override",
				"override_id", candidate.ID,
				"tenant_id", candidate.TenantID,
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "override sweep complete",
		"expired", result.Expired,
		"restored", result.Restored,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

var errNotDue = errors.New("override not due")

// restore ends the override as of now, which is the sweep's reference time
// for automatic restores.
func (s *OverrideScheduler) restore(ctx context.Context, overrideID string, endedBy *string, reason string, now time.Time, due func(*types.TemporaryOverride) bool) (*types.TemporaryOverride, error) {
	// Read without a lock to learn the tenant, then lock plan state before the
	// override row, matching the lock order of CreateOverride.
	peek, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return nil, err
	}

	effects := newTaskBuffer(s.outbox)
	var ov *types.TemporaryOverride

	err = inTx(ctx, s.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, peek.TenantID)
		if err != nil {
			return err
		}
		ov, err = tx.LockOverride(ctx, overrideID)
		if err != nil {
			return err
		}
		if ov.Active && !due(ov) {
			return errNotDue
		}
		change, err := endOverride(st, ov, endedBy, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateOverride(ctx, ov); err != nil {
			return fmt.Errorf("update override: %w", err)
		}
		if err := persistTransition(ctx, tx, st, change, reason, endedBy, now); err != nil {
			return err
		}
		return effects.notify(ctx, tx, types.Notification{
			Kind:     types.NotifyOverrideEnded,
			TenantID: st.TenantID,
			PlanID:   st.CurrentPlanID(),
			Details:  map[string]string{"override_id": ov.ID, "reason": reason},
		}, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPlanChange(ctx, "override_ended")
	s.outbox.DeliverAfterCommit(ctx, effects.tasks)
	return ov, nil
}

// GetActiveOverride returns the tenant's active override, or a not-found error.
func (s *OverrideScheduler) GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	ov, err := s.store.GetActiveOverride(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ov == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundOverride, "no active override", nil,
			map[string]any{"tenant_id": tenantID})
	}
	return ov, nil
}

// ListOverrides returns all overrides of a tenant, newest first.
func (s *OverrideScheduler) ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error) {
	return s.store.ListOverrides(ctx, tenantID)
}
