package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carpoolhub/internal/types"
)

// DefaultPaymentGracePeriod is how long a tenant keeps its paid plan after the
// first unresolved payment failure.
const DefaultPaymentGracePeriod = 14 * 24 * time.Hour

const graceBatchLimit = 100

// GraceEnforcer downgrades tenants whose payment failures outlived the grace
// period. Overridden tenants are left alone until their override ends.
type GraceEnforcer struct {
	store   Store
	catalog Catalog
	outbox  *OutboxRunner
	metrics Metrics
	grace   time.Duration
	logger  *slog.Logger
}

// NewGraceEnforcer creates a GraceEnforcer. A non-positive grace selects
// DefaultPaymentGracePeriod.
func NewGraceEnforcer(store Store, catalog Catalog, outbox *OutboxRunner, metrics Metrics, grace time.Duration, logger *slog.Logger) *GraceEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if grace <= 0 {
		grace = DefaultPaymentGracePeriod
	}
	return &GraceEnforcer{
		store:   store,
		catalog: catalog,
		outbox:  outbox,
		metrics: metrics,
		grace:   grace,
		logger:  logger,
	}
}

// EnforcePaymentGrace downgrades every delinquent tenant to the free tier and
// returns how many were downgraded. A tenant that fails is retried on the
// next run.
func (g *GraceEnforcer) EnforcePaymentGrace(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-g.grace)

	delinquent, err := g.store.ListGraceExpired(ctx, cutoff, graceBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing delinquent tenants: %w", err)
	}
	if len(delinquent) == 0 {
		g.logger.InfoContext(ctx, "no delinquent tenants to downgrade")
		return 0, nil
	}

	g.logger.InfoContext(ctx, "enforcing payment grace period",
		"delinquent_count", len(delinquent),
		"cutoff", cutoff.Format(time.RFC3339),
	)

	downgraded := 0
	for _, candidate := range delinquent {
		ok, err := g.downgrade(ctx, candidate.TenantID, cutoff, now)
		if err != nil {
			g.logger.ErrorContext(ctx, "failed to downgrade delinquent tenant",
				"tenant_id", candidate.TenantID,
				"error", err,
			)
			continue
		}
		if ok {
			downgraded++
		}
	}

	g.logger.InfoContext(ctx, "payment grace enforcement complete",
		"downgraded", downgraded,
		"total_delinquent", len(delinquent),
	)
	return downgraded, nil
}

func (g *GraceEnforcer) downgrade(ctx context.Context, tenantID string, cutoff, now time.Time) (bool, error) {
	free := g.catalog.FreePlan()
	effects := newTaskBuffer(g.outbox)
	applied := false

	err := inTx(ctx, g.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, tenantID)
		if err != nil {
			return err
		}
		// Re-check under the lock: a renewal may have cleared the failure.
		if st.PaymentFailedAt == nil || st.PaymentFailedAt.After(cutoff) || st.Status == types.PlanStatusOverridden {
			return nil
		}
		failedAt := *st.PaymentFailedAt
		failures := st.FailedPaymentCount
		change, err := downgradeForNonPayment(st, free)
		if err != nil {
			return err
		}
		if err := persistTransition(ctx, tx, st, change, ReasonGraceExpired, nil, now); err != nil {
			return err
		}
		applied = true
		return effects.notify(ctx, tx, types.Notification{
			Kind:     types.NotifyGraceDowngrade,
			TenantID: tenantID,
			PlanID:   free.ID,
			Details: map[string]string{
				"payment_failed_at":    failedAt.Format(time.RFC3339),
				"failed_payment_count": fmt.Sprint(failures),
			},
		}, now)
	})
	if err != nil || !applied {
		return false, err
	}

	g.metrics.RecordPlanChange(ctx, "grace_downgrade")
	g.logger.WarnContext(ctx, "tenant downgraded after payment grace period",
		"tenant_id", tenantID,
		"plan_id", free.ID,
	)
	g.outbox.DeliverAfterCommit(ctx, effects.tasks)
	return true, nil
}
