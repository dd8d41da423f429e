package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carpoolhub/internal/types"
)

// QuoteWorkflow raises and resolves approval requests for quote-gated plans.
type QuoteWorkflow struct {
	store   Store
	catalog Catalog
	outbox  *OutboxRunner
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewQuoteWorkflow creates a QuoteWorkflow.
func NewQuoteWorkflow(store Store, catalog Catalog, outbox *OutboxRunner, metrics Metrics, logger *slog.Logger) *QuoteWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &QuoteWorkflow{
		store:   store,
		catalog: catalog,
		outbox:  outbox,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenQuoteRequest records a request for a quote-gated plan and moves the
// tenant onto the free tier with a quote pending. A tenant already on free
// gets no history entry since its plan does not move; the quote request row
// is the record of the request.
func (q *QuoteWorkflow) OpenQuoteRequest(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.QuoteRequest, error) {
	plan, err := lookupPlan(q.catalog, planID)
	if err != nil {
		return nil, err
	}
	if !plan.RequiresQuote() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictNotQuoteGated,
			"plan does not require a quote; use the payment flow", nil, map[string]any{"plan_id": plan.ID})
	}

	now := q.now()
	req := &types.QuoteRequest{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		RequestedPlanID: plan.ID,
		RequestedBy:     actor.ID,
		Status:          types.QuoteStatusOpen,
		CreatedAt:       now,
	}
	effects := newTaskBuffer(q.outbox)

	err = inTx(ctx, q.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, tenantID)
		if err != nil {
			return err
		}
		change, err := openQuote(st, q.catalog.FreePlan())
		if err != nil {
			return err
		}
		if err := tx.InsertQuoteRequest(ctx, req); err != nil {
			return fmt.Errorf("insert quote request: %w", err)
		}
		if err := persistTransition(ctx, tx, st, change, quoteRequestedReason(plan), actorRef(actor), now); err != nil {
			return err
		}
		return effects.notify(ctx, tx, types.Notification{
			Kind:     types.NotifyQuoteRequested,
			TenantID: tenantID,
			PlanID:   plan.ID,
			Details:  map[string]string{"quote_request_id": req.ID, "requested_by": actor.ID},
		}, now)
	})
	if err != nil {
		return nil, err
	}

	q.metrics.RecordPlanChange(ctx, "quote_requested")
	q.logger.InfoContext(ctx, "quote requested",
		"tenant_id", tenantID,
		"plan_id", plan.ID,
		"quote_request_id", req.ID,
	)
	q.outbox.DeliverAfterCommit(ctx, effects.tasks)
	return req, nil
}

// ApproveQuote moves a tenant with a pending quote onto the approved
// quote-gated plan.
func (q *QuoteWorkflow) ApproveQuote(ctx context.Context, tenantID, planID string, admin types.Actor) (*types.TenantPlanState, error) {
	plan, err := lookupPlan(q.catalog, planID)
	if err != nil {
		return nil, err
	}

	now := q.now()
	effects := newTaskBuffer(q.outbox)
	var state *types.TenantPlanState

	err = inTx(ctx, q.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, tenantID)
		if err != nil {
			return err
		}
		change, err := approveQuote(st, plan, admin.ID, now)
		if err != nil {
			return err
		}
		if old := detachSubscription(st); old != "" {
			if err := effects.cancelSubscription(ctx, tx, tenantID, old, "superseded by quote approval", now); err != nil {
				return err
			}
		}
		if _, err := tx.ResolveQuoteRequests(ctx, tenantID, plan.ID, admin.ID, now); err != nil {
			return fmt.Errorf("resolve quote requests: %w", err)
		}
		if err := persistTransition(ctx, tx, st, change, quoteApprovedReason(admin.ID), actorRef(admin), now); err != nil {
			return err
		}
		state = st
		return effects.notify(ctx, tx, types.Notification{
			Kind:     types.NotifyQuoteApproved,
			TenantID: tenantID,
			PlanID:   plan.ID,
			Details:  map[string]string{"approved_by": admin.ID},
		}, now)
	})
	if err != nil {
		return nil, err
	}

	q.metrics.RecordPlanChange(ctx, "quote_approved")
	q.logger.InfoContext(ctx, "quote approved",
		"tenant_id", tenantID,
		"plan_id", plan.ID,
		"approved_by", admin.ID,
	)
	q.outbox.DeliverAfterCommit(ctx, effects.tasks)
	return state, nil
}
