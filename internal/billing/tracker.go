package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// UpgradeOutcome tells the caller which path an upgrade request took.
type UpgradeOutcome string

const (
	UpgradeActivated        UpgradeOutcome = "activated"
	UpgradeUnchanged        UpgradeOutcome = "unchanged"
	UpgradeQuoteRequested   UpgradeOutcome = "quote_requested"
	UpgradeCheckoutRequired UpgradeOutcome = "checkout_required"
)

// UpgradeRequest asks to move a tenant to another plan.
type UpgradeRequest struct {
	TenantID      string
	PlanID        string
	BillingCycle  types.BillingCycle
	CustomerEmail string
	Actor         types.Actor
}

// UpgradeResult carries the handle for whichever path was taken.
type UpgradeResult struct {
	Outcome  UpgradeOutcome         `json:"outcome"`
	State    *types.TenantPlanState `json:"state,omitempty"`
	Quote    *types.QuoteRequest    `json:"quote,omitempty"`
	Checkout *CheckoutSession       `json:"checkout,omitempty"`
}

// PlanView is the read projection of a tenant's plan. Status is never
// "overridden": an active override is reported through the Override fields.
type PlanView struct {
	TenantID          string             `json:"tenant_id"`
	Plan              *types.Plan        `json:"plan"`
	Status            types.PlanStatus   `json:"status"`
	BillingCycle      types.BillingCycle `json:"billing_cycle,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	PaymentFailedAt   *time.Time         `json:"payment_failed_at,omitempty"`
	OverrideActive    bool               `json:"override_active"`
	OverrideEndsAt    *time.Time         `json:"override_ends_at,omitempty"`
}

// PlanTracker owns the authoritative plan state of each tenant.
type PlanTracker struct {
	store    Store
	catalog  Catalog
	checkout CheckoutCreator
	quotes   *QuoteWorkflow
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlanTracker creates a PlanTracker. Quote-gated upgrade requests are
// delegated to quotes.
func NewPlanTracker(store Store, catalog Catalog, checkout CheckoutCreator, quotes *QuoteWorkflow, metrics Metrics, logger *slog.Logger) *PlanTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &PlanTracker{
		store:    store,
		catalog:  catalog,
		checkout: checkout,
		quotes:   quotes,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProvisionTenant creates the tenant's plan state row with no plan assigned.
// Calling it again for the same tenant is a no-op.
func (t *PlanTracker) ProvisionTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "tenant_id is required", nil)
	}
	return inTx(ctx, t.store, func(tx Tx) error {
		created, err := tx.ProvisionPlanState(ctx, tenantID, t.now())
		if err != nil {
			return fmt.Errorf("provision plan state: %w", err)
		}
		if created {
			t.logger.InfoContext(ctx, "tenant plan state provisioned", "tenant_id", tenantID)
		}
		return nil
	})
}

// ActivateFree assigns a free-tier plan. It refuses to silently downgrade a
// tenant that is on a paid or quote-gated plan.
func (t *PlanTracker) ActivateFree(ctx context.Context, tenantID, planID string, actor types.Actor) (*types.TenantPlanState, error) {
	plan, err := lookupPlan(t.catalog, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsFree() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"only free-tier plans can be activated directly", nil, map[string]any{"plan_id": plan.ID})
	}
	state, _, err := t.applyFree(ctx, tenantID, plan, actor)
	return state, err
}

func (t *PlanTracker) applyFree(ctx context.Context, tenantID string, plan types.Plan, actor types.Actor) (*types.TenantPlanState, planChange, error) {
	now := t.now()
	var (
		state  *types.TenantPlanState
		change planChange
	)
	err := inTx(ctx, t.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := t.ensureNotPaid(st); err != nil {
			return err
		}
		change, err = activate(st, plan)
		if err != nil {
			return err
		}
		state = st
		return persistTransition(ctx, tx, st, change, ReasonSelfServeActivation, actorRef(actor), now)
	})
	if err != nil {
		return nil, planChange{}, err
	}
	if change.changed {
		t.metrics.RecordPlanChange(ctx, "free_activation")
		t.logger.InfoContext(ctx, "free plan activated",
			"tenant_id", tenantID,
			"plan_id", plan.ID,
		)
	}
	return state, change, nil
}

// ensureNotPaid rejects a move to the free tier from any other tier.
func (t *PlanTracker) ensureNotPaid(st *types.TenantPlanState) error {
	if st.PlanID == nil {
		return nil
	}
	current, ok := t.catalog.Plan(*st.PlanID)
	if ok && current.IsFree() {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictExplicitDowngrade,
		"downgrading to the free tier requires the explicit plan change flow", nil,
		map[string]any{"tenant_id": st.TenantID, "current_plan_id": *st.PlanID})
}

// RequestUpgrade routes a plan request by tier: quote-gated plans open a
// quote, self-serve plans open a checkout session and leave the plan state
// untouched until payment is confirmed, and the free tier applies at once.
func (t *PlanTracker) RequestUpgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	plan, err := lookupPlan(t.catalog, req.PlanID)
	if err != nil {
		return nil, err
	}

	switch plan.Tier {
	case types.TierQuoteGated:
		quote, err := t.quotes.OpenQuoteRequest(ctx, req.TenantID, plan.ID, req.Actor)
		if err != nil {
			return nil, err
		}
		return &UpgradeResult{Outcome: UpgradeQuoteRequested, Quote: quote}, nil

	case types.TierFree:
		state, change, err := t.applyFree(ctx, req.TenantID, plan, req.Actor)
		if err != nil {
			return nil, err
		}
		outcome := UpgradeActivated
		if !change.changed {
			outcome = UpgradeUnchanged
		}
		return &UpgradeResult{Outcome: outcome, State: state}, nil

	case types.TierSelfServe:
		session, err := t.startCheckout(ctx, req, plan)
		if err != nil {
			return nil, err
		}
		return &UpgradeResult{Outcome: UpgradeCheckoutRequired, Checkout: session}, nil
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan, "plan has an unknown tier", nil,
		map[string]any{"plan_id": plan.ID, "tier": string(plan.Tier)})
}

// startCheckout talks to the processor outside any transaction; the plan
// state only changes when the checkout webhook arrives.
func (t *PlanTracker) startCheckout(ctx context.Context, req UpgradeRequest, plan types.Plan) (*CheckoutSession, error) {
	if req.BillingCycle != types.BillingCycleMonthly && req.BillingCycle != types.BillingCycleAnnual {
		return nil, types.NewAppError(types.ErrCodeValidationBillingCycle,
			"billing_cycle must be monthly or annual", nil)
	}

	st, err := t.store.GetPlanState(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if st.CurrentPlanID() == plan.ID && st.StripeSubscriptionID != nil && st.BillingCycle == req.BillingCycle {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyOnPlan,
			"tenant already subscribes to this plan", nil, map[string]any{"plan_id": plan.ID})
	}

	params := CheckoutParams{
		TenantID:      req.TenantID,
		CustomerEmail: req.CustomerEmail,
		CustomerID:    lo.FromPtr(st.StripeCustomerID),
		PlanID:        plan.ID,
		PlanName:      plan.Name,
		UnitAmount:    plan.PriceFor(req.BillingCycle),
		Currency:      plan.Currency,
		BillingCycle:  req.BillingCycle,
	}
	session, err := t.checkout.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	pending := pendingCheckoutTransaction(params, session.ID, t.now())
	err = inTx(ctx, t.store, func(tx Tx) error {
		return tx.InsertTransaction(ctx, pending)
	})
	if err != nil {
		// The completed row is still written from the checkout webhook.
		t.logger.WarnContext(ctx, "failed to record pending checkout transaction",
			"tenant_id", req.TenantID,
			"session_id", session.ID,
			"error", err,
		)
	}

	t.logger.InfoContext(ctx, "checkout session created",
		"tenant_id", req.TenantID,
		"plan_id", plan.ID,
		"billing_cycle", string(req.BillingCycle),
		"session_id", session.ID,
	)
	return session, nil
}

// ChangePlan is the explicit administrative plan change. It may downgrade to
// the free tier and clears any pending quote.
func (t *PlanTracker) ChangePlan(ctx context.Context, tenantID, planID, reason string, admin types.Actor) (*types.TenantPlanState, error) {
	plan, err := lookupPlan(t.catalog, planID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	var state *types.TenantPlanState
	err = inTx(ctx, t.store, func(tx Tx) error {
		st, err := tx.LockPlanState(ctx, tenantID)
		if err != nil {
			return err
		}
		change, err := activate(st, plan)
		if err != nil {
			return err
		}
		state = st
		return persistTransition(ctx, tx, st, change, manualChangeReason(admin.ID, reason), actorRef(admin), now)
	})
	if err != nil {
		return nil, err
	}
	t.metrics.RecordPlanChange(ctx, "manual_change")
	t.logger.InfoContext(ctx, "plan changed manually",
		"tenant_id", tenantID,
		"plan_id", plan.ID,
		"actor_id", admin.ID,
	)
	return state, nil
}

// GetCurrentPlan returns the read projection of the tenant's plan.
func (t *PlanTracker) GetCurrentPlan(ctx context.Context, tenantID string) (*PlanView, error) {
	st, err := t.store.GetPlanState(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	view := &PlanView{
		TenantID:          st.TenantID,
		Status:            st.Status,
		BillingCycle:      st.BillingCycle,
		CurrentPeriodEnd:  st.CurrentPeriodEnd,
		CancelAtPeriodEnd: st.CancelAtPeriodEnd,
		PaymentFailedAt:   st.PaymentFailedAt,
	}
	if p, ok := t.catalog.Plan(st.CurrentPlanID()); ok {
		view.Plan = &p
	}

	if st.Status == types.PlanStatusOverridden {
		ov, err := t.store.GetActiveOverride(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		view.Status = types.PlanStatusActive
		if ov != nil {
			view.OverrideActive = true
			view.OverrideEndsAt = lo.ToPtr(ov.EndsAt)
			if ov.OriginalStatus == types.PlanStatusQuotePending {
				view.Status = types.PlanStatusQuotePending
			}
		}
	}
	return view, nil
}

// ListHistory returns the tenant's plan transitions, newest first.
func (t *PlanTracker) ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return t.store.ListHistory(ctx, tenantID, limit)
}

// Catalog exposes the plan catalog the tracker resolves against.
func (t *PlanTracker) Catalog() Catalog {
	return t.catalog
}
