package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// History reasons recorded on plan transitions.
const (
	ReasonSelfServeActivation = "initial/self-serve activation"
	ReasonPaymentCompleted    = "payment completed"
	ReasonSubscriptionEnded   = "subscription cancelled"
	ReasonOverrideManualEnd   = "override ended (manual)"
	ReasonOverrideAutoEnd     = "override ended (automatic)"
	ReasonGraceExpired        = "payment grace period expired"
)

func quoteRequestedReason(plan types.Plan) string {
	return fmt.Sprintf("quote requested for %s; running on free tier until approval", plan.Name)
}

func quoteApprovedReason(actorID string) string {
	return fmt.Sprintf("quote approved by %s", actorID)
}

func overrideStartedReason(days int, reason string) string {
	return fmt.Sprintf("temporary override for %d days: %s", days, reason)
}

func manualChangeReason(actorID, reason string) string {
	if reason == "" {
		return fmt.Sprintf("plan changed by %s", actorID)
	}
	return fmt.Sprintf("plan changed by %s: %s", actorID, reason)
}

// planChange is the effect of a transition on the plan reference.
type planChange struct {
	from    *string
	to      string
	changed bool
}

// The functions below are the only mutators of TenantPlanState. Each one
// validates the current status, applies the transition and reports whether
// the plan reference moved.

func setPlan(st *types.TenantPlanState, planID string) planChange {
	from := st.PlanID
	if from != nil && *from == planID {
		return planChange{from: from, to: planID}
	}
	st.PlanID = lo.ToPtr(planID)
	return planChange{from: from, to: planID, changed: true}
}

func overrideConflict(st *types.TenantPlanState) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConflictOverrideActive,
		"a temporary override is active; deactivate it first", nil,
		map[string]any{"tenant_id": st.TenantID})
}

// activate puts the tenant on plan with nothing pending.
func activate(st *types.TenantPlanState, plan types.Plan) (planChange, error) {
	if st.Status == types.PlanStatusOverridden {
		return planChange{}, overrideConflict(st)
	}
	st.Status = types.PlanStatusActive
	return setPlan(st, plan.ID), nil
}

// openQuote runs the tenant on the free tier while a quote is pending.
func openQuote(st *types.TenantPlanState, free types.Plan) (planChange, error) {
	if st.Status == types.PlanStatusOverridden {
		return planChange{}, overrideConflict(st)
	}
	st.Status = types.PlanStatusQuotePending
	return setPlan(st, free.ID), nil
}

func approveQuote(st *types.TenantPlanState, plan types.Plan, actorID string, now time.Time) (planChange, error) {
	switch st.Status {
	case types.PlanStatusQuotePending:
	case types.PlanStatusOverridden:
		return planChange{}, overrideConflict(st)
	default:
		return planChange{}, types.NewAppErrorWithDetails(types.ErrCodeConflictNoQuotePending,
			"no quote is pending for this tenant", nil, map[string]any{"tenant_id": st.TenantID})
	}
	if !plan.RequiresQuote() {
		return planChange{}, types.NewAppErrorWithDetails(types.ErrCodeConflictNotQuoteGated,
			"plan does not require a quote; use the payment flow", nil, map[string]any{"plan_id": plan.ID})
	}
	st.Status = types.PlanStatusActive
	st.QuoteApprovedAt = lo.ToPtr(now)
	st.QuoteApprovedBy = lo.ToPtr(actorID)
	return setPlan(st, plan.ID), nil
}

// paidTerms are the billing facts established by a completed checkout.
type paidTerms struct {
	cycle          types.BillingCycle
	customerID     string
	subscriptionID string
	periodStart    time.Time
	periodEnd      time.Time
}

// completeCheckout applies a confirmed payment. While an override is active
// the paid plan becomes the override's restore target instead.
func completeCheckout(st *types.TenantPlanState, ov *types.TemporaryOverride, plan types.Plan, terms paidTerms) planChange {
	st.BillingCycle = terms.cycle
	if terms.customerID != "" {
		st.StripeCustomerID = lo.ToPtr(terms.customerID)
	}
	if terms.subscriptionID != "" {
		st.StripeSubscriptionID = lo.ToPtr(terms.subscriptionID)
	}
	st.CurrentPeriodStart = lo.ToPtr(terms.periodStart)
	st.CurrentPeriodEnd = lo.ToPtr(terms.periodEnd)
	st.CancelAtPeriodEnd = false
	clearPaymentFailures(st)

	if st.Status == types.PlanStatusOverridden && ov != nil {
		ov.OriginalPlanID = lo.ToPtr(plan.ID)
		ov.OriginalStatus = types.PlanStatusActive
		return planChange{from: st.PlanID, to: st.CurrentPlanID()}
	}
	st.Status = types.PlanStatusActive
	return setPlan(st, plan.ID)
}

// renew refreshes the period bounds after a recurring payment.
func renew(st *types.TenantPlanState, periodStart, periodEnd time.Time) {
	st.CurrentPeriodStart = lo.ToPtr(periodStart)
	st.CurrentPeriodEnd = lo.ToPtr(periodEnd)
	clearPaymentFailures(st)
}

// recordPaymentFailure keeps the first failure time; the grace period runs from it.
func recordPaymentFailure(st *types.TenantPlanState, now time.Time) {
	if st.PaymentFailedAt == nil {
		st.PaymentFailedAt = lo.ToPtr(now)
	}
	st.FailedPaymentCount++
}

func clearPaymentFailures(st *types.TenantPlanState) {
	st.PaymentFailedAt = nil
	st.FailedPaymentCount = 0
}

func updateSubscriptionTerms(st *types.TenantPlanState, cancelAtPeriodEnd bool, periodStart, periodEnd *time.Time) {
	st.CancelAtPeriodEnd = cancelAtPeriodEnd
	if periodStart != nil && periodEnd != nil {
		st.CurrentPeriodStart = periodStart
		st.CurrentPeriodEnd = periodEnd
	}
}

func clearSubscription(st *types.TenantPlanState) {
	st.StripeSubscriptionID = nil
	st.BillingCycle = types.BillingCycleNone
	st.CurrentPeriodStart = nil
	st.CurrentPeriodEnd = nil
	st.CancelAtPeriodEnd = false
	clearPaymentFailures(st)
}

// detachSubscription unlinks a subscription that no longer backs the plan and
// returns its id, or "" when none was linked. The customer id is kept.
func detachSubscription(st *types.TenantPlanState) string {
	old := lo.FromPtr(st.StripeSubscriptionID)
	if old == "" {
		return ""
	}
	clearSubscription(st)
	return old
}

// cancelSubscription returns the tenant to the free tier once the processor
// ends the subscription. An active override keeps running and restores to free.
func cancelSubscription(st *types.TenantPlanState, ov *types.TemporaryOverride, free types.Plan) planChange {
	clearSubscription(st)
	if st.Status == types.PlanStatusOverridden && ov != nil {
		ov.OriginalPlanID = lo.ToPtr(free.ID)
		ov.OriginalStatus = types.PlanStatusActive
		return planChange{from: st.PlanID, to: st.CurrentPlanID()}
	}
	st.Status = types.PlanStatusActive
	return setPlan(st, free.ID)
}

// downgradeForNonPayment is the grace-period expiry transition. The
// subscription id is kept so the processor's later deletion event still
// resolves to this tenant.
func downgradeForNonPayment(st *types.TenantPlanState, free types.Plan) (planChange, error) {
	if st.Status == types.PlanStatusOverridden {
		return planChange{}, overrideConflict(st)
	}
	clearPaymentFailures(st)
	st.Status = types.PlanStatusActive
	return setPlan(st, free.ID), nil
}

// startOverride snapshots the current assignment into ov and applies the
// override plan.
func startOverride(st *types.TenantPlanState, ov *types.TemporaryOverride) (planChange, error) {
	if st.Status == types.PlanStatusOverridden {
		return planChange{}, overrideConflict(st)
	}
	if st.PlanID == nil {
		return planChange{}, types.NewAppErrorWithDetails(types.ErrCodeConflictPlanNotActivated,
			"tenant has no plan to override yet", nil, map[string]any{"tenant_id": st.TenantID})
	}
	if *st.PlanID == ov.OverridePlanID {
		return planChange{}, types.NewAppErrorWithDetails(types.ErrCodeValidationOverridePlan,
			"override plan equals the current plan", nil, map[string]any{"plan_id": ov.OverridePlanID})
	}
	ov.OriginalPlanID = lo.ToPtr(*st.PlanID)
	ov.OriginalStatus = st.Status
	ov.Active = true
	st.Status = types.PlanStatusOverridden
	return setPlan(st, ov.OverridePlanID), nil
}

// endOverride restores the snapshot taken by startOverride.
func endOverride(st *types.TenantPlanState, ov *types.TemporaryOverride, endedBy *string, now time.Time) (planChange, error) {
	if !ov.Active {
		return planChange{}, types.NewAppErrorWithDetails(types.ErrCodeConflictOverrideInactive,
			"override is not active", nil, map[string]any{"override_id": ov.ID})
	}
	ov.Active = false
	ov.EndedAt = lo.ToPtr(now)
	ov.EndedBy = endedBy
	st.Status = ov.OriginalStatus
	if st.Status == "" || st.Status == types.PlanStatusOverridden {
		st.Status = types.PlanStatusActive
	}
	return setPlan(st, lo.FromPtr(ov.OriginalPlanID)), nil
}

// persistTransition saves st and, when the plan reference moved, appends the
// matching history entry in the same transaction.
func persistTransition(ctx context.Context, tx Tx, st *types.TenantPlanState, change planChange, reason string, actorID *string, now time.Time) error {
	st.UpdatedAt = now
	if err := tx.UpdatePlanState(ctx, st); err != nil {
		return fmt.Errorf("update plan state: %w", err)
	}
	if !change.changed {
		return nil
	}
	entry := &types.PlanHistoryEntry{
		ID:        uuid.NewString(),
		TenantID:  st.TenantID,
		OldPlanID: change.from,
		NewPlanID: change.to,
		Reason:    reason,
		ActorID:   actorID,
		CreatedAt: now,
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("append plan history: %w", err)
	}
	return nil
}

// actorRef returns nil for system actors so history records them as system-initiated.
func actorRef(actor types.Actor) *string {
	if actor.ID == "" || actor.Type == types.ActorTypeSystem {
		return nil
	}
	return lo.ToPtr(actor.ID)
}
