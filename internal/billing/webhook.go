package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// Processor event type names, as delivered by Stripe.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventInvoicePaid          = "invoice.payment_succeeded"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventSubscriptionUpdated  = "customer.subscription.updated"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription,
// which is already accounted for by the checkout event.
const BillingReasonSubscriptionCreate = "subscription_create"

// WebhookOutcome is how the processor disposed of an event.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeSkipped   WebhookOutcome = "skipped"
	// OutcomeRejected events cannot ever be applied (missing metadata, unknown
	// subscription). They are acknowledged so the processor stops redelivering.
	OutcomeRejected WebhookOutcome = "rejected"
)

// EventMeta identifies a delivered processor event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// EventID returns the processor's event id.
func (m EventMeta) EventID() string { return m.ID }

// EventType returns the processor's event type name.
func (m EventMeta) EventType() string { return m.Type }

// WebhookEvent is the closed set of processor events the engine applies.
// Only the types in this file implement it.
type WebhookEvent interface {
	EventID() string
	EventType() string
	webhookEvent()
}

// CheckoutCompleted confirms payment for a hosted checkout session.
type CheckoutCompleted struct {
	EventMeta
	SessionID      string
	CustomerID     string
	SubscriptionID string
	TenantID       string
	PlanID         string
	BillingCycle   string
	AmountTotal    int64
	Currency       string
	PaymentMethod  string
}

// InvoicePaid reports a successful invoice payment.
type InvoicePaid struct {
	EventMeta
	InvoiceID      string
	SubscriptionID string
	BillingReason  string
	AmountPaid     int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// InvoicePaymentFailed reports a failed collection attempt.
type InvoicePaymentFailed struct {
	EventMeta
	InvoiceID      string
	SubscriptionID string
	AmountDue      int64
	Currency       string
	AttemptCount   int
}

// SubscriptionDeleted reports that the processor ended a subscription.
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
}

// SubscriptionUpdated reports changed subscription terms.
type SubscriptionUpdated struct {
	EventMeta
	SubscriptionID    string
	CancelAtPeriodEnd bool
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
}

func (CheckoutCompleted) webhookEvent()    {}
func (InvoicePaid) webhookEvent()          {}
func (InvoicePaymentFailed) webhookEvent() {}
func (SubscriptionDeleted) webhookEvent()  {}
func (SubscriptionUpdated) webhookEvent()  {}

// WebhookProcessor applies verified processor events exactly once. Each event
// is one transaction that starts with the idempotency insert; a duplicate
// delivery finds the event id already recorded and changes nothing.
type WebhookProcessor struct {
	store   Store
	catalog Catalog
	outbox  *OutboxRunner
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(store Store, catalog Catalog, outbox *OutboxRunner, metrics Metrics, logger *slog.Logger) *WebhookProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &WebhookProcessor{
		store:   store,
		catalog: catalog,
		outbox:  outbox,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// errRejected aborts an event that can never be applied.
type errRejected struct {
	reason string
}

func (e *errRejected) Error() string { return e.reason }

func reject(format string, args ...any) error {
	return &errRejected{reason: fmt.Sprintf(format, args...)}
}

// Process applies ev. Storage failures are returned so the caller can let the
// processor redeliver; every other outcome is final.
func (p *WebhookProcessor) Process(ctx context.Context, ev WebhookEvent) (WebhookOutcome, error) {
	var (
		effects *taskBuffer
		err     error
	)
	switch e := ev.(type) {
	case CheckoutCompleted:
		effects, err = p.applyCheckoutCompleted(ctx, e)
	case InvoicePaid:
		if e.BillingReason == BillingReasonSubscriptionCreate {
			p.logger.InfoContext(ctx, "skipping initial subscription invoice",
				"event_id", e.ID,
				"subscription_id", e.SubscriptionID,
			)
			p.metrics.RecordWebhook(ctx, e.Type, OutcomeSkipped)
			return OutcomeSkipped, nil
		}
		effects, err = p.applyInvoicePaid(ctx, e)
	case InvoicePaymentFailed:
		effects, err = p.applyPaymentFailed(ctx, e)
	case SubscriptionDeleted:
		effects, err = p.applySubscriptionDeleted(ctx, e)
	case SubscriptionUpdated:
		effects, err = p.applySubscriptionUpdated(ctx, e)
	default:
		return "", fmt.Errorf("unhandled webhook event %T", ev)
	}

	outcome := OutcomeApplied
	var rejected *errRejected
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateEvent):
		outcome = OutcomeDuplicate
		p.logger.InfoContext(ctx, "duplicate webhook delivery ignored",
			"event_id", ev.EventID(),
			"event_type", ev.EventType(),
		)
	case errors.As(err, &rejected):
		outcome = OutcomeRejected
		p.logger.ErrorContext(ctx, "webhook event cannot be applied",
			"event_id", ev.EventID(),
			"event_type", ev.EventType(),
			"reason", rejected.reason,
		)
	default:
		p.logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", ev.EventID(),
			"event_type", ev.EventType(),
			"error", err,
		)
		return "", err
	}

	p.metrics.RecordWebhook(ctx, ev.EventType(), outcome)
	if outcome == OutcomeApplied && effects != nil {
		p.outbox.DeliverAfterCommit(ctx, effects.tasks)
	}
	return outcome, nil
}

// markProcessed is the idempotency gate. It must be the first statement of
// every event transaction.
func markProcessed(ctx context.Context, tx Tx, meta EventMeta, metadata map[string]string, now time.Time) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	inserted, err := tx.MarkEventProcessed(ctx, &types.ProcessedEvent{
		EventID:     meta.ID,
		EventType:   meta.Type,
		Metadata:    raw,
		ProcessedAt: now,
	})
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	if !inserted {
		return ErrDuplicateEvent
	}
	return nil
}

// lockBySubscription maps a missing subscription to a rejection.
func lockBySubscription(ctx context.Context, tx Tx, subscriptionID string) (*types.TenantPlanState, error) {
	if subscriptionID == "" {
		return nil, reject("event carries no subscription id")
	}
	st, err := tx.LockPlanStateBySubscription(ctx, subscriptionID)
	if err != nil {
		if types.ErrorCodeOf(err) == types.ErrCodeNotFoundSubscription {
			return nil, reject("no tenant holds subscription %s", subscriptionID)
		}
		return nil, err
	}
	return st, nil
}

func cyclePeriodEnd(start time.Time, cycle types.BillingCycle) time.Time {
	if cycle == types.BillingCycleAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func (p *WebhookProcessor) applyCheckoutCompleted(ctx context.Context, e CheckoutCompleted) (*taskBuffer, error) {
	if e.TenantID == "" || e.PlanID == "" {
		return nil, reject("checkout session %s is missing tenant_id or plan_id metadata", e.SessionID)
	}
	plan, ok := p.catalog.Plan(e.PlanID)
	if !ok {
		return nil, reject("checkout session %s references unknown plan %s", e.SessionID, e.PlanID)
	}
	cycle, ok := types.ParseBillingCycle(e.BillingCycle)
	if !ok {
		cycle = types.BillingCycleMonthly
		p.logger.WarnContext(ctx, "checkout session has no usable billing cycle, assuming monthly",
			"event_id", e.ID,
			"billing_cycle", e.BillingCycle,
		)
	}
	currency := lo.Ternary(e.Currency != "", e.Currency, plan.Currency)

	now := p.now()
	paidAt := lo.Ternary(e.Created.IsZero(), now, e.Created)
	effects := newTaskBuffer(p.outbox)

	err := inTx(ctx, p.store, func(tx Tx) error {
		if err := markProcessed(ctx, tx, e.EventMeta, map[string]string{
			"tenant_id":  e.TenantID,
			"plan_id":    e.PlanID,
			"session_id": e.SessionID,
		}, now); err != nil {
			return err
		}

		st, err := tx.LockPlanState(ctx, e.TenantID)
		if err != nil {
			if types.ErrorCodeOf(err) == types.ErrCodeNotFoundTenant {
				return reject("checkout session %s references unknown tenant %s", e.SessionID, e.TenantID)
			}
			return err
		}

		if old := lo.FromPtr(st.StripeSubscriptionID); old != "" && e.SubscriptionID != "" && old != e.SubscriptionID {
			if err := effects.cancelSubscription(ctx, tx, e.TenantID, old, "replaced by checkout "+e.SessionID, now); err != nil {
				return err
			}
		}

		txn := completedTransaction(e.TenantID, plan.ID, e.AmountTotal, currency, cycle, paidAt)
		txn.PaymentMethod = e.PaymentMethod
		txn.ExternalSessionID = lo.EmptyableToPtr(e.SessionID)
		txn.ExternalSubscriptionID = lo.EmptyableToPtr(e.SubscriptionID)
		stored, err := tx.CompleteCheckoutTransaction(ctx, txn)
		if err != nil {
			return fmt.Errorf("record checkout transaction: %w", err)
		}

		ov, err := tx.LockActiveOverride(ctx, e.TenantID)
		if err != nil {
			return err
		}
		change := completeCheckout(st, ov, plan, paidTerms{
			cycle:          cycle,
			customerID:     e.CustomerID,
			subscriptionID: e.SubscriptionID,
			periodStart:    paidAt,
			periodEnd:      cyclePeriodEnd(paidAt, cycle),
		})
		if ov != nil && st.Status == types.PlanStatusOverridden {
			if err := tx.UpdateOverride(ctx, ov); err != nil {
				return fmt.Errorf("update override snapshot: %w", err)
			}
		}
		if err := persistTransition(ctx, tx, st, change, ReasonPaymentCompleted, nil, now); err != nil {
			return err
		}
		return effects.invoice(ctx, tx, e.TenantID, stored.ID, now)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordPlanChange(ctx, "payment_completed")
	p.logger.InfoContext(ctx, "checkout completed",
		"event_id", e.ID,
		"tenant_id", e.TenantID,
		"plan_id", plan.ID,
		"subscription_id", e.SubscriptionID,
	)
	return effects, nil
}

func (p *WebhookProcessor) applyInvoicePaid(ctx context.Context, e InvoicePaid) (*taskBuffer, error) {
	now := p.now()
	effects := newTaskBuffer(p.outbox)
	var tenantID string

	err := inTx(ctx, p.store, func(tx Tx) error {
		if err := markProcessed(ctx, tx, e.EventMeta, map[string]string{
			"invoice_id":      e.InvoiceID,
			"subscription_id": e.SubscriptionID,
			"billing_reason":  e.BillingReason,
		}, now); err != nil {
			return err
		}

		st, err := lockBySubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return err
		}
		tenantID = st.TenantID

		planID := st.CurrentPlanID()
		if st.Status == types.PlanStatusOverridden {
			ov, err := tx.LockActiveOverride(ctx, st.TenantID)
			if err != nil {
				return err
			}
			if ov != nil {
				planID = lo.FromPtr(ov.OriginalPlanID)
			}
		}

		paidAt := lo.Ternary(e.Created.IsZero(), now, e.Created)
		txn := completedTransaction(st.TenantID, planID, e.AmountPaid, e.Currency, st.BillingCycle, paidAt)
		txn.ExternalSubscriptionID = lo.ToPtr(e.SubscriptionID)
		txn.ExternalInvoiceID = lo.EmptyableToPtr(e.InvoiceID)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("record renewal transaction: %w", err)
		}

		periodStart, periodEnd := e.PeriodStart, e.PeriodEnd
		if periodStart.IsZero() || periodEnd.IsZero() {
			periodStart = paidAt
			periodEnd = cyclePeriodEnd(paidAt, st.BillingCycle)
		}
		renew(st, periodStart, periodEnd)
		if err := persistTransition(ctx, tx, st, planChange{}, "", nil, now); err != nil {
			return err
		}
		return effects.invoice(ctx, tx, st.TenantID, txn.ID, now)
	})
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "subscription renewed",
		"event_id", e.ID,
		"tenant_id", tenantID,
		"invoice_id", e.InvoiceID,
		"amount_paid", e.AmountPaid,
	)
	return effects, nil
}

func (p *WebhookProcessor) applyPaymentFailed(ctx context.Context, e InvoicePaymentFailed) (*taskBuffer, error) {
	now := p.now()
	effects := newTaskBuffer(p.outbox)
	var st *types.TenantPlanState

	err := inTx(ctx, p.store, func(tx Tx) error {
		if err := markProcessed(ctx, tx, e.EventMeta, map[string]string{
			"invoice_id":      e.InvoiceID,
			"subscription_id": e.SubscriptionID,
		}, now); err != nil {
			return err
		}

		var err error
		st, err = lockBySubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return err
		}
		recordPaymentFailure(st, now)
		if err := persistTransition(ctx, tx, st, planChange{}, "", nil, now); err != nil {
			return err
		}
		return effects.notify(ctx, tx, types.Notification{
			Kind:     types.NotifyPaymentFailed,
			TenantID: st.TenantID,
			PlanID:   st.CurrentPlanID(),
			Details: map[string]string{
				"invoice_id":        e.InvoiceID,
				"failed_count":      fmt.Sprint(st.FailedPaymentCount),
				"payment_failed_at": st.PaymentFailedAt.Format(time.RFC3339),
			},
		}, now)
	})
	if err != nil {
		return nil, err
	}

	p.logger.WarnContext(ctx, "invoice payment failed",
		"event_id", e.ID,
		"tenant_id", st.TenantID,
		"subscription_id", e.SubscriptionID,
		"attempt_count", e.AttemptCount,
		"failed_payment_count", st.FailedPaymentCount,
	)
	return effects, nil
}

func (p *WebhookProcessor) applySubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) (*taskBuffer, error) {
	now := p.now()
	var tenantID string

	err := inTx(ctx, p.store, func(tx Tx) error {
		if err := markProcessed(ctx, tx, e.EventMeta, map[string]string{
			"subscription_id": e.SubscriptionID,
		}, now); err != nil {
			return err
		}

		st, err := lockBySubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return err
		}
		tenantID = st.TenantID

		var ov *types.TemporaryOverride
		if st.Status == types.PlanStatusOverridden {
			if ov, err = tx.LockActiveOverride(ctx, st.TenantID); err != nil {
				return err
			}
		}
		change := cancelSubscription(st, ov, p.catalog.FreePlan())
		if ov != nil {
			if err := tx.UpdateOverride(ctx, ov); err != nil {
				return fmt.Errorf("update override snapshot: %w", err)
			}
		}
		return persistTransition(ctx, tx, st, change, ReasonSubscriptionEnded, nil, now)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.RecordPlanChange(ctx, "subscription_cancelled")
	p.logger.InfoContext(ctx, "subscription cancelled",
		"event_id", e.ID,
		"tenant_id", tenantID,
		"subscription_id", e.SubscriptionID,
	)
	return nil, nil
}

func (p *WebhookProcessor) applySubscriptionUpdated(ctx context.Context, e SubscriptionUpdated) (*taskBuffer, error) {
	now := p.now()
	err := inTx(ctx, p.store, func(tx Tx) error {
		if err := markProcessed(ctx, tx, e.EventMeta, map[string]string{
			"subscription_id": e.SubscriptionID,
		}, now); err != nil {
			return err
		}
		st, err := lockBySubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return err
		}
		updateSubscriptionTerms(st, e.CancelAtPeriodEnd, e.PeriodStart, e.PeriodEnd)
		return persistTransition(ctx, tx, st, planChange{}, "", nil, now)
	})
	return nil, err
}
