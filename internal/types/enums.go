package types

// TierKind classifies a plan by how it may be activated.
type TierKind string

const (
	TierFree       TierKind = "free"
	TierSelfServe  TierKind = "self_serve"
	TierQuoteGated TierKind = "quote_gated"
)

// Valid reports whether k is one of the known tier kinds.
func (k TierKind) Valid() bool {
	switch k {
	case TierFree, TierSelfServe, TierQuoteGated:
		return true
	}
	return false
}

// BillingCycle is the recurrence of a paid subscription. The zero value means
// no cycle has been chosen (free or quote-approved plans).
type BillingCycle string

const (
	BillingCycleNone    BillingCycle = ""
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

// ParseBillingCycle accepts the cycle names used in checkout metadata and API
// requests. "yearly" is accepted as an alias for annual.
func ParseBillingCycle(s string) (BillingCycle, bool) {
	switch s {
	case "monthly", "month":
		return BillingCycleMonthly, true
	case "annual", "yearly", "year":
		return BillingCycleAnnual, true
	}
	return BillingCycleNone, false
}

// PlanStatus is the lifecycle state of a tenant's plan assignment.
type PlanStatus string

const (
	PlanStatusActive       PlanStatus = "active"
	PlanStatusQuotePending PlanStatus = "quote_pending"
	PlanStatusOverridden   PlanStatus = "overridden"
)

// TransactionStatus tracks a money movement record.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// QuoteStatus tracks a quote request raised for a quote-gated plan.
type QuoteStatus string

const (
	QuoteStatusOpen     QuoteStatus = "open"
	QuoteStatusApproved QuoteStatus = "approved"
)

// OutboxKind identifies the side effect an outbox task performs.
type OutboxKind string

const (
	OutboxGenerateInvoice    OutboxKind = "generate_invoice"
	OutboxNotify             OutboxKind = "notify"
	OutboxCancelSubscription OutboxKind = "cancel_subscription"
)

// OutboxStatus is the delivery state of an outbox task.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxFailed    OutboxStatus = "failed"
)

// NotificationKind identifies a billing notification sent to a tenant or to sales.
type NotificationKind string

const (
	NotifyQuoteRequested NotificationKind = "quote_requested"
	NotifyQuoteApproved  NotificationKind = "quote_approved"
	NotifyPaymentFailed  NotificationKind = "payment_failed"
	NotifyGraceDowngrade NotificationKind = "grace_period_downgrade"
	NotifyOverrideEnded  NotificationKind = "override_ended"
)
