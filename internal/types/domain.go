package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PlanLimits defines the resource caps a plan grants a tenant.
// Zero means unlimited; enforcement lives with the consumers of these limits.
type PlanLimits struct {
	MaxEvents               int `json:"max_events"`
	MaxParticipantsPerEvent int `json:"max_participants_per_event"`
	MaxVehiclesPerEvent     int `json:"max_vehicles_per_event"`
	MaxAdmins               int `json:"max_admins"`
}

// Plan is a catalog entry. Prices are in minor currency units.
type Plan struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Tier              TierKind   `json:"tier"`
	MonthlyPriceCents int64      `json:"monthly_price_cents"`
	AnnualPriceCents  int64      `json:"annual_price_cents"`
	Currency          string     `json:"currency"`
	Limits            PlanLimits `json:"limits"`
}

// RequiresQuote reports whether the plan can only be activated through an
// approved quote.
func (p Plan) RequiresQuote() bool {
	return p.Tier == TierQuoteGated
}

// IsFree reports whether the plan is the no-cost tier.
func (p Plan) IsFree() bool {
	return p.Tier == TierFree
}

// PriceFor returns the unit amount charged per cycle, or 0 for an unknown cycle.
func (p Plan) PriceFor(cycle BillingCycle) int64 {
	switch cycle {
	case BillingCycleMonthly:
		return p.MonthlyPriceCents
	case BillingCycleAnnual:
		return p.AnnualPriceCents
	}
	return 0
}

// TenantPlanState is the single authoritative plan record for a tenant.
// PlanID is nil only between provisioning and the first activation.
type TenantPlanState struct {
	TenantID string     `json:"tenant_id" db:"tenant_id"`
	PlanID   *string    `json:"plan_id" db:"plan_id"`
	Status   PlanStatus `json:"status" db:"status"`

	BillingCycle         BillingCycle `json:"billing_cycle,omitempty" db:"billing_cycle"`
	StripeCustomerID     *string      `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID *string      `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`
	CurrentPeriodStart   *time.Time   `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd     *time.Time   `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd    bool         `json:"cancel_at_period_end" db:"cancel_at_period_end"`

	QuoteApprovedAt *time.Time `json:"quote_approved_at,omitempty" db:"quote_approved_at"`
	QuoteApprovedBy *string    `json:"quote_approved_by,omitempty" db:"quote_approved_by"`

	// Unresolved payment failures, cleared by a successful renewal.
	PaymentFailedAt    *time.Time `json:"payment_failed_at,omitempty" db:"payment_failed_at"`
	FailedPaymentCount int        `json:"failed_payment_count" db:"failed_payment_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CurrentPlanID returns the plan reference or "" when none is set.
func (s *TenantPlanState) CurrentPlanID() string {
	if s.PlanID == nil {
		return ""
	}
	return *s.PlanID
}

// PlanHistoryEntry is an append-only audit record of a plan transition.
// ActorID is nil for system-initiated changes.
type PlanHistoryEntry struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	OldPlanID *string   `json:"old_plan_id" db:"old_plan_id"`
	NewPlanID string    `json:"new_plan_id" db:"new_plan_id"`
	Reason    string    `json:"reason" db:"reason"`
	ActorID   *string   `json:"actor_id,omitempty" db:"actor_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TemporaryOverride is a time-bounded plan substitution. At most one active
// override exists per tenant.
type TemporaryOverride struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// Snapshot of the assignment suspended by the override.
	OriginalPlanID *string    `json:"original_plan_id" db:"original_plan_id"`
	OriginalStatus PlanStatus `json:"original_status" db:"original_status"`

	OverridePlanID string     `json:"override_plan_id" db:"override_plan_id"`
	StartsAt       time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt         time.Time  `json:"ends_at" db:"ends_at"`
	Reason         string     `json:"reason" db:"reason"`
	CreatedBy      string     `json:"created_by" db:"created_by"`
	Active         bool       `json:"active" db:"active"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	EndedBy        *string    `json:"ended_by,omitempty" db:"ended_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the override window has elapsed at now.
func (o *TemporaryOverride) Expired(now time.Time) bool {
	return !now.Before(o.EndsAt)
}

// ProcessedEvent records that an external event was fully applied.
type ProcessedEvent struct {
	EventID     string          `json:"event_id" db:"event_id"`
	EventType   string          `json:"event_type" db:"event_type"`
	Metadata    json.RawMessage `json:"metadata" db:"metadata"`
	ProcessedAt time.Time       `json:"processed_at" db:"processed_at"`
}

// Transaction records a money movement. Amounts are in minor currency units.
type Transaction struct {
	ID                     string            `json:"id" db:"id"`
	TenantID               string            `json:"tenant_id" db:"tenant_id"`
	PlanID                 string            `json:"plan_id" db:"plan_id"`
	AmountCents            int64             `json:"amount_cents" db:"amount_cents"`
	Currency               string            `json:"currency" db:"currency"`
	Status                 TransactionStatus `json:"status" db:"status"`
	BillingCycle           BillingCycle      `json:"billing_cycle,omitempty" db:"billing_cycle"`
	PaymentMethod          string            `json:"payment_method,omitempty" db:"payment_method"`
	ExternalSessionID      *string           `json:"external_session_id,omitempty" db:"external_session_id"`
	ExternalSubscriptionID *string           `json:"external_subscription_id,omitempty" db:"external_subscription_id"`
	ExternalInvoiceID      *string           `json:"external_invoice_id,omitempty" db:"external_invoice_id"`
	PaidAt                 *time.Time        `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt              time.Time         `json:"created_at" db:"created_at"`
}

// Amount returns the transaction amount in major currency units.
func (t *Transaction) Amount() decimal.Decimal {
	return decimal.NewFromInt(t.AmountCents).Div(decimal.NewFromInt(100))
}

// InvoiceDocument records a rendered invoice for a transaction.
type InvoiceDocument struct {
	ID            string     `json:"id" db:"id"`
	TransactionID string     `json:"transaction_id" db:"transaction_id"`
	Locator       string     `json:"locator" db:"locator"`
	SentAt        *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// QuoteRequest is the human-facing request raised for a quote-gated plan.
type QuoteRequest struct {
	ID              string      `json:"id" db:"id"`
	TenantID        string      `json:"tenant_id" db:"tenant_id"`
	RequestedPlanID string      `json:"requested_plan_id" db:"requested_plan_id"`
	RequestedBy     string      `json:"requested_by" db:"requested_by"`
	Status          QuoteStatus `json:"status" db:"status"`
	ApprovedPlanID  *string     `json:"approved_plan_id,omitempty" db:"approved_plan_id"`
	ResolvedBy      *string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// OutboxTask is a best-effort side effect enqueued in the same transaction as
// the business change that caused it.
type OutboxTask struct {
	ID            string          `json:"id" db:"id"`
	Kind          OutboxKind      `json:"kind" db:"kind"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        OutboxStatus    `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty" db:"locked_until"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
}

// InvoiceTaskPayload is the payload of an OutboxGenerateInvoice task.
type InvoiceTaskPayload struct {
	TransactionID string `json:"transaction_id"`
}

// CancelSubscriptionPayload is the payload of an OutboxCancelSubscription
// task: a processor subscription that no longer backs the tenant's plan.
type CancelSubscriptionPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason"`
}

// Notification is the payload of an OutboxNotify task and the message handed
// to the delivery collaborator.
type Notification struct {
	Kind     NotificationKind  `json:"kind"`
	TenantID string            `json:"tenant_id"`
	PlanID   string            `json:"plan_id,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}
