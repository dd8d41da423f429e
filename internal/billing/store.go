package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carpoolhub/internal/types"
)

// ErrDuplicateEvent aborts a webhook transaction whose event id was already
// recorded. It never leaves the processor.
var ErrDuplicateEvent = errors.New("billing: event already processed")

// Store is the transactional persistence boundary of the engine.
type Store interface {
	// BeginTx starts a transaction. The caller must Commit or Rollback it.
	BeginTx(ctx context.Context) (Tx, error)

	GetPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error)
	GetOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error)
	// GetActiveOverride returns nil, nil when the tenant has no active override.
	GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error)
	ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error)
	ListExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]types.TemporaryOverride, error)
	// ListGraceExpired returns tenants, not currently overridden, whose first
	// unresolved payment failure is at or before cutoff.
	ListGraceExpired(ctx context.Context, cutoff time.Time, limit int) ([]types.TenantPlanState, error)
}

// Tx is a unit of work started by Store.BeginTx. Lock methods take row-level
// locks held until the transaction ends.
type Tx interface {
	// ProvisionPlanState creates the plan state row. Returns false when the
	// row already exists.
	ProvisionPlanState(ctx context.Context, tenantID string, now time.Time) (bool, error)
	LockPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error)
	LockPlanStateBySubscription(ctx context.Context, subscriptionID string) (*types.TenantPlanState, error)
	UpdatePlanState(ctx context.Context, state *types.TenantPlanState) error

	AppendHistory(ctx context.Context, entry *types.PlanHistoryEntry) error

	// MarkEventProcessed inserts the idempotency record. Returns false when
	// the event id was already recorded.
	MarkEventProcessed(ctx context.Context, event *types.ProcessedEvent) (bool, error)

	// LockActiveOverride returns nil, nil when the tenant has no active override.
	LockActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error)
	LockOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error)
	InsertOverride(ctx context.Context, o *types.TemporaryOverride) error
	UpdateOverride(ctx context.Context, o *types.TemporaryOverride) error

	InsertTransaction(ctx context.Context, t *types.Transaction) error
	// CompleteCheckoutTransaction marks the pending row for t's session as
	// completed, inserting it when absent, and returns the stored row.
	CompleteCheckoutTransaction(ctx context.Context, t *types.Transaction) (*types.Transaction, error)

	InsertQuoteRequest(ctx context.Context, q *types.QuoteRequest) error
	ResolveQuoteRequests(ctx context.Context, tenantID, approvedPlanID, actorID string, now time.Time) (int, error)

	EnqueueOutbox(ctx context.Context, task *types.OutboxTask) error

	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// inTx runs fn inside a transaction and commits when fn returns nil.
func inTx(ctx context.Context, store Store, fn func(tx Tx) error) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// OutboxStore persists delivery outcomes of outbox tasks.
type OutboxStore interface {
	// ClaimDueOutbox leases up to limit pending tasks due at now.
	ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]types.OutboxTask, error)
	MarkOutboxDelivered(ctx context.Context, id string, now time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkOutboxFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// InvoiceStore reads transactions and records rendered invoice documents.
type InvoiceStore interface {
	GetTransaction(ctx context.Context, id string) (*types.Transaction, error)
	// SaveInvoiceDocument returns false when the transaction already has a document.
	SaveInvoiceDocument(ctx context.Context, doc *types.InvoiceDocument) (bool, error)
}

// CheckoutParams describes a checkout session request to the payment processor.
type CheckoutParams struct {
	TenantID      string
	CustomerEmail string
	CustomerID    string // existing processor customer, if any
	PlanID        string
	PlanName      string
	UnitAmount    int64
	Currency      string
	BillingCycle  types.BillingCycle
}

// CheckoutSession is the processor's handle for a hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutCreator opens hosted checkout sessions at the payment processor.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
}

// SubscriptionCanceller ends a processor subscription immediately.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// InvoiceRenderer produces an invoice document and returns its locator.
type InvoiceRenderer interface {
	RenderInvoice(ctx context.Context, t types.Transaction) (string, error)
}

// Notifier hands a billing notification to the delivery collaborator.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

// Metrics receives engine counters. Implementations must not block callers on
// failure.
type Metrics interface {
	RecordWebhook(ctx context.Context, eventType string, outcome WebhookOutcome)
	RecordPlanChange(ctx context.Context, cause string)
	RecordSideEffect(ctx context.Context, kind types.OutboxKind, delivered bool)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhook(context.Context, string, WebhookOutcome)    {}
func (NoopMetrics) RecordPlanChange(context.Context, string)                 {}
func (NoopMetrics) RecordSideEffect(context.Context, types.OutboxKind, bool) {}
