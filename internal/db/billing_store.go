package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

// BillingStore is the PostgreSQL implementation of billing.Store,
// billing.OutboxStore and billing.InvoiceStore. Reads outside a transaction go
// straight to the pool; BeginTx hands out a billingTx whose repositories run
// on the pgx.Tx.
type BillingStore struct {
	pool Pool

	states    *PlanStateRepository
	history   *PlanHistoryRepository
	overrides *OverrideRepository
	txns      *TransactionRepository
	outbox    *OutboxRepository
}

var (
	_ billing.Store        = (*BillingStore)(nil)
	_ billing.OutboxStore  = (*BillingStore)(nil)
	_ billing.InvoiceStore = (*BillingStore)(nil)
	_ billing.Tx           = (*billingTx)(nil)
)

// NewBillingStore creates a BillingStore on pool.
func NewBillingStore(pool Pool) *BillingStore {
	return &BillingStore{
		pool:      pool,
		states:    NewPlanStateRepository(pool),
		history:   NewPlanHistoryRepository(pool),
		overrides: NewOverrideRepository(pool),
		txns:      NewTransactionRepository(pool),
		outbox:    NewOutboxRepository(pool),
	}
}

// BeginTx starts a read-committed transaction.
func (s *BillingStore) BeginTx(ctx context.Context) (billing.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	return newBillingTx(tx), nil
}

func (s *BillingStore) GetPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	return s.states.Get(ctx, tenantID)
}

func (s *BillingStore) ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
	return s.history.List(ctx, tenantID, limit)
}

func (s *BillingStore) GetOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error) {
	return s.overrides.GetByID(ctx, overrideID)
}

func (s *BillingStore) GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return s.overrides.GetActive(ctx, tenantID)
}

func (s *BillingStore) ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error) {
	return s.overrides.ListByTenant(ctx, tenantID)
}

func (s *BillingStore) ListExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]types.TemporaryOverride, error) {
	return s.overrides.ListExpired(ctx, now, limit)
}

func (s *BillingStore) ListGraceExpired(ctx context.Context, cutoff time.Time, limit int) ([]types.TenantPlanState, error) {
	return s.states.ListGraceExpired(ctx, cutoff, limit)
}

func (s *BillingStore) ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]types.OutboxTask, error) {
	return s.outbox.ClaimDue(ctx, now, lease, limit)
}

func (s *BillingStore) MarkOutboxDelivered(ctx context.Context, id string, now time.Time) error {
	return s.outbox.MarkDelivered(ctx, id, now)
}

func (s *BillingStore) MarkOutboxRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.outbox.MarkRetry(ctx, id, attempts, next, lastErr)
}

func (s *BillingStore) MarkOutboxFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.outbox.MarkFailed(ctx, id, attempts, lastErr)
}

func (s *BillingStore) GetTransaction(ctx context.Context, id string) (*types.Transaction, error) {
	return s.txns.GetByID(ctx, id)
}

func (s *BillingStore) SaveInvoiceDocument(ctx context.Context, doc *types.InvoiceDocument) (bool, error) {
	return s.txns.SaveInvoiceDocument(ctx, doc)
}

// billingTx binds every repository to one pgx.Tx.
type billingTx struct {
	tx pgx.Tx

	states    *PlanStateRepository
	history   *PlanHistoryRepository
	events    *ProcessedEventRepository
	overrides *OverrideRepository
	txns      *TransactionRepository
	quotes    *QuoteRequestRepository
	outbox    *OutboxRepository
}

func newBillingTx(tx pgx.Tx) *billingTx {
	return &billingTx{
		tx:        tx,
		states:    NewPlanStateRepository(tx),
		history:   NewPlanHistoryRepository(tx),
		events:    NewProcessedEventRepository(tx),
		overrides: NewOverrideRepository(tx),
		txns:      NewTransactionRepository(tx),
		quotes:    NewQuoteRequestRepository(tx),
		outbox:    NewOutboxRepository(tx),
	}
}

func (t *billingTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

func (t *billingTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to roll back transaction", err)
	}
	return nil
}

func (t *billingTx) ProvisionPlanState(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	return t.states.Provision(ctx, tenantID, now)
}

func (t *billingTx) LockPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	return t.states.Lock(ctx, tenantID)
}

func (t *billingTx) LockPlanStateBySubscription(ctx context.Context, subscriptionID string) (*types.TenantPlanState, error) {
	return t.states.LockBySubscription(ctx, subscriptionID)
}

func (t *billingTx) UpdatePlanState(ctx context.Context, st *types.TenantPlanState) error {
	return t.states.Update(ctx, st)
}

func (t *billingTx) AppendHistory(ctx context.Context, e *types.PlanHistoryEntry) error {
	return t.history.Append(ctx, e)
}

func (t *billingTx) MarkEventProcessed(ctx context.Context, e *types.ProcessedEvent) (bool, error) {
	return t.events.MarkProcessed(ctx, e)
}

func (t *billingTx) LockActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return t.overrides.LockActive(ctx, tenantID)
}

func (t *billingTx) LockOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error) {
	return t.overrides.LockByID(ctx, overrideID)
}

func (t *billingTx) InsertOverride(ctx context.Context, o *types.TemporaryOverride) error {
	return t.overrides.Create(ctx, o)
}

func (t *billingTx) UpdateOverride(ctx context.Context, o *types.TemporaryOverride) error {
	return t.overrides.Update(ctx, o)
}

func (t *billingTx) InsertTransaction(ctx context.Context, txn *types.Transaction) error {
	return t.txns.Create(ctx, txn)
}

func (t *billingTx) CompleteCheckoutTransaction(ctx context.Context, txn *types.Transaction) (*types.Transaction, error) {
	return t.txns.CompleteCheckout(ctx, txn)
}

func (t *billingTx) InsertQuoteRequest(ctx context.Context, q *types.QuoteRequest) error {
	return t.quotes.Create(ctx, q)
}

func (t *billingTx) ResolveQuoteRequests(ctx context.Context, tenantID, approvedPlanID, actorID string, now time.Time) (int, error) {
	return t.quotes.ApproveOpen(ctx, tenantID, approvedPlanID, actorID, now)
}

func (t *billingTx) EnqueueOutbox(ctx context.Context, task *types.OutboxTask) error {
	return t.outbox.Enqueue(ctx, task)
}
