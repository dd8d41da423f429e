package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// InvoiceRecorder turns completed transactions into invoice documents.
// It runs from the outbox, never inside a plan-state transaction.
type InvoiceRecorder struct {
	store    InvoiceStore
	renderer InvoiceRenderer
	logger   *slog.Logger
	now      func() time.Time
}

// NewInvoiceRecorder creates an InvoiceRecorder.
func NewInvoiceRecorder(store InvoiceStore, renderer InvoiceRenderer, logger *slog.Logger) *InvoiceRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceRecorder{
		store:    store,
		renderer: renderer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Generate renders the invoice for a completed transaction and records the
// document locator. A transaction that already has a document is left alone.
func (r *InvoiceRecorder) Generate(ctx context.Context, transactionID string) (*types.InvoiceDocument, error) {
	txn, err := r.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", transactionID, err)
	}
	if txn.Status != types.TransactionCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", errPermanent, transactionID, txn.Status)
	}

	locator, err := r.renderer.RenderInvoice(ctx, *txn)
	if err != nil {
		return nil, fmt.Errorf("render invoice: %w", err)
	}

	now := r.now()
	doc := &types.InvoiceDocument{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Locator:       locator,
		SentAt:        lo.ToPtr(now),
		CreatedAt:     now,
	}
	created, err := r.store.SaveInvoiceDocument(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("save invoice document: %w", err)
	}
	if !created {
		r.logger.InfoContext(ctx, "invoice document already recorded",
			"transaction_id", txn.ID,
		)
		return nil, nil
	}

	r.logger.InfoContext(ctx, "invoice document recorded",
		"transaction_id", txn.ID,
		"tenant_id", txn.TenantID,
		"amount", txn.Amount().StringFixed(2),
		"currency", txn.Currency,
	)
	return doc, nil
}

// completedTransaction builds the record of a confirmed money movement.
func completedTransaction(tenantID, planID string, amount int64, currency string, cycle types.BillingCycle, paidAt time.Time) *types.Transaction {
	return &types.Transaction{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		PlanID:       planID,
		AmountCents:  amount,
		Currency:     currency,
		Status:       types.TransactionCompleted,
		BillingCycle: cycle,
		PaidAt:       lo.ToPtr(paidAt),
		CreatedAt:    paidAt,
	}
}

// pendingCheckoutTransaction records a checkout that has been opened but not paid.
func pendingCheckoutTransaction(params CheckoutParams, sessionID string, now time.Time) *types.Transaction {
	return &types.Transaction{
		ID:                uuid.NewString(),
		TenantID:          params.TenantID,
		PlanID:            params.PlanID,
		AmountCents:       params.UnitAmount,
		Currency:          params.Currency,
		Status:            types.TransactionPending,
		BillingCycle:      params.BillingCycle,
		ExternalSessionID: lo.ToPtr(sessionID),
		CreatedAt:         now,
	}
}
