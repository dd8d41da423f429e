package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"carpoolhub/internal/types"
)

const transactionColumns = `id, tenant_id, plan_id, amount_cents, currency, status, billing_cycle,
	payment_method, external_session_id, external_subscription_id, external_invoice_id,
	paid_at, created_at`

// TransactionRepository provides data access for billing_transactions and
// the invoice_documents rendered from them.
type TransactionRepository struct {
	db DBTX
}

// NewTransactionRepository creates a new TransactionRepository backed by the
// given database connection (pool or transaction).
func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row pgx.Row) (*types.Transaction, error) {
	var t types.Transaction
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.PlanID,
		&t.AmountCents,
		&t.Currency,
		&t.Status,
		&t.BillingCycle,
		&t.PaymentMethod,
		&t.ExternalSessionID,
		&t.ExternalSubscriptionID,
		&t.ExternalInvoiceID,
		&t.PaidAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func transactionArgs(t *types.Transaction) []any {
	return []any{
		t.ID,
		t.TenantID,
		t.PlanID,
		t.AmountCents,
		t.Currency,
		string(t.Status),
		string(t.BillingCycle),
		t.PaymentMethod,
		t.ExternalSessionID,
		t.ExternalSubscriptionID,
		t.ExternalInvoiceID,
		t.PaidAt,
		t.CreatedAt,
	}
}

// Create inserts a transaction.
func (r *TransactionRepository) Create(ctx context.Context, t *types.Transaction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		transactionArgs(t)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeInternalDB, "transaction already recorded", err,
				map[string]any{"transaction_id": t.ID})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create transaction", err)
	}
	return nil
}

// CompleteCheckout upgrades the pending row for t's checkout session to
// completed, or inserts t when no row exists for the session. A session that
// is already completed is returned unchanged.
func (r *TransactionRepository) CompleteCheckout(ctx context.Context, t *types.Transaction) (*types.Transaction, error) {
	stored, err := scanTransaction(r.db.QueryRow(ctx,
		`INSERT INTO billing_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (external_session_id) DO UPDATE
		   SET status = 'completed',
		       amount_cents = EXCLUDED.amount_cents,
		       currency = EXCLUDED.currency,
		       payment_method = EXCLUDED.payment_method,
		       external_subscription_id = EXCLUDED.external_subscription_id,
		       paid_at = EXCLUDED.paid_at
		   WHERE billing_transactions.status = 'pending'
		 RETURNING `+transactionColumns,
		transactionArgs(t)...,
	))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || t.ExternalSessionID == nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to complete checkout transaction", err)
	}

	// The conflicting row is already completed.
	stored, err = scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE external_session_id = $1`,
		*t.ExternalSessionID,
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load checkout transaction", err)
	}
	return stored, nil
}

// GetByID reads one transaction.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*types.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalDB, "transaction not found", err,
				map[string]any{"transaction_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load transaction", err)
	}
	return t, nil
}

// SaveInvoiceDocument records a rendered invoice. Returns false when the
// transaction already has a document.
func (r *TransactionRepository) SaveInvoiceDocument(ctx context.Context, doc *types.InvoiceDocument) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO invoice_documents (id, transaction_id, locator, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		doc.ID,
		doc.TransactionID,
		doc.Locator,
		doc.SentAt,
		doc.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to save invoice document", err)
	}
	return tag.RowsAffected() > 0, nil
}
