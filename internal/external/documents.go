package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

// DocumentClientConfig holds the configuration for creating a DocumentClient.
type DocumentClientConfig struct {
	BaseURL string
	APIKey  types.SecretString
	Logger  *slog.Logger
}

// renderInvoiceRequest is the body of POST /v1/invoices.
type renderInvoiceRequest struct {
	TransactionID string     `json:"transaction_id"`
	TenantID      string     `json:"tenant_id"`
	PlanID        string     `json:"plan_id"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	BillingCycle  string     `json:"billing_cycle,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	IssuedAt      time.Time  `json:"issued_at"`
}

type renderInvoiceResponse struct {
	Locator string `json:"locator"`
}

// DocumentClient renders invoice documents through the document service.
type DocumentClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

var _ billing.InvoiceRenderer = (*DocumentClient)(nil)

// NewDocumentClient creates a DocumentClient.
func NewDocumentClient(httpClient *http.Client, cfg DocumentClientConfig) *DocumentClient {
	base := NewBaseClient(
		httpClient,
		"documents",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    1 * time.Second,
			MaxWait:    10 * time.Second,
		},
		"CarpoolHub/1.0",
		WithUpstreamCode(types.ErrCodeUpstreamDocuments),
	)
	return NewDocumentClientWithBase(base, cfg)
}

// NewDocumentClientWithBase creates a DocumentClient on a caller-built BaseClient.
func NewDocumentClientWithBase(base *BaseClient, cfg DocumentClientConfig) *DocumentClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// RenderInvoice asks the document service to render t and returns the
// locator of the stored document. The transaction id doubles as the
// idempotency key so a retried render does not produce a second document.
func (c *DocumentClient) RenderInvoice(ctx context.Context, t types.Transaction) (string, error) {
	body, err := json.Marshal(renderInvoiceRequest{
		TransactionID: t.ID,
		TenantID:      t.TenantID,
		PlanID:        t.PlanID,
		Amount:        t.Amount().StringFixed(2),
		Currency:      strings.ToUpper(t.Currency),
		BillingCycle:  string(t.BillingCycle),
		PaymentMethod: t.PaymentMethod,
		PaidAt:        t.PaidAt,
		IssuedAt:      t.CreatedAt,
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode invoice render request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoices", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build invoice render request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.ID)
	if c.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewAppErrorWithDetails(types.ErrCodeUpstreamDocuments,
			fmt.Sprintf("document service returned %d", resp.StatusCode), nil,
			map[string]any{"transaction_id": t.ID, "body": string(msg)})
	}

	var out renderInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamDocuments, "failed to decode invoice render response", err)
	}
	if out.Locator == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamDocuments, "document service returned an empty locator", nil)
	}

	c.logger.DebugContext(ctx, "invoice rendered", "transaction_id", t.ID, "locator", out.Locator)
	return out.Locator, nil
}
