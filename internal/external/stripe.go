package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// Checkout metadata keys read back by the webhook handler.
const (
	MetadataTenantID     = "tenant_id"
	MetadataPlanID       = "plan_id"
	MetadataBillingCycle = "billing_cycle"
)

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey  types.SecretString
	SuccessURL string
	CancelURL  string
	BaseURL    string // defaults to stripeAPIBase
	Logger     *slog.Logger
}

// StripeClient opens hosted checkout sessions and cancels superseded
// subscriptions through the Stripe REST API.
// Calls go through BaseClient rather than stripe-go's own backend so they
// share the breaker, retries and error mapping of every other vendor.
type StripeClient struct {
	base       *BaseClient
	secretKey  types.SecretString
	successURL string
	cancelURL  string
	baseURL    string
	logger     *slog.Logger
}

var (
	_ billing.CheckoutCreator       = (*StripeClient)(nil)
	_ billing.SubscriptionCanceller = (*StripeClient)(nil)
)

// NewStripeClient creates a StripeClient. httpClient should carry a timeout.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"CarpoolHub/1.0",
		WithUpstreamCode(types.ErrCodeUpstreamStripe),
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient on a caller-built BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// CreateCheckoutSession opens a subscription checkout priced inline from the
// catalog. The tenant, plan and billing cycle travel as session and
// subscription metadata so the completion webhook can be applied without a
// lookup.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (*billing.CheckoutSession, error) {
	interval, err := stripeInterval(p.BillingCycle)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("mode", string(stripe.CheckoutSessionModeSubscription))
	form.Set("client_reference_id", p.TenantID)
	form.Set("success_url", s.successURL)
	form.Set("cancel_url", s.cancelURL)
	if p.CustomerID != "" {
		form.Set("customer", p.CustomerID)
	} else if p.CustomerEmail != "" {
		form.Set("customer_email", p.CustomerEmail)
	}

	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.UnitAmount, 10))
	form.Set("line_items[0][price_data][recurring][interval]", interval)
	form.Set("line_items[0][price_data][product_data][name]", p.PlanName)

	for _, prefix := range []string{"metadata", "subscription_data[metadata]"} {
		form.Set(prefix+"["+MetadataTenantID+"]", p.TenantID)
		form.Set(prefix+"["+MetadataPlanID+"]", p.PlanID)
		form.Set(prefix+"["+MetadataBillingCycle+"]", string(p.BillingCycle))
	}

	resp, err := s.send(ctx, http.MethodPost, "/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session billing.CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe checkout session", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "Stripe checkout session is missing id or url", nil)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"tenant_id", p.TenantID,
		"plan_id", p.PlanID,
		"session_id", session.ID,
	)
	return &session, nil
}

// CancelSubscription ends a subscription immediately, without proration. A
// subscription Stripe no longer knows is treated as already cancelled.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription id is required", nil)
	}

	resp, err := s.send(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		s.logger.InfoContext(ctx, "subscription cancelled", "subscription_id", subscriptionID)
		return nil
	case http.StatusNotFound:
		s.logger.InfoContext(ctx, "subscription already gone at Stripe", "subscription_id", subscriptionID)
		return nil
	default:
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
}

func stripeInterval(cycle types.BillingCycle) (string, error) {
	switch cycle {
	case types.BillingCycleMonthly:
		return string(stripe.PriceRecurringIntervalMonth), nil
	case types.BillingCycleAnnual:
		return string(stripe.PriceRecurringIntervalYear), nil
	default:
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationBillingCycle,
			"unsupported billing cycle", nil, map[string]any{"billing_cycle": string(cycle)})
	}
}

// send issues a Stripe API call. form is nil for requests without a body.
func (s *StripeClient) send(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build Stripe request", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
		Param       string `json:"param"`
	} `json:"error"`
}

// handleErrorResponse maps a non-2xx Stripe response to an AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with an unreadable body", operation, resp.StatusCode), err)
	}

	var body stripeErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with a non-JSON body", operation, resp.StatusCode), err)
	}
	e := body.Error

	if e.Code == string(stripe.ErrorCodeCardDeclined) || e.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, e.Message), nil,
			map[string]any{"decline_code": e.DeclineCode, "stripe_code": e.Code})
	}
	if e.Type == string(stripe.ErrorTypeInvalidRequest) && e.Param != "" {
		s.logger.Error("Stripe rejected request parameters",
			"operation", operation,
			"param", e.Param,
			"message", e.Message,
		)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, e.Message), nil,
		map[string]any{"stripe_code": e.Code, "stripe_type": e.Type})
}
