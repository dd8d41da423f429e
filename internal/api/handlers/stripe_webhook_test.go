package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/types"
)

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
	gotSecret  string
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	m.gotSecret = secret
	if m.shouldFail {
		return errors.New("signature verification failed")
	}
	return nil
}

// mockApplier implements WebhookApplier for testing.
type mockApplier struct {
	events  []billing.WebhookEvent
	outcome billing.WebhookOutcome
	err     error
}

func (m *mockApplier) Process(ctx context.Context, ev billing.WebhookEvent) (billing.WebhookOutcome, error) {
	m.events = append(m.events, ev)
	if m.outcome == "" {
		return billing.OutcomeApplied, m.err
	}
	return m.outcome, m.err
}

// buildStripeEvent creates a JSON-encoded Stripe event for testing.
func buildStripeEvent(eventType, eventID string, created int64, dataObject any) []byte {
	objBytes, _ := json.Marshal(dataObject)
	b, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": created,
		"data":    map[string]any{"object": json.RawMessage(objBytes)},
	})
	return b
}

func newWebhookTestRouter(verifier *mockWebhookVerifier, applier *mockApplier) http.Handler {
	h := NewStripeWebhookHandler(verifier, applier, types.SecretString("whsec_test"), testLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func postWebhook(t *testing.T, handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestStripeWebhook_CheckoutCompleted(t *testing.T) {
	verifier := &mockWebhookVerifier{}
	applier := &mockApplier{}
	payload := buildStripeEvent(billing.EventCheckoutCompleted, "evt_1", 1767225600, map[string]any{
		"id":                   "cs_1",
		"customer":             "cus_1",
		"subscription":         "sub_1",
		"amount_total":         4900,
		"currency":             "usd",
		"payment_method_types": []string{"card"},
		"metadata": map[string]string{
			"tenant_id":     "tenant-1",
			"plan_id":       "team",
			"billing_cycle": "monthly",
		},
	})

	rr := postWebhook(t, newWebhookTestRouter(verifier, applier), payload, "t=1,v1=sig")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if verifier.gotSecret != "whsec_test" {
		t.Errorf("expected the unmasked secret to be passed to the verifier, got %q", verifier.gotSecret)
	}
	if len(applier.events) != 1 {
		t.Fatalf("expected 1 processed event, got %d", len(applier.events))
	}
	ev, ok := applier.events[0].(billing.CheckoutCompleted)
	if !ok {
		t.Fatalf("expected CheckoutCompleted, got %T", applier.events[0])
	}
	want := billing.CheckoutCompleted{
		EventMeta:      billing.EventMeta{ID: "evt_1", Type: billing.EventCheckoutCompleted, Created: time.Unix(1767225600, 0).UTC()},
		SessionID:      "cs_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		TenantID:       "tenant-1",
		PlanID:         "team",
		BillingCycle:   "monthly",
		AmountTotal:    4900,
		Currency:       "usd",
		PaymentMethod:  "card",
	}
	if ev != want {
		t.Errorf("unexpected event\n got: %+v\nwant: %+v", ev, want)
	}
}

func TestStripeWebhook_CheckoutFallsBackToClientReference(t *testing.T) {
	applier := &mockApplier{}
	payload := buildStripeEvent(billing.EventCheckoutCompleted, "evt_2", 1767225600, map[string]any{
		"id":                  "cs_2",
		"client_reference_id": "tenant-9",
		"metadata":            map[string]string{"plan_id": "team"},
	})

	postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, applier), payload, "t=1,v1=sig")

	ev := applier.events[0].(billing.CheckoutCompleted)
	if ev.TenantID != "tenant-9" {
		t.Errorf("expected tenant from client_reference_id, got %q", ev.TenantID)
	}
}

func TestStripeWebhook_InvoicePaidUsesLinePeriod(t *testing.T) {
	applier := &mockApplier{}
	payload := buildStripeEvent(billing.EventInvoicePaid, "evt_3", 1767225600, map[string]any{
		"id":             "in_1",
		"subscription":   "sub_1",
		"billing_reason": "subscription_cycle",
		"amount_paid":    4900,
		"currency":       "usd",
		"period_start":   1764547200,
		"period_end":     1767225600,
		"lines": map[string]any{
			"data": []map[string]any{
				{"period": map[string]int64{"start": 1767225600, "end": 1769904000}},
			},
		},
	})

	postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, applier), payload, "t=1,v1=sig")

	ev, ok := applier.events[0].(billing.InvoicePaid)
	if !ok {
		t.Fatalf("expected InvoicePaid, got %T", applier.events[0])
	}
	if !ev.PeriodStart.Equal(time.Unix(1767225600, 0)) || !ev.PeriodEnd.Equal(time.Unix(1769904000, 0)) {
		t.Errorf("expected the line item period, got %v - %v", ev.PeriodStart, ev.PeriodEnd)
	}
	if ev.BillingReason != "subscription_cycle" || ev.AmountPaid != 4900 {
		t.Errorf("unexpected invoice fields %+v", ev)
	}
}

func TestStripeWebhook_EventMapping(t *testing.T) {
	tests := []struct {
		name   string
		typ    string
		object map[string]any
		check  func(t *testing.T, ev billing.WebhookEvent)
	}{
		{
			name:   "payment failed",
			typ:    billing.EventInvoicePaymentFailed,
			object: map[string]any{"id": "in_2", "subscription": "sub_1", "amount_due": 4900, "attempt_count": 2},
			check: func(t *testing.T, ev billing.WebhookEvent) {
				e, ok := ev.(billing.InvoicePaymentFailed)
				if !ok || e.SubscriptionID != "sub_1" || e.AttemptCount != 2 || e.AmountDue != 4900 {
					t.Errorf("unexpected event %+v", ev)
				}
			},
		},
		{
			name:   "subscription deleted",
			typ:    billing.EventSubscriptionDeleted,
			object: map[string]any{"id": "sub_1"},
			check: func(t *testing.T, ev billing.WebhookEvent) {
				e, ok := ev.(billing.SubscriptionDeleted)
				if !ok || e.SubscriptionID != "sub_1" {
					t.Errorf("unexpected event %+v", ev)
				}
			},
		},
		{
			name: "subscription updated",
			typ:  billing.EventSubscriptionUpdated,
			object: map[string]any{
				"id":                   "sub_1",
				"cancel_at_period_end": true,
				"current_period_end":   1769904000,
			},
			check: func(t *testing.T, ev billing.WebhookEvent) {
				e, ok := ev.(billing.SubscriptionUpdated)
				if !ok {
					t.Fatalf("expected SubscriptionUpdated, got %T", ev)
				}
				if !e.CancelAtPeriodEnd || e.PeriodStart != nil {
					t.Errorf("unexpected event %+v", e)
				}
				if e.PeriodEnd == nil || !e.PeriodEnd.Equal(time.Unix(1769904000, 0)) {
					t.Errorf("expected period end to be mapped, got %v", e.PeriodEnd)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &mockApplier{}
			payload := buildStripeEvent(tt.typ, "evt_"+tt.name, 1767225600, tt.object)

			rr := postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, applier), payload, "t=1,v1=sig")
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if len(applier.events) != 1 {
				t.Fatalf("expected 1 processed event, got %d", len(applier.events))
			}
			tt.check(t, applier.events[0])
		})
	}
}

func TestStripeWebhook_Rejections(t *testing.T) {
	payload := buildStripeEvent(billing.EventSubscriptionDeleted, "evt_4", 1767225600, map[string]any{"id": "sub_1"})
	tests := []struct {
		name       string
		verifier   *mockWebhookVerifier
		signature  string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"missing signature", &mockWebhookVerifier{}, "", http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"bad signature", &mockWebhookVerifier{shouldFail: true}, "t=1,v1=bad", http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &mockApplier{}
			rr := postWebhook(t, newWebhookTestRouter(tt.verifier, applier), payload, tt.signature)
			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if code := errorCode(t, rr); code != string(tt.wantCode) {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
			if len(applier.events) != 0 {
				t.Error("expected no event to reach the engine")
			}
		})
	}
}

func TestStripeWebhook_AcknowledgesUnusablePayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"unhandled type", buildStripeEvent("customer.created", "evt_5", 1767225600, map[string]any{"id": "cus_1"})},
		{"invalid json", []byte(`{not json`)},
		{"object of the wrong shape", []byte(`{"id":"evt_6","type":"invoice.payment_failed","data":{"object":[1,2]}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &mockApplier{}
			rr := postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, applier), tt.payload, "t=1,v1=sig")
			if rr.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rr.Code)
			}
			if len(applier.events) != 0 {
				t.Error("expected no event to reach the engine")
			}
		})
	}
}

func TestStripeWebhook_ProcessingOutcomes(t *testing.T) {
	payload := buildStripeEvent(billing.EventSubscriptionDeleted, "evt_7", 1767225600, map[string]any{"id": "sub_1"})
	tests := []struct {
		name       string
		applier    *mockApplier
		wantStatus int
	}{
		{"duplicate", &mockApplier{outcome: billing.OutcomeDuplicate}, http.StatusOK},
		{"rejected", &mockApplier{outcome: billing.OutcomeRejected}, http.StatusOK},
		{"storage failure", &mockApplier{err: types.NewAppError(types.ErrCodeInternalDB, "db down", nil)}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, tt.applier), payload, "t=1,v1=sig")
			if rr.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestStripeWebhook_OversizedBody(t *testing.T) {
	applier := &mockApplier{}
	payload := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)

	rr := postWebhook(t, newWebhookTestRouter(&mockWebhookVerifier{}, applier), payload, "t=1,v1=sig")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if len(applier.events) != 0 {
		t.Error("expected no event to reach the engine")
	}
}
