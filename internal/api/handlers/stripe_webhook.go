// Package handlers contains the HTTP handlers of the billing API.
//
// The Stripe webhook endpoint is not behind the auth middleware. Stripe calls
// it directly and every delivery is authenticated by its Stripe-Signature
// header before anything is parsed.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"carpoolhub/internal/billing"
	"carpoolhub/internal/core"
	"carpoolhub/internal/external"
	"carpoolhub/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload.
const maxWebhookBodySize = 64 * 1024

// WebhookApplier applies verified processor events.
type WebhookApplier interface {
	Process(ctx context.Context, ev billing.WebhookEvent) (billing.WebhookOutcome, error)
}

// StripeWebhookHandler receives Stripe events, verifies them and hands them
// to the engine.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	applier  WebhookApplier
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	applier WebhookApplier,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		applier:  applier,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the public webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes POST /webhooks/stripe.
//
// Once the signature checks out the delivery is acknowledged with 200, even
// when the event is malformed or cannot be applied, so Stripe stops
// redelivering it. The one exception is a storage failure: the event was not
// recorded, so a 500 asks Stripe to deliver it again.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		logger.WarnContext(ctx, "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.ErrorContext(ctx, "verified webhook payload is not valid JSON", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, err := event.toBillingEvent()
	switch {
	case errors.Is(err, errUnhandledEvent):
		logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		logger.ErrorContext(ctx, "failed to parse webhook event",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome, err := h.applier.Process(ctx, ev)
	if err != nil {
		logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	logger.InfoContext(ctx, "webhook event processed",
		"event_id", event.ID,
		"event_type", event.Type,
		"outcome", outcome,
	)
	w.WriteHeader(http.StatusOK)
}

var errUnhandledEvent = errors.New("unhandled event type")

// stripeWebhookEvent is the subset of a Stripe event envelope the engine
// reads. The stripe-go event types are not used so the handler only depends
// on the fields it actually maps.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	PaymentMethodType []string          `json:"payment_method_types"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscriptionObj struct {
	ID                 string `json:"id"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

type stripeInvoiceObj struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	AttemptCount  int    `json:"attempt_count"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
	Lines         struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// billingPeriod prefers the subscription line's period, which covers the
// service being paid for; the invoice-level period is the one just ended.
func (o stripeInvoiceObj) billingPeriod() (time.Time, time.Time) {
	if len(o.Lines.Data) > 0 && o.Lines.Data[0].Period.End > 0 {
		p := o.Lines.Data[0].Period
		return unixTime(p.Start), unixTime(p.End)
	}
	return unixTime(o.PeriodStart), unixTime(o.PeriodEnd)
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func (e *stripeWebhookEvent) meta() billing.EventMeta {
	return billing.EventMeta{ID: e.ID, Type: e.Type, Created: unixTime(e.Created)}
}

// toBillingEvent maps the envelope to one of the engine's event types.
// Missing metadata is passed through empty; the engine decides whether the
// event is usable.
func (e *stripeWebhookEvent) toBillingEvent() (billing.WebhookEvent, error) {
	switch e.Type {
	case billing.EventCheckoutCompleted:
		var s stripeCheckoutSessionObj
		if err := json.Unmarshal(e.Data.Object, &s); err != nil {
			return nil, err
		}
		tenantID := s.Metadata[external.MetadataTenantID]
		if tenantID == "" {
			tenantID = s.ClientReferenceID
		}
		return billing.CheckoutCompleted{
			EventMeta:      e.meta(),
			SessionID:      s.ID,
			CustomerID:     s.Customer,
			SubscriptionID: s.Subscription,
			TenantID:       tenantID,
			PlanID:         s.Metadata[external.MetadataPlanID],
			BillingCycle:   s.Metadata[external.MetadataBillingCycle],
			AmountTotal:    s.AmountTotal,
			Currency:       s.Currency,
			PaymentMethod:  lo.FirstOrEmpty(s.PaymentMethodType),
		}, nil

	case billing.EventInvoicePaid:
		var inv stripeInvoiceObj
		if err := json.Unmarshal(e.Data.Object, &inv); err != nil {
			return nil, err
		}
		start, end := inv.billingPeriod()
		return billing.InvoicePaid{
			EventMeta:      e.meta(),
			InvoiceID:      inv.ID,
			SubscriptionID: inv.Subscription,
			BillingReason:  inv.BillingReason,
			AmountPaid:     inv.AmountPaid,
			Currency:       inv.Currency,
			PeriodStart:    start,
			PeriodEnd:      end,
		}, nil

	case billing.EventInvoicePaymentFailed:
		var inv stripeInvoiceObj
		if err := json.Unmarshal(e.Data.Object, &inv); err != nil {
			return nil, err
		}
		return billing.InvoicePaymentFailed{
			EventMeta:      e.meta(),
			InvoiceID:      inv.ID,
			SubscriptionID: inv.Subscription,
			AmountDue:      inv.AmountDue,
			Currency:       inv.Currency,
			AttemptCount:   inv.AttemptCount,
		}, nil

	case billing.EventSubscriptionDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
			return nil, err
		}
		return billing.SubscriptionDeleted{EventMeta: e.meta(), SubscriptionID: sub.ID}, nil

	case billing.EventSubscriptionUpdated:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
			return nil, err
		}
		ev := billing.SubscriptionUpdated{
			EventMeta:         e.meta(),
			SubscriptionID:    sub.ID,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.CurrentPeriodStart > 0 {
			ev.PeriodStart = lo.ToPtr(unixTime(sub.CurrentPeriodStart))
		}
		if sub.CurrentPeriodEnd > 0 {
			ev.PeriodEnd = lo.ToPtr(unixTime(sub.CurrentPeriodEnd))
		}
		return ev, nil

	default:
		return nil, errUnhandledEvent
	}
}
