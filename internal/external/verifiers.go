package external

import (
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeVerifier checks the Stripe-Signature header (HMAC-SHA256 over
// "timestamp.payload") with stripe-go.
type StripeVerifier struct {
	// Tolerance is the accepted signature age. Zero means the stripe-go default.
	Tolerance time.Duration
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if v.Tolerance > 0 {
		return webhook.ValidatePayloadWithTolerance(payload, header, secret, v.Tolerance)
	}
	return webhook.ValidatePayload(payload, header, secret)
}
