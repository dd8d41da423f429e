package external

// WebhookVerifier checks a webhook payload against its signature header.
type WebhookVerifier interface {
	// Verify returns nil when header is a valid signature of payload under
	// secret and the signature timestamp is within tolerance.
	Verify(payload []byte, header string, secret string) error
}
