package webhook

import (
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tally"
)

// DefaultTolerance is the accepted age of a signed payload.
const DefaultTolerance = stripewebhook.DefaultTolerance

// Verifier authenticates a raw webhook delivery and parses its envelope.
type Verifier interface {
	Verify(payload []byte, signature string) (*stripe.Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint
// secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier. A zero tolerance uses
// DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify implements Verifier. Every failure wraps tally.ErrSignatureInvalid.
func (v *StripeVerifier) Verify(payload []byte, signature string) (*stripe.Event, error) {
	evt, err := stripewebhook.ConstructEventWithOptions(payload, signature, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tally.ErrSignatureInvalid, err)
	}
	if evt.ID == "" || evt.Data == nil {
		return nil, fmt.Errorf("%w: event has no id or data", tally.ErrMalformedEvent)
	}
	return &evt, nil
}
