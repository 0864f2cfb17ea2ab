package webhook_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/tally"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

func stripeEvent(typ, raw string) *stripe.Event {
	return &stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		raw  string
		want webhook.Event
	}{
		{
			name: "personal purchase with credits",
			typ:  "checkout.session.completed",
			raw:  `{"id":"cs_1","payment_status":"paid","currency":"eur","payment_intent":"pi_1","metadata":{"type":"personal","userId":"u1","packId":"p1","credits":"4.99"}}`,
			want: webhook.PersonalPurchase{UserID: "u1", PackID: "p1", Reference: "pi_1", Amount: types.EUR(499)},
		},
		{
			name: "personal purchase falls back to amount and session id",
			typ:  "checkout.session.completed",
			raw:  `{"id":"cs_1","payment_status":"paid","amount_total":1000,"currency":"eur","metadata":{"userId":"u1"}}`,
			want: webhook.PersonalPurchase{UserID: "u1", Reference: "cs_1", Amount: types.EUR(1000)},
		},
		{
			name: "expanded payment intent",
			typ:  "checkout.session.completed",
			raw:  `{"id":"cs_1","payment_status":"paid","currency":"eur","payment_intent":{"id":"pi_9","object":"payment_intent"},"metadata":{"type":"organization","organizationId":"o1","credits":"10"}}`,
			want: webhook.OrganizationPurchase{OrganizationID: "o1", Reference: "pi_9", Amount: types.EUR(1000)},
		},
		{
			name: "unpaid checkout",
			typ:  "checkout.session.completed",
			raw:  `{"id":"cs_1","payment_status":"unpaid","metadata":{"type":"personal","userId":"u1","credits":"1"}}`,
			want: webhook.Ignored{Reason: "checkout payment status unpaid"},
		},
		{
			name: "subscription checkout uses childCount",
			typ:  "checkout.session.completed",
			raw:  `{"id":"cs_1","mode":"subscription","currency":"eur","subscription":"sub_1","metadata":{"organizationId":"o1","planId":"family","childCount":"3","creditsPerChild":"2.50"}}`,
			want: webhook.SubscriptionCheckout{OrganizationID: "o1", ProviderSubscriptionID: "sub_1", PlanID: "family", SeatCount: 3, CreditsPerSeat: 250_000},
		},
		{
			name: "legacy invoice subscription field",
			typ:  "invoice.paid",
			raw:  `{"id":"in_1","amount_paid":900,"billing_reason":"subscription_cycle","subscription":"sub_1"}`,
			want: webhook.InvoicePaid{InvoiceID: "in_1", ProviderSubscriptionID: "sub_1", AmountPaid: 900, BillingReason: "subscription_cycle"},
		},
		{
			name: "one-off invoice",
			typ:  "invoice.paid",
			raw:  `{"id":"in_1","amount_paid":900}`,
			want: webhook.Ignored{Reason: "invoice is not for a subscription"},
		},
		{
			name: "failed invoice",
			typ:  "invoice.payment_failed",
			raw:  `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_1"}}}`,
			want: webhook.InvoiceFailed{InvoiceID: "in_1", ProviderSubscriptionID: "sub_1"},
		},
		{
			name: "deleted subscription",
			typ:  "customer.subscription.deleted",
			raw:  `{"id":"sub_1","status":"canceled"}`,
			want: webhook.SubscriptionCanceled{ProviderSubscriptionID: "sub_1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := webhook.Decode(stripeEvent(tt.typ, tt.raw), "eur")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeSubscription(t *testing.T) {
	raw := `{
		"id": "sub_1",
		"status": "trialing",
		"currency": "eur",
		"cancel_at_period_end": true,
		"trial_end": 1767225600,
		"current_period_start": 1764547200,
		"current_period_end": 1767225600,
		"metadata": {"organizationId": "o1"},
		"items": {"data": [{"quantity": 4, "price": {"id": "price_pro"}}]}
	}`
	got, err := webhook.Decode(stripeEvent("customer.subscription.updated", raw), "eur")
	require.NoError(t, err)

	c, ok := got.(webhook.SubscriptionChanged)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, subscription.StatusTrialing, c.Status)
	assert.Equal(t, "o1", c.OrganizationID)
	assert.Equal(t, "price_pro", c.PlanID)
	assert.Equal(t, 4, c.SeatCount)
	assert.True(t, c.CancelAtPeriodEnd)
	require.NotNil(t, c.TrialEnd)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), *c.TrialEnd)
	assert.Equal(t, time.Unix(1764547200, 0).UTC(), c.PeriodStart)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		raw  string
	}{
		{"bad json", "checkout.session.completed", `{"id":`},
		{"negative credits", "checkout.session.completed", `{"id":"cs_1","payment_status":"paid","metadata":{"type":"personal","userId":"u1","credits":"-1"}}`},
		{"sub-millicent credits", "checkout.session.completed", `{"id":"cs_1","payment_status":"paid","metadata":{"type":"personal","userId":"u1","credits":"0.000001"}}`},
		{"missing user", "checkout.session.completed", `{"id":"cs_1","payment_status":"paid","metadata":{"type":"personal","credits":"1"}}`},
		{"unknown type", "checkout.session.completed", `{"id":"cs_1","payment_status":"paid","metadata":{"type":"family","credits":"1"}}`},
		{"no amount", "checkout.session.completed", `{"id":"cs_1","payment_status":"paid","metadata":{"type":"personal","userId":"u1"}}`},
		{"bad seat count", "checkout.session.completed", `{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"organizationId":"o1","seatCount":"two"}}`},
		{"subscription checkout without org", "checkout.session.completed", `{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"type":"subscription"}}`},
		{"unknown status", "customer.subscription.updated", `{"id":"sub_1","status":"frozen"}`},
		{"invoice without id", "invoice.paid", `{"subscription":"sub_1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := webhook.Decode(stripeEvent(tt.typ, tt.raw), "eur")
			assert.ErrorIs(t, err, tally.ErrMalformedEvent)
			assert.True(t, tally.IsPermanent(err))
		})
	}
}
