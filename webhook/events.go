// Package webhook reconciles Stripe payment events with the credit
// ledger. Each verified event is decoded once into a typed variant,
// dispatched into a single store batch, and recorded as processed in that
// same batch so replays and concurrent deliveries apply at most once.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/tally"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Metadata keys set on checkout sessions and subscriptions by the host
// application.
const (
	MetaUserID          = "userId"
	MetaOrganizationID  = "organizationId"
	MetaPackID          = "packId"
	MetaCredits         = "credits"
	MetaType            = "type"
	MetaPlanID          = "planId"
	MetaSeatCount       = "seatCount"
	MetaCreditsPerChild = "creditsPerChild"
	MetaChildCount      = "childCount"
)

// Purchase types carried in the "type" metadata key.
const (
	TypePersonal     = "personal"
	TypeOrganization = "organization"
	TypeSubscription = "subscription"
)

// Event is one decoded provider event. The concrete types are the only
// implementations.
type Event interface {
	kind() string
}

// PersonalPurchase credits a user's personal account.
type PersonalPurchase struct {
	UserID    string
	PackID    string
	Reference string
	Amount    types.Money
}

// OrganizationPurchase credits an organization account. The amount also
// counts as purchased credit that survives subscription resets.
type OrganizationPurchase struct {
	OrganizationID string
	PackID         string
	Reference      string
	Amount         types.Money
}

// SubscriptionCheckout announces a subscription bought through checkout.
type SubscriptionCheckout struct {
	OrganizationID         string
	ProviderSubscriptionID string
	PlanID                 string
	SeatCount              int
	CreditsPerSeat         int64
}

// SubscriptionChanged carries the provider's view of a subscription after
// it was created or updated.
type SubscriptionChanged struct {
	ProviderSubscriptionID string
	OrganizationID         string
	Status                 subscription.Status
	PlanID                 string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	CancelAtPeriodEnd      bool
	TrialEnd               *time.Time
	SeatCount              int
	CreditsPerSeat         int64
}

// SubscriptionCanceled ends a subscription instance.
type SubscriptionCanceled struct {
	ProviderSubscriptionID string
}

// InvoicePaid starts a new billing cycle.
type InvoicePaid struct {
	InvoiceID              string
	ProviderSubscriptionID string
	AmountPaid             int64
	BillingReason          string
}

// InvoiceFailed marks a cycle's payment as failed.
type InvoiceFailed struct {
	InvoiceID              string
	ProviderSubscriptionID string
}

// Ignored is an event tally does not act on.
type Ignored struct {
	Reason string
}

func (PersonalPurchase) kind() string     { return "personal_purchase" }
func (OrganizationPurchase) kind() string { return "organization_purchase" }
func (SubscriptionCheckout) kind() string { return "subscription_checkout" }
func (SubscriptionChanged) kind() string  { return "subscription_changed" }
func (SubscriptionCanceled) kind() string { return "subscription_canceled" }
func (InvoicePaid) kind() string          { return "invoice_paid" }
func (InvoiceFailed) kind() string        { return "invoice_failed" }
func (Ignored) kind() string              { return "ignored" }

// ──────────────────────────────────────────────────
// Wire objects
// ──────────────────────────────────────────────────

// expandable decodes a Stripe field that is either an id string or an
// expanded object carrying an id.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type checkoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	PaymentIntent expandable        `json:"payment_intent"`
	Subscription  expandable        `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	Quantity           int64 `json:"quantity"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID string `json:"id"`
	} `json:"price"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Currency           string            `json:"currency"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string     `json:"id"`
	AmountPaid    int64      `json:"amount_paid"`
	BillingReason string     `json:"billing_reason"`
	Subscription  expandable `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID returns the subscription an invoice bills. Newer API
// versions moved it under parent.subscription_details.
func (o *invoiceObject) subscriptionID() string {
	if o.Subscription != "" {
		return string(o.Subscription)
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// ──────────────────────────────────────────────────
// Decoding
// ──────────────────────────────────────────────────

// Decode turns a verified Stripe event into a typed Event. currency is
// used for credit amounts when the object carries none. Malformed
// metadata fails with tally.ErrMalformedEvent.
func Decode(evt *stripe.Event, currency string) (Event, error) {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, malformed("event %s has no data object", evt.ID)
	}
	raw := evt.Data.Raw

	switch evt.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var s checkoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, malformed("checkout session: %v", err)
		}
		return decodeCheckout(&s, currency)

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		var s subscriptionObject
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, malformed("subscription: %v", err)
		}
		return decodeSubscription(&s, currency)

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var s subscriptionObject
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, malformed("subscription: %v", err)
		}
		if s.ID == "" {
			return nil, malformed("subscription has no id")
		}
		return SubscriptionCanceled{ProviderSubscriptionID: s.ID}, nil

	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, malformed("invoice: %v", err)
		}
		if inv.ID == "" {
			return nil, malformed("invoice has no id")
		}
		if inv.subscriptionID() == "" {
			return Ignored{Reason: "invoice is not for a subscription"}, nil
		}
		return InvoicePaid{
			InvoiceID:              inv.ID,
			ProviderSubscriptionID: inv.subscriptionID(),
			AmountPaid:             inv.AmountPaid,
			BillingReason:          inv.BillingReason,
		}, nil

	case stripe.EventTypeInvoicePaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, malformed("invoice: %v", err)
		}
		if inv.subscriptionID() == "" {
			return Ignored{Reason: "invoice is not for a subscription"}, nil
		}
		return InvoiceFailed{InvoiceID: inv.ID, ProviderSubscriptionID: inv.subscriptionID()}, nil
	}

	return Ignored{Reason: "unhandled event type " + string(evt.Type)}, nil
}

func decodeCheckout(s *checkoutSession, fallbackCurrency string) (Event, error) {
	md := s.Metadata
	currency := s.Currency
	if currency == "" {
		currency = fallbackCurrency
	}

	typ := md[MetaType]
	if typ == "" {
		switch {
		case s.Mode == "subscription":
			typ = TypeSubscription
		case md[MetaOrganizationID] != "":
			typ = TypeOrganization
		case md[MetaUserID] != "":
			typ = TypePersonal
		default:
			return Ignored{Reason: "checkout session carries no tally metadata"}, nil
		}
	}

	if typ == TypeSubscription {
		orgID := md[MetaOrganizationID]
		if orgID == "" {
			return nil, malformed("subscription checkout %s: %s is required", s.ID, MetaOrganizationID)
		}
		if s.Subscription == "" {
			return nil, malformed("subscription checkout %s has no subscription", s.ID)
		}
		seats, perSeat, err := seatMetadata(md, currency)
		if err != nil {
			return nil, err
		}
		return SubscriptionCheckout{
			OrganizationID:         orgID,
			ProviderSubscriptionID: string(s.Subscription),
			PlanID:                 md[MetaPlanID],
			SeatCount:              seats,
			CreditsPerSeat:         perSeat,
		}, nil
	}

	if s.PaymentStatus != "" && s.PaymentStatus != "paid" && s.PaymentStatus != "no_payment_required" {
		return Ignored{Reason: "checkout payment status " + s.PaymentStatus}, nil
	}

	amount, err := creditAmount(md, s.AmountTotal, currency)
	if err != nil {
		return nil, err
	}
	ref := string(s.PaymentIntent)
	if ref == "" {
		ref = s.ID
	}

	switch typ {
	case TypePersonal:
		if md[MetaUserID] == "" {
			return nil, malformed("personal purchase %s: %s is required", s.ID, MetaUserID)
		}
		return PersonalPurchase{UserID: md[MetaUserID], PackID: md[MetaPackID], Reference: ref, Amount: amount}, nil
	case TypeOrganization:
		if md[MetaOrganizationID] == "" {
			return nil, malformed("organization purchase %s: %s is required", s.ID, MetaOrganizationID)
		}
		return OrganizationPurchase{OrganizationID: md[MetaOrganizationID], PackID: md[MetaPackID], Reference: ref, Amount: amount}, nil
	}
	return nil, malformed("checkout %s: unknown purchase type %q", s.ID, typ)
}

func decodeSubscription(s *subscriptionObject, fallbackCurrency string) (Event, error) {
	if s.ID == "" {
		return nil, malformed("subscription has no id")
	}
	status, ok := subscription.FromProvider(s.Status)
	if !ok {
		return nil, malformed("subscription %s: unknown status %q", s.ID, s.Status)
	}
	currency := s.Currency
	if currency == "" {
		currency = fallbackCurrency
	}

	md := s.Metadata
	seats, perSeat, err := seatMetadata(md, currency)
	if err != nil {
		return nil, err
	}

	out := SubscriptionChanged{
		ProviderSubscriptionID: s.ID,
		OrganizationID:         md[MetaOrganizationID],
		Status:                 status,
		PlanID:                 md[MetaPlanID],
		PeriodStart:            unix(s.CurrentPeriodStart),
		PeriodEnd:              unix(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		SeatCount:              seats,
		CreditsPerSeat:         perSeat,
	}
	if s.TrialEnd > 0 {
		t := unix(s.TrialEnd)
		out.TrialEnd = &t
	}
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if out.PlanID == "" {
			out.PlanID = item.Price.ID
		}
		if out.SeatCount == 0 && item.Quantity > 0 {
			out.SeatCount = int(item.Quantity)
		}
		// Newer API versions report the period per item.
		if out.PeriodStart.IsZero() {
			out.PeriodStart = unix(item.CurrentPeriodStart)
		}
		if out.PeriodEnd.IsZero() {
			out.PeriodEnd = unix(item.CurrentPeriodEnd)
		}
	}
	return out, nil
}

// creditAmount reads the "credits" metadata as a decimal of major units,
// falling back to the amount paid.
func creditAmount(md map[string]string, amountTotal int64, currency string) (types.Money, error) {
	if v := md[MetaCredits]; v != "" {
		m, err := types.ParseMajor(v, currency)
		if err != nil {
			return types.Money{}, malformed("%s: %v", MetaCredits, err)
		}
		if !m.IsPositive() {
			return types.Money{}, malformed("%s must be positive, got %q", MetaCredits, v)
		}
		return m, nil
	}
	if amountTotal <= 0 {
		return types.Money{}, malformed("purchase carries neither %s nor an amount", MetaCredits)
	}
	return types.Minor(amountTotal, currency), nil
}

// seatMetadata reads the seat count (seatCount, else childCount) and the
// per-seat credit in millicents.
func seatMetadata(md map[string]string, currency string) (int, int64, error) {
	var seats int
	for _, key := range []string{MetaSeatCount, MetaChildCount} {
		v := strings.TrimSpace(md[key])
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, malformed("%s: invalid seat count %q", key, v)
		}
		seats = n
		break
	}

	var perSeat int64
	if v := md[MetaCreditsPerChild]; v != "" {
		m, err := types.ParseMajor(v, currency)
		if err != nil {
			return 0, 0, malformed("%s: %v", MetaCreditsPerChild, err)
		}
		if m.IsNegative() {
			return 0, 0, malformed("%s must not be negative", MetaCreditsPerChild)
		}
		perSeat = m.Amount
	}
	return seats, perSeat, nil
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", tally.ErrMalformedEvent, fmt.Sprintf(format, args...))
}
