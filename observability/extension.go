// Package observability provides a metrics extension for tally that records
// ledger, subscription and webhook event counts through a MetricFactory.
// PrometheusFactory backs the factory with client_golang collectors.
package observability

import (
	"context"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                     = (*MetricsExtension)(nil)
	_ plugin.OnInit                     = (*MetricsExtension)(nil)
	_ plugin.OnAccountOpened            = (*MetricsExtension)(nil)
	_ plugin.OnTransactionRecorded      = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientBalance      = (*MetricsExtension)(nil)
	_ plugin.OnUsageCharged             = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionTransitioned = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed         = (*MetricsExtension)(nil)
	_ plugin.OnWebhookRejected          = (*MetricsExtension)(nil)
	_ plugin.OnPricingRefreshed         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a tally plugin to track billing metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountsOpened Counter

	// Transaction metrics
	TransactionsRecorded Counter
	CreditedMillis       Counter
	DebitedMillis        Counter
	InsufficientBalance  Counter

	// Usage metrics
	UsageCharged      Counter
	UsageBilledMillis Counter
	UsageTokens       Counter

	// Subscription metrics
	SubscriptionTransitions Counter
	SubscriptionActivated   Counter
	SubscriptionPastDue     Counter
	SubscriptionCanceled    Counter

	// Webhook metrics
	WebhookProcessed Counter
	WebhookIgnored   Counter
	WebhookDuplicate Counter
	WebhookRejected  Counter
	WebhookLatency   Histogram

	// Pricing metrics
	PricingRefreshSuccess Counter
	PricingRefreshFailure Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		AccountsOpened: factory.Counter("tally.account.opened"),

		TransactionsRecorded: factory.Counter("tally.transaction.recorded"),
		CreditedMillis:       factory.Counter("tally.transaction.credited_millis"),
		DebitedMillis:        factory.Counter("tally.transaction.debited_millis"),
		InsufficientBalance:  factory.Counter("tally.balance.insufficient"),

		UsageCharged:      factory.Counter("tally.usage.charged"),
		UsageBilledMillis: factory.Counter("tally.usage.billed_millis"),
		UsageTokens:       factory.Counter("tally.usage.tokens"),

		SubscriptionTransitions: factory.Counter("tally.subscription.transitions"),
		SubscriptionActivated:   factory.Counter("tally.subscription.activated"),
		SubscriptionPastDue:     factory.Counter("tally.subscription.past_due"),
		SubscriptionCanceled:    factory.Counter("tally.subscription.canceled"),

		WebhookProcessed: factory.Counter("tally.webhook.processed"),
		WebhookIgnored:   factory.Counter("tally.webhook.ignored"),
		WebhookDuplicate: factory.Counter("tally.webhook.duplicate"),
		WebhookRejected:  factory.Counter("tally.webhook.rejected"),
		WebhookLatency:   factory.Histogram("tally.webhook.duration_seconds"),

		PricingRefreshSuccess: factory.Counter("tally.pricing.refresh.success"),
		PricingRefreshFailure: factory.Counter("tally.pricing.refresh.failure"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (m *MetricsExtension) OnAccountOpened(_ context.Context, _ *account.Account) error {
	m.AccountsOpened.Inc()
	return nil
}

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (m *MetricsExtension) OnTransactionRecorded(_ context.Context, tx *account.Transaction) error {
	m.TransactionsRecorded.Inc()
	switch {
	case tx.Amount > 0:
		m.CreditedMillis.Add(float64(tx.Amount))
	case tx.Amount < 0:
		m.DebitedMillis.Add(float64(-tx.Amount))
	}
	return nil
}

// OnInsufficientBalance implements plugin.OnInsufficientBalance.
func (m *MetricsExtension) OnInsufficientBalance(_ context.Context, _ id.AccountID, _ int64) error {
	m.InsufficientBalance.Inc()
	return nil
}

// OnUsageCharged implements plugin.OnUsageCharged.
func (m *MetricsExtension) OnUsageCharged(_ context.Context, _ id.AccountID, cost *pricing.Cost) error {
	m.UsageCharged.Inc()
	m.UsageBilledMillis.Add(float64(cost.Billed.Amount))
	m.UsageTokens.Add(float64(cost.InputTokens + cost.OutputTokens))
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned implements plugin.OnSubscriptionTransitioned.
func (m *MetricsExtension) OnSubscriptionTransitioned(_ context.Context, _ *subscription.Subscription, evt *subscription.Event) error {
	m.SubscriptionTransitions.Inc()
	if evt.PrevStatus == evt.NewStatus {
		return nil
	}
	switch evt.NewStatus {
	case subscription.StatusActive:
		m.SubscriptionActivated.Inc()
	case subscription.StatusPastDue:
		m.SubscriptionPastDue.Inc()
	case subscription.StatusCanceled:
		m.SubscriptionCanceled.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed. Rejected
// deliveries are counted by OnWebhookRejected.
func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, _, _, outcome string, elapsed time.Duration) error {
	m.WebhookLatency.Observe(elapsed.Seconds())
	switch outcome {
	case "processed":
		m.WebhookProcessed.Inc()
	case "ignored":
		m.WebhookIgnored.Inc()
	case "duplicate":
		m.WebhookDuplicate.Inc()
	}
	return nil
}

// OnWebhookRejected implements plugin.OnWebhookRejected.
func (m *MetricsExtension) OnWebhookRejected(_ context.Context, _, _, _ string, _ error) error {
	m.WebhookRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnPricingRefreshed implements plugin.OnPricingRefreshed.
func (m *MetricsExtension) OnPricingRefreshed(_ context.Context, _ int, err error) error {
	if err != nil {
		m.PricingRefreshFailure.Inc()
	} else {
		m.PricingRefreshSuccess.Inc()
	}
	return nil
}
