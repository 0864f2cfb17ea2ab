// Package plugin provides an extensible plugin system for tally.
// Plugins hook into ledger and webhook events to add auditing, metrics or
// notifications without touching the billing path.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnAccountOpened is called after a new account is created.
type OnAccountOpened interface {
	Plugin
	OnAccountOpened(ctx context.Context, a *account.Account) error
}

// OnTransactionRecorded is called for every newly committed transaction.
// Replays that return an existing transaction do not fire it.
type OnTransactionRecorded interface {
	Plugin
	OnTransactionRecorded(ctx context.Context, tx *account.Transaction) error
}

// OnInsufficientBalance is called when a debit or transfer is refused.
type OnInsufficientBalance interface {
	Plugin
	OnInsufficientBalance(ctx context.Context, accountID id.AccountID, requested int64) error
}

// OnUsageCharged is called after a priced usage debit commits.
type OnUsageCharged interface {
	Plugin
	OnUsageCharged(ctx context.Context, accountID id.AccountID, cost *pricing.Cost) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned is called after a subscription change commits.
type OnSubscriptionTransitioned interface {
	Plugin
	OnSubscriptionTransitioned(ctx context.Context, sub *subscription.Subscription, evt *subscription.Event) error
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed is called when a provider event is handled,
// including ignored and duplicate deliveries.
type OnWebhookProcessed interface {
	Plugin
	OnWebhookProcessed(ctx context.Context, provider, eventType, outcome string, elapsed time.Duration) error
}

// OnWebhookRejected is called when a provider event fails permanently
// and is acknowledged without effect.
type OnWebhookRejected interface {
	Plugin
	OnWebhookRejected(ctx context.Context, provider, eventType, eventID string, reason error) error
}

// ──────────────────────────────────────────────────
// Pricing hooks
// ──────────────────────────────────────────────────

// OnPricingRefreshed is called after every pricing table refresh attempt.
type OnPricingRefreshed interface {
	Plugin
	OnPricingRefreshed(ctx context.Context, models int, err error) error
}
