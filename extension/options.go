package extension

import (
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/webhook"
)

// Option configures the tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a tally.Option through to the ledger.
func WithLedgerOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithReconcilerOption passes a webhook.Option through to the reconciler.
func WithReconcilerOption(opt webhook.Option) Option {
	return func(e *Extension) {
		e.reconcilerOpts = append(e.reconcilerOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, tally.WithPlugin(p))
	}
}

// WithLocker sets the lock serializing webhook deliveries, typically a
// lock.Redis shared by every replica.
func WithLocker(l lock.Locker) Option {
	return WithReconcilerOption(webhook.WithLocker(l))
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for tally routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithWebhookSecret sets the Stripe signing secret.
func WithWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.WebhookSecret = secret }
}

// WithWebhookTolerance sets the accepted signature age.
func WithWebhookTolerance(d time.Duration) Option {
	return func(e *Extension) { e.config.WebhookTolerance = d }
}

// WithOrderingGrace sets how long out-of-order events are retried.
func WithOrderingGrace(d time.Duration) Option {
	return func(e *Extension) { e.config.OrderingGrace = d }
}

// WithCurrency sets the currency of newly opened accounts.
func WithCurrency(currency string) Option {
	return func(e *Extension) { e.config.Currency = currency }
}
