// Package extension provides the Forge extension adapter for tally.
//
// It implements the forge.Extension interface to integrate the ledger and
// the Stripe webhook reconciler into a Forge application with DI
// registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/webhook"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Prepaid credit ledger with Stripe reconciliation"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// ErrNoWebhookSecret is returned when the reconciler is requested without
// a configured signing secret.
var ErrNoWebhookSecret = errors.New("tally: webhook secret not configured")

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config         Config
	ledger         *tally.Ledger
	reconciler     *webhook.Reconciler
	store          store.Store
	ledgerOpts     []tally.Option
	reconcilerOpts []webhook.Option
}

// New creates a new tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger returns the underlying ledger. This is nil until Register is called.
func (e *Extension) Ledger() *tally.Ledger { return e.ledger }

// Reconciler returns the webhook reconciler, nil when no webhook secret
// is configured.
func (e *Extension) Reconciler() *webhook.Reconciler { return e.reconciler }

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration, builds
// the ledger and the reconciler, and registers them in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*tally.Ledger, error) {
		return e.ledger, nil
	}); err != nil {
		return err
	}
	return vessel.Provide(fapp.Container(), func() (*webhook.Reconciler, error) {
		if e.reconciler == nil {
			return nil, ErrNoWebhookSecret
		}
		return e.reconciler, nil
	})
}

// Init builds the ledger and reconciler from programmatic configuration
// alone, for binaries that do not run a Forge app.
func (e *Extension) Init() error {
	e.config = e.config.withDefaults()
	return e.build()
}

// build constructs the ledger and reconciler from the resolved config.
func (e *Extension) build() error {
	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildLedgerOpts()
	if err != nil {
		return err
	}
	e.ledger = tally.New(e.store, opts...)

	if e.config.WebhookSecret != "" {
		verifier := webhook.NewStripeVerifier(e.config.WebhookSecret, e.config.WebhookTolerance)
		ropts := append([]webhook.Option{
			webhook.WithLogger(e.ledger.Logger()),
			webhook.WithOrderingGrace(e.config.OrderingGrace),
		}, e.reconcilerOpts...)
		e.reconciler = webhook.NewReconciler(e.ledger, verifier, ropts...)
	}
	return nil
}

// Handler returns the HTTP routes mounted under the configured base path,
// or nil when routes are disabled.
func (e *Extension) Handler() http.Handler {
	if e.config.DisableRoutes || e.ledger == nil {
		return nil
	}
	mux := http.NewServeMux()
	var opts []api.Option
	if e.reconciler != nil {
		opts = append(opts, api.WithReconciler(e.reconciler))
	}
	api.NewHandler(e.ledger, opts...).RegisterRoutes(mux, e.config.BasePath)
	return mux
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.ledger == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.ledger.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.ledger != nil {
		if err := e.ledger.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildLedgerOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() ([]tally.Option, error) {
	markup, err := decimal.NewFromString(e.config.DefaultMarkup)
	if err != nil {
		return nil, fmt.Errorf("tally: default_markup %q: %w", e.config.DefaultMarkup, err)
	}
	if markup.IsNegative() {
		return nil, fmt.Errorf("tally: default_markup %q must not be negative", e.config.DefaultMarkup)
	}

	opts := make([]tally.Option, 0, len(e.ledgerOpts)+5)
	opts = append(opts,
		tally.WithCurrency(e.config.Currency),
		tally.WithPricing(pricing.NewResolver(e.store, pricing.WithDefaultMarkup(markup))),
		tally.WithPricingRefresh(e.config.PricingRefresh),
		tally.WithEventRetention(e.config.EventRetention, e.config.PurgeSchedule),
	)
	if e.config.DisableMigrate {
		opts = append(opts, tally.WithoutMigrate())
	}

	// Append any pass-through ledger options.
	opts = append(opts, e.ledgerOpts...)

	return opts, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = programmaticConfig.withDefaults()
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = merge(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("currency", e.config.Currency),
		forge.F("pricing_refresh", e.config.PricingRefresh),
		forge.F("event_retention", e.config.EventRetention),
		forge.F("webhook_enabled", e.config.WebhookSecret != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}
