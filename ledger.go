package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/types"
)

// Defaults applied by New.
const (
	DefaultCurrency       = "eur"
	DefaultPricingRefresh = "@every 5m"
	DefaultPurgeSchedule  = "@daily"
	DefaultEventRetention = 90 * 24 * time.Hour
)

// ErrNoResolver is returned by Charge when the ledger has no pricing table.
var ErrNoResolver = errors.New("tally: no pricing resolver configured")

// BalanceCache is an optional read-through cache for account balances.
// It is advisory: the store stays authoritative and every commit refreshes
// or invalidates the entries it touched. SetBalance must ignore a version
// older than or equal to the one already cached, because commits on one
// account can finish their cache writes in any order.
type BalanceCache interface {
	GetBalance(ctx context.Context, accountID id.AccountID) (types.Money, bool, error)
	SetBalance(ctx context.Context, accountID id.AccountID, balance types.Money, version int64) error
	Invalidate(ctx context.Context, accountIDs ...id.AccountID) error
}

// Ledger is the credit ledger engine. Every balance change goes through
// one of its write operations and ends up as a single store.Batch.
type Ledger struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	resolver *pricing.Resolver
	cache    BalanceCache
	now      func() time.Time

	// Configuration
	currency       string
	pricingRefresh string
	purgeSchedule  string
	eventRetention time.Duration
	skipMigrate    bool

	// Background jobs
	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:          s,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
		currency:       DefaultCurrency,
		pricingRefresh: DefaultPricingRefresh,
		purgeSchedule:  DefaultPurgeSchedule,
		eventRetention: DefaultEventRetention,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPricing sets the resolver used by Charge.
func WithPricing(r *pricing.Resolver) Option {
	return func(l *Ledger) { l.resolver = r }
}

// WithPricingRefresh sets the cron schedule of the pricing refresh job.
// An empty spec disables it.
func WithPricingRefresh(spec string) Option {
	return func(l *Ledger) { l.pricingRefresh = spec }
}

// WithEventRetention sets how long webhook dedup records are kept and the
// schedule of the purge job. A zero retention disables purging.
func WithEventRetention(retention time.Duration, schedule string) Option {
	return func(l *Ledger) {
		l.eventRetention = retention
		if schedule != "" {
			l.purgeSchedule = schedule
		}
	}
}

// WithoutMigrate makes Start leave the store schema alone.
func WithoutMigrate() Option {
	return func(l *Ledger) { l.skipMigrate = true }
}

// WithBalanceCache sets the balance cache.
func WithBalanceCache(c BalanceCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithCurrency sets the currency of newly opened accounts.
func WithCurrency(currency string) Option {
	return func(l *Ledger) { l.currency = strings.ToLower(currency) }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Resolver returns the pricing resolver, or nil.
func (l *Ledger) Resolver() *pricing.Resolver { return l.resolver }

// Logger returns the ledger logger.
func (l *Ledger) Logger() *slog.Logger { return l.logger }

// Currency returns the default account currency.
func (l *Ledger) Currency() string { return l.currency }

// Start migrates the store, loads the pricing table and starts the
// background jobs.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	if !l.skipMigrate {
		if err := l.store.Migrate(ctx); err != nil {
			return err
		}
	}

	if l.resolver != nil {
		// A failed first load leaves an empty table; the cron job retries.
		_ = l.RefreshPricing(ctx) //nolint:errcheck // logged and emitted by RefreshPricing
	}

	// Initialize plugins
	l.plugins.EmitInit(ctx, l)

	c := cron.New()
	if l.resolver != nil && l.pricingRefresh != "" {
		if _, err := c.AddFunc(l.pricingRefresh, func() {
			_ = l.RefreshPricing(context.Background()) //nolint:errcheck // logged and emitted by RefreshPricing
		}); err != nil {
			return fmt.Errorf("tally: pricing refresh schedule %q: %w", l.pricingRefresh, err)
		}
	}
	if l.eventRetention > 0 {
		if _, err := c.AddFunc(l.purgeSchedule, func() {
			if _, err := l.PurgeEvents(context.Background()); err != nil {
				l.logger.Warn("webhook event purge failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("tally: purge schedule %q: %w", l.purgeSchedule, err)
		}
	}
	c.Start()
	l.cron = c
	l.started = true

	l.logger.Info("ledger started",
		"currency", l.currency,
		"pricing_refresh", l.pricingRefresh,
		"event_retention", l.eventRetention,
	)

	return nil
}

// Stop waits for running jobs, notifies plugins and closes the store.
func (l *Ledger) Stop() error {
	l.mu.Lock()
	if l.cron != nil {
		<-l.cron.Stop().Done()
		l.cron = nil
	}
	l.started = false
	l.mu.Unlock()

	ctx := context.Background()
	l.plugins.EmitShutdown(ctx)

	return l.store.Close()
}

// RefreshPricing reloads the pricing table from its source. A failure
// keeps the previous table.
func (l *Ledger) RefreshPricing(ctx context.Context) error {
	if l.resolver == nil {
		return ErrNoResolver
	}
	err := l.resolver.Refresh(ctx)
	l.plugins.EmitPricingRefreshed(ctx, l.resolver.Len(), err)
	return err
}

// PurgeEvents deletes webhook dedup records older than the retention
// window. Provider retries stop long before it ends.
func (l *Ledger) PurgeEvents(ctx context.Context) (int64, error) {
	if l.eventRetention <= 0 {
		return 0, nil
	}
	n, err := l.store.PurgeEvents(ctx, l.now().Add(-l.eventRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("purged webhook events", "count", n, "retention", l.eventRetention)
	}
	return n, nil
}
