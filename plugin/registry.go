package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                     []OnInit
	onShutdown                 []OnShutdown
	onAccountOpened            []OnAccountOpened
	onTransactionRecorded      []OnTransactionRecorded
	onInsufficientBalance      []OnInsufficientBalance
	onUsageCharged             []OnUsageCharged
	onSubscriptionTransitioned []OnSubscriptionTransitioned
	onWebhookProcessed         []OnWebhookProcessed
	onWebhookRejected          []OnWebhookRejected
	onPricingRefreshed         []OnPricingRefreshed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountOpened); ok {
		r.onAccountOpened = append(r.onAccountOpened, v)
	}
	if v, ok := p.(OnTransactionRecorded); ok {
		r.onTransactionRecorded = append(r.onTransactionRecorded, v)
	}
	if v, ok := p.(OnInsufficientBalance); ok {
		r.onInsufficientBalance = append(r.onInsufficientBalance, v)
	}
	if v, ok := p.(OnUsageCharged); ok {
		r.onUsageCharged = append(r.onUsageCharged, v)
	}
	if v, ok := p.(OnSubscriptionTransitioned); ok {
		r.onSubscriptionTransitioned = append(r.onSubscriptionTransitioned, v)
	}
	if v, ok := p.(OnWebhookProcessed); ok {
		r.onWebhookProcessed = append(r.onWebhookProcessed, v)
	}
	if v, ok := p.(OnWebhookRejected); ok {
		r.onWebhookRejected = append(r.onWebhookRejected, v)
	}
	if v, ok := p.(OnPricingRefreshed); ok {
		r.onPricingRefreshed = append(r.onPricingRefreshed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnAccountOpened", reflect.TypeFor[OnAccountOpened]()},
	{"OnTransactionRecorded", reflect.TypeFor[OnTransactionRecorded]()},
	{"OnInsufficientBalance", reflect.TypeFor[OnInsufficientBalance]()},
	{"OnUsageCharged", reflect.TypeFor[OnUsageCharged]()},
	{"OnSubscriptionTransitioned", reflect.TypeFor[OnSubscriptionTransitioned]()},
	{"OnWebhookProcessed", reflect.TypeFor[OnWebhookProcessed]()},
	{"OnWebhookRejected", reflect.TypeFor[OnWebhookRejected]()},
	{"OnPricingRefreshed", reflect.TypeFor[OnPricingRefreshed]()},
}

// implementedInterfaces returns the hook names p implements.
func implementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			interfaces = append(interfaces, h.name)
		}
	}
	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every plugin in list, logging failures. Hook errors
// never propagate to the caller.
func emit[T Plugin](r *Registry, ctx context.Context, hook string, list func(*Registry) []T, fn func(T) error) {
	r.mu.RLock()
	plugins := list(r)
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	emit(r, ctx, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, l) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, ctx, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitAccountOpened emits an account opened event.
func (r *Registry) EmitAccountOpened(ctx context.Context, a *account.Account) {
	emit(r, ctx, "OnAccountOpened", func(r *Registry) []OnAccountOpened { return r.onAccountOpened },
		func(p OnAccountOpened) error { return p.OnAccountOpened(ctx, a) })
}

// EmitTransactionRecorded emits a transaction recorded event.
func (r *Registry) EmitTransactionRecorded(ctx context.Context, tx *account.Transaction) {
	emit(r, ctx, "OnTransactionRecorded", func(r *Registry) []OnTransactionRecorded { return r.onTransactionRecorded },
		func(p OnTransactionRecorded) error { return p.OnTransactionRecorded(ctx, tx) })
}

// EmitInsufficientBalance emits an insufficient balance event.
func (r *Registry) EmitInsufficientBalance(ctx context.Context, accountID id.AccountID, requested int64) {
	emit(r, ctx, "OnInsufficientBalance", func(r *Registry) []OnInsufficientBalance { return r.onInsufficientBalance },
		func(p OnInsufficientBalance) error { return p.OnInsufficientBalance(ctx, accountID, requested) })
}

// EmitUsageCharged emits a usage charged event.
func (r *Registry) EmitUsageCharged(ctx context.Context, accountID id.AccountID, cost *pricing.Cost) {
	emit(r, ctx, "OnUsageCharged", func(r *Registry) []OnUsageCharged { return r.onUsageCharged },
		func(p OnUsageCharged) error { return p.OnUsageCharged(ctx, accountID, cost) })
}

// EmitSubscriptionTransitioned emits a subscription transition event.
func (r *Registry) EmitSubscriptionTransitioned(ctx context.Context, sub *subscription.Subscription, evt *subscription.Event) {
	emit(r, ctx, "OnSubscriptionTransitioned", func(r *Registry) []OnSubscriptionTransitioned { return r.onSubscriptionTransitioned },
		func(p OnSubscriptionTransitioned) error { return p.OnSubscriptionTransitioned(ctx, sub, evt) })
}

// EmitWebhookProcessed emits a webhook processed event.
func (r *Registry) EmitWebhookProcessed(ctx context.Context, provider, eventType, outcome string, elapsed time.Duration) {
	emit(r, ctx, "OnWebhookProcessed", func(r *Registry) []OnWebhookProcessed { return r.onWebhookProcessed },
		func(p OnWebhookProcessed) error {
			return p.OnWebhookProcessed(ctx, provider, eventType, outcome, elapsed)
		})
}

// EmitWebhookRejected emits a webhook rejected event.
func (r *Registry) EmitWebhookRejected(ctx context.Context, provider, eventType, eventID string, reason error) {
	emit(r, ctx, "OnWebhookRejected", func(r *Registry) []OnWebhookRejected { return r.onWebhookRejected },
		func(p OnWebhookRejected) error { return p.OnWebhookRejected(ctx, provider, eventType, eventID, reason) })
}

// EmitPricingRefreshed emits a pricing refreshed event.
func (r *Registry) EmitPricingRefreshed(ctx context.Context, models int, err error) {
	emit(r, ctx, "OnPricingRefreshed", func(r *Registry) []OnPricingRefreshed { return r.onPricingRefreshed },
		func(p OnPricingRefreshed) error { return p.OnPricingRefreshed(ctx, models, err) })
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
