package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

// Resolver prices token usage against a cached pricing table. The table
// is reference data: it is refreshed from its Source independently of any
// single request, and a failed refresh keeps serving the previous table.
type Resolver struct {
	source        Source
	defaultMarkup decimal.Decimal
	logger        *slog.Logger

	mu          sync.RWMutex
	table       map[string]*Model
	refreshedAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultMarkup sets the markup used when neither the model nor the
// caller supplies one (default: 1).
func WithDefaultMarkup(m decimal.Decimal) Option {
	return func(r *Resolver) { r.defaultMarkup = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithModels seeds the table so the resolver is usable before the first
// Refresh.
func WithModels(models ...*Model) Option {
	return func(r *Resolver) { r.table = index(models) }
}

// NewResolver creates a Resolver reading from src. src may be nil when the
// table is seeded with WithModels.
func NewResolver(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:        src,
		defaultMarkup: decimal.NewFromInt(1),
		logger:        slog.Default(),
		table:         make(map[string]*Model),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh reloads the pricing table from the source.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.source == nil {
		return nil
	}
	models, err := r.source.LoadPricing(ctx)
	if err != nil {
		r.logger.Warn("pricing refresh failed, keeping previous table", "error", err)
		return fmt.Errorf("pricing: refresh: %w", err)
	}

	valid := make([]*Model, 0, len(models))
	for _, m := range models {
		if err := m.Validate(); err != nil {
			r.logger.Warn("pricing: skipping invalid model", "model_id", m.ModelID, "error", err)
			continue
		}
		valid = append(valid, m)
	}

	r.mu.Lock()
	r.table = index(valid)
	r.refreshedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Debug("pricing table refreshed", "models", len(valid))
	return nil
}

// Len returns the number of models in the cached table.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// RefreshedAt returns when the table was last loaded from the source.
func (r *Resolver) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}

// Lookup returns the pricing model for modelID. A "provider/model" id
// falls back to the bare model name.
func (r *Resolver) Lookup(modelID string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.table[modelID]; ok {
		return m, nil
	}
	if i := strings.LastIndex(modelID, "/"); i >= 0 {
		if m, ok := r.table[modelID[i+1:]]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
}

type resolveOptions struct {
	markup decimal.Decimal
}

// ResolveOption adjusts a single Resolve call.
type ResolveOption func(*resolveOptions)

// WithMarkup overrides the markup for one call. A zero markup is ignored.
func WithMarkup(m decimal.Decimal) ResolveOption {
	return func(o *resolveOptions) { o.markup = m }
}

// Resolve prices a model call:
//
//	billed = ceil((in*inPrice + out*outPrice) / 1e6 * markup)
//
// rounded up to the millicent. Base is the same without markup.
func (r *Resolver) Resolve(modelID string, inputTokens, outputTokens int64, opts ...ResolveOption) (*Cost, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return nil, ErrNegativeTokens
	}

	m, err := r.Lookup(modelID)
	if err != nil {
		return nil, err
	}

	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	markup := r.defaultMarkup
	if !m.Markup.IsZero() {
		markup = m.Markup
	}
	if !o.markup.IsZero() {
		markup = o.markup
	}

	raw := decimal.NewFromInt(inputTokens).Mul(m.InputPricePerMillion).
		Add(decimal.NewFromInt(outputTokens).Mul(m.OutputPricePerMillion)).
		Shift(-6)

	return &Cost{
		ModelID:      m.ModelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Markup:       markup,
		Base:         toMillis(raw, m.Currency),
		Billed:       toMillis(raw.Mul(markup), m.Currency),
	}, nil
}

// toMillis converts major units to millicents, rounding up.
func toMillis(major decimal.Decimal, currency string) types.Money {
	scaled := major.Mul(decimal.NewFromInt(types.MajorScale(currency))).Ceil()
	return types.Millis(scaled.IntPart(), currency)
}

func index(models []*Model) map[string]*Model {
	table := make(map[string]*Model, len(models))
	for _, m := range models {
		table[m.ModelID] = m
	}
	return table
}
