package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/pricing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testTable() pricing.StaticSource {
	return pricing.StaticSource{
		{
			ModelID:               "gpt-4o",
			Provider:              "openai",
			Currency:              "eur",
			InputPricePerMillion:  d("2.50"),
			OutputPricePerMillion: d("10.00"),
		},
		{
			ModelID:               "claude-sonnet",
			Provider:              "anthropic",
			Currency:              "eur",
			InputPricePerMillion:  d("3"),
			OutputPricePerMillion: d("15"),
			Markup:                d("2"),
		},
	}
}

func newResolver(t *testing.T, opts ...pricing.Option) *pricing.Resolver {
	t.Helper()
	r := pricing.NewResolver(testTable(), opts...)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return r
}

func TestResolve(t *testing.T) {
	r := newResolver(t, pricing.WithDefaultMarkup(d("1.5")))

	tests := []struct {
		name       string
		model      string
		in, out    int64
		opts       []pricing.ResolveOption
		wantBase   int64
		wantBilled int64
	}{
		// 1000*2.5/1e6 + 500*10/1e6 = 0.0075 EUR = 750 millicents; *1.5 = 1125
		{"default markup", "gpt-4o", 1000, 500, nil, 750, 1125},
		// model markup 2 wins over default
		{"model markup", "claude-sonnet", 1000, 1000, nil, 1800, 3600},
		// per-account markup wins over both
		{"override markup", "claude-sonnet", 1000, 1000, []pricing.ResolveOption{pricing.WithMarkup(d("1.1"))}, 1800, 1980},
		// 1 token * 2.5/1e6 = 0.0000025 EUR = 0.25 millicent, rounded up
		{"sub-millicent rounds up", "gpt-4o", 1, 0, nil, 1, 1},
		{"zero tokens", "gpt-4o", 0, 0, nil, 0, 0},
		{"provider prefix", "openai/gpt-4o", 1000, 500, nil, 750, 1125},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := r.Resolve(tt.model, tt.in, tt.out, tt.opts...)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if cost.Base.Amount != tt.wantBase {
				t.Errorf("base: got %d, want %d", cost.Base.Amount, tt.wantBase)
			}
			if cost.Billed.Amount != tt.wantBilled {
				t.Errorf("billed: got %d, want %d", cost.Billed.Amount, tt.wantBilled)
			}
			if cost.Billed.Currency != "eur" {
				t.Errorf("currency: got %s", cost.Billed.Currency)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	r := newResolver(t)

	if _, err := r.Resolve("unknown-model", 1, 1); !errors.Is(err, pricing.ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := r.Resolve("gpt-4o", -1, 1); !errors.Is(err, pricing.ErrNegativeTokens) {
		t.Errorf("expected ErrNegativeTokens, got %v", err)
	}
}

type failingSource struct{}

func (failingSource) LoadPricing(context.Context) ([]*pricing.Model, error) {
	return nil, errors.New("source down")
}

func TestRefreshFailureKeepsTable(t *testing.T) {
	r := pricing.NewResolver(failingSource{}, pricing.WithModels(testTable()...))

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if r.Len() != 2 {
		t.Fatalf("expected seeded table to survive, got %d models", r.Len())
	}
	if _, err := r.Resolve("gpt-4o", 10, 10); err != nil {
		t.Errorf("Resolve after failed refresh: %v", err)
	}
}

func TestRefreshSkipsInvalidModels(t *testing.T) {
	src := append(testTable(), &pricing.Model{ModelID: "broken"})
	r := pricing.NewResolver(src)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 valid models, got %d", r.Len())
	}
	if r.RefreshedAt().IsZero() {
		t.Error("expected refresh timestamp")
	}
}
