// Package pricing converts LLM token usage into a provider cost and a
// billed cost with markup.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/types"
)

var (
	ErrUnknownModel   = errors.New("tally: unknown model")
	ErrNegativeTokens = errors.New("tally: token counts must be non-negative")
	ErrInvalidModel   = errors.New("tally: invalid pricing model")
)

// Model prices one LLM model. Prices are exact decimals in major currency
// units per million tokens. A zero Markup falls back to the resolver default.
type Model struct {
	ModelID               string          `json:"model_id" mapstructure:"model_id" yaml:"model_id"`
	Provider              string          `json:"provider" mapstructure:"provider" yaml:"provider"`
	Currency              string          `json:"currency" mapstructure:"currency" yaml:"currency"`
	InputPricePerMillion  decimal.Decimal `json:"input_price_per_million" mapstructure:"input_price_per_million" yaml:"input_price_per_million"`
	OutputPricePerMillion decimal.Decimal `json:"output_price_per_million" mapstructure:"output_price_per_million" yaml:"output_price_per_million"`
	Markup                decimal.Decimal `json:"markup" mapstructure:"markup" yaml:"markup"`
	UpdatedAt             time.Time       `json:"updated_at" mapstructure:"-" yaml:"-"`
}

// Validate checks that the model can be priced.
func (m *Model) Validate() error {
	switch {
	case m.ModelID == "":
		return errors.Join(ErrInvalidModel, errors.New("model_id is required"))
	case m.Currency == "":
		return errors.Join(ErrInvalidModel, errors.New("currency is required"))
	case m.InputPricePerMillion.IsNegative() || m.OutputPricePerMillion.IsNegative():
		return errors.Join(ErrInvalidModel, errors.New("prices must be non-negative"))
	case m.Markup.IsNegative():
		return errors.Join(ErrInvalidModel, errors.New("markup must be non-negative"))
	}
	return nil
}

// Cost is the priced result of one model call.
type Cost struct {
	ModelID      string          `json:"model_id"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Markup       decimal.Decimal `json:"markup"`
	Base         types.Money     `json:"base"`
	Billed       types.Money     `json:"billed"`
}

// Source loads the pricing table. Stores and static tables implement it.
type Source interface {
	LoadPricing(ctx context.Context) ([]*Model, error)
}

// StaticSource serves a fixed pricing table.
type StaticSource []*Model

// LoadPricing implements Source.
func (s StaticSource) LoadPricing(context.Context) ([]*Model, error) {
	return s, nil
}
