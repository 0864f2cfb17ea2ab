// Package types provides common types used across tally.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MillisPerMinor is the number of millicents in one currency minor unit.
const MillisPerMinor = 1000

// Money represents a monetary value in millicents: thousandths of the
// currency's minor unit. Balances and transaction amounts never hold
// fractional values, so a replayed transaction log always reproduces
// the same balance.
//
// Examples:
//   - EUR(100)  = €1.00  (100 cents, 100_000 millicents)
//   - USD(4900) = $49.00
//   - Millis(60_000, "eur") = €0.60
type Money struct {
	Amount   int64  `json:"amount"`   // Millicents
	Currency string `json:"currency"` // ISO 4217 lowercase: "usd", "eur", "gbp"
}

// Millis creates a Money value from a raw millicent amount.
func Millis(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// Minor creates a Money value from an amount in the currency's minor unit.
func Minor(amount int64, currency string) Money {
	return Millis(amount*MillisPerMinor, currency)
}

// USD creates a Money value in US Dollars from cents.
func USD(cents int64) Money { return Minor(cents, "usd") }

// EUR creates a Money value in Euros from cents.
func EUR(cents int64) Money { return Minor(cents, "eur") }

// GBP creates a Money value in British Pounds from pence.
func GBP(pence int64) Money { return Minor(pence, "gbp") }

// JPY creates a Money value in Japanese Yen.
func JPY(yen int64) Money { return Minor(yen, "jpy") }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// FromMajor converts an exact decimal amount of major units ("4.99" euros)
// into Money. It fails when the amount carries more precision than a
// millicent, so no value is ever silently rounded on the way in.
func FromMajor(major decimal.Decimal, currency string) (Money, error) {
	scaled := major.Mul(decimal.NewFromInt(MajorScale(currency)))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("money: %s %s is finer than a millicent", major.String(), currency)
	}
	return Millis(scaled.IntPart(), currency), nil
}

// ParseMajor parses a decimal string of major units, see FromMajor.
func ParseMajor(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromMajor(d, currency)
}

// MajorScale returns the number of millicents in one major unit of the currency.
func MajorScale(currency string) int64 {
	scale := int64(MillisPerMinor)
	for i := 0; i < currencyDecimals(currency); i++ {
		scale *= 10
	}
	return scale
}

// Arithmetic operations

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// Multiply multiplies the Money by a quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount * qty, Currency: m.Currency}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return Money{Amount: -m.Amount, Currency: m.Currency}
	}
	return m
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values are equal (same amount and currency).
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// LessThan returns true if this Money is less than other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount < other.Amount
}

// Min returns the smaller of two Money values. Panics if currencies don't match.
func (m Money) Min(other Money) Money {
	m.assertSameCurrency(other)
	if m.Amount < other.Amount {
		return m
	}
	return other
}

// Formatting methods

// Decimal returns the amount as an exact decimal of major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, 0).Div(decimal.NewFromInt(MajorScale(m.Currency)))
}

// FormatMajor returns the display string in major units without a currency
// symbol, rounded half away from zero to the currency's minor unit:
// "0.40" for EUR(40), "100" for JPY(100).
func (m Money) FormatMajor() string {
	return m.Decimal().StringFixed(int32(currencyDecimals(m.Currency)))
}

// FormatPrecise returns the full millicent precision in major units:
// "0.00123" for Millis(123, "eur").
func (m Money) FormatPrecise() string {
	return m.Decimal().StringFixed(int32(currencyDecimals(m.Currency)) + 3)
}

// String returns a human-readable string with currency symbol.
// Examples: "$49.00", "€0.40", "£99.00", "¥100"
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Millis(raw.Amount, raw.Currency)
	return nil
}

// Helper functions

// assertSameCurrency panics if currencies don't match.
func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// currencySymbol returns the symbol for a currency code.
func currencySymbol(currency string) string {
	symbols := map[string]string{
		"usd": "$",
		"eur": "€",
		"gbp": "£",
		"jpy": "¥",
		"cad": "C$",
		"aud": "A$",
		"chf": "CHF ",
		"sek": "kr ",
	}
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// currencyDecimals returns the number of minor-unit decimal places for a currency.
func currencyDecimals(currency string) int {
	zeroDecimal := map[string]bool{
		"jpy": true,
		"krw": true,
		"vnd": true,
		"clp": true,
		"pyg": true,
		"idr": true,
	}
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}
