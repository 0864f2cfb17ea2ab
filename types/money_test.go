package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   int64
		currency string
		display  string
	}{
		{"USD", USD(4900), 4_900_000, "usd", "$49.00"},
		{"EUR", EUR(40), 40_000, "eur", "€0.40"},
		{"GBP", GBP(9900), 9_900_000, "gbp", "£99.00"},
		{"JPY", JPY(100), 100_000, "jpy", "¥100"},
		{"Millis", Millis(60_000, "EUR"), 60_000, "eur", "€0.60"},
		{"Sub-cent rounds up for display", Millis(1_500, "eur"), 1_500, "eur", "€0.02"},
		{"Zero EUR", Zero("EUR"), 0, "eur", "€0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.money.Amount != tt.amount {
				t.Errorf("Amount: got %d, want %d", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return EUR(100).Add(EUR(200)) }, EUR(300)},
		{"Subtract", func() Money { return EUR(100).Subtract(EUR(60)) }, EUR(40)},
		{"Multiply", func() Money { return EUR(500).Multiply(2) }, EUR(1000)},
		{"Negate", func() Money { return EUR(100).Negate() }, EUR(-100)},
		{"Abs negative", func() Money { return EUR(-100).Abs() }, EUR(100)},
		{"Min", func() Money { return EUR(500).Min(EUR(300)) }, EUR(300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.op()
			if !result.Equal(tt.expected) {
				t.Errorf("Got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD(100).Add(EUR(100))
}

func TestParseMajor(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"5", 500_000, false},
		{"0.60", 60_000, false},
		{"4.99", 499_000, false},
		{"0.00001", 1, false},
		{"0.000001", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMajor(tt.in, "eur")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Amount != tt.want {
				t.Errorf("got %d, want %d", got.Amount, tt.want)
			}
		})
	}
}

func TestMoneyDecimal(t *testing.T) {
	m := Millis(123, "eur")
	if !m.Decimal().Equal(decimal.RequireFromString("0.00123")) {
		t.Errorf("Decimal: got %s", m.Decimal())
	}
	if m.FormatPrecise() != "0.00123" {
		t.Errorf("FormatPrecise: got %s", m.FormatPrecise())
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(EUR(1500))
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["display"] != "€15.00" {
		t.Errorf("display: got %v", got["display"])
	}

	var back Money
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(EUR(1500)) {
		t.Errorf("unmarshal: got %v", back)
	}
}
