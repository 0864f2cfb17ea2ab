package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

func TestAccountModelKeepsMarkupExact(t *testing.T) {
	a := &account.Account{
		Entity:           types.NewEntity(),
		ID:               id.NewAccountID(),
		Kind:             account.KindOrganization,
		OwnerID:          "org_1",
		Currency:         "eur",
		Balance:          1_500_000,
		PurchasedCredits: 500_000,
		Markup:           decimal.RequireFromString("1.35"),
		Version:          7,
	}

	m := toAccountModel(a)
	if m.Metadata == nil {
		t.Error("metadata should default to an empty object")
	}

	got, err := fromAccountModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != a.ID || !got.Markup.Equal(a.Markup) || got.PurchasedCredits != 500_000 || got.Version != 7 {
		t.Errorf("round trip lost data: %+v", got)
	}
}

func TestSubscriptionModelNullPeriods(t *testing.T) {
	sub := subscription.NewMachine().Start("org_1", id.NewAccountID(), "sub_1")

	m := toSubscriptionModel(sub)
	if m.CurrentPeriodStart != nil || m.CurrentPeriodEnd != nil {
		t.Error("unset periods should be stored as NULL")
	}

	got, err := fromSubscriptionModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPeriodStart.IsZero() || got.Status != subscription.StatusNone {
		t.Errorf("unexpected subscription %+v", got)
	}
}

func TestTransactionModelTransferID(t *testing.T) {
	empty := ""
	m := &transactionModel{
		ID:         id.NewTransactionID().String(),
		AccountID:  id.NewAccountID().String(),
		Type:       string(account.TxUsage),
		TransferID: &empty,
		CreatedAt:  time.Now(),
	}
	tx, err := fromTransactionModel(m)
	if err != nil {
		t.Fatal(err)
	}
	if !tx.TransferID.IsNil() {
		t.Error("empty transfer id should map to Nil")
	}

	xfer := id.NewTransferID().String()
	m.TransferID = &xfer
	if tx, err = fromTransactionModel(m); err != nil || tx.TransferID.String() != xfer {
		t.Errorf("transfer id: %v %v", tx, err)
	}
}

func TestPricingModelRejectsBadDecimal(t *testing.T) {
	m := toPricingModel(&pricing.Model{
		ModelID:               "gpt-4o",
		Currency:              "eur",
		InputPricePerMillion:  decimal.RequireFromString("2.5"),
		OutputPricePerMillion: decimal.RequireFromString("10"),
	})
	got, err := fromPricingModel(m)
	if err != nil || !got.InputPricePerMillion.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("round trip: %v %v", got, err)
	}

	m.OutputPricePerMillion = "ten"
	if _, err := fromPricingModel(m); err == nil {
		t.Error("expected a parse error")
	}
}
