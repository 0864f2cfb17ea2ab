// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"

	"github.com/shopspring/decimal"
)

// Factory returns a fresh, migrated store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Accounts", testAccounts},
		{"PostingApplies", testPostingApplies},
		{"InsufficientBalanceLeavesStateUntouched", testInsufficientBalance},
		{"DuplicateExternalRef", testDuplicateExternalRef},
		{"TransferLegsAreAtomic", testTransferAtomic},
		{"CapAtBalance", testCapAtBalance},
		{"Reset", testReset},
		{"EventDedup", testEventDedup},
		{"Subscriptions", testSubscriptions},
		{"ListTransactions", testListTransactions},
		{"PurgeEvents", testPurgeEvents},
		{"Pricing", testPricing},
		{"ConcurrentDebits", testConcurrentDebits},
		{"ConcurrentEventDedup", testConcurrentEventDedup},
		{"VersionAdvances", testVersionAdvances},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// OpenAccount creates a zero-balance account for tests.
func OpenAccount(t *testing.T, s store.Store, kind account.Kind, owner string) *account.Account {
	t.Helper()
	a := &account.Account{
		Entity:   types.NewEntity(),
		ID:       id.NewAccountID(),
		Kind:     kind,
		OwnerID:  owner,
		Currency: "eur",
	}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func fund(t *testing.T, s store.Store, a *account.Account, amount int64, purchased bool) {
	t.Helper()
	p := account.Posting{AccountID: a.ID, Type: account.TxPurchase, Amount: amount}
	if purchased {
		p.PurchasedDelta = amount
	}
	if _, err := s.Apply(context.Background(), &store.Batch{Postings: []account.Posting{p}}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func balance(t *testing.T, s store.Store, a *account.Account) (int64, int64) {
	t.Helper()
	got, err := s.GetAccount(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return got.Balance, got.PurchasedCredits
}

func debit(a *account.Account, amount int64, ref string) account.Posting {
	return account.Posting{AccountID: a.ID, Type: account.TxUsage, Amount: -amount, ExternalRef: ref}
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")

	got, err := s.GetAccountByOwner(ctx, account.KindPersonal, "user_1")
	if err != nil {
		t.Fatalf("by owner: %v", err)
	}
	if got.ID != a.ID || got.Currency != "eur" {
		t.Errorf("unexpected account %+v", got)
	}

	if _, err := s.GetAccountByOwner(ctx, account.KindOrganization, "user_1"); !errors.Is(err, account.ErrAccountNotFound) {
		t.Errorf("owner lookup is per kind, got %v", err)
	}

	dup := &account.Account{ID: id.NewAccountID(), Kind: account.KindPersonal, OwnerID: "user_1", Currency: "eur"}
	if err := s.CreateAccount(ctx, dup); !errors.Is(err, account.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}

	if _, err := s.GetAccount(ctx, id.NewAccountID()); !errors.Is(err, account.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func testPostingApplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, a, 100_000, true)

	res, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{debit(a, 60_000, "usage_1")}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Transactions) != 1 || res.Duplicate[0] {
		t.Fatalf("unexpected result %+v", res)
	}
	tx := res.Transactions[0]
	if tx.Amount != -60_000 || tx.BalanceAfter != 40_000 || tx.Type != account.TxUsage {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if got := res.Account(a.ID.String()); got == nil || got.Balance != 40_000 {
		t.Errorf("result account: %+v", got)
	}

	bal, purchased := balance(t, s, a)
	if bal != 40_000 || purchased != 40_000 {
		t.Errorf("balance %d purchased %d, want 40000/40000", bal, purchased)
	}

	sum, err := s.SumTransactions(ctx, a.ID)
	if err != nil || sum != bal {
		t.Errorf("sum %d (%v) != balance %d", sum, err, bal)
	}
}

func testInsufficientBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, a, 40_000, false)

	_, err := s.Apply(ctx, &store.Batch{
		Event:    &store.ProcessedEvent{Provider: "stripe", EventID: "evt_1", Outcome: store.OutcomeProcessed},
		Postings: []account.Posting{debit(a, 60_000, "usage_2")},
	})
	if !errors.Is(err, account.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if bal, _ := balance(t, s, a); bal != 40_000 {
		t.Errorf("balance changed to %d", bal)
	}
	if _, err := s.GetTransactionByExternalRef(ctx, a.ID, "usage_2"); !errors.Is(err, account.ErrTransactionNotFound) {
		t.Errorf("failed posting left a transaction: %v", err)
	}
	if done, _ := s.IsEventProcessed(ctx, "stripe", "evt_1"); done {
		t.Error("failed batch recorded its dedup row")
	}
}

func testDuplicateExternalRef(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	credit := account.Posting{AccountID: a.ID, Type: account.TxPurchase, Amount: 500_000, ExternalRef: "pi_1"}

	first, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{credit}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{credit}})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate[0] || second.Transactions[0].ID != first.Transactions[0].ID {
		t.Errorf("expected the first transaction back, got %+v", second.Transactions[0])
	}
	if bal, _ := balance(t, s, a); bal != 500_000 {
		t.Errorf("balance %d, want 500000", bal)
	}

	got, err := s.GetTransactionByExternalRef(ctx, a.ID, "pi_1")
	if err != nil || got.ID != first.Transactions[0].ID {
		t.Errorf("lookup by ref: %v %v", got, err)
	}
}

func testTransferAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	org := OpenAccount(t, s, account.KindOrganization, "org_1")
	child := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, org, 1_000_000, false)

	xfer := id.NewTransferID()
	legs := func(amount int64) []account.Posting {
		return []account.Posting{
			{AccountID: org.ID, Type: account.TxTransferOut, Amount: -amount, TransferID: xfer},
			{AccountID: child.ID, Type: account.TxTransferIn, Amount: amount, TransferID: xfer},
		}
	}

	if _, err := s.Apply(ctx, &store.Batch{Postings: legs(300_000)}); err != nil {
		t.Fatal(err)
	}
	if b, _ := balance(t, s, org); b != 700_000 {
		t.Errorf("org balance %d, want 700000", b)
	}
	if b, _ := balance(t, s, child); b != 300_000 {
		t.Errorf("child balance %d, want 300000", b)
	}

	if _, err := s.Apply(ctx, &store.Batch{Postings: legs(800_000)}); !errors.Is(err, account.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if b, _ := balance(t, s, child); b != 300_000 {
		t.Errorf("failed transfer credited the destination: %d", b)
	}
}

func testCapAtBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, a, 30_000, false)

	res, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{{
		AccountID:    a.ID,
		Type:         account.TxAdminDebit,
		Amount:       -50_000,
		CapAtBalance: true,
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transactions[0].Amount != -30_000 {
		t.Errorf("expected capped amount -30000, got %d", res.Transactions[0].Amount)
	}
	if b, _ := balance(t, s, a); b != 0 {
		t.Errorf("balance %d, want 0", b)
	}

	_, err = s.Apply(ctx, &store.Batch{Postings: []account.Posting{{
		AccountID:    a.ID,
		Type:         account.TxAdminDebit,
		Amount:       -10_000,
		CapAtBalance: true,
	}}})
	if !errors.Is(err, account.ErrInsufficientBalance) {
		t.Errorf("capped debit of an empty account: expected ErrInsufficientBalance, got %v", err)
	}
	txs, err := s.ListTransactions(ctx, a.ID, account.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Errorf("%d transactions, want the funding and one debit", len(txs))
	}
}

func testReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	org := OpenAccount(t, s, account.KindOrganization, "org_1")
	fund(t, s, org, 500_000, true)
	fund(t, s, org, 500_000, false)

	reset := account.Reset{AccountID: org.ID, Allotment: 1_000_000, ExternalRef: "in_1"}
	res, err := s.Apply(ctx, &store.Batch{Resets: []account.Reset{reset}})
	if err != nil {
		t.Fatal(err)
	}
	tx := res.Transactions[0]
	if tx.Type != account.TxSubscriptionCredit || tx.Amount != 500_000 || tx.BalanceAfter != 1_500_000 {
		t.Errorf("unexpected reset transaction %+v", tx)
	}
	if b, p := balance(t, s, org); b != 1_500_000 || p != 500_000 {
		t.Errorf("balance %d purchased %d, want 1500000/500000", b, p)
	}

	again, err := s.Apply(ctx, &store.Batch{Resets: []account.Reset{reset}})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate[0] {
		t.Error("replayed reset should be a duplicate")
	}
	if b, _ := balance(t, s, org); b != 1_500_000 {
		t.Errorf("replayed reset changed the balance to %d", b)
	}
}

func testEventDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	batch := func() *store.Batch {
		return &store.Batch{
			Event: &store.ProcessedEvent{
				Provider:  "stripe",
				EventID:   "evt_1",
				EventType: "checkout.session.completed",
				Outcome:   store.OutcomeProcessed,
			},
			Postings: []account.Posting{{AccountID: a.ID, Type: account.TxPurchase, Amount: 100_000}},
		}
	}

	if _, err := s.Apply(ctx, batch()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(ctx, batch()); !errors.Is(err, store.ErrEventProcessed) {
		t.Fatalf("expected ErrEventProcessed, got %v", err)
	}
	if b, _ := balance(t, s, a); b != 100_000 {
		t.Errorf("replay changed the balance to %d", b)
	}
	done, err := s.IsEventProcessed(ctx, "stripe", "evt_1")
	if err != nil || !done {
		t.Errorf("IsEventProcessed = %v, %v", done, err)
	}
	if done, _ := s.IsEventProcessed(ctx, "stripe", "evt_2"); done {
		t.Error("unknown event reported as processed")
	}
}

func testSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()
	org := OpenAccount(t, s, account.KindOrganization, "org_1")
	m := subscription.NewMachine()

	sub := m.Start("org_1", org.ID, "sub_stripe_1")
	if _, err := s.Apply(ctx, &store.Batch{Subscriptions: []subscription.Change{{Subscription: sub, Create: true}}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, evt, err := m.Transition(sub, subscription.Input{Status: subscription.StatusActive, PlanID: "family", SeatCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(ctx, &store.Batch{Subscriptions: []subscription.Change{{Subscription: active, Event: evt}}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSubscriptionByProviderID(ctx, "sub_stripe_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sub.ID || got.Status != subscription.StatusActive || got.SeatCount != 2 {
		t.Errorf("unexpected subscription %+v", got)
	}

	current, err := s.GetCurrentSubscription(ctx, "org_1")
	if err != nil || current.ID != sub.ID {
		t.Errorf("current subscription: %v %v", current, err)
	}

	events, err := s.ListSubscriptionEvents(ctx, sub.ID, subscription.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].NewStatus != subscription.StatusActive {
		t.Errorf("unexpected events %+v", events)
	}

	if _, err := s.Apply(ctx, &store.Batch{Subscriptions: []subscription.Change{{Subscription: sub, Create: true}}}); !errors.Is(err, subscription.ErrSubscriptionExists) {
		t.Errorf("expected ErrSubscriptionExists, got %v", err)
	}

	unknown := m.Start("org_2", org.ID, "sub_stripe_2")
	if _, err := s.Apply(ctx, &store.Batch{Subscriptions: []subscription.Change{{Subscription: unknown}}}); !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}

	if _, err := s.GetCurrentSubscription(ctx, "org_2"); !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, a, 100_000, false)
	for _, ref := range []string{"u1", "u2", "u3"} {
		if _, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{debit(a, 1_000, ref)}}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListTransactions(ctx, a.ID, account.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(all))
	}
	if all[0].ExternalRef != "u3" || all[3].Type != account.TxPurchase {
		t.Errorf("expected newest first, got %s ... %s", all[0].ExternalRef, all[3].Type)
	}

	page, err := s.ListTransactions(ctx, a.ID, account.ListOpts{Type: account.TxUsage, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ExternalRef != "u2" || page[1].ExternalRef != "u1" {
		t.Errorf("unexpected page %+v", page)
	}
}

func testPurgeEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	for i, at := range []time.Time{old, time.Now().UTC()} {
		evt := &store.ProcessedEvent{
			Provider:    "stripe",
			EventID:     []string{"evt_old", "evt_new"}[i],
			Outcome:     store.OutcomeIgnored,
			ProcessedAt: at,
		}
		if _, err := s.Apply(ctx, &store.Batch{Event: evt}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeEvents(ctx, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if done, _ := s.IsEventProcessed(ctx, "stripe", "evt_old"); done {
		t.Error("old event survived the purge")
	}
	if done, _ := s.IsEventProcessed(ctx, "stripe", "evt_new"); !done {
		t.Error("recent event was purged")
	}
}

func testPricing(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := &pricing.Model{
		ModelID:               "gpt-4o",
		Provider:              "openai",
		Currency:              "eur",
		InputPricePerMillion:  decimal.RequireFromString("2.5"),
		OutputPricePerMillion: decimal.RequireFromString("10"),
	}
	if err := s.UpsertPricingModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.OutputPricePerMillion = decimal.RequireFromString("12")
	if err := s.UpsertPricingModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPricingModel(ctx, &pricing.Model{ModelID: "broken"}); !errors.Is(err, pricing.ErrInvalidModel) {
		t.Errorf("expected ErrInvalidModel, got %v", err)
	}

	models, err := s.LoadPricing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || !models[0].OutputPricePerMillion.Equal(decimal.NewFromInt(12)) {
		t.Errorf("unexpected pricing table %+v", models)
	}
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	fund(t, s, a, 100_000, false)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := "concurrent_" + string(rune('a'+i))
			_, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{debit(a, 30_000, ref)}})
			switch {
			case err == nil:
				mu.Lock()
				succeeded++
				mu.Unlock()
			case !errors.Is(err, account.ErrInsufficientBalance):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("%d debits succeeded, want 3", succeeded)
	}
	if b, _ := balance(t, s, a); b != 10_000 {
		t.Errorf("balance %d, want 10000", b)
	}
}

func testConcurrentEventDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, replays := 0, 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, &store.Batch{
				Event:    &store.ProcessedEvent{Provider: "stripe", EventID: "evt_race", Outcome: store.OutcomeProcessed},
				Postings: []account.Posting{{AccountID: a.ID, Type: account.TxPurchase, Amount: 50_000}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, store.ErrEventProcessed):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 || replays != workers-1 {
		t.Errorf("applied %d, replays %d; want 1 and %d", applied, replays, workers-1)
	}
	if b, _ := balance(t, s, a); b != 50_000 {
		t.Errorf("balance %d, want 50000", b)
	}
}

func testVersionAdvances(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := OpenAccount(t, s, account.KindPersonal, "user_1")
	version := func() int64 {
		t.Helper()
		got, err := s.GetAccount(ctx, a.ID)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		return got.Version
	}

	start := version()
	fund(t, s, a, 100_000, false)
	if v := version(); v <= start {
		t.Fatalf("version %d after a posting, want > %d", v, start)
	}
	funded := version()

	res, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{debit(a, 10_000, "usage_1")}})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Account(a.ID.String()); got == nil || got.Version <= funded {
		t.Errorf("result account version %+v, want > %d", got, funded)
	}
	debited := version()
	if debited <= funded {
		t.Errorf("version %d after debit, want > %d", debited, funded)
	}

	if _, err := s.Apply(ctx, &store.Batch{Postings: []account.Posting{debit(a, 500_000, "usage_2")}}); !errors.Is(err, account.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if v := version(); v != debited {
		t.Errorf("refused posting moved version from %d to %d", debited, v)
	}
}
