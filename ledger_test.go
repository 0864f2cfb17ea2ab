package tally_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

func newLedger(t *testing.T, opts ...tally.Option) (*tally.Ledger, *memory.Store) {
	t.Helper()
	s := memory.New()
	l := tally.New(s, opts...)
	t.Cleanup(func() { _ = l.Stop() })
	return l, s
}

func openFunded(t *testing.T, l *tally.Ledger, kind account.Kind, owner string, cents int64) *account.Account {
	t.Helper()
	ctx := context.Background()
	a, err := l.OpenAccount(ctx, kind, owner)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if cents > 0 {
		if _, err := l.Credit(ctx, a.ID, tally.EUR(cents), tally.CreditOpts{ExternalRef: "seed:" + owner, Purchased: true}); err != nil {
			t.Fatalf("seed credit: %v", err)
		}
	}
	return a
}

func mustVerify(t *testing.T, l *tally.Ledger, accountID id.AccountID) {
	t.Helper()
	v, err := l.Verify(context.Background(), accountID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.OK() {
		t.Errorf("verification failed: %v", v.Problems)
	}
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	a, err := l.OpenAccount(ctx, account.KindPersonal, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.OpenAccount(ctx, account.KindPersonal, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("second open created %s, want %s", b.ID, a.ID)
	}
	if a.Balance != 0 || a.Currency != "eur" {
		t.Errorf("unexpected new account %+v", a)
	}

	org, err := l.OpenAccount(ctx, account.KindOrganization, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if org.ID == a.ID {
		t.Error("accounts are unique per kind")
	}

	if _, err := l.OpenAccount(ctx, "team", "x"); !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDebitSecondRefused(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 100)

	r, err := l.Debit(ctx, a.ID, tally.EUR(60), tally.DebitOpts{UsageRef: "turn_1"})
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if r.Balance != tally.EUR(40) {
		t.Errorf("balance = %s, want €0.40", r.Balance)
	}

	_, err = l.Debit(ctx, a.ID, tally.EUR(60), tally.DebitOpts{UsageRef: "turn_2"})
	if !errors.Is(err, tally.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if tally.IsRetryable(err) {
		t.Error("insufficient balance must not be retryable")
	}

	bal, err := l.Balance(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != tally.EUR(40) {
		t.Errorf("balance after refusal = %s", bal)
	}
	txs, err := l.Transactions(ctx, a.ID, account.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}
	mustVerify(t, l, a.ID)
}

func TestDebitValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 100)

	tests := []struct {
		name   string
		amount tally.Money
		want   error
	}{
		{"zero", tally.EUR(0), tally.ErrInvalidAmount},
		{"negative", tally.EUR(-5), tally.ErrInvalidAmount},
		{"currency", tally.USD(5), tally.ErrCurrencyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Debit(ctx, a.ID, tt.amount, tally.DebitOpts{}); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := l.Debit(ctx, id.NewAccountID(), tally.EUR(1), tally.DebitOpts{}); !tally.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDebitReplayReturnsPriorReceipt(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 100)

	first, err := l.Debit(ctx, a.ID, tally.EUR(30), tally.DebitOpts{UsageRef: "turn_1"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.Debit(ctx, a.ID, tally.EUR(30), tally.DebitOpts{UsageRef: "turn_1"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate || again.Transaction.ID != first.Transaction.ID {
		t.Errorf("replay should return the first transaction: %+v", again)
	}
	if again.Balance != tally.EUR(70) {
		t.Errorf("balance = %s, want €0.70", again.Balance)
	}

	looked, err := l.LookupReceipt(ctx, a.ID, tally.UsageReference("turn_1"))
	if err != nil {
		t.Fatal(err)
	}
	if looked.Transaction.ID != first.Transaction.ID {
		t.Errorf("lookup returned %s", looked.Transaction.ID)
	}
	if _, err := l.LookupReceipt(ctx, a.ID, "turn_9"); !errors.Is(err, tally.ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestCreditIsIdempotent(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 0)

	for range 3 {
		if _, err := l.Credit(ctx, a.ID, tally.EUR(500), tally.CreditOpts{ExternalRef: "pi_123", Purchased: true}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 500_000 || got.PurchasedCredits != 500_000 {
		t.Errorf("balance %d purchased %d, want 500000/500000", got.Balance, got.PurchasedCredits)
	}

	if _, err := l.Credit(ctx, a.ID, tally.EUR(1), tally.CreditOpts{Type: account.TxUsage}); !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("usage is not a credit type, got %v", err)
	}
	mustVerify(t, l, a.ID)
}

func TestUsageRefDoesNotCollideWithPaymentRef(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 0)

	if _, err := l.Credit(ctx, a.ID, tally.EUR(100), tally.CreditOpts{ExternalRef: "pi_123"}); err != nil {
		t.Fatal(err)
	}
	r, err := l.Debit(ctx, a.ID, tally.EUR(40), tally.DebitOpts{UsageRef: "pi_123"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Duplicate || r.Transaction.Type != account.TxUsage {
		t.Fatalf("debit replayed the credit receipt: %+v", r.Transaction)
	}
	if r.Balance != tally.EUR(60) {
		t.Errorf("balance %s, want %s", r.Balance, tally.EUR(60))
	}
	if r.Transaction.ExternalRef != tally.UsageReference("pi_123") {
		t.Errorf("stored ref %q", r.Transaction.ExternalRef)
	}

	credit, err := l.LookupReceipt(ctx, a.ID, "pi_123")
	if err != nil {
		t.Fatal(err)
	}
	if credit.Transaction.Type != account.TxPurchase || credit.Transaction.Amount != tally.EUR(100).Amount {
		t.Errorf("payment ref resolves to %+v", credit.Transaction)
	}
	usage, err := l.LookupReceipt(ctx, a.ID, tally.UsageReference("pi_123"))
	if err != nil {
		t.Fatal(err)
	}
	if usage.Transaction.ID != r.Transaction.ID {
		t.Errorf("usage ref resolves to %s, want %s", usage.Transaction.ID, r.Transaction.ID)
	}

	// A credit reusing a usage ref's raw value is not a replay either.
	if _, err := l.Debit(ctx, a.ID, tally.EUR(10), tally.DebitOpts{UsageRef: "turn_1"}); err != nil {
		t.Fatal(err)
	}
	c, err := l.Credit(ctx, a.ID, tally.EUR(5), tally.CreditOpts{ExternalRef: "turn_1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Duplicate || c.Balance != tally.EUR(55) {
		t.Errorf("credit after usage: duplicate %v balance %s", c.Duplicate, c.Balance)
	}
	mustVerify(t, l, a.ID)
}

func TestConcurrentDebits(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, a.ID, tally.EUR(30), tally.DebitOpts{UsageRef: fmt.Sprintf("turn_%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, tally.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 || refused != 7 {
		t.Errorf("ok=%d refused=%d, want 3/7", ok, refused)
	}
	bal, err := l.Balance(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != tally.EUR(10) {
		t.Errorf("balance = %s, want €0.10", bal)
	}
	mustVerify(t, l, a.ID)
}

func TestTransfer(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	org := openFunded(t, l, account.KindOrganization, "org_1", 1000)
	user := openFunded(t, l, account.KindPersonal, "user_1", 0)

	r, err := l.Transfer(ctx, org.ID, user.ID, tally.EUR(300), tally.TransferOpts{Reference: "mirror_1"})
	if err != nil {
		t.Fatal(err)
	}
	if r.From.Balance != tally.EUR(700) || r.To.Balance != tally.EUR(300) {
		t.Errorf("balances %s / %s, want €7.00 / €3.00", r.From.Balance, r.To.Balance)
	}
	if r.From.Transaction.TransferID != r.To.Transaction.TransferID || r.TransferID.IsNil() {
		t.Error("legs must share a transfer id")
	}
	if r.From.Transaction.Type != account.TxTransferOut || r.To.Transaction.Type != account.TxTransferIn {
		t.Errorf("unexpected leg types %s / %s", r.From.Transaction.Type, r.To.Transaction.Type)
	}

	replay, err := l.Transfer(ctx, org.ID, user.ID, tally.EUR(300), tally.TransferOpts{Reference: "mirror_1"})
	if err != nil {
		t.Fatal(err)
	}
	if !replay.From.Duplicate || !replay.To.Duplicate || replay.From.Balance != tally.EUR(700) {
		t.Errorf("replay should be a no-op: %+v", replay.From)
	}
	leg, err := l.LookupReceipt(ctx, user.ID, tally.TransferReference("mirror_1"))
	if err != nil {
		t.Fatal(err)
	}
	if leg.Transaction.ID != r.To.Transaction.ID {
		t.Errorf("transfer ref resolves to %s, want %s", leg.Transaction.ID, r.To.Transaction.ID)
	}

	if _, err := l.Transfer(ctx, org.ID, user.ID, tally.EUR(701), tally.TransferOpts{}); !errors.Is(err, tally.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := l.Transfer(ctx, org.ID, org.ID, tally.EUR(1), tally.TransferOpts{}); !errors.Is(err, tally.ErrSameAccount) {
		t.Errorf("expected ErrSameAccount, got %v", err)
	}

	mustVerify(t, l, org.ID)
	mustVerify(t, l, user.ID)
}

func TestAdjustAdminCapsAtBalance(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 200)

	r, err := l.AdjustAdmin(ctx, a.ID, tally.EUR(-500), "chargeback", "admin_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Transaction.Type != account.TxAdminDebit || r.Transaction.Amount != -200_000 {
		t.Errorf("unexpected transaction %+v", r.Transaction)
	}
	if !r.Balance.IsZero() {
		t.Errorf("balance = %s, want zero", r.Balance)
	}

	// Nothing left to take: no zero-amount admin_debit is recorded.
	if _, err := l.AdjustAdmin(ctx, a.ID, tally.EUR(-100), "second chargeback", "admin_1"); !errors.Is(err, tally.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	txs, err := l.Transactions(ctx, a.ID, account.ListOpts{Type: account.TxAdminDebit})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Errorf("%d admin debits recorded, want 1", len(txs))
	}

	r, err = l.AdjustAdmin(ctx, a.ID, tally.EUR(150), "goodwill", "admin_1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Transaction.Type != account.TxAdminCredit || r.Transaction.ActorID != "admin_1" {
		t.Errorf("unexpected transaction %+v", r.Transaction)
	}

	if _, err := l.AdjustAdmin(ctx, a.ID, tally.EUR(10), "", "admin_1"); !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	mustVerify(t, l, a.ID)
}

func TestCommitReset(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	org := openFunded(t, l, account.KindOrganization, "org_1", 500)
	if _, err := l.Credit(ctx, org.ID, tally.EUR(500), tally.CreditOpts{ExternalRef: "cycle_0", Type: account.TxSubscriptionCredit}); err != nil {
		t.Fatal(err)
	}

	b := &store.Batch{
		Event: &store.ProcessedEvent{
			Provider:    "stripe",
			EventID:     "evt_1",
			EventType:   "invoice.paid",
			Outcome:     store.OutcomeProcessed,
			ProcessedAt: time.Now().UTC(),
		},
		Resets: []account.Reset{{AccountID: org.ID, Allotment: 1_000_000, ExternalRef: "in_1"}},
	}
	res, err := l.Commit(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transactions[0].Amount != 500_000 {
		t.Errorf("reset amount = %d, want 500000", res.Transactions[0].Amount)
	}

	got, err := s.GetAccount(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 1_500_000 || got.PurchasedCredits != 500_000 {
		t.Errorf("balance %d purchased %d, want 1500000/500000", got.Balance, got.PurchasedCredits)
	}

	if _, err := l.Commit(ctx, b); !errors.Is(err, tally.ErrEventProcessed) {
		t.Errorf("expected ErrEventProcessed, got %v", err)
	}
	mustVerify(t, l, org.ID)
}

func TestCommitValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 10)

	if res, err := l.Commit(ctx, &store.Batch{}); err != nil || res == nil {
		t.Errorf("empty batch: %v", err)
	}
	_, err := l.Commit(ctx, &store.Batch{Postings: []account.Posting{{AccountID: a.ID, Type: account.TxUsage}}})
	if !errors.Is(err, tally.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = l.Commit(ctx, &store.Batch{Resets: []account.Reset{{AccountID: a.ID, Allotment: 10}}})
	if !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCharge(t *testing.T) {
	model := &pricing.Model{
		ModelID:               "claude-sonnet",
		Provider:              "anthropic",
		Currency:              "eur",
		InputPricePerMillion:  decimal.RequireFromString("3"),
		OutputPricePerMillion: decimal.RequireFromString("15"),
		Markup:                decimal.RequireFromString("1.5"),
	}
	l, _ := newLedger(t, tally.WithPricing(pricing.NewResolver(nil, pricing.WithModels(model))))
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 100)

	r, err := l.Charge(ctx, tally.Usage{AccountID: a.ID, ModelID: "claude-sonnet", InputTokens: 1000, OutputTokens: 1000, UsageRef: "turn_1"})
	if err != nil {
		t.Fatal(err)
	}
	// (1000*3 + 1000*15) / 1e6 = 0.018 base, 0.027 billed
	if r.Cost.Base.Amount != 1800 || r.Cost.Billed.Amount != 2700 {
		t.Errorf("base %d billed %d", r.Cost.Base.Amount, r.Cost.Billed.Amount)
	}
	if r.Balance.Amount != 100_000-2700 {
		t.Errorf("balance = %d", r.Balance.Amount)
	}

	if _, err := l.Charge(ctx, tally.Usage{AccountID: a.ID, ModelID: "unknown", InputTokens: 1}); !errors.Is(err, tally.ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}

	zero, err := l.Charge(ctx, tally.Usage{AccountID: a.ID, ModelID: "claude-sonnet"})
	if err != nil {
		t.Fatal(err)
	}
	if zero.Receipt != nil {
		t.Error("zero-cost usage records nothing")
	}
	mustVerify(t, l, a.ID)
}

func TestChargeWithoutResolver(t *testing.T) {
	l, _ := newLedger(t)
	a := openFunded(t, l, account.KindPersonal, "user_1", 1)
	if _, err := l.Charge(context.Background(), tally.Usage{AccountID: a.ID, ModelID: "m"}); !errors.Is(err, tally.ErrNoResolver) {
		t.Errorf("expected ErrNoResolver, got %v", err)
	}
}

type countingPlugin struct {
	mu      sync.Mutex
	txs     int
	refused int
}

func (p *countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) OnTransactionRecorded(context.Context, *account.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs++
	return nil
}

func (p *countingPlugin) OnInsufficientBalance(context.Context, id.AccountID, int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refused++
	return nil
}

var (
	_ plugin.OnTransactionRecorded = (*countingPlugin)(nil)
	_ plugin.OnInsufficientBalance = (*countingPlugin)(nil)
)

func TestPluginsSeeCommittedWrites(t *testing.T) {
	p := &countingPlugin{}
	l, _ := newLedger(t, tally.WithPlugin(p))
	ctx := context.Background()
	a := openFunded(t, l, account.KindPersonal, "user_1", 50)

	_, _ = l.Debit(ctx, a.ID, tally.EUR(20), tally.DebitOpts{UsageRef: "turn_1"})
	_, _ = l.Debit(ctx, a.ID, tally.EUR(20), tally.DebitOpts{UsageRef: "turn_1"})
	_, _ = l.Debit(ctx, a.ID, tally.EUR(99), tally.DebitOpts{UsageRef: "turn_2"})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.txs != 2 {
		t.Errorf("recorded %d transactions, want 2 (seed + first debit)", p.txs)
	}
	if p.refused != 1 {
		t.Errorf("refused %d, want 1", p.refused)
	}
}

func TestStartStop(t *testing.T) {
	s := memory.New()
	l := tally.New(s, tally.WithPricing(pricing.NewResolver(s)), tally.WithPricingRefresh("@every 1h"))
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}

	bad := tally.New(memory.New(), tally.WithPricing(pricing.NewResolver(nil)), tally.WithPricingRefresh("not a schedule"))
	if err := bad.Start(ctx); err == nil {
		t.Error("expected schedule error")
	}
}

func TestPurgeEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, s := newLedger(t,
		tally.WithClock(func() time.Time { return now }),
		tally.WithEventRetention(24*time.Hour, ""),
	)
	ctx := context.Background()

	for i, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour)} {
		b := &store.Batch{Event: &store.ProcessedEvent{
			Provider: "stripe", EventID: fmt.Sprintf("evt_%d", i), EventType: "ping",
			Outcome: store.OutcomeIgnored, ProcessedAt: at,
		}}
		if _, err := l.Commit(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.PurgeEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if ok, _ := s.IsEventProcessed(ctx, "stripe", "evt_1"); !ok {
		t.Error("recent event should be kept")
	}
}
