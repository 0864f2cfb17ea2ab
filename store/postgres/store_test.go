package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/storetest"
)

// newTestStore opens a migrated, emptied store on TALLY_POSTGRES_DSN.
// The test is skipped when TALLY_POSTGRES_DSN is not set.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TALLY_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TALLY_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn); err != nil {
		pool.Close()
		t.Fatalf("open grove driver: %v", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		pool.Close()
		t.Fatalf("open grove: %v", err)
	}

	s := postgres.New(db, pool)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		t.Fatalf("migrate: %v", err)
	}
	_, err = pool.Exec(ctx, `TRUNCATE tally_subscription_events, tally_subscriptions, tally_transactions,
		tally_webhook_events, tally_pricing_models, tally_accounts`)
	if err != nil {
		_ = s.Close()
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestLedgerConcurrentIdempotentDebits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := tally.New(s)
	t.Cleanup(func() { _ = l.Stop() })

	a, err := l.OpenAccount(ctx, account.KindPersonal, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Credit(ctx, a.ID, tally.EUR(100), tally.CreditOpts{ExternalRef: "pi_1"}); err != nil {
		t.Fatal(err)
	}

	// Retries of one usage event race each other; only one may bill.
	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Debit(ctx, a.ID, tally.EUR(30), tally.DebitOpts{UsageRef: "turn_1"})
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			if !r.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("%d debits billed, want 1", fresh)
	}
	bal, err := l.Balance(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != tally.EUR(70) {
		t.Errorf("balance %s, want %s", bal, tally.EUR(70))
	}
	v, err := l.Verify(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.OK() {
		t.Errorf("verify: %v", v.Problems)
	}
}
