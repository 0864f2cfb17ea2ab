package bolt_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/bolt"
	"github.com/xraph/tally/store/storetest"
)

func openStore(t *testing.T, path string) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t, filepath.Join(t.TempDir(), "tally.db"))
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tally.db")

	s := openStore(t, path)
	a := storetest.OpenAccount(t, s, account.KindPersonal, "user_1")
	_, err := s.Apply(ctx, &store.Batch{
		Event:    &store.ProcessedEvent{Provider: "stripe", EventID: "evt_1", Outcome: store.OutcomeProcessed},
		Postings: []account.Posting{{AccountID: a.ID, Type: account.TxPurchase, Amount: 250_000, ExternalRef: "pi_1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx); !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}

	s = openStore(t, path)
	defer s.Close()

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 250_000 {
		t.Errorf("balance %d, want 250000", got.Balance)
	}
	if _, err := s.GetTransactionByExternalRef(ctx, a.ID, "pi_1"); err != nil {
		t.Errorf("ref index lost: %v", err)
	}
	if done, _ := s.IsEventProcessed(ctx, "stripe", "evt_1"); !done {
		t.Error("dedup record lost")
	}
}
