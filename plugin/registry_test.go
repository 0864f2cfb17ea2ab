package plugin_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plugin"
)

type recorder struct {
	name string
	mu   sync.Mutex
	txs  []*account.Transaction
	fail bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnTransactionRecorded(_ context.Context, tx *account.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

type slow struct{}

func (slow) Name() string { return "slow" }

func (slow) OnInsufficientBalance(ctx context.Context, _ id.AccountID, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&recorder{name: "audit"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&recorder{name: "audit"}); err == nil {
		t.Error("expected duplicate registration error")
	}
	if r.Count() != 1 || r.Get("audit") == nil || r.Get("missing") != nil {
		t.Errorf("unexpected registry state: %d plugins", r.Count())
	}
}

func TestEmitDispatchesAndSwallowsErrors(t *testing.T) {
	r := plugin.NewRegistry()
	ok := &recorder{name: "ok"}
	bad := &recorder{name: "bad", fail: true}
	_ = r.Register(ok)
	_ = r.Register(bad)

	tx := &account.Transaction{ID: id.NewTransactionID(), Type: account.TxUsage, Amount: -100}
	r.EmitTransactionRecorded(context.Background(), tx)

	if len(ok.txs) != 1 || ok.txs[0] != tx {
		t.Errorf("ok plugin saw %d transactions", len(ok.txs))
	}
	if len(bad.txs) != 1 {
		t.Errorf("failing plugin should still be called, saw %d", len(bad.txs))
	}
}

func TestEmitTimesOut(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	_ = r.Register(slow{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	r.EmitInsufficientBalance(ctx, id.NewAccountID(), 100)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("emit blocked for %s", elapsed)
	}
}
