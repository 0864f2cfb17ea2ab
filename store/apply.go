package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
)

var (
	ErrEventProcessed = errors.New("tally: webhook event already processed")
	ErrUnavailable    = errors.New("tally: store unavailable")
	ErrClosed         = errors.New("tally: store is closed")
)

// View is the read side of a backend transaction. Account returns a copy
// the caller may modify; it fails with account.ErrAccountNotFound.
// TransactionByRef returns nil and no error when ref is unused.
type View interface {
	Account(accountID id.AccountID) (*account.Account, error)
	TransactionByRef(accountID id.AccountID, ref string) (*account.Transaction, error)
}

// Staged is the write set computed for a batch: the accounts to overwrite
// and the transactions to append. Backends persist it inside the same
// transaction the View reads from.
type Staged struct {
	Accounts     []*account.Account
	Transactions []*account.Transaction
	Result       *Result
}

// Stage applies the postings and resets of b to the state read through v.
// Postings are applied in order, so later postings see the balances left by
// earlier ones. Nothing is written; a failed posting fails the whole batch.
func Stage(b *Batch, v View, now time.Time) (*Staged, error) {
	st := &Staged{Result: &Result{Accounts: make(map[string]*account.Account)}}
	working := make(map[string]*account.Account)
	refs := make(map[string]*account.Transaction)

	load := func(accountID id.AccountID) (*account.Account, error) {
		if a, ok := working[accountID.String()]; ok {
			return a, nil
		}
		a, err := v.Account(accountID)
		if err != nil {
			return nil, err
		}
		working[accountID.String()] = a
		st.Accounts = append(st.Accounts, a)
		return a, nil
	}

	existing := func(accountID id.AccountID, ref string) (*account.Transaction, error) {
		if ref == "" {
			return nil, nil
		}
		if tx, ok := refs[accountID.String()+"|"+ref]; ok {
			return tx, nil
		}
		return v.TransactionByRef(accountID, ref)
	}

	record := func(tx *account.Transaction, dup bool) {
		if !dup {
			st.Transactions = append(st.Transactions, tx)
			if tx.ExternalRef != "" {
				refs[tx.AccountID.String()+"|"+tx.ExternalRef] = tx
			}
		}
		st.Result.Transactions = append(st.Result.Transactions, tx)
		st.Result.Duplicate = append(st.Result.Duplicate, dup)
	}

	for i, p := range b.Postings {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("store: posting %d: unknown transaction type %q", i, p.Type)
		}
		a, err := load(p.AccountID)
		if err != nil {
			return nil, err
		}
		prior, err := existing(p.AccountID, p.ExternalRef)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			record(prior, true)
			continue
		}

		amount, balance, purchased, ok := p.Apply(a.Balance, a.PurchasedCredits)
		if !ok {
			return nil, fmt.Errorf("%w: account %s holds %d, posting %d needs %d",
				account.ErrInsufficientBalance, a.ID, a.Balance, i, -p.Amount)
		}
		if amount == 0 {
			// A capped debit against an empty balance would record nothing.
			return nil, fmt.Errorf("%w: account %s holds nothing to debit for posting %d",
				account.ErrInsufficientBalance, a.ID, i)
		}
		a.Balance = balance
		a.PurchasedCredits = purchased
		a.Touch(now)
		a.Version++
		record(p.Transaction(amount, balance, now), false)
	}

	for _, r := range b.Resets {
		a, err := load(r.AccountID)
		if err != nil {
			return nil, err
		}
		prior, err := existing(r.AccountID, r.ExternalRef)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			record(prior, true)
			continue
		}

		amount, balance, purchased := r.Apply(a.Balance, a.PurchasedCredits)
		a.Balance = balance
		a.PurchasedCredits = purchased
		a.Touch(now)
		a.Version++
		record(r.Transaction(amount, balance, now), false)
	}

	for _, a := range st.Accounts {
		st.Result.Accounts[a.ID.String()] = a
	}
	return st, nil
}
