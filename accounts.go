package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

// AccountOpts configures a newly opened account.
type AccountOpts struct {
	// Currency defaults to the ledger currency.
	Currency string
	// Markup overrides the pricing markup for usage charged to the account.
	Markup   decimal.Decimal
	Metadata map[string]string
}

// OpenAccount returns the account of kind for ownerID, creating it at a
// zero balance on first use. Opening is idempotent: concurrent callers
// observe the same account.
func (l *Ledger) OpenAccount(ctx context.Context, kind account.Kind, ownerID string, opts ...AccountOpts) (*account.Account, error) {
	if !kind.Valid() {
		return nil, ValidationError{Field: "kind", Message: fmt.Sprintf("unknown account kind %q", kind)}
	}
	if ownerID == "" {
		return nil, ValidationError{Field: "owner_id", Message: "is required"}
	}

	a, err := l.store.GetAccountByOwner(ctx, kind, ownerID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	var o AccountOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	currency := o.Currency
	if currency == "" {
		currency = l.currency
	}

	a = &account.Account{
		Entity:   types.NewEntityAt(l.now()),
		ID:       id.NewAccountID(),
		Kind:     kind,
		OwnerID:  ownerID,
		Currency: types.Zero(currency).Currency,
		Markup:   o.Markup,
		Metadata: o.Metadata,
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		if errors.Is(err, ErrAccountExists) {
			// Lost a race with another opener.
			return l.store.GetAccountByOwner(ctx, kind, ownerID)
		}
		return nil, err
	}

	l.logger.Info("account opened",
		"account_id", a.ID.String(),
		"kind", a.Kind,
		"owner_id", a.OwnerID,
	)
	l.plugins.EmitAccountOpened(ctx, a)
	return a, nil
}

// GetAccount retrieves an account by ID.
func (l *Ledger) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// AccountFor retrieves the account of kind owned by ownerID without
// creating it.
func (l *Ledger) AccountFor(ctx context.Context, kind account.Kind, ownerID string) (*account.Account, error) {
	return l.store.GetAccountByOwner(ctx, kind, ownerID)
}

// Balance returns the current balance, served from the balance cache
// when one is configured.
func (l *Ledger) Balance(ctx context.Context, accountID id.AccountID) (Money, error) {
	if l.cache != nil {
		m, ok, err := l.cache.GetBalance(ctx, accountID)
		if err != nil {
			l.logger.Warn("balance cache read failed", "account_id", accountID.String(), "error", err)
		} else if ok {
			return m, nil
		}
	}

	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Money{}, err
	}
	l.cacheBalance(ctx, a)
	return a.BalanceMoney(), nil
}

// Transactions lists an account's transactions, newest first.
func (l *Ledger) Transactions(ctx context.Context, accountID id.AccountID, opts account.ListOpts) ([]*account.Transaction, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return l.store.ListTransactions(ctx, accountID, opts)
}

// LookupReceipt finds the transaction recorded under the stored external
// ref, as carried by UnknownOutcomeError.Reference or built with
// UsageReference and TransferReference. Callers use it
// after an UnknownOutcomeError to learn whether the write committed.
func (l *Ledger) LookupReceipt(ctx context.Context, accountID id.AccountID, ref string) (*Receipt, error) {
	if ref == "" {
		return nil, ValidationError{Field: "reference", Message: "is required"}
	}
	tx, err := l.store.GetTransactionByExternalRef(ctx, accountID, ref)
	if err != nil {
		return nil, err
	}
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Receipt{Transaction: tx, Balance: a.BalanceMoney(), Duplicate: true}, nil
}

// Verification is the result of auditing one account.
type Verification struct {
	AccountID id.AccountID `json:"account_id"`
	Balance   int64        `json:"balance"`
	Purchased int64        `json:"purchased"`
	Sum       int64        `json:"sum"`
	Problems  []string     `json:"problems,omitempty"`
}

// OK reports whether the account satisfied every invariant.
func (v *Verification) OK() bool { return len(v.Problems) == 0 }

// Verify audits an account: the balance equals the sum of its
// transactions, it is non-negative, and the purchased portion lies
// within [0, balance].
func (l *Ledger) Verify(ctx context.Context, accountID id.AccountID) (*Verification, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := l.store.SumTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		AccountID: accountID,
		Balance:   a.Balance,
		Purchased: a.PurchasedCredits,
		Sum:       sum,
	}
	if a.Balance != sum {
		v.Problems = append(v.Problems, fmt.Sprintf("balance %d does not match transaction sum %d", a.Balance, sum))
	}
	if a.Balance < 0 {
		v.Problems = append(v.Problems, fmt.Sprintf("negative balance %d", a.Balance))
	}
	if a.PurchasedCredits < 0 || a.PurchasedCredits > a.Balance {
		v.Problems = append(v.Problems, fmt.Sprintf("purchased credits %d outside [0, %d]", a.PurchasedCredits, a.Balance))
	}
	if !v.OK() {
		l.logger.Error("ledger verification failed",
			"account_id", accountID.String(),
			"problems", v.Problems,
		)
	}
	return v, nil
}

func (l *Ledger) cacheBalance(ctx context.Context, a *account.Account) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetBalance(ctx, a.ID, a.BalanceMoney(), a.Version); err != nil {
		l.logger.Warn("balance cache write failed", "account_id", a.ID.String(), "error", err)
	}
}
