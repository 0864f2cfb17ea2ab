// Package account holds balance-bearing accounts and their append-only
// transaction log.
package account

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
)

type Kind string

const (
	KindPersonal     Kind = "personal"
	KindOrganization Kind = "organization"
)

// Valid reports whether k is a known account kind.
func (k Kind) Valid() bool {
	return k == KindPersonal || k == KindOrganization
}

// Account is a balance holder. Balance and PurchasedCredits are millicents
// and only change through postings applied by the ledger. Version counts
// committed changes and orders observations of the same account.
type Account struct {
	types.Entity
	ID               id.AccountID      `json:"id"`
	Kind             Kind              `json:"kind"`
	OwnerID          string            `json:"owner_id"`
	Currency         string            `json:"currency"`
	Balance          int64             `json:"balance"`
	PurchasedCredits int64             `json:"purchased_credits"`
	Markup           decimal.Decimal   `json:"markup"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
}

// BalanceMoney returns the balance as Money in the account currency.
func (a *Account) BalanceMoney() types.Money {
	return types.Millis(a.Balance, a.Currency)
}

// PurchasedMoney returns the purchased-credit portion as Money.
func (a *Account) PurchasedMoney() types.Money {
	return types.Millis(a.PurchasedCredits, a.Currency)
}

type TxType string

const (
	TxUsage              TxType = "usage"
	TxPurchase           TxType = "purchase"
	TxSubscriptionCredit TxType = "subscription_credit"
	TxAdminCredit        TxType = "admin_credit"
	TxAdminDebit         TxType = "admin_debit"
	TxRefund             TxType = "refund"
	TxTransferIn         TxType = "transfer_in"
	TxTransferOut        TxType = "transfer_out"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxUsage, TxPurchase, TxSubscriptionCredit, TxAdminCredit,
		TxAdminDebit, TxRefund, TxTransferIn, TxTransferOut:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. Amount is signed millicents.
type Transaction struct {
	ID           id.TransactionID `json:"id"`
	AccountID    id.AccountID     `json:"account_id"`
	Type         TxType           `json:"type"`
	Amount       int64            `json:"amount"`
	BalanceAfter int64            `json:"balance_after"`
	Description  string           `json:"description,omitempty"`
	ExternalRef  string           `json:"external_ref,omitempty"`
	TransferID   id.TransferID    `json:"transfer_id,omitempty"`
	ActorID      string           `json:"actor_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Posting is one conditional balance adjustment plus the transaction that
// records it. Stores apply a posting and append its transaction in the
// same atomic unit.
type Posting struct {
	AccountID id.AccountID
	Type      TxType
	Amount    int64

	// MinBalance is the lowest balance the account may hold after the
	// posting. Postings that would go below it fail the whole batch.
	MinBalance int64

	// CapAtBalance clips a negative Amount to the current balance instead
	// of failing.
	CapAtBalance bool

	// PurchasedDelta is added to PurchasedCredits before it is clamped
	// into [0, Balance].
	PurchasedDelta int64

	Description string
	ExternalRef string
	TransferID  id.TransferID
	ActorID     string
}

// Reset recomputes an organization's subscription allotment for a paid
// invoice cycle: the balance becomes min(purchased, balance) + Allotment
// and the purchased portion becomes min(purchased, balance).
type Reset struct {
	AccountID   id.AccountID
	Allotment   int64
	ExternalRef string
	Description string
}

// Apply computes the balance and purchased credits after p is applied to
// an account holding balance and purchased. It returns the effective
// amount, which differs from p.Amount when CapAtBalance clips it.
// ok is false when the result would fall below p.MinBalance.
func (p Posting) Apply(balance, purchased int64) (amount, newBalance, newPurchased int64, ok bool) {
	amount = p.Amount
	if p.CapAtBalance && amount < 0 && -amount > balance {
		amount = -balance
	}
	newBalance = balance + amount
	if newBalance < p.MinBalance {
		return amount, balance, purchased, false
	}
	newPurchased = ClampPurchased(purchased+p.PurchasedDelta, newBalance)
	return amount, newBalance, newPurchased, true
}

// Apply computes the reset outcome for an account holding balance and
// purchased. amount is the signed subscription_credit to record.
func (r Reset) Apply(balance, purchased int64) (amount, newBalance, newPurchased int64) {
	kept := min(purchased, balance)
	newBalance = kept + r.Allotment
	return newBalance - balance, newBalance, kept
}

// ClampPurchased bounds purchased credits to [0, balance].
func ClampPurchased(purchased, balance int64) int64 {
	return max(0, min(purchased, balance))
}

// NewTransaction builds the transaction row for an applied adjustment.
func NewTransaction(accountID id.AccountID, t TxType, amount, balanceAfter int64, at time.Time) *Transaction {
	return &Transaction{
		ID:           id.NewTransactionID(),
		AccountID:    accountID,
		Type:         t,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    at,
	}
}

// Transaction returns the transaction row recording p with the given
// effective amount and resulting balance.
func (p Posting) Transaction(amount, balanceAfter int64, at time.Time) *Transaction {
	tx := NewTransaction(p.AccountID, p.Type, amount, balanceAfter, at)
	tx.Description = p.Description
	tx.ExternalRef = p.ExternalRef
	tx.TransferID = p.TransferID
	tx.ActorID = p.ActorID
	return tx
}

// Transaction returns the subscription_credit row recording r.
func (r Reset) Transaction(amount, balanceAfter int64, at time.Time) *Transaction {
	tx := NewTransaction(r.AccountID, TxSubscriptionCredit, amount, balanceAfter, at)
	tx.Description = r.Description
	tx.ExternalRef = r.ExternalRef
	return tx
}
