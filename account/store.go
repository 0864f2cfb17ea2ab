package account

import (
	"context"

	"github.com/xraph/tally/id"
)

type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByOwner(ctx context.Context, kind Kind, ownerID string) (*Account, error)
	ListTransactions(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, accountID id.AccountID, ref string) (*Transaction, error)
	SumTransactions(ctx context.Context, accountID id.AccountID) (int64, error)
}

// ListOpts pages through a transaction log, newest first.
type ListOpts struct {
	Type   TxType
	Limit  int
	Offset int
}
