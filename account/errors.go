package account

import "errors"

var (
	ErrAccountNotFound     = errors.New("tally: account not found")
	ErrAccountExists       = errors.New("tally: account already exists")
	ErrTransactionNotFound = errors.New("tally: transaction not found")
	ErrInsufficientBalance = errors.New("tally: insufficient balance")
)
