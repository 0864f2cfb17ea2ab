package tally

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
)

// Receipt reports one committed transaction. Balance is the account
// balance right after the call. Duplicate is true when the reference had
// already been used and the earlier transaction is returned unchanged.
type Receipt struct {
	Transaction *account.Transaction `json:"transaction"`
	Balance     Money                `json:"balance"`
	Duplicate   bool                 `json:"duplicate"`
}

// TransferReceipt reports both legs of a transfer.
type TransferReceipt struct {
	TransferID id.TransferID `json:"transfer_id"`
	From       *Receipt      `json:"from"`
	To         *Receipt      `json:"to"`
}

// ChargeReceipt reports a priced usage debit. Receipt is nil when the
// usage priced to zero and nothing was recorded.
type ChargeReceipt struct {
	*Receipt
	Cost *pricing.Cost `json:"cost"`
}

// External refs share one namespace per account. Usage and transfer refs
// are stored under their own prefixes so they can never collide with a
// payment id recorded by a credit.
const (
	usageRefPrefix    = "usage:"
	transferRefPrefix = "xfer:"
)

// UsageReference returns the stored external ref of a debit made with
// DebitOpts.UsageRef ref, for LookupReceipt.
func UsageReference(ref string) string {
	if ref == "" {
		return ""
	}
	return usageRefPrefix + ref
}

// TransferReference returns the stored external ref of both legs of a
// transfer made with TransferOpts.Reference ref, for LookupReceipt.
func TransferReference(ref string) string {
	if ref == "" {
		return ""
	}
	return transferRefPrefix + ref
}

// DebitOpts configures Debit.
type DebitOpts struct {
	// UsageRef makes the debit idempotent: a repeated ref returns the
	// earlier receipt. It is stored as UsageReference(UsageRef).
	UsageRef    string
	Description string
}

// CreditOpts configures Credit.
type CreditOpts struct {
	// ExternalRef makes the credit idempotent, typically the payment id.
	ExternalRef string
	// Type defaults to purchase.
	Type        account.TxType
	Description string
	// Purchased adds the amount to the purchased-credit portion that
	// survives subscription resets.
	Purchased bool
	ActorID   string
}

// TransferOpts configures Transfer.
type TransferOpts struct {
	// Reference makes the transfer idempotent.
	Reference   string
	Description string
}

// Usage is one metered model call to be priced and debited.
type Usage struct {
	AccountID    id.AccountID `json:"account_id"`
	ModelID      string       `json:"model_id"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	UsageRef     string       `json:"usage_ref,omitempty"`
	Description  string       `json:"description,omitempty"`
}

var creditTypes = map[account.TxType]bool{
	account.TxPurchase:           true,
	account.TxSubscriptionCredit: true,
	account.TxAdminCredit:        true,
	account.TxRefund:             true,
}

// ──────────────────────────────────────────────────
// Debits
// ──────────────────────────────────────────────────

// Debit removes amount from an account as a usage transaction. It fails
// with ErrInsufficientBalance, leaving the account untouched, when the
// balance does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, accountID id.AccountID, amount Money, opts DebitOpts) (*Receipt, error) {
	if amount.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	a, err := l.accountIn(ctx, accountID, amount.Currency)
	if err != nil {
		return nil, err
	}

	ref := UsageReference(opts.UsageRef)
	b := &store.Batch{Postings: []account.Posting{{
		AccountID:   accountID,
		Type:        account.TxUsage,
		Amount:      -amount.Amount,
		Description: opts.Description,
		ExternalRef: ref,
	}}}

	res, err := l.apply(ctx, "debit", ref, b)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			l.logger.Info("debit refused",
				"account_id", accountID.String(),
				"amount", amount.Amount,
			)
			l.plugins.EmitInsufficientBalance(ctx, accountID, amount.Amount)
		}
		return nil, err
	}
	return receipt(res, 0, a.Currency), nil
}

// Charge prices a model call and debits the billed cost. The account
// markup, when set, overrides the model markup. Pricing failures return
// before anything is written.
func (l *Ledger) Charge(ctx context.Context, u Usage) (*ChargeReceipt, error) {
	if l.resolver == nil {
		return nil, ErrNoResolver
	}
	a, err := l.store.GetAccount(ctx, u.AccountID)
	if err != nil {
		return nil, err
	}

	var opts []pricing.ResolveOption
	if !a.Markup.IsZero() {
		opts = append(opts, pricing.WithMarkup(a.Markup))
	}
	cost, err := l.resolver.Resolve(u.ModelID, u.InputTokens, u.OutputTokens, opts...)
	if err != nil {
		return nil, err
	}
	if cost.Billed.Currency != a.Currency {
		return nil, fmt.Errorf("%w: model %s is priced in %s, account holds %s",
			ErrCurrencyMismatch, cost.ModelID, cost.Billed.Currency, a.Currency)
	}
	if cost.Billed.IsZero() {
		return &ChargeReceipt{Cost: cost}, nil
	}

	desc := u.Description
	if desc == "" {
		desc = fmt.Sprintf("%s: %d input / %d output tokens", cost.ModelID, u.InputTokens, u.OutputTokens)
	}
	r, err := l.Debit(ctx, u.AccountID, cost.Billed, DebitOpts{UsageRef: u.UsageRef, Description: desc})
	if err != nil {
		return nil, err
	}
	if !r.Duplicate {
		l.plugins.EmitUsageCharged(ctx, u.AccountID, cost)
	}
	return &ChargeReceipt{Receipt: r, Cost: cost}, nil
}

// ──────────────────────────────────────────────────
// Credits
// ──────────────────────────────────────────────────

// Credit adds amount to an account. A repeated ExternalRef returns the
// earlier receipt with Duplicate set.
func (l *Ledger) Credit(ctx context.Context, accountID id.AccountID, amount Money, opts CreditOpts) (*Receipt, error) {
	if amount.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if opts.Type == "" {
		opts.Type = account.TxPurchase
	}
	if !creditTypes[opts.Type] {
		return nil, ValidationError{Field: "type", Message: fmt.Sprintf("%q is not a credit type", opts.Type)}
	}
	a, err := l.accountIn(ctx, accountID, amount.Currency)
	if err != nil {
		return nil, err
	}

	p := account.Posting{
		AccountID:   accountID,
		Type:        opts.Type,
		Amount:      amount.Amount,
		Description: opts.Description,
		ExternalRef: opts.ExternalRef,
		ActorID:     opts.ActorID,
	}
	if opts.Purchased {
		p.PurchasedDelta = amount.Amount
	}

	res, err := l.apply(ctx, "credit", opts.ExternalRef, &store.Batch{Postings: []account.Posting{p}})
	if err != nil {
		return nil, err
	}
	return receipt(res, 0, a.Currency), nil
}

// ──────────────────────────────────────────────────
// Transfers and adjustments
// ──────────────────────────────────────────────────

// Transfer moves amount between two accounts. Both legs commit together
// and share a transfer id; the source may not go negative.
func (l *Ledger) Transfer(ctx context.Context, from, to id.AccountID, amount Money, opts TransferOpts) (*TransferReceipt, error) {
	if from == to {
		return nil, ErrSameAccount
	}
	if amount.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	src, err := l.accountIn(ctx, from, amount.Currency)
	if err != nil {
		return nil, err
	}
	if _, err := l.accountIn(ctx, to, amount.Currency); err != nil {
		return nil, err
	}

	ref := TransferReference(opts.Reference)
	transferID := id.NewTransferID()
	desc := opts.Description
	if desc == "" {
		desc = fmt.Sprintf("transfer %s -> %s", from, to)
	}

	b := &store.Batch{Postings: []account.Posting{
		{
			AccountID:   from,
			Type:        account.TxTransferOut,
			Amount:      -amount.Amount,
			Description: desc,
			ExternalRef: ref,
			TransferID:  transferID,
		},
		{
			AccountID:   to,
			Type:        account.TxTransferIn,
			Amount:      amount.Amount,
			Description: desc,
			ExternalRef: ref,
			TransferID:  transferID,
		},
	}}

	res, err := l.apply(ctx, "transfer", ref, b)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			l.plugins.EmitInsufficientBalance(ctx, from, amount.Amount)
		}
		return nil, err
	}

	out := receipt(res, 0, src.Currency)
	return &TransferReceipt{
		TransferID: out.Transaction.TransferID,
		From:       out,
		To:         receipt(res, 1, src.Currency),
	}, nil
}

// AdjustAdmin applies a manual correction. A positive delta records an
// admin_credit; a negative delta records an admin_debit capped at the
// current balance, so the balance never goes below zero.
// A negative delta against an empty balance fails with
// ErrInsufficientBalance.
func (l *Ledger) AdjustAdmin(ctx context.Context, accountID id.AccountID, delta Money, reason, actorID string) (*Receipt, error) {
	if delta.IsZero() {
		return nil, ErrInvalidAmount
	}
	if reason == "" {
		return nil, ValidationError{Field: "reason", Message: "is required"}
	}
	a, err := l.accountIn(ctx, accountID, delta.Currency)
	if err != nil {
		return nil, err
	}

	p := account.Posting{
		AccountID:   accountID,
		Type:        account.TxAdminCredit,
		Amount:      delta.Amount,
		Description: reason,
		ActorID:     actorID,
	}
	if delta.IsNegative() {
		p.Type = account.TxAdminDebit
		p.CapAtBalance = true
	}

	res, err := l.apply(ctx, "adjust", "", &store.Batch{Postings: []account.Posting{p}})
	if err != nil {
		return nil, err
	}
	l.logger.Info("admin adjustment",
		"account_id", accountID.String(),
		"amount", res.Transactions[0].Amount,
		"actor_id", actorID,
		"reason", reason,
	)
	return receipt(res, 0, a.Currency), nil
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

// Commit validates and applies a batch built outside the ledger, such as
// the webhook reconciler's. Postings, resets, subscription changes and the
// dedup record commit atomically.
func (l *Ledger) Commit(ctx context.Context, b *store.Batch) (*store.Result, error) {
	if b == nil || b.Empty() {
		return &store.Result{}, nil
	}
	for i, p := range b.Postings {
		if p.Amount == 0 {
			return nil, fmt.Errorf("%w: posting %d", ErrInvalidAmount, i)
		}
		if !p.Type.Valid() {
			return nil, ValidationError{Field: fmt.Sprintf("postings[%d].type", i), Message: fmt.Sprintf("unknown type %q", p.Type)}
		}
	}
	for i, r := range b.Resets {
		if r.Allotment < 0 {
			return nil, fmt.Errorf("%w: reset %d has negative allotment", ErrInvalidAmount, i)
		}
		if r.ExternalRef == "" {
			return nil, ValidationError{Field: fmt.Sprintf("resets[%d].external_ref", i), Message: "is required"}
		}
	}
	for i, c := range b.Subscriptions {
		if c.Subscription == nil {
			return nil, ValidationError{Field: fmt.Sprintf("subscriptions[%d]", i), Message: "subscription is required"}
		}
	}

	var ref string
	if b.Event != nil {
		ref = b.Event.EventID
	}
	return l.apply(ctx, "commit", ref, b)
}

// apply is the single path to store.Apply. It refreshes cached balances
// and notifies plugins about committed changes.
func (l *Ledger) apply(ctx context.Context, op, ref string, b *store.Batch) (*store.Result, error) {
	res, err := l.store.Apply(ctx, b)
	if err != nil {
		err = unknownOutcome(op, ref, err)
		if errors.Is(err, ErrUnknownOutcome) {
			l.invalidate(context.WithoutCancel(ctx), b)
			l.logger.Warn("ledger write outcome unknown", "op", op, "reference", ref, "error", err)
		}
		return nil, err
	}

	for _, a := range res.Accounts {
		l.cacheBalance(ctx, a)
	}
	for i, tx := range res.Transactions {
		if !res.Duplicate[i] {
			l.plugins.EmitTransactionRecorded(ctx, tx)
		}
	}
	for _, c := range b.Subscriptions {
		if c.Event != nil {
			l.plugins.EmitSubscriptionTransitioned(ctx, c.Subscription, c.Event)
		}
	}
	return res, nil
}

func (l *Ledger) invalidate(ctx context.Context, b *store.Batch) {
	if l.cache == nil {
		return
	}
	var ids []id.AccountID
	for _, p := range b.Postings {
		ids = append(ids, p.AccountID)
	}
	for _, r := range b.Resets {
		ids = append(ids, r.AccountID)
	}
	if len(ids) == 0 {
		return
	}
	if err := l.cache.Invalidate(ctx, ids...); err != nil {
		l.logger.Warn("balance cache invalidation failed", "error", err)
	}
}

// accountIn loads an account and checks that it holds currency.
func (l *Ledger) accountIn(ctx context.Context, accountID id.AccountID, currency string) (*account.Account, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Currency != currency {
		return nil, fmt.Errorf("%w: account %s holds %s, got %s", ErrCurrencyMismatch, accountID, a.Currency, currency)
	}
	return a, nil
}

func receipt(res *store.Result, i int, currency string) *Receipt {
	tx := res.Transactions[i]
	r := &Receipt{Transaction: tx, Duplicate: res.Duplicate[i]}
	if a := res.Account(tx.AccountID.String()); a != nil {
		r.Balance = a.BalanceMoney()
	} else {
		r.Balance = Millis(tx.BalanceAfter, currency)
	}
	return r
}
