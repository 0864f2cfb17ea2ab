package store

import (
	"context"
	"slices"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/subscription"
)

// Store is the unified storage interface for all tally entities.
// Every write goes through Apply so that balance changes, subscription
// transitions and the webhook dedup record commit together.
type Store interface {
	account.Store
	subscription.Store

	// Apply commits a batch atomically. Either every change in the batch
	// is visible afterwards or none is.
	Apply(ctx context.Context, b *Batch) (*Result, error)

	// Webhook dedup records
	IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error)
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)

	// Pricing table
	LoadPricing(ctx context.Context) ([]*pricing.Model, error)
	UpsertPricingModel(ctx context.Context, m *pricing.Model) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// ProcessedEvent marks a provider event as handled. (Provider, EventID) is
// unique; inserting an existing pair fails the batch with
// tally.ErrEventProcessed.
type ProcessedEvent struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Batch is one atomic unit of work.
type Batch struct {
	Event         *ProcessedEvent
	Postings      []account.Posting
	Resets        []account.Reset
	Subscriptions []subscription.Change
}

// Empty reports whether the batch carries no changes at all.
func (b *Batch) Empty() bool {
	return b.Event == nil && len(b.Postings) == 0 && len(b.Resets) == 0 && len(b.Subscriptions) == 0
}

// AccountIDs returns the distinct accounts the batch touches, in the order
// stores must lock them.
func (b *Batch) AccountIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(s string) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			ids = append(ids, s)
		}
	}
	for _, p := range b.Postings {
		add(p.AccountID.String())
	}
	for _, r := range b.Resets {
		add(r.AccountID.String())
	}
	slices.Sort(ids)
	return ids
}

// Result reports what Apply did. Transactions are in batch order:
// postings first, then resets. Duplicate[i] is true when transaction i
// already existed and was returned instead of written.
type Result struct {
	Transactions []*account.Transaction
	Duplicate    []bool
	Accounts     map[string]*account.Account
}

// Account returns the post-commit state of an account touched by the batch.
func (r *Result) Account(accountID string) *account.Account {
	if r == nil || r.Accounts == nil {
		return nil
	}
	return r.Accounts[accountID]
}
