package subscription

import (
	"context"

	"github.com/xraph/tally/id"
)

// Store reads subscriptions. Writes go through store.Batch so that a
// transition commits together with the ledger changes it causes.
type Store interface {
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	GetCurrentSubscription(ctx context.Context, organizationID string) (*Subscription, error)
	ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*Event, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
