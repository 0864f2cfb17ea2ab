// Package bolt provides a BoltDB-backed store.Store.
//
// BoltDB is an embedded key/value store with a single writer, so every
// Apply runs inside one read-write transaction and is serialized against
// all other writes. Values are JSON; secondary indexes live in their own
// buckets and are updated in the same transaction as the records.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

var (
	bucketAccounts      = []byte("accounts")
	bucketOwners        = []byte("accounts_by_owner")
	bucketTransactions  = []byte("transactions")
	bucketTxRefs        = []byte("tx_refs")
	bucketSubscriptions = []byte("subscriptions")
	bucketProviderSubs  = []byte("subs_by_provider")
	bucketOrgSubs       = []byte("subs_by_org")
	bucketSubEvents     = []byte("sub_events")
	bucketWebhookEvents = []byte("webhook_events")
	bucketPricing       = []byte("pricing")

	allBuckets = [][]byte{
		bucketAccounts, bucketOwners, bucketTransactions, bucketTxRefs,
		bucketSubscriptions, bucketProviderSubs, bucketOrgSubs, bucketSubEvents,
		bucketWebhookEvents, bucketPricing,
	}
)

// Store wraps a BoltDB database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path and ensures every
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tally/bolt: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying bolt database.
func (s *Store) DB() *bolt.DB { return s.db }

// Migrate creates any missing bucket.
func (s *Store) Migrate(_ context.Context) error {
	return s.update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("tally/bolt: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Ping checks that the database is open.
func (s *Store) Ping(_ context.Context) error {
	return s.view(func(*bolt.Tx) error { return nil })
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) view(fn func(*bolt.Tx) error) error {
	return mapErr(s.db.View(fn))
}

func (s *Store) update(fn func(*bolt.Tx) error) error {
	return mapErr(s.db.Update(fn))
}

func mapErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return store.ErrClosed
	}
	return err
}

// ==================== Keys ====================

func ownerKey(kind account.Kind, ownerID string) []byte {
	return []byte(string(kind) + ":" + ownerID)
}

func refKey(accountID id.AccountID, ref string) []byte {
	return []byte(accountID.String() + "|" + ref)
}

func eventKey(provider, eventID string) []byte {
	return []byte(provider + "|" + eventID)
}

// prefixKey is "<parent>\x00"; children append a big-endian sequence.
func prefixKey(parent string) []byte {
	return append([]byte(parent), 0)
}

func seqKey(parent string, seq uint64) []byte {
	k := prefixKey(parent)
	return binary.BigEndian.AppendUint64(k, seq)
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	return s.update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		owners := tx.Bucket(bucketOwners)
		if accounts.Get([]byte(a.ID.String())) != nil || owners.Get(ownerKey(a.Kind, a.OwnerID)) != nil {
			return account.ErrAccountExists
		}
		if err := putJSON(accounts, []byte(a.ID.String()), a); err != nil {
			return err
		}
		return owners.Put(ownerKey(a.Kind, a.OwnerID), []byte(a.ID.String()))
	})
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	var a *account.Account
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		a, err = getAccount(tx, accountID.String())
		return err
	})
	return a, err
}

func (s *Store) GetAccountByOwner(_ context.Context, kind account.Kind, ownerID string) (*account.Account, error) {
	var a *account.Account
	err := s.view(func(tx *bolt.Tx) error {
		accountID := tx.Bucket(bucketOwners).Get(ownerKey(kind, ownerID))
		if accountID == nil {
			return account.ErrAccountNotFound
		}
		var err error
		a, err = getAccount(tx, string(accountID))
		return err
	})
	return a, err
}

func getAccount(tx *bolt.Tx, accountID string) (*account.Account, error) {
	a := new(account.Account)
	ok, err := getJSON(tx.Bucket(bucketAccounts), []byte(accountID), a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, accountID)
	}
	return a, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID id.AccountID, opts account.ListOpts) ([]*account.Transaction, error) {
	result := make([]*account.Transaction, 0)
	err := s.view(func(tx *bolt.Tx) error {
		all, err := scanPrefix[account.Transaction](tx.Bucket(bucketTransactions), accountID.String())
		if err != nil {
			return err
		}
		slices.Reverse(all)
		for _, t := range all {
			if opts.Type == "" || t.Type == opts.Type {
				result = append(result, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) GetTransactionByExternalRef(_ context.Context, accountID id.AccountID, ref string) (*account.Transaction, error) {
	var t *account.Transaction
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		t, err = txByRef(tx, accountID, ref)
		if err == nil && t == nil {
			return account.ErrTransactionNotFound
		}
		return err
	})
	return t, err
}

func txByRef(tx *bolt.Tx, accountID id.AccountID, ref string) (*account.Transaction, error) {
	key := tx.Bucket(bucketTxRefs).Get(refKey(accountID, ref))
	if key == nil {
		return nil, nil
	}
	t := new(account.Transaction)
	if _, err := getJSON(tx.Bucket(bucketTransactions), key, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) SumTransactions(_ context.Context, accountID id.AccountID) (int64, error) {
	var total int64
	err := s.view(func(tx *bolt.Tx) error {
		all, err := scanPrefix[account.Transaction](tx.Bucket(bucketTransactions), accountID.String())
		for _, t := range all {
			total += t.Amount
		}
		return err
	})
	return total, err
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		sub, err = getSubscription(tx, []byte(subID.String()))
		return err
	})
	return sub, err
}

func (s *Store) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.view(func(tx *bolt.Tx) error {
		subID := tx.Bucket(bucketProviderSubs).Get([]byte(providerSubscriptionID))
		if subID == nil {
			return subscription.ErrSubscriptionNotFound
		}
		var err error
		sub, err = getSubscription(tx, subID)
		return err
	})
	return sub, err
}

func (s *Store) GetCurrentSubscription(_ context.Context, organizationID string) (*subscription.Subscription, error) {
	var current *subscription.Subscription
	err := s.view(func(tx *bolt.Tx) error {
		prefix := prefixKey(organizationID)
		c := tx.Bucket(bucketOrgSubs).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			sub, err := getSubscription(tx, k[len(prefix):])
			if err != nil {
				return err
			}
			if current == nil || sub.CreatedAt.After(current.CreatedAt) ||
				(sub.CreatedAt.Equal(current.CreatedAt) && sub.ID.String() > current.ID.String()) {
				current = sub
			}
		}
		if current == nil {
			return subscription.ErrSubscriptionNotFound
		}
		return nil
	})
	return current, err
}

func getSubscription(tx *bolt.Tx, subID []byte) (*subscription.Subscription, error) {
	sub := new(subscription.Subscription)
	ok, err := getJSON(tx.Bucket(bucketSubscriptions), subID, sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Store) ListSubscriptionEvents(_ context.Context, subID id.SubscriptionID, opts subscription.ListOpts) ([]*subscription.Event, error) {
	var events []*subscription.Event
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		events, err = scanPrefix[subscription.Event](tx.Bucket(bucketSubEvents), subID.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return page(events, opts.Offset, opts.Limit), nil
}

// ==================== Apply ====================

// Apply implements store.Store inside one bolt read-write transaction.
func (s *Store) Apply(_ context.Context, b *store.Batch) (*store.Result, error) {
	var result *store.Result
	err := s.update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()

		events := tx.Bucket(bucketWebhookEvents)
		if b.Event != nil && events.Get(eventKey(b.Event.Provider, b.Event.EventID)) != nil {
			return store.ErrEventProcessed
		}

		staged, err := store.Stage(b, view{tx}, now)
		if err != nil {
			return err
		}

		for _, a := range staged.Accounts {
			if err := putJSON(tx.Bucket(bucketAccounts), []byte(a.ID.String()), a); err != nil {
				return err
			}
		}
		for _, t := range staged.Transactions {
			if err := appendTransaction(tx, t); err != nil {
				return err
			}
		}
		for _, c := range b.Subscriptions {
			if err := putSubscription(tx, c); err != nil {
				return err
			}
		}
		if b.Event != nil {
			evt := *b.Event
			if evt.ProcessedAt.IsZero() {
				evt.ProcessedAt = now
			}
			if err := putJSON(events, eventKey(evt.Provider, evt.EventID), &evt); err != nil {
				return err
			}
		}

		result = staged.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func appendTransaction(tx *bolt.Tx, t *account.Transaction) error {
	txs := tx.Bucket(bucketTransactions)
	seq, err := txs.NextSequence()
	if err != nil {
		return err
	}
	key := seqKey(t.AccountID.String(), seq)
	if err := putJSON(txs, key, t); err != nil {
		return err
	}
	if t.ExternalRef != "" {
		return tx.Bucket(bucketTxRefs).Put(refKey(t.AccountID, t.ExternalRef), key)
	}
	return nil
}

func putSubscription(tx *bolt.Tx, c subscription.Change) error {
	sub := c.Subscription
	subs := tx.Bucket(bucketSubscriptions)
	providers := tx.Bucket(bucketProviderSubs)
	key := []byte(sub.ID.String())

	exists := subs.Get(key) != nil
	switch {
	case c.Create && exists:
		return fmt.Errorf("%w: %s", subscription.ErrSubscriptionExists, sub.ID)
	case c.Create && sub.ProviderSubscriptionID != "" && providers.Get([]byte(sub.ProviderSubscriptionID)) != nil:
		return fmt.Errorf("%w: provider subscription %s", subscription.ErrSubscriptionExists, sub.ProviderSubscriptionID)
	case !c.Create && !exists:
		return fmt.Errorf("%w: %s", subscription.ErrSubscriptionNotFound, sub.ID)
	}

	if err := putJSON(subs, key, sub); err != nil {
		return err
	}
	if sub.ProviderSubscriptionID != "" {
		if err := providers.Put([]byte(sub.ProviderSubscriptionID), key); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketOrgSubs).Put(append(prefixKey(sub.OrganizationID), key...), nil); err != nil {
		return err
	}

	if c.Event == nil {
		return nil
	}
	events := tx.Bucket(bucketSubEvents)
	seq, err := events.NextSequence()
	if err != nil {
		return err
	}
	return putJSON(events, seqKey(sub.ID.String(), seq), c.Event)
}

// view reads inside the Apply transaction for store.Stage.
type view struct{ tx *bolt.Tx }

func (v view) Account(accountID id.AccountID) (*account.Account, error) {
	return getAccount(v.tx, accountID.String())
}

func (v view) TransactionByRef(accountID id.AccountID, ref string) (*account.Transaction, error) {
	return txByRef(v.tx, accountID, ref)
}

// ==================== Webhook dedup records ====================

func (s *Store) IsEventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	var ok bool
	err := s.view(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketWebhookEvents).Get(eventKey(provider, eventID)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhookEvents)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var evt store.ProcessedEvent
			if err := json.Unmarshal(v, &evt); err != nil {
				return err
			}
			if evt.ProcessedAt.Before(before) {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ==================== Pricing ====================

func (s *Store) LoadPricing(_ context.Context) ([]*pricing.Model, error) {
	models := make([]*pricing.Model, 0)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPricing).ForEach(func(_, v []byte) error {
			m := new(pricing.Model)
			if err := json.Unmarshal(v, m); err != nil {
				return err
			}
			models = append(models, m)
			return nil
		})
	})
	return models, err
}

func (s *Store) UpsertPricingModel(_ context.Context, m *pricing.Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	cp := *m
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPricing), []byte(cp.ModelID), &cp)
	})
}

// ==================== Helpers ====================

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// scanPrefix decodes every value under parent in key order.
func scanPrefix[T any](b *bolt.Bucket, parent string) ([]*T, error) {
	prefix := prefixKey(parent)
	var out []*T
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		item := new(T)
		if err := json.Unmarshal(v, item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	start := min(offset, len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
