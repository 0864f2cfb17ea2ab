// Package memory is an in-process store.Store for tests and single-node
// development. All state lives behind one mutex; Apply stages a batch on
// copies and commits only if every change succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Account storage
	accounts map[string]*account.Account
	owners   map[string]string

	// Transaction log, append order per account
	txs  map[string][]*account.Transaction
	refs map[string]*account.Transaction

	// Subscription storage
	subscriptions map[string]*subscription.Subscription
	providerSubs  map[string]string
	subEvents     map[string][]*subscription.Event

	// Webhook dedup records
	events map[string]*store.ProcessedEvent

	// Pricing table
	pricing map[string]*pricing.Model
}

func New() *Store {
	return &Store{
		accounts:      make(map[string]*account.Account),
		owners:        make(map[string]string),
		txs:           make(map[string][]*account.Transaction),
		refs:          make(map[string]*account.Transaction),
		subscriptions: make(map[string]*subscription.Subscription),
		providerSubs:  make(map[string]string),
		subEvents:     make(map[string][]*subscription.Event),
		events:        make(map[string]*store.ProcessedEvent),
		pricing:       make(map[string]*pricing.Model),
	}
}

func ownerKey(kind account.Kind, ownerID string) string { return string(kind) + ":" + ownerID }
func refKey(accountID id.AccountID, ref string) string  { return accountID.String() + "|" + ref }
func eventKey(provider, eventID string) string          { return provider + "|" + eventID }

// Account Store implementation
func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, exists := s.accounts[a.ID.String()]; exists {
		return account.ErrAccountExists
	}
	if _, exists := s.owners[ownerKey(a.Kind, a.OwnerID)]; exists {
		return account.ErrAccountExists
	}
	s.accounts[a.ID.String()] = cloneAccount(a)
	s.owners[ownerKey(a.Kind, a.OwnerID)] = a.ID.String()
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID.String()]; ok {
		return cloneAccount(a), nil
	}
	return nil, account.ErrAccountNotFound
}

func (s *Store) GetAccountByOwner(_ context.Context, kind account.Kind, ownerID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if accountID, ok := s.owners[ownerKey(kind, ownerID)]; ok {
		return cloneAccount(s.accounts[accountID]), nil
	}
	return nil, account.ErrAccountNotFound
}

func (s *Store) ListTransactions(_ context.Context, accountID id.AccountID, opts account.ListOpts) ([]*account.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txs[accountID.String()]
	result := make([]*account.Transaction, 0)
	for i := len(log) - 1; i >= 0; i-- {
		if opts.Type == "" || log[i].Type == opts.Type {
			tx := *log[i]
			result = append(result, &tx)
		}
	}

	// Apply limit/offset
	start := opts.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) GetTransactionByExternalRef(_ context.Context, accountID id.AccountID, ref string) (*account.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tx, ok := s.refs[refKey(accountID, ref)]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, account.ErrTransactionNotFound
}

func (s *Store) SumTransactions(_ context.Context, accountID id.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, tx := range s.txs[accountID.String()] {
		total += tx.Amount
	}
	return total, nil
}

// Subscription Store implementation
func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return cloneSubscription(sub), nil
	}
	return nil, subscription.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if subID, ok := s.providerSubs[providerSubscriptionID]; ok {
		return cloneSubscription(s.subscriptions[subID]), nil
	}
	return nil, subscription.ErrSubscriptionNotFound
}

func (s *Store) GetCurrentSubscription(_ context.Context, organizationID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.OrganizationID != organizationID {
			continue
		}
		if current == nil || newer(sub, current) {
			current = sub
		}
	}
	if current == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return cloneSubscription(current), nil
}

// newer orders instances by creation time, then by their sortable ID.
func newer(a, b *subscription.Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

func (s *Store) ListSubscriptionEvents(_ context.Context, subID id.SubscriptionID, opts subscription.ListOpts) ([]*subscription.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.subEvents[subID.String()]
	result := make([]*subscription.Event, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		evt := *log[i]
		result = append(result, &evt)
	}

	start := min(opts.Offset, len(result))
	end := len(result)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

// Apply implements store.Store.
func (s *Store) Apply(_ context.Context, b *store.Batch) (*store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	if b.Event != nil {
		if _, exists := s.events[eventKey(b.Event.Provider, b.Event.EventID)]; exists {
			return nil, store.ErrEventProcessed
		}
	}

	now := time.Now().UTC()
	staged, err := store.Stage(b, view{s}, now)
	if err != nil {
		return nil, err
	}

	// Validate subscription changes before touching anything.
	for _, c := range b.Subscriptions {
		key := c.Subscription.ID.String()
		_, exists := s.subscriptions[key]
		switch {
		case c.Create && exists:
			return nil, fmt.Errorf("%w: %s", subscription.ErrSubscriptionExists, key)
		case c.Create:
			if other, ok := s.providerSubs[c.Subscription.ProviderSubscriptionID]; ok && c.Subscription.ProviderSubscriptionID != "" {
				return nil, fmt.Errorf("%w: provider subscription %s is %s",
					subscription.ErrSubscriptionExists, c.Subscription.ProviderSubscriptionID, other)
			}
		case !exists:
			return nil, fmt.Errorf("%w: %s", subscription.ErrSubscriptionNotFound, key)
		}
	}

	// Commit.
	for _, a := range staged.Accounts {
		s.accounts[a.ID.String()] = cloneAccount(a)
	}
	for _, tx := range staged.Transactions {
		cp := *tx
		s.txs[tx.AccountID.String()] = append(s.txs[tx.AccountID.String()], &cp)
		if tx.ExternalRef != "" {
			s.refs[refKey(tx.AccountID, tx.ExternalRef)] = &cp
		}
	}
	for _, c := range b.Subscriptions {
		sub := cloneSubscription(c.Subscription)
		s.subscriptions[sub.ID.String()] = sub
		if sub.ProviderSubscriptionID != "" {
			s.providerSubs[sub.ProviderSubscriptionID] = sub.ID.String()
		}
		if c.Event != nil {
			evt := *c.Event
			s.subEvents[sub.ID.String()] = append(s.subEvents[sub.ID.String()], &evt)
		}
	}
	if b.Event != nil {
		evt := *b.Event
		if evt.ProcessedAt.IsZero() {
			evt.ProcessedAt = now
		}
		s.events[eventKey(evt.Provider, evt.EventID)] = &evt
	}

	return staged.Result, nil
}

// view reads committed state for store.Stage. The caller holds s.mu.
type view struct{ s *Store }

func (v view) Account(accountID id.AccountID) (*account.Account, error) {
	if a, ok := v.s.accounts[accountID.String()]; ok {
		return cloneAccount(a), nil
	}
	return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, accountID)
}

func (v view) TransactionByRef(accountID id.AccountID, ref string) (*account.Transaction, error) {
	if tx, ok := v.s.refs[refKey(accountID, ref)]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, nil
}

// Webhook dedup records
func (s *Store) IsEventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventKey(provider, eventID)]
	return ok, nil
}

func (s *Store) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, evt := range s.events {
		if evt.ProcessedAt.Before(before) {
			delete(s.events, k)
			n++
		}
	}
	return n, nil
}

// Pricing table
func (s *Store) LoadPricing(_ context.Context) ([]*pricing.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pricing.Model, 0, len(s.pricing))
	for _, m := range s.pricing {
		cp := *m
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ModelID < result[j].ModelID })
	return result, nil
}

func (s *Store) UpsertPricingModel(_ context.Context, m *pricing.Model) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.pricing[cp.ModelID] = &cp
	return nil
}

// Core methods
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func cloneAccount(a *account.Account) *account.Account {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneSubscription(sub *subscription.Subscription) *subscription.Subscription {
	cp := *sub
	if sub.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
