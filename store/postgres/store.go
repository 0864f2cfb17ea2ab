package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tally/account"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/pricing"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/subscription"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL. Schema, reads and
// single-row writes go through Grove ORM; Apply runs on a pgx transaction
// that locks every touched account row before staging the batch.
type Store struct {
	db   *grove.DB
	pg   *pgdriver.PgDB
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store. db and pool must point at the same
// database.
func New(db *grove.DB, pool *pgxpool.Pool) *Store {
	return &Store{
		db:   db,
		pg:   pgdriver.Unwrap(db),
		pool: pool,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("tally/postgres: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	s.pool.Close()
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	_, err := s.pg.NewInsert(toAccountModel(a)).Exec(ctx)
	if isDuplicateError(err) {
		return account.ErrAccountExists
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", accountID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, account.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAccountModel(m)
}

func (s *Store) GetAccountByOwner(ctx context.Context, kind account.Kind, ownerID string) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("kind = $1", string(kind)).
		Where("owner_id = $2", ownerID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, account.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAccountModel(m)
}

func (s *Store) ListTransactions(ctx context.Context, accountID id.AccountID, opts account.ListOpts) ([]*account.Transaction, error) {
	var models []transactionModel
	q := s.pg.NewSelect(&models).Where("account_id = $1", accountID.String())

	if opts.Type != "" {
		q = q.Where("type = $2", string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("seq DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*account.Transaction, len(models))
	for i := range models {
		tx, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = tx
	}
	return result, nil
}

func (s *Store) GetTransactionByExternalRef(ctx context.Context, accountID id.AccountID, ref string) (*account.Transaction, error) {
	m := new(transactionModel)
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID.String()).
		Where("external_ref = $2", ref).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, account.ErrTransactionNotFound
		}
		return nil, err
	}
	return fromTransactionModel(m)
}

func (s *Store) SumTransactions(ctx context.Context, accountID id.AccountID) (int64, error) {
	var total int64
	err := s.pg.NewRaw(`
		SELECT COALESCE(SUM(amount), 0) FROM tally_transactions WHERE account_id = $1
	`, accountID.String()).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ==================== Subscription Store ====================

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("provider_subscription_id = $1", providerSubscriptionID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetCurrentSubscription(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("organization_id = $1", organizationID).
		OrderExpr("created_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptionEvents(ctx context.Context, subID id.SubscriptionID, opts subscription.ListOpts) ([]*subscription.Event, error) {
	var models []subscriptionEventModel
	q := s.pg.NewSelect(&models).Where("subscription_id = $1", subID.String())
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("seq DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Event, len(models))
	for i := range models {
		evt, err := fromSubscriptionEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

// ==================== Apply ====================

// Apply implements store.Store. The dedup row is inserted first so that a
// concurrent delivery of the same event blocks on the unique index and
// then observes the conflict. Account rows are locked in id order.
func (s *Store) Apply(ctx context.Context, b *store.Batch) (*store.Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", store.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	if b.Event != nil {
		processedAt := b.Event.ProcessedAt
		if processedAt.IsZero() {
			processedAt = now
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO tally_webhook_events (provider, event_id, event_type, outcome, detail, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider, event_id) DO NOTHING`,
			b.Event.Provider, b.Event.EventID, b.Event.EventType,
			string(b.Event.Outcome), b.Event.Detail, processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("tally/postgres: insert webhook event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, store.ErrEventProcessed
		}
	}

	locked, err := lockAccounts(ctx, tx, b.AccountIDs())
	if err != nil {
		return nil, err
	}

	staged, err := store.Stage(b, &txView{ctx: ctx, tx: tx, accounts: locked}, now)
	if err != nil {
		return nil, err
	}

	for _, a := range staged.Accounts {
		_, err := tx.Exec(ctx, `
			UPDATE tally_accounts SET balance = $2, purchased_credits = $3, updated_at = $4, version = $5
			WHERE id = $1`,
			a.ID.String(), a.Balance, a.PurchasedCredits, a.UpdatedAt, a.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("tally/postgres: update account %s: %w", a.ID, err)
		}
	}

	for _, t := range staged.Transactions {
		_, err := tx.Exec(ctx, `
			INSERT INTO tally_transactions
				(id, account_id, type, amount, balance_after, description, external_ref, transfer_id, actor_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID.String(), t.AccountID.String(), string(t.Type), t.Amount, t.BalanceAfter,
			t.Description, t.ExternalRef, t.TransferID, t.ActorID, t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("tally/postgres: insert transaction: %w", err)
		}
	}

	for _, c := range b.Subscriptions {
		if err := writeSubscription(ctx, tx, c); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrUnavailable, err)
	}
	return staged.Result, nil
}

func lockAccounts(ctx context.Context, tx pgx.Tx, ids []string) (map[string]*account.Account, error) {
	locked := make(map[string]*account.Account, len(ids))
	if len(ids) == 0 {
		return locked, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, kind, owner_id, currency, balance, purchased_credits, markup, metadata, created_at, updated_at, version
		FROM tally_accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: lock accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m accountModel
		if err := rows.Scan(&m.ID, &m.Kind, &m.OwnerID, &m.Currency, &m.Balance, &m.PurchasedCredits,
			&m.Markup, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.Version); err != nil {
			return nil, fmt.Errorf("tally/postgres: scan account: %w", err)
		}
		a, err := fromAccountModel(&m)
		if err != nil {
			return nil, err
		}
		locked[m.ID] = a
	}
	return locked, rows.Err()
}

func writeSubscription(ctx context.Context, tx pgx.Tx, c subscription.Change) error {
	m := toSubscriptionModel(c.Subscription)
	if c.Create {
		_, err := tx.Exec(ctx, `
			INSERT INTO tally_subscriptions
				(id, organization_id, account_id, plan_id, status, current_period_start, current_period_end,
				 cancel_at_period_end, trial_end, canceled_at, provider_subscription_id, seat_count,
				 credits_per_seat, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			m.ID, m.OrganizationID, m.AccountID, m.PlanID, m.Status, m.CurrentPeriodStart, m.CurrentPeriodEnd,
			m.CancelAtPeriodEnd, m.TrialEnd, m.CanceledAt, m.ProviderSubscriptionID, m.SeatCount,
			m.CreditsPerSeat, m.Metadata, m.CreatedAt, m.UpdatedAt,
		)
		if isDuplicateError(err) {
			return fmt.Errorf("%w: %s", subscription.ErrSubscriptionExists, m.ID)
		}
		if err != nil {
			return fmt.Errorf("tally/postgres: insert subscription: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE tally_subscriptions SET
				plan_id = $2, status = $3, current_period_start = $4, current_period_end = $5,
				cancel_at_period_end = $6, trial_end = $7, canceled_at = $8, seat_count = $9,
				credits_per_seat = $10, metadata = $11, updated_at = $12
			WHERE id = $1`,
			m.ID, m.PlanID, m.Status, m.CurrentPeriodStart, m.CurrentPeriodEnd,
			m.CancelAtPeriodEnd, m.TrialEnd, m.CanceledAt, m.SeatCount,
			m.CreditsPerSeat, m.Metadata, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("tally/postgres: update subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", subscription.ErrSubscriptionNotFound, m.ID)
		}
	}

	if c.Event == nil {
		return nil
	}
	e := c.Event
	_, err := tx.Exec(ctx, `
		INSERT INTO tally_subscription_events
			(id, subscription_id, organization_id, prev_status, new_status, prev_plan_id, new_plan_id,
			 prev_seat_count, new_seat_count, provider_event_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID.String(), e.SubscriptionID.String(), e.OrganizationID, string(e.PrevStatus), string(e.NewStatus),
		e.PrevPlanID, e.NewPlanID, e.PrevSeatCount, e.NewSeatCount, e.ProviderEventID, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("tally/postgres: insert subscription event: %w", err)
	}
	return nil
}

// txView reads inside the Apply transaction. Accounts come from the rows
// locked up front; a batch never touches an account it did not lock.
type txView struct {
	ctx      context.Context
	tx       pgx.Tx
	accounts map[string]*account.Account
}

func (v *txView) Account(accountID id.AccountID) (*account.Account, error) {
	a, ok := v.accounts[accountID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, accountID)
	}
	cp := *a
	return &cp, nil
}

func (v *txView) TransactionByRef(accountID id.AccountID, ref string) (*account.Transaction, error) {
	var m transactionModel
	err := v.tx.QueryRow(v.ctx, `
		SELECT seq, id, account_id, type, amount, balance_after, description, external_ref, transfer_id, actor_id, created_at
		FROM tally_transactions WHERE account_id = $1 AND external_ref = $2`,
		accountID.String(), ref,
	).Scan(&m.Seq, &m.ID, &m.AccountID, &m.Type, &m.Amount, &m.BalanceAfter, &m.Description,
		&m.ExternalRef, &m.TransferID, &m.ActorID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: lookup transaction ref: %w", err)
	}
	return fromTransactionModel(&m)
}

// ==================== Webhook dedup records ====================

func (s *Store) IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	m := new(webhookEventModel)
	err := s.pg.NewSelect(m).
		Where("provider = $1", provider).
		Where("event_id = $2", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*webhookEventModel)(nil)).
		Where("processed_at < $1", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// ==================== Pricing ====================

func (s *Store) LoadPricing(ctx context.Context) ([]*pricing.Model, error) {
	var models []pricingModel
	if err := s.pg.NewSelect(&models).OrderExpr("model_id ASC").Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*pricing.Model, len(models))
	for i := range models {
		m, err := fromPricingModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = m
	}
	return result, nil
}

func (s *Store) UpsertPricingModel(ctx context.Context, p *pricing.Model) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m := toPricingModel(p)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pg.NewInsert(m).
		OnConflict("(model_id) DO UPDATE").
		Set("provider = EXCLUDED.provider").
		Set("currency = EXCLUDED.currency").
		Set("input_price_per_million = EXCLUDED.input_price_per_million").
		Set("output_price_per_million = EXCLUDED.output_price_per_million").
		Set("markup = EXCLUDED.markup").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// ==================== Helpers ====================

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateError checks for PostgreSQL unique-violation (23505).
func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
