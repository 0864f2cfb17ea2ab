package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the tally store.
var Migrations = migrate.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tally_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_accounts (
    id                TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    owner_id          TEXT NOT NULL,
    currency          TEXT NOT NULL,
    balance           BIGINT NOT NULL DEFAULT 0,
    purchased_credits BIGINT NOT NULL DEFAULT 0,
    markup            TEXT NOT NULL DEFAULT '0',
    metadata          JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT tally_accounts_balance_non_negative CHECK (balance >= 0),
    CONSTRAINT tally_accounts_purchased_bounded CHECK (purchased_credits >= 0 AND purchased_credits <= balance)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_accounts_owner ON tally_accounts (kind, owner_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_transactions",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_transactions (
    seq           BIGSERIAL,
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL REFERENCES tally_accounts (id),
    type          TEXT NOT NULL,
    amount        BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    external_ref  TEXT NOT NULL DEFAULT '',
    transfer_id   TEXT,
    actor_id      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_transactions_account ON tally_transactions (account_id, seq DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_transactions_ref ON tally_transactions (account_id, external_ref) WHERE external_ref != '';
CREATE INDEX IF NOT EXISTS idx_tally_transactions_transfer ON tally_transactions (transfer_id) WHERE transfer_id IS NOT NULL;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_transactions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_subscriptions",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_subscriptions (
    id                       TEXT PRIMARY KEY,
    organization_id          TEXT NOT NULL,
    account_id               TEXT NOT NULL REFERENCES tally_accounts (id),
    plan_id                  TEXT NOT NULL DEFAULT '',
    status                   TEXT NOT NULL DEFAULT 'none',
    current_period_start     TIMESTAMPTZ,
    current_period_end       TIMESTAMPTZ,
    cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
    trial_end                TIMESTAMPTZ,
    canceled_at              TIMESTAMPTZ,
    provider_subscription_id TEXT NOT NULL DEFAULT '',
    seat_count               INT NOT NULL DEFAULT 0,
    credits_per_seat         BIGINT NOT NULL DEFAULT 0,
    metadata                 JSONB NOT NULL DEFAULT '{}',
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_subs_org ON tally_subscriptions (organization_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_subs_provider ON tally_subscriptions (provider_subscription_id) WHERE provider_subscription_id != '';

CREATE TABLE IF NOT EXISTS tally_subscription_events (
    seq               BIGSERIAL,
    id                TEXT PRIMARY KEY,
    subscription_id   TEXT NOT NULL REFERENCES tally_subscriptions (id),
    organization_id   TEXT NOT NULL,
    prev_status       TEXT NOT NULL,
    new_status        TEXT NOT NULL,
    prev_plan_id      TEXT NOT NULL DEFAULT '',
    new_plan_id       TEXT NOT NULL DEFAULT '',
    prev_seat_count   INT NOT NULL DEFAULT 0,
    new_seat_count    INT NOT NULL DEFAULT 0,
    provider_event_id TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_sub_events_sub ON tally_subscription_events (subscription_id, seq DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS tally_subscription_events;
DROP TABLE IF EXISTS tally_subscriptions;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_webhook_events",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_webhook_events (
    provider     TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL DEFAULT '',
    outcome      TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (provider, event_id)
);

CREATE INDEX IF NOT EXISTS idx_tally_webhook_events_processed ON tally_webhook_events (processed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_webhook_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tally_pricing_models",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_pricing_models (
    model_id                 TEXT PRIMARY KEY,
    provider                 TEXT NOT NULL DEFAULT '',
    currency                 TEXT NOT NULL,
    input_price_per_million  TEXT NOT NULL,
    output_price_per_million TEXT NOT NULL,
    markup                   TEXT NOT NULL DEFAULT '0',
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tally_pricing_models`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "add_tally_accounts_version",
			Version: "20250101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE tally_accounts ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `ALTER TABLE tally_accounts DROP COLUMN IF EXISTS version`)
				return err
			},
		},
	)
}
