package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the authoritative DDL for the transfer record store. Migrate is
// idempotent so every process can apply it at startup.
const schema = `
CREATE TABLE IF NOT EXISTS transfer_records (
    account_address TEXT        NOT NULL,
    reference_code  TEXT        NOT NULL,
    sender          TEXT        NOT NULL,
    recipient       TEXT        NOT NULL,
    amount          BIGINT      NOT NULL,
    routing_code    TEXT        NOT NULL DEFAULT '',
    memo            TEXT,
    status          TEXT        NOT NULL DEFAULT 'pending',
    ledger_ref_kind TEXT        NOT NULL DEFAULT 'none',
    ledger_ref      TEXT,
    block_marker    BIGINT,
    submitted_at    TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (account_address, reference_code)
);

CREATE INDEX IF NOT EXISTS idx_transfer_records_account_status
    ON transfer_records (account_address, status);

CREATE INDEX IF NOT EXISTS idx_transfer_records_submitted_at
    ON transfer_records (submitted_at);

CREATE INDEX IF NOT EXISTS idx_transfer_records_unreconciled
    ON transfer_records (account_address, submitted_at)
    WHERE ledger_ref_kind = 'placeholder' AND status IN ('pending', 'processing');
`

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
