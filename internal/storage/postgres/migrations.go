package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations run in order; each statement must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS app_accounts (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS app_gas_accounts (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		wallet_address TEXT UNIQUE,
		balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		available DOUBLE PRECISION NOT NULL DEFAULT 0,
		pending DOUBLE PRECISION NOT NULL DEFAULT 0,
		locked DOUBLE PRECISION NOT NULL DEFAULT 0,
		min_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_withdrawal DOUBLE PRECISION NOT NULL DEFAULT 0,
		notification_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		required_approvals INTEGER NOT NULL DEFAULT 0,
		flags JSONB,
		metadata JSONB,
		last_withdrawal TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_accounts_account ON app_gas_accounts (account_id)`,
	`CREATE TABLE IF NOT EXISTS app_gas_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		user_account_id TEXT,
		tx_type TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		net_amount DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		blockchain_tx_id TEXT,
		from_address TEXT,
		to_address TEXT,
		notes TEXT,
		error TEXT,
		schedule_at TIMESTAMPTZ,
		cron_expression TEXT,
		required_approvals INTEGER NOT NULL DEFAULT 0,
		resolver_attempt INTEGER NOT NULL DEFAULT 0,
		resolver_error TEXT,
		last_attempt_at TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ,
		dead_letter_reason TEXT,
		metadata JSONB,
		dispatched_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_transactions_account ON app_gas_transactions (account_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_transactions_status ON app_gas_transactions (tx_type, status)`,
	`CREATE TABLE IF NOT EXISTS app_gas_withdrawal_approvals (
		transaction_id TEXT NOT NULL,
		approver TEXT NOT NULL,
		status TEXT NOT NULL,
		signature TEXT,
		note TEXT,
		decided_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (transaction_id, approver)
	)`,
	`CREATE TABLE IF NOT EXISTS app_gas_withdrawal_schedules (
		transaction_id TEXT PRIMARY KEY,
		schedule_at TIMESTAMPTZ NOT NULL,
		cron_expression TEXT,
		next_run_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_withdrawal_schedules_due ON app_gas_withdrawal_schedules (next_run_at)`,
	`CREATE TABLE IF NOT EXISTS app_gas_settlement_attempts (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_settlement_attempts_tx ON app_gas_settlement_attempts (transaction_id, attempt DESC)`,
	`CREATE TABLE IF NOT EXISTS app_gas_dead_letters (
		transaction_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		last_error TEXT,
		last_attempt_at TIMESTAMPTZ,
		retries INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_gas_dead_letters_account ON app_gas_dead_letters (account_id, created_at DESC)`,
}

// Migrate creates the schema. Statements use IF NOT EXISTS so reruns are
// safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
