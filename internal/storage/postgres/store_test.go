package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestGetGasAccountNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT .* FROM app_gas_accounts").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetGasAccount(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetGasAccountScansRow(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "account_id", "wallet_address", "balance", "available", "pending", "locked",
		"min_balance", "daily_limit", "daily_withdrawal", "notification_threshold",
		"required_approvals", "flags", "metadata", "last_withdrawal", "created_at", "updated_at",
	}).AddRow("gas-1", "acct-1", "0xabc", 100.0, 80.0, 20.0, 20.0,
		5.0, 50.0, 10.0, 0.0, 2, []byte(`{"frozen":false}`), []byte(`{"env":"test"}`), now, now, now)

	mock.ExpectQuery("SELECT .* FROM app_gas_accounts").
		WithArgs("gas-1").
		WillReturnRows(rows)

	acct, err := store.GetGasAccount(context.Background(), "gas-1")
	if err != nil {
		t.Fatalf("GetGasAccount: %v", err)
	}
	if acct.ID != "gas-1" || acct.AccountID != "acct-1" {
		t.Fatalf("unexpected account %+v", acct)
	}
	if acct.Balance != 100 || acct.Available != 80 || acct.Pending != 20 || acct.Locked != 20 {
		t.Fatalf("unexpected balances %+v", acct)
	}
	if acct.RequiredApprovals != 2 {
		t.Fatalf("required approvals = %d", acct.RequiredApprovals)
	}
	if acct.Metadata["env"] != "test" {
		t.Fatalf("metadata = %v", acct.Metadata)
	}
}

func TestUpdateGasTransactionNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE app_gas_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.UpdateGasTransaction(context.Background(), gasbank.Transaction{ID: "tx-1"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSettlementAttemptsScansRows(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"transaction_id", "attempt", "started_at", "completed_at", "latency_ms", "status", "error",
	}).
		AddRow("tx-1", 2, now, now, int64(120), "failed", "node timeout").
		AddRow("tx-1", 1, now.Add(-time.Minute), now.Add(-time.Minute), int64(95), "failed", "node timeout")

	mock.ExpectQuery("SELECT .* FROM app_gas_settlement_attempts").
		WithArgs("tx-1", 10).
		WillReturnRows(rows)

	attempts, err := store.ListSettlementAttempts(context.Background(), "tx-1", 10)
	if err != nil {
		t.Fatalf("ListSettlementAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Attempt != 2 || attempts[0].Latency != 120*time.Millisecond {
		t.Fatalf("unexpected attempt %+v", attempts[0])
	}
}
