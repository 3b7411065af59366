// Package storage declares the persistence interfaces the gas bank is
// written against. Implementations live in the memory and postgres
// subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/gasbank/internal/domain/account"
	"github.com/R3E-Network/gasbank/internal/domain/gasbank"
)

// ErrNotFound is returned (wrapped) by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// AccountStore persists owner account records.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

// AccountChecker validates that an owner account exists. The gas bank
// consumes this instead of the full AccountStore: it only ever needs the
// existence check.
type AccountChecker interface {
	AccountExists(ctx context.Context, id string) error
}

// GasBankStore persists gas accounts, transactions and the withdrawal
// workflow records (approvals, schedules, settlement attempts, dead
// letters). Concurrent balance mutations on the same gas account must be
// serialized by the implementation.
type GasBankStore interface {
	CreateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error)
	UpdateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error)
	GetGasAccount(ctx context.Context, id string) (gasbank.Account, error)
	GetGasAccountByWallet(ctx context.Context, wallet string) (gasbank.Account, error)
	ListGasAccounts(ctx context.Context, accountID string) ([]gasbank.Account, error)

	CreateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error)
	UpdateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error)
	GetGasTransaction(ctx context.Context, id string) (gasbank.Transaction, error)
	ListGasTransactions(ctx context.Context, gasAccountID string, limit int) ([]gasbank.Transaction, error)
	ListPendingWithdrawals(ctx context.Context) ([]gasbank.Transaction, error)

	UpsertWithdrawalApproval(ctx context.Context, approval gasbank.WithdrawalApproval) (gasbank.WithdrawalApproval, error)
	ListWithdrawalApprovals(ctx context.Context, transactionID string) ([]gasbank.WithdrawalApproval, error)

	SaveWithdrawalSchedule(ctx context.Context, schedule gasbank.WithdrawalSchedule) (gasbank.WithdrawalSchedule, error)
	GetWithdrawalSchedule(ctx context.Context, transactionID string) (gasbank.WithdrawalSchedule, error)
	DeleteWithdrawalSchedule(ctx context.Context, transactionID string) error
	ListDueWithdrawalSchedules(ctx context.Context, before time.Time, limit int) ([]gasbank.WithdrawalSchedule, error)

	RecordSettlementAttempt(ctx context.Context, attempt gasbank.SettlementAttempt) (gasbank.SettlementAttempt, error)
	ListSettlementAttempts(ctx context.Context, transactionID string, limit int) ([]gasbank.SettlementAttempt, error)

	UpsertDeadLetter(ctx context.Context, entry gasbank.DeadLetter) (gasbank.DeadLetter, error)
	GetDeadLetter(ctx context.Context, transactionID string) (gasbank.DeadLetter, error)
	ListDeadLetters(ctx context.Context, accountID string, limit int) ([]gasbank.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, transactionID string) error
}
