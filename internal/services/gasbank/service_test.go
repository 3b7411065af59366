package gasbank

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	domain "github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
	"github.com/R3E-Network/gasbank/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(nil, store, nil), store
}

func fundedAccount(t *testing.T, svc *Service, accountID string, amount float64) domain.Account {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.EnsureAccount(ctx, accountID); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if _, err := svc.Deposit(ctx, accountID, amount, "0xsource", "0xvault", "chain-tx"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	acct, err := svc.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acct
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.EnsureAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	second, err := svc.EnsureAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ensure created a second account: %s vs %s", first.ID, second.ID)
	}
}

func TestEnsureAccountAppliesOptions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	minBalance := -3.0
	required := 2
	acct, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{
		WalletAddress:     " 0xABCDEF ",
		MinBalance:        &minBalance,
		RequiredApprovals: &required,
	})
	if err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	if acct.WalletAddress != "0xabcdef" {
		t.Fatalf("wallet = %q", acct.WalletAddress)
	}
	if acct.MinBalance != 0 {
		t.Fatalf("negative min balance not clamped: %v", acct.MinBalance)
	}
	if acct.RequiredApprovals != 2 {
		t.Fatalf("required approvals = %d", acct.RequiredApprovals)
	}
}

func TestEnsureAccountRejectsClaimedWallet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{WalletAddress: "0xshared"}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	_, err := svc.EnsureAccountWithOptions(ctx, "bob", EnsureAccountOptions{WalletAddress: "0xSHARED"})
	if !errors.Is(err, ErrWalletInUse) {
		t.Fatalf("expected ErrWalletInUse, got %v", err)
	}
}

func TestDepositCreditsBalances(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.Deposit(ctx, "alice", 25, "0xsource", "0xvault", "chain-tx-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if tx.Status != domain.StatusCompleted || tx.Amount != 25 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.FromAddress != "0xsource" || tx.ToAddress != "0xvault" {
		t.Fatalf("addresses not recorded: %+v", tx)
	}
	acct, err := svc.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !almostEqual(acct.Balance, 25) || !almostEqual(acct.Available, 25) {
		t.Fatalf("balances %+v", acct)
	}
}

func TestDepositRejectsInvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Deposit(context.Background(), "alice", 0, "", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDepositRollsBackWhenTransactionWriteFails(t *testing.T) {
	store := memory.New()
	failing := &failingStore{GasBankStore: store}
	svc := New(nil, failing, nil)
	ctx := context.Background()

	if _, err := svc.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	failing.failCreateTx = true
	if _, err := svc.Deposit(ctx, "alice", 10, "", "", ""); err == nil {
		t.Fatal("expected deposit to fail")
	}
	failing.failCreateTx = false

	acct, err := svc.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 0 || acct.Available != 0 {
		t.Fatalf("rollback did not restore balances: %+v", acct)
	}
}

func TestWithdrawReservesFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, err := svc.Withdraw(ctx, "alice", 40, "0xdest")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if tx.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Balance, 100) || !almostEqual(acct.Available, 60) ||
		!almostEqual(acct.Pending, 40) || !almostEqual(acct.Locked, 40) {
		t.Fatalf("balances %+v", acct)
	}
	if !almostEqual(acct.Balance, acct.Available+acct.Pending) {
		t.Fatalf("conservation broken: %+v", acct)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc, _ := newTestService(t)
	fundedAccount(t, svc, "alice", 10)
	if _, err := svc.Withdraw(context.Background(), "alice", 15, "0xdest"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestWithdrawHonorsMinBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	minBalance := 70.0
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{MinBalance: &minBalance}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", 40, "0xdest"); !errors.Is(err, ErrMinBalance) {
		t.Fatalf("expected ErrMinBalance, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", 30, "0xdest"); err != nil {
		t.Fatalf("withdrawal down to the floor should pass: %v", err)
	}
}

func TestWithdrawDailyLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	limit := 50.0
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{DailyLimit: &limit}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", 30, "0xdest"); err != nil {
		t.Fatalf("first withdrawal: %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", 30, "0xdest"); !errors.Is(err, ErrDailyLimit) {
		t.Fatalf("expected ErrDailyLimit, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, "alice", 20, "0xdest"); err != nil {
		t.Fatalf("withdrawal within the remaining cap: %v", err)
	}
}

func TestWithdrawDailyLimitResetsNextDay(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	limit := 50.0
	acct, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{DailyLimit: &limit})
	if err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	acct.DailyWithdrawal = 50
	acct.LastWithdrawal = time.Now().AddDate(0, 0, -1)
	if _, err := store.UpdateGasAccount(ctx, acct); err != nil {
		t.Fatalf("UpdateGasAccount: %v", err)
	}

	if _, err := svc.Withdraw(ctx, "alice", 40, "0xdest"); err != nil {
		t.Fatalf("yesterday's usage should not count: %v", err)
	}
	acct, _ = svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.DailyWithdrawal, 40) {
		t.Fatalf("daily usage not reset: %v", acct.DailyWithdrawal)
	}
}

func TestWithdrawRejectsCronExpression(t *testing.T) {
	svc, _ := newTestService(t)
	fundedAccount(t, svc, "alice", 100)
	_, err := svc.WithdrawWithOptions(context.Background(), "alice", WithdrawOptions{
		Amount:         10,
		ToAddress:      "0xdest",
		CronExpression: "0 0 * * *",
	})
	if !errors.Is(err, ErrCronUnsupported) {
		t.Fatalf("expected ErrCronUnsupported, got %v", err)
	}
}

func TestWithdrawWithFutureScheduleCreatesScheduleRow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	at := time.Now().Add(time.Hour)
	tx, err := svc.WithdrawWithOptions(ctx, "alice", WithdrawOptions{Amount: 10, ToAddress: "0xdest", ScheduleAt: &at})
	if err != nil {
		t.Fatalf("WithdrawWithOptions: %v", err)
	}
	if tx.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", tx.Status)
	}
	if _, err := store.GetWithdrawalSchedule(ctx, tx.ID); err != nil {
		t.Fatalf("schedule row missing: %v", err)
	}
	// Funds are reserved up front even for deferred withdrawals.
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Pending, 10) {
		t.Fatalf("pending = %v", acct.Pending)
	}
}

func TestCompleteWithdrawalSuccessConservesFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, err := svc.Withdraw(ctx, "alice", 50, "0xdest")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	done, err := svc.CompleteWithdrawal(ctx, tx.ID, true, "chain-tx-9", "")
	if err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}
	if done.Status != domain.StatusCompleted || done.BlockchainTxID != "chain-tx-9" {
		t.Fatalf("unexpected transaction %+v", done)
	}
	if done.CompletedAt.IsZero() {
		t.Fatal("completed_at not set")
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Balance, 50) || !almostEqual(acct.Available, 50) ||
		!almostEqual(acct.Pending, 0) || !almostEqual(acct.Locked, 0) {
		t.Fatalf("balances %+v", acct)
	}
}

func TestCompleteWithdrawalFailureRefunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 50, "0xdest")
	done, err := svc.CompleteWithdrawal(ctx, tx.ID, false, "", "node rejected transaction")
	if err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}
	if done.Status != domain.StatusFailed || done.Error != "node rejected transaction" || done.NetAmount != 0 {
		t.Fatalf("unexpected transaction %+v", done)
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Balance, 100) || !almostEqual(acct.Available, 100) || !almostEqual(acct.Pending, 0) {
		t.Fatalf("balances %+v", acct)
	}
}

func TestCompleteWithdrawalRejectsDoubleSettlement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 50, "0xdest")
	if _, err := svc.CompleteWithdrawal(ctx, tx.ID, true, "", ""); err != nil {
		t.Fatalf("CompleteWithdrawal: %v", err)
	}
	if _, err := svc.CompleteWithdrawal(ctx, tx.ID, true, "", ""); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestCancelWithdrawalRefundsReservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 30, "0xdest")
	cancelled, err := svc.CancelWithdrawal(ctx, "alice", tx.ID, "user changed their mind")
	if err != nil {
		t.Fatalf("CancelWithdrawal: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.NetAmount != 0 {
		t.Fatalf("unexpected transaction %+v", cancelled)
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Available, 100) || !almostEqual(acct.Pending, 0) || !almostEqual(acct.Locked, 0) {
		t.Fatalf("balances %+v", acct)
	}

	if _, err := svc.CancelWithdrawal(ctx, "alice", tx.ID, ""); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestCancelWithdrawalChecksOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 30, "0xdest")
	if _, err := svc.CancelWithdrawal(ctx, "bob", tx.ID, ""); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

func TestApprovalThresholdPromotesWithdrawal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	required := 2
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{RequiredApprovals: &required}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	tx, err := svc.Withdraw(ctx, "alice", 20, "0xdest")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if tx.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", tx.Status)
	}

	after, err := svc.SubmitApproval(ctx, "alice", tx.ID, "ops-1", domain.ApprovalApproved, "", "")
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if after.Status != domain.StatusAwaitingApproval {
		t.Fatalf("one approval should not promote: %s", after.Status)
	}
	after, err = svc.SubmitApproval(ctx, "alice", tx.ID, "ops-2", domain.ApprovalApproved, "", "")
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if after.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", after.Status)
	}
}

func TestRejectionCancelsWithdrawal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	required := 1
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{RequiredApprovals: &required}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	tx, _ := svc.Withdraw(ctx, "alice", 20, "0xdest")

	after, err := svc.SubmitApproval(ctx, "alice", tx.ID, "ops-1", domain.ApprovalRejected, "", "looks wrong")
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if after.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", after.Status)
	}
	if after.Error != "rejected by ops-1" {
		t.Fatalf("error = %q", after.Error)
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Available, 100) || !almostEqual(acct.Pending, 0) {
		t.Fatalf("reservation not released: %+v", acct)
	}
}

func TestSubmitApprovalUpsertsDecision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	required := 2
	svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{RequiredApprovals: &required})
	tx, _ := svc.Withdraw(ctx, "alice", 20, "0xdest")

	if _, err := svc.SubmitApproval(ctx, "alice", tx.ID, "ops-1", domain.ApprovalApproved, "", ""); err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if _, err := svc.SubmitApproval(ctx, "alice", tx.ID, "ops-1", domain.ApprovalApproved, "sig", "double-checked"); err != nil {
		t.Fatalf("SubmitApproval again: %v", err)
	}
	approvals, err := svc.ListApprovals(ctx, "alice", tx.ID)
	if err != nil {
		t.Fatalf("ListApprovals: %v", err)
	}
	if len(approvals) != 1 {
		t.Fatalf("expected one approval per approver, got %d", len(approvals))
	}
}

func TestListApprovalsMissingParams(t *testing.T) {
	svc := New(nil, nil, nil)
	if _, err := svc.ListApprovals(context.Background(), "", "tx-1"); err == nil {
		t.Fatal("expected error for missing account id")
	}
	if _, err := svc.ListApprovals(context.Background(), "alice", ""); err == nil {
		t.Fatal("expected error for missing transaction id")
	}
}

func TestActivateDueSchedules(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	at := time.Now().Add(time.Hour)
	tx, err := svc.WithdrawWithOptions(ctx, "alice", WithdrawOptions{Amount: 10, ToAddress: "0xdest", ScheduleAt: &at})
	if err != nil {
		t.Fatalf("WithdrawWithOptions: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := store.SaveWithdrawalSchedule(ctx, domain.WithdrawalSchedule{
		TransactionID: tx.ID, ScheduleAt: past, NextRunAt: past,
	}); err != nil {
		t.Fatalf("SaveWithdrawalSchedule: %v", err)
	}

	activated, err := svc.ActivateDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ActivateDueSchedules: %v", err)
	}
	if activated != 1 {
		t.Fatalf("activated = %d, want 1", activated)
	}
	after, _ := store.GetGasTransaction(ctx, tx.ID)
	if after.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", after.Status)
	}
	if !after.ScheduleAt.IsZero() {
		t.Fatal("schedule_at not cleared")
	}
	if _, err := store.GetWithdrawalSchedule(ctx, tx.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("schedule row should be gone: %v", err)
	}
}

func TestActivateDueSchedulesDropsStaleRows(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 10, "0xdest") // already pending
	past := time.Now().Add(-time.Minute)
	store.SaveWithdrawalSchedule(ctx, domain.WithdrawalSchedule{TransactionID: tx.ID, ScheduleAt: past, NextRunAt: past})

	activated, err := svc.ActivateDueSchedules(ctx, 10)
	if err != nil {
		t.Fatalf("ActivateDueSchedules: %v", err)
	}
	if activated != 0 {
		t.Fatalf("activated = %d, want 0", activated)
	}
	if _, err := store.GetWithdrawalSchedule(ctx, tx.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale schedule not dropped: %v", err)
	}
}

func TestActivateDueSchedulesNoOpWhenEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	activated, err := svc.ActivateDueSchedules(context.Background(), 10)
	if err != nil {
		t.Fatalf("ActivateDueSchedules: %v", err)
	}
	if activated != 0 {
		t.Fatalf("activated = %d, want 0", activated)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 30, "0xdest")
	marked, err := svc.MarkDeadLetter(ctx, tx.ID, "resolver gave up")
	if err != nil {
		t.Fatalf("MarkDeadLetter: %v", err)
	}
	if marked.Status != domain.StatusDeadLetter || marked.DeadLetterReason != "resolver gave up" {
		t.Fatalf("unexpected transaction %+v", marked)
	}
	// Funds stay reserved while the withdrawal is parked.
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Pending, 30) || !almostEqual(acct.Available, 70) {
		t.Fatalf("balances %+v", acct)
	}

	entries, err := svc.ListDeadLetters(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(entries) != 1 || entries[0].TransactionID != tx.ID {
		t.Fatalf("unexpected entries %+v", entries)
	}

	requeued, err := svc.RetryDeadLetter(ctx, "alice", tx.ID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if requeued.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", requeued.Status)
	}
	if requeued.ResolverAttempt != 0 || requeued.DeadLetterReason != "" {
		t.Fatalf("resolver bookkeeping not reset: %+v", requeued)
	}
	entries, _ = svc.ListDeadLetters(ctx, "alice", 0)
	if len(entries) != 0 {
		t.Fatalf("entry not removed: %+v", entries)
	}
}

func TestDeleteDeadLetterRefunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 30, "0xdest")
	if _, err := svc.MarkDeadLetter(ctx, tx.ID, "resolver gave up"); err != nil {
		t.Fatalf("MarkDeadLetter: %v", err)
	}
	if err := svc.DeleteDeadLetter(ctx, "alice", tx.ID); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	acct, _ := svc.GetAccount(ctx, "alice")
	if !almostEqual(acct.Available, 100) || !almostEqual(acct.Pending, 0) {
		t.Fatalf("reservation not refunded: %+v", acct)
	}
}

func TestRetryDeadLetterChecksOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, _ := svc.Withdraw(ctx, "alice", 30, "0xdest")
	svc.MarkDeadLetter(ctx, tx.ID, "resolver gave up")

	if _, err := svc.RetryDeadLetter(ctx, "bob", tx.ID); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}

func TestSummaryAggregatesActiveWithdrawals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	svc.Withdraw(ctx, "alice", 10, "0xdest")
	tx2, _ := svc.Withdraw(ctx, "alice", 20, "0xdest")
	svc.CompleteWithdrawal(ctx, tx2.ID, true, "", "")

	sum, err := svc.Summary(ctx, "alice")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.ActiveWithdrawals != 1 || !almostEqual(sum.ReservedAmount, 10) {
		t.Fatalf("summary %+v", sum)
	}
	if len(sum.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(sum.Accounts))
	}
	if !almostEqual(sum.TotalBalance, 80) || !almostEqual(sum.TotalAvailable, 70) {
		t.Fatalf("totals %+v", sum)
	}
	if sum.LastDeposit == nil || sum.LastDeposit.Type != domain.TransactionDeposit {
		t.Fatalf("last deposit %+v", sum.LastDeposit)
	}
	if sum.LastWithdrawal == nil || sum.LastWithdrawal.ID != tx2.ID {
		t.Fatalf("last withdrawal %+v", sum.LastWithdrawal)
	}
}

func TestListTransactionsFiltered(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)
	svc.Withdraw(ctx, "alice", 10, "0xdest")

	deposits, err := svc.ListTransactionsFiltered(ctx, "alice", domain.TransactionDeposit, "", 0)
	if err != nil {
		t.Fatalf("ListTransactionsFiltered: %v", err)
	}
	if len(deposits) != 1 || deposits[0].Type != domain.TransactionDeposit {
		t.Fatalf("unexpected deposits %+v", deposits)
	}
	pending, err := svc.ListTransactionsFiltered(ctx, "alice", "", domain.StatusPending, 0)
	if err != nil {
		t.Fatalf("ListTransactionsFiltered: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != domain.TransactionWithdrawal {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestGetWithdrawalRejectsDeposits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	dep, _ := svc.Deposit(ctx, "alice", 10, "", "", "")
	if _, err := svc.GetWithdrawal(ctx, "alice", dep.ID); err == nil {
		t.Fatal("expected error for deposit id")
	}
}

func TestWithdrawScheduledSurvivesScheduleWriteFailure(t *testing.T) {
	store := memory.New()
	failing := &failingStore{GasBankStore: store, failSaveSchedule: true}
	svc := New(nil, failing, nil)
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", 100, "0xsource", "0xvault", "chain-tx"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	at := time.Now().Add(time.Hour)
	tx, err := svc.WithdrawWithOptions(ctx, "alice", WithdrawOptions{Amount: 10, ToAddress: "0xdest", ScheduleAt: &at})
	if err != nil {
		t.Fatalf("WithdrawWithOptions: %v", err)
	}
	if tx.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", tx.Status)
	}
	acct, err := svc.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !almostEqual(acct.Available, 90) || !almostEqual(acct.Pending, 10) {
		t.Fatalf("reservation not kept: %+v", acct)
	}
}

func TestActivateDueSchedulesAppliesAccountApprovalPolicy(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	at := time.Now().Add(time.Hour)
	tx, err := svc.WithdrawWithOptions(ctx, "alice", WithdrawOptions{Amount: 10, ToAddress: "0xdest", ScheduleAt: &at})
	if err != nil {
		t.Fatalf("WithdrawWithOptions: %v", err)
	}

	two := 2
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{RequiredApprovals: &two}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := store.SaveWithdrawalSchedule(ctx, domain.WithdrawalSchedule{
		TransactionID: tx.ID, ScheduleAt: past, NextRunAt: past,
	}); err != nil {
		t.Fatalf("SaveWithdrawalSchedule: %v", err)
	}

	if _, err := svc.ActivateDueSchedules(ctx, 10); err != nil {
		t.Fatalf("ActivateDueSchedules: %v", err)
	}
	after, _ := store.GetGasTransaction(ctx, tx.ID)
	if after.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", after.Status)
	}
}

func TestCancelWithdrawalRejectsPendingUnderflow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	fundedAccount(t, svc, "alice", 100)

	tx, err := svc.Withdraw(ctx, "alice", 10, "0xdest")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	acct, err := svc.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	acct.Pending = 0
	if _, err := store.UpdateGasAccount(ctx, acct); err != nil {
		t.Fatalf("UpdateGasAccount: %v", err)
	}

	if _, err := svc.CancelWithdrawal(ctx, "alice", tx.ID, ""); !errors.Is(err, errPendingUnderflow) {
		t.Fatalf("expected pending underflow, got %v", err)
	}
}

func TestSubmitApprovalRejectsUnknownDecision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	two := 2
	if _, err := svc.EnsureAccountWithOptions(ctx, "alice", EnsureAccountOptions{RequiredApprovals: &two}); err != nil {
		t.Fatalf("EnsureAccountWithOptions: %v", err)
	}
	fundedAccount(t, svc, "alice", 100)
	tx, err := svc.Withdraw(ctx, "alice", 10, "0xdest")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, err := svc.SubmitApproval(ctx, "alice", tx.ID, "ops", "maybe", "", ""); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
}
