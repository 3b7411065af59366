// Package gasbank implements the custodial ledger: deposits, withdrawals
// with approvals and schedules, settlement bookkeeping and the dead-letter
// queue. Balance invariants are maintained here, not in storage.
package gasbank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
	"github.com/R3E-Network/gasbank/pkg/logger"
)

// Epsilon absorbs float drift in balance comparisons.
const Epsilon = 1e-8

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds means available balance cannot cover the withdrawal.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrMinBalance means the withdrawal would drop available below the floor.
	ErrMinBalance = errors.New("insufficient funds to maintain minimum balance")
	// ErrDailyLimit means the withdrawal would exceed the daily cap.
	ErrDailyLimit = errors.New("daily withdrawal limit exceeded")
	// ErrCronUnsupported rejects recurring withdrawal requests.
	ErrCronUnsupported = errors.New("cron expressions are not supported yet; use schedule_at for deferred withdrawals")
	// ErrWalletInUse means another account already claimed the wallet address.
	ErrWalletInUse = errors.New("wallet address already assigned to another account")
	// ErrNotOwned means the transaction belongs to a different account.
	ErrNotOwned = errors.New("transaction does not belong to account")
	// ErrAlreadySettled rejects mutations of terminal withdrawals.
	ErrAlreadySettled = errors.New("withdrawal already settled")
	// ErrNotWithdrawal rejects withdrawal operations aimed at deposits.
	ErrNotWithdrawal = errors.New("transaction is not a withdrawal")
	// ErrInvalidDecision rejects approval decisions outside approved/rejected.
	ErrInvalidDecision = errors.New("decision must be approved or rejected")

	errAccountRequired     = errors.New("account id is required")
	errTransactionRequired = errors.New("transaction id is required")
	errApproverRequired    = errors.New("approver is required")
	errNoGasAccount        = errors.New("no gas account for owner")
	errPendingUnderflow    = errors.New("pending balance cannot cover settlement")
)

// Service is the ledger engine. All balance mutations go through it.
type Service struct {
	accounts storage.AccountChecker
	store    storage.GasBankStore
	log      *logger.Logger
}

// New builds the service. accounts may be nil, in which case owner
// existence is not verified. A nil logger is replaced with a default one.
func New(accounts storage.AccountChecker, store storage.GasBankStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("gasbank")
	}
	return &Service{accounts: accounts, store: store, log: log}
}

// EnsureAccountOptions tunes account policy on ensure. Nil pointers leave
// the current value untouched; negative values are clamped to zero.
type EnsureAccountOptions struct {
	WalletAddress         string
	MinBalance            *float64
	DailyLimit            *float64
	NotificationThreshold *float64
	RequiredApprovals     *int
	Metadata              map[string]string
}

func (o EnsureAccountOptions) hasFields() bool {
	return o.WalletAddress != "" || o.MinBalance != nil || o.DailyLimit != nil ||
		o.NotificationThreshold != nil || o.RequiredApprovals != nil || len(o.Metadata) > 0
}

// EnsureAccount returns the owner's gas account, creating it if absent.
func (s *Service) EnsureAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return s.EnsureAccountWithOptions(ctx, accountID, EnsureAccountOptions{})
}

// EnsureAccountWithOptions returns the owner's gas account, creating it if
// absent, and applies the given policy options.
func (s *Service) EnsureAccountWithOptions(ctx context.Context, accountID string, opts EnsureAccountOptions) (domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Account{}, errAccountRequired
	}
	if s.accounts != nil {
		if err := s.accounts.AccountExists(ctx, accountID); err != nil {
			return domain.Account{}, fmt.Errorf("verify account: %w", err)
		}
	}

	wallet := domain.NormalizeWalletAddress(opts.WalletAddress)
	if wallet != "" {
		owner, err := s.store.GetGasAccountByWallet(ctx, wallet)
		switch {
		case err == nil && owner.AccountID != accountID:
			return domain.Account{}, ErrWalletInUse
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return domain.Account{}, err
		}
	}

	existing, err := s.store.ListGasAccounts(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if len(existing) > 0 {
		acct := existing[0]
		if !opts.hasFields() {
			return acct, nil
		}
		applyEnsureOptions(&acct, opts, wallet)
		return s.store.UpdateGasAccount(ctx, acct)
	}

	acct := domain.Account{AccountID: accountID}
	applyEnsureOptions(&acct, opts, wallet)
	created, err := s.store.CreateGasAccount(ctx, acct)
	if err != nil {
		return domain.Account{}, err
	}
	s.log.WithFields(map[string]any{"account_id": accountID, "gas_account_id": created.ID}).
		Info("gas account created")
	return created, nil
}

func applyEnsureOptions(acct *domain.Account, opts EnsureAccountOptions, wallet string) {
	if wallet != "" {
		acct.WalletAddress = wallet
	}
	if opts.MinBalance != nil {
		acct.MinBalance = math.Max(0, *opts.MinBalance)
	}
	if opts.DailyLimit != nil {
		acct.DailyLimit = math.Max(0, *opts.DailyLimit)
	}
	if opts.NotificationThreshold != nil {
		acct.NotificationThreshold = math.Max(0, *opts.NotificationThreshold)
	}
	if opts.RequiredApprovals != nil {
		acct.RequiredApprovals = int(math.Max(0, float64(*opts.RequiredApprovals)))
	}
	if len(opts.Metadata) > 0 {
		if acct.Metadata == nil {
			acct.Metadata = make(map[string]string, len(opts.Metadata))
		}
		for k, v := range opts.Metadata {
			acct.Metadata[k] = v
		}
	}
}

// GetAccount returns the owner's gas account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return s.gasAccountForOwner(ctx, accountID)
}

// ListAccounts returns every gas account.
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.store.ListGasAccounts(ctx, "")
}

func (s *Service) gasAccountForOwner(ctx context.Context, accountID string) (domain.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Account{}, errAccountRequired
	}
	accounts, err := s.store.ListGasAccounts(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if len(accounts) == 0 {
		return domain.Account{}, fmt.Errorf("%w: %s: %w", errNoGasAccount, accountID, storage.ErrNotFound)
	}
	return accounts[0], nil
}

// Deposit credits the owner's gas account and records a completed deposit
// transaction. If the transaction cannot be recorded, the credit is rolled
// back.
func (s *Service) Deposit(ctx context.Context, accountID string, amount float64, fromAddress, toAddress, blockchainTxID string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, ErrInvalidAmount
	}
	acct, err := s.EnsureAccount(ctx, accountID)
	if err != nil {
		return domain.Transaction{}, err
	}

	snapshot := acct
	acct.Balance += amount
	acct.Available += amount
	if acct, err = s.store.UpdateGasAccount(ctx, acct); err != nil {
		return domain.Transaction{}, err
	}

	now := time.Now().UTC()
	tx := domain.Transaction{
		AccountID:      acct.ID,
		UserAccountID:  acct.AccountID,
		Type:           domain.TransactionDeposit,
		Amount:         amount,
		NetAmount:      amount,
		Status:         domain.StatusCompleted,
		FromAddress:    fromAddress,
		ToAddress:      toAddress,
		BlockchainTxID: blockchainTxID,
		CompletedAt:    now,
		ResolvedAt:     now,
	}
	created, err := s.store.CreateGasTransaction(ctx, tx)
	if err != nil {
		s.rollbackAccount(ctx, snapshot, "deposit")
		return domain.Transaction{}, fmt.Errorf("record deposit: %w", err)
	}
	s.log.WithFields(map[string]any{"gas_account_id": acct.ID, "transaction_id": created.ID, "amount": amount}).
		Info("deposit credited")
	return created, nil
}

// rollbackAccount restores a pre-mutation snapshot after a failed
// transaction write. A failed rollback leaves the ledger inconsistent and
// is logged at error level.
func (s *Service) rollbackAccount(ctx context.Context, snapshot domain.Account, op string) {
	if _, err := s.store.UpdateGasAccount(ctx, snapshot); err != nil {
		s.log.WithError(err).WithFields(map[string]any{"gas_account_id": snapshot.ID, "operation": op}).
			Error("balance rollback failed; ledger requires manual reconciliation")
	}
}

// WithdrawOptions parameterises a withdrawal request.
type WithdrawOptions struct {
	Amount         float64
	ToAddress      string
	ScheduleAt     *time.Time
	CronExpression string
}

// Withdraw reserves funds for an immediate withdrawal.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount float64, toAddress string) (domain.Transaction, error) {
	return s.WithdrawWithOptions(ctx, accountID, WithdrawOptions{Amount: amount, ToAddress: toAddress})
}

// WithdrawWithOptions reserves funds and creates a withdrawal transaction.
// The initial status is scheduled (future ScheduleAt), awaiting_approval
// (approval policy in force) or pending, in that priority order.
func (s *Service) WithdrawWithOptions(ctx context.Context, accountID string, opts WithdrawOptions) (domain.Transaction, error) {
	amount := opts.Amount
	if amount <= 0 {
		return domain.Transaction{}, ErrInvalidAmount
	}
	if strings.TrimSpace(opts.CronExpression) != "" {
		return domain.Transaction{}, ErrCronUnsupported
	}
	acct, err := s.gasAccountForOwner(ctx, accountID)
	if err != nil {
		return domain.Transaction{}, err
	}

	if acct.Available < amount-Epsilon {
		return domain.Transaction{}, ErrInsufficientFunds
	}
	if acct.MinBalance > 0 && acct.Available-amount < acct.MinBalance-Epsilon {
		return domain.Transaction{}, ErrMinBalance
	}

	now := time.Now().UTC()
	dailyUsed := acct.DailyWithdrawal
	if acct.LastWithdrawal.IsZero() || !sameDay(now, acct.LastWithdrawal) {
		dailyUsed = 0
	}
	if acct.DailyLimit > 0 && dailyUsed+amount > acct.DailyLimit+Epsilon {
		return domain.Transaction{}, ErrDailyLimit
	}

	status := domain.StatusPending
	required := acct.RequiredApprovals
	var scheduleAt time.Time
	if opts.ScheduleAt != nil && opts.ScheduleAt.After(now) {
		status = domain.StatusScheduled
		scheduleAt = opts.ScheduleAt.UTC()
	} else if required > 0 {
		status = domain.StatusAwaitingApproval
	}

	snapshot := acct
	acct.Available -= amount
	acct.Pending += amount
	acct.Locked += amount
	acct.DailyWithdrawal = dailyUsed + amount
	acct.LastWithdrawal = now
	if acct, err = s.store.UpdateGasAccount(ctx, acct); err != nil {
		return domain.Transaction{}, err
	}

	tx := domain.Transaction{
		AccountID:      acct.ID,
		UserAccountID:  acct.AccountID,
		Type:           domain.TransactionWithdrawal,
		Amount:         amount,
		NetAmount:      amount,
		Status:         status,
		ToAddress:      opts.ToAddress,
		ScheduleAt:     scheduleAt,
		ApprovalPolicy: domain.ApprovalPolicy{Required: required},
	}
	created, err := s.store.CreateGasTransaction(ctx, tx)
	if err != nil {
		s.rollbackAccount(ctx, snapshot, "withdraw")
		return domain.Transaction{}, fmt.Errorf("record withdrawal: %w", err)
	}

	if status == domain.StatusScheduled {
		_, err := s.store.SaveWithdrawalSchedule(ctx, domain.WithdrawalSchedule{
			TransactionID: created.ID,
			ScheduleAt:    scheduleAt,
			NextRunAt:     scheduleAt,
		})
		if err != nil {
			// Best effort. The withdrawal stays scheduled with its
			// reservation; the transaction row still carries ScheduleAt.
			s.log.WithError(err).WithField("transaction_id", created.ID).
				Warn("could not persist withdrawal schedule")
		}
	}

	s.log.WithFields(map[string]any{
		"gas_account_id": acct.ID,
		"transaction_id": created.ID,
		"amount":         amount,
		"status":         status,
	}).Info("withdrawal created")
	return created, nil
}

// sameDay compares calendar days in the local zone of each timestamp.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// GetWithdrawal returns a withdrawal if it belongs to the owner.
func (s *Service) GetWithdrawal(ctx context.Context, accountID, transactionID string) (domain.Transaction, error) {
	if strings.TrimSpace(accountID) == "" {
		return domain.Transaction{}, errAccountRequired
	}
	if strings.TrimSpace(transactionID) == "" {
		return domain.Transaction{}, errTransactionRequired
	}
	tx, err := s.store.GetGasTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Type != domain.TransactionWithdrawal {
		return domain.Transaction{}, ErrNotWithdrawal
	}
	if tx.UserAccountID != accountID {
		return domain.Transaction{}, ErrNotOwned
	}
	return tx, nil
}

// ListTransactions returns the owner's most recent transactions.
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	return s.ListTransactionsFiltered(ctx, accountID, "", "", limit)
}

// ListTransactionsFiltered narrows the listing by type and/or status.
func (s *Service) ListTransactionsFiltered(ctx context.Context, accountID, txType, status string, limit int) ([]domain.Transaction, error) {
	acct, err := s.gasAccountForOwner(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListGasTransactions(ctx, acct.ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if txType == "" && status == "" {
		return txs, nil
	}
	out := txs[:0]
	for _, tx := range txs {
		if txType != "" && tx.Type != txType {
			continue
		}
		if status != "" && tx.Status != status {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// TransactionBrief is a compact transaction view used in summaries.
type TransactionBrief struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates all of the owner's gas accounts and their
// withdrawal activity.
type Summary struct {
	Accounts          []domain.Account  `json:"accounts"`
	TotalBalance      float64           `json:"total_balance"`
	TotalAvailable    float64           `json:"total_available"`
	TotalLocked       float64           `json:"total_locked"`
	ActiveWithdrawals int               `json:"active_withdrawals"`
	ReservedAmount    float64           `json:"reserved_amount"`
	DeadLetters       int               `json:"dead_letters"`
	LastDeposit       *TransactionBrief `json:"last_deposit,omitempty"`
	LastWithdrawal    *TransactionBrief `json:"last_withdrawal,omitempty"`
}

// Summary rolls up the owner's gas accounts: balance totals,
// pending-withdrawal aggregates and the most recent deposit and
// withdrawal.
func (s *Service) Summary(ctx context.Context, accountID string) (Summary, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Summary{}, errAccountRequired
	}
	accounts, err := s.store.ListGasAccounts(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	if len(accounts) == 0 {
		return Summary{}, fmt.Errorf("%w: %s: %w", errNoGasAccount, accountID, storage.ErrNotFound)
	}

	sum := Summary{Accounts: accounts}
	for _, acct := range accounts {
		sum.TotalBalance += acct.Balance
		sum.TotalAvailable += acct.Available
		sum.TotalLocked += acct.Locked

		txs, err := s.store.ListGasTransactions(ctx, acct.ID, maxListLimit)
		if err != nil {
			return Summary{}, err
		}
		for _, tx := range txs {
			switch tx.Type {
			case domain.TransactionDeposit:
				if sum.LastDeposit == nil || tx.CreatedAt.After(sum.LastDeposit.CreatedAt) {
					sum.LastDeposit = briefOf(tx)
				}
			case domain.TransactionWithdrawal:
				if sum.LastWithdrawal == nil || tx.CreatedAt.After(sum.LastWithdrawal.CreatedAt) {
					sum.LastWithdrawal = briefOf(tx)
				}
				if domain.IsActiveWithdrawalStatus(tx.Status) {
					sum.ActiveWithdrawals++
					sum.ReservedAmount += tx.Amount
				}
			}
		}
	}
	entries, err := s.store.ListDeadLetters(ctx, accountID, maxListLimit)
	if err != nil {
		return Summary{}, err
	}
	sum.DeadLetters = len(entries)
	return sum, nil
}

func briefOf(tx domain.Transaction) *TransactionBrief {
	return &TransactionBrief{
		ID:        tx.ID,
		Type:      tx.Type,
		Status:    tx.Status,
		Amount:    tx.Amount,
		CreatedAt: tx.CreatedAt,
	}
}

// CancelWithdrawal releases the reservation of a not-yet-settled
// withdrawal owned by the account.
func (s *Service) CancelWithdrawal(ctx context.Context, accountID, transactionID, reason string) (domain.Transaction, error) {
	tx, err := s.GetWithdrawal(ctx, accountID, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !domain.CanTransition(tx.Status, domain.StatusCancelled) {
		return domain.Transaction{}, ErrAlreadySettled
	}
	if reason == "" {
		reason = "cancelled by account owner"
	}
	return s.cancelWithdrawal(ctx, tx, reason)
}

// cancelWithdrawal refunds the reservation and marks the withdrawal
// cancelled. Any schedule row is removed.
func (s *Service) cancelWithdrawal(ctx context.Context, tx domain.Transaction, reason string) (domain.Transaction, error) {
	acct, err := s.store.GetGasAccount(ctx, tx.AccountID)
	if err != nil {
		return domain.Transaction{}, err
	}
	amount := tx.Amount
	if acct.Pending < amount-Epsilon {
		return domain.Transaction{}, errPendingUnderflow
	}
	acct.Pending -= amount
	acct.Available += amount
	acct.Locked = math.Max(acct.Locked-amount, 0)
	if _, err := s.store.UpdateGasAccount(ctx, acct); err != nil {
		return domain.Transaction{}, err
	}

	if err := s.store.DeleteWithdrawalSchedule(ctx, tx.ID); err != nil {
		s.log.WithError(err).WithField("transaction_id", tx.ID).Warn("could not remove withdrawal schedule")
	}

	tx.Status = domain.StatusCancelled
	tx.Error = reason
	tx.NetAmount = 0
	tx.ResolvedAt = time.Now().UTC()
	updated, err := s.store.UpdateGasTransaction(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.log.WithFields(map[string]any{"transaction_id": tx.ID, "reason": reason}).Info("withdrawal cancelled")
	return updated, nil
}

// CompleteWithdrawal settles a withdrawal. On success the reserved amount
// leaves the account; on failure it returns to available. The account
// mutation is rolled back if the transaction update fails.
func (s *Service) CompleteWithdrawal(ctx context.Context, transactionID string, success bool, blockchainTxID, errMsg string) (domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return domain.Transaction{}, errTransactionRequired
	}
	tx, err := s.store.GetGasTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Type != domain.TransactionWithdrawal {
		return domain.Transaction{}, ErrNotWithdrawal
	}
	target := domain.StatusCompleted
	if !success {
		target = domain.StatusFailed
	}
	if !domain.CanTransition(tx.Status, target) {
		return domain.Transaction{}, ErrAlreadySettled
	}

	acct, err := s.store.GetGasAccount(ctx, tx.AccountID)
	if err != nil {
		return domain.Transaction{}, err
	}
	amount := tx.Amount
	now := time.Now().UTC()
	snapshot := acct

	if success {
		if acct.Pending < amount-Epsilon {
			return domain.Transaction{}, errPendingUnderflow
		}
		acct.Pending -= amount
		acct.Balance = math.Max(acct.Balance-amount, 0)
		acct.Locked = math.Max(acct.Locked-amount, 0)
		tx.Status = domain.StatusCompleted
		if blockchainTxID != "" {
			tx.BlockchainTxID = blockchainTxID
		}
		tx.CompletedAt = now
	} else {
		acct.Pending = math.Max(acct.Pending-amount, 0)
		acct.Available += amount
		acct.Locked = math.Max(acct.Locked-amount, 0)
		tx.Status = domain.StatusFailed
		tx.Error = errMsg
		tx.NetAmount = 0
	}
	tx.ResolvedAt = now

	if _, err := s.store.UpdateGasAccount(ctx, acct); err != nil {
		return domain.Transaction{}, err
	}
	updated, err := s.store.UpdateGasTransaction(ctx, tx)
	if err != nil {
		s.rollbackAccount(ctx, snapshot, "complete withdrawal")
		return domain.Transaction{}, fmt.Errorf("record settlement: %w", err)
	}
	s.log.WithFields(map[string]any{"transaction_id": tx.ID, "status": tx.Status}).Info("withdrawal settled")
	return updated, nil
}

// SubmitApproval records one approver's decision. A rejection cancels the
// withdrawal; once approvals reach the policy threshold the withdrawal
// moves from awaiting_approval to pending.
func (s *Service) SubmitApproval(ctx context.Context, accountID, transactionID, approver, decision, signature, note string) (domain.Transaction, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return domain.Transaction{}, errApproverRequired
	}
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.Transaction{}, ErrInvalidDecision
	}
	tx, err := s.GetWithdrawal(ctx, accountID, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if domain.IsTerminalStatus(tx.Status) {
		return domain.Transaction{}, ErrAlreadySettled
	}

	_, err = s.store.UpsertWithdrawalApproval(ctx, domain.WithdrawalApproval{
		TransactionID: tx.ID,
		Approver:      approver,
		Status:        decision,
		Signature:     signature,
		Note:          note,
		DecidedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	if decision == domain.ApprovalRejected {
		return s.cancelWithdrawal(ctx, tx, fmt.Sprintf("rejected by %s", approver))
	}

	approvals, err := s.store.ListWithdrawalApprovals(ctx, tx.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	required := s.requiredApprovals(ctx, tx)
	if tx.Status == domain.StatusAwaitingApproval && countApprovals(approvals, domain.ApprovalApproved) >= required {
		tx.Status = domain.StatusPending
		if _, err := s.store.UpdateGasTransaction(ctx, tx); err != nil {
			return domain.Transaction{}, err
		}
		s.log.WithField("transaction_id", tx.ID).Info("withdrawal fully approved")
	}
	return s.store.GetGasTransaction(ctx, tx.ID)
}

// requiredApprovals is the effective approval threshold: the policy fixed
// on the transaction at creation, or the account's current
// RequiredApprovals when the transaction carries none.
func (s *Service) requiredApprovals(ctx context.Context, tx domain.Transaction) int {
	if tx.ApprovalPolicy.Required > 0 {
		return tx.ApprovalPolicy.Required
	}
	acct, err := s.store.GetGasAccount(ctx, tx.AccountID)
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", tx.ID).
			Warn("could not load account approval policy")
		return 0
	}
	return acct.RequiredApprovals
}

func countApprovals(approvals []domain.WithdrawalApproval, status string) int {
	n := 0
	for _, approval := range approvals {
		if approval.Status == status {
			n++
		}
	}
	return n
}

// ListApprovals returns the decisions recorded for an owned withdrawal.
func (s *Service) ListApprovals(ctx context.Context, accountID, transactionID string) ([]domain.WithdrawalApproval, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errAccountRequired
	}
	if strings.TrimSpace(transactionID) == "" {
		return nil, errTransactionRequired
	}
	if _, err := s.GetWithdrawal(ctx, accountID, transactionID); err != nil {
		return nil, err
	}
	return s.store.ListWithdrawalApprovals(ctx, transactionID)
}

// ListSettlementAttempts returns the settlement audit trail for an owned
// withdrawal, newest first.
func (s *Service) ListSettlementAttempts(ctx context.Context, accountID, transactionID string, limit int) ([]domain.SettlementAttempt, error) {
	if _, err := s.GetWithdrawal(ctx, accountID, transactionID); err != nil {
		return nil, err
	}
	return s.store.ListSettlementAttempts(ctx, transactionID, clampLimit(limit))
}

// ActivateDueSchedules promotes scheduled withdrawals whose time has come.
// Stale schedule rows (withdrawal no longer scheduled) are dropped. Returns
// the number of withdrawals activated.
func (s *Service) ActivateDueSchedules(ctx context.Context, limit int) (int, error) {
	schedules, err := s.store.ListDueWithdrawalSchedules(ctx, time.Now().UTC(), clampLimit(limit))
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, schedule := range schedules {
		tx, err := s.store.GetGasTransaction(ctx, schedule.TransactionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				if delErr := s.store.DeleteWithdrawalSchedule(ctx, schedule.TransactionID); delErr != nil {
					s.log.WithError(delErr).WithField("transaction_id", schedule.TransactionID).
						Warn("could not drop orphaned schedule")
				}
				continue
			}
			return activated, err
		}
		if tx.Status != domain.StatusScheduled {
			if delErr := s.store.DeleteWithdrawalSchedule(ctx, schedule.TransactionID); delErr != nil {
				s.log.WithError(delErr).WithField("transaction_id", schedule.TransactionID).
					Warn("could not drop stale schedule")
			}
			continue
		}

		required := s.requiredApprovals(ctx, tx)
		if required > 0 && countApprovals(tx.Approvals, domain.ApprovalApproved) < required {
			tx.Status = domain.StatusAwaitingApproval
		} else {
			tx.Status = domain.StatusPending
		}
		tx.ScheduleAt = time.Time{}
		tx.CronExpression = ""
		if _, err := s.store.UpdateGasTransaction(ctx, tx); err != nil {
			return activated, err
		}
		if err := s.store.DeleteWithdrawalSchedule(ctx, schedule.TransactionID); err != nil {
			s.log.WithError(err).WithField("transaction_id", schedule.TransactionID).
				Warn("could not remove activated schedule")
		}
		activated++
		s.log.WithFields(map[string]any{"transaction_id": tx.ID, "status": tx.Status}).
			Info("scheduled withdrawal activated")
	}
	return activated, nil
}

// RecordSettlementAttempt appends one resolver attempt to the audit trail
// and mirrors the outcome on the transaction.
func (s *Service) RecordSettlementAttempt(ctx context.Context, attempt domain.SettlementAttempt) (domain.SettlementAttempt, error) {
	if strings.TrimSpace(attempt.TransactionID) == "" {
		return domain.SettlementAttempt{}, errTransactionRequired
	}
	recorded, err := s.store.RecordSettlementAttempt(ctx, attempt)
	if err != nil {
		return domain.SettlementAttempt{}, err
	}
	tx, err := s.store.GetGasTransaction(ctx, attempt.TransactionID)
	if err != nil {
		return recorded, err
	}
	tx.ResolverAttempt = recorded.Attempt
	tx.ResolverError = recorded.Error
	tx.LastAttemptAt = recorded.StartedAt
	if _, err := s.store.UpdateGasTransaction(ctx, tx); err != nil {
		return recorded, err
	}
	return recorded, nil
}

// SetNextAttempt stores the earliest time the settlement poller should try
// a withdrawal again. A zero time clears the backoff.
func (s *Service) SetNextAttempt(ctx context.Context, transactionID string, at time.Time) error {
	tx, err := s.store.GetGasTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	tx.NextAttemptAt = at
	_, err = s.store.UpdateGasTransaction(ctx, tx)
	return err
}

// ListPendingWithdrawals returns withdrawals eligible for settlement.
func (s *Service) ListPendingWithdrawals(ctx context.Context) ([]domain.Transaction, error) {
	return s.store.ListPendingWithdrawals(ctx)
}

// MarkDeadLetter parks a withdrawal whose settlement keeps failing. The
// reservation is kept; operators decide whether to retry or write it off.
func (s *Service) MarkDeadLetter(ctx context.Context, transactionID, reason string) (domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return domain.Transaction{}, errTransactionRequired
	}
	tx, err := s.store.GetGasTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Type != domain.TransactionWithdrawal {
		return domain.Transaction{}, ErrNotWithdrawal
	}
	if tx.Status != domain.StatusDeadLetter {
		if !domain.CanTransition(tx.Status, domain.StatusDeadLetter) {
			return domain.Transaction{}, ErrAlreadySettled
		}
		tx.Status = domain.StatusDeadLetter
	}
	tx.DeadLetterReason = reason
	updated, err := s.store.UpdateGasTransaction(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}

	_, err = s.store.UpsertDeadLetter(ctx, domain.DeadLetter{
		TransactionID: tx.ID,
		AccountID:     tx.UserAccountID,
		Reason:        reason,
		LastError:     tx.ResolverError,
		LastAttemptAt: tx.LastAttemptAt,
		Retries:       tx.ResolverAttempt,
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	s.log.WithFields(map[string]any{"transaction_id": tx.ID, "reason": reason}).
		Warn("withdrawal dead-lettered")
	return updated, nil
}

// ListDeadLetters returns dead-lettered withdrawals, optionally filtered
// by owner, newest first.
func (s *Service) ListDeadLetters(ctx context.Context, accountID string, limit int) ([]domain.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, accountID, clampLimit(limit))
}

// RetryDeadLetter requeues a dead-lettered withdrawal for settlement. The
// approval requirement is re-evaluated; resolver bookkeeping is reset.
func (s *Service) RetryDeadLetter(ctx context.Context, accountID, transactionID string) (domain.Transaction, error) {
	entry, err := s.ownedDeadLetter(ctx, accountID, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := s.store.GetGasTransaction(ctx, entry.TransactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Status != domain.StatusDeadLetter {
		return domain.Transaction{}, fmt.Errorf("withdrawal %s is not dead-lettered", transactionID)
	}

	required := s.requiredApprovals(ctx, tx)
	if required > 0 && countApprovals(tx.Approvals, domain.ApprovalApproved) < required {
		tx.Status = domain.StatusAwaitingApproval
	} else {
		tx.Status = domain.StatusPending
	}
	tx.ResolverAttempt = 0
	tx.ResolverError = ""
	tx.LastAttemptAt = time.Time{}
	tx.NextAttemptAt = time.Time{}
	tx.DeadLetterReason = ""
	updated, err := s.store.UpdateGasTransaction(ctx, tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := s.store.RemoveDeadLetter(ctx, transactionID); err != nil {
		return domain.Transaction{}, err
	}
	s.log.WithFields(map[string]any{"transaction_id": tx.ID, "status": tx.Status}).
		Info("dead-lettered withdrawal requeued")
	return updated, nil
}

// DeleteDeadLetter writes off a dead-lettered withdrawal: the reservation
// is refunded and the queue entry removed.
func (s *Service) DeleteDeadLetter(ctx context.Context, accountID, transactionID string) error {
	entry, err := s.ownedDeadLetter(ctx, accountID, transactionID)
	if err != nil {
		return err
	}
	tx, err := s.store.GetGasTransaction(ctx, entry.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status != domain.StatusCancelled && tx.Status != domain.StatusCompleted {
		if _, err := s.cancelWithdrawal(ctx, tx, "dead letter written off"); err != nil {
			return err
		}
	}
	return s.store.RemoveDeadLetter(ctx, transactionID)
}

func (s *Service) ownedDeadLetter(ctx context.Context, accountID, transactionID string) (domain.DeadLetter, error) {
	if strings.TrimSpace(accountID) == "" {
		return domain.DeadLetter{}, errAccountRequired
	}
	if strings.TrimSpace(transactionID) == "" {
		return domain.DeadLetter{}, errTransactionRequired
	}
	entry, err := s.store.GetDeadLetter(ctx, transactionID)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	if entry.AccountID != accountID {
		return domain.DeadLetter{}, ErrNotOwned
	}
	return entry, nil
}
