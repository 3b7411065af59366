// Package memory provides an in-memory implementation of the storage
// interfaces. It backs tests and local development runs without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/gasbank/internal/domain/account"
	"github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
)

// Store keeps everything in maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	accounts map[string]account.Account

	gasAccounts         map[string]gasbank.Account
	gasAccountsByWallet map[string]string
	transactions        map[string]gasbank.Transaction
	approvals           map[string]map[string]gasbank.WithdrawalApproval
	schedules           map[string]gasbank.WithdrawalSchedule
	attempts            map[string][]gasbank.SettlementAttempt
	deadLetters         map[string]gasbank.DeadLetter

	nextID uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:            make(map[string]account.Account),
		gasAccounts:         make(map[string]gasbank.Account),
		gasAccountsByWallet: make(map[string]string),
		transactions:        make(map[string]gasbank.Transaction),
		approvals:           make(map[string]map[string]gasbank.WithdrawalApproval),
		schedules:           make(map[string]gasbank.WithdrawalSchedule),
		attempts:            make(map[string][]gasbank.SettlementAttempt),
		deadLetters:         make(map[string]gasbank.DeadLetter),
	}
}

var (
	_ storage.AccountStore = (*Store)(nil)
	_ storage.GasBankStore = (*Store)(nil)
)

func (s *Store) nextIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked("acct")
	}
	if _, ok := s.accounts[acct.ID]; ok {
		return account.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	s.accounts[acct.ID] = cloneAccount(acct)
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrNotFound)
	}
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.ID] = cloneAccount(acct)
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return cloneAccount(acct), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, cloneAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	delete(s.accounts, id)
	return nil
}

// --- gas accounts ---

func (s *Store) CreateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked("gas")
	}
	if _, ok := s.gasAccounts[acct.ID]; ok {
		return gasbank.Account{}, fmt.Errorf("gas account %s already exists", acct.ID)
	}
	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now
	s.gasAccounts[acct.ID] = cloneGasAccount(acct)
	if wallet := gasbank.NormalizeWalletAddress(acct.WalletAddress); wallet != "" {
		s.gasAccountsByWallet[wallet] = acct.ID
	}
	return acct, nil
}

func (s *Store) UpdateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.gasAccounts[acct.ID]
	if !ok {
		return gasbank.Account{}, fmt.Errorf("gas account %s: %w", acct.ID, storage.ErrNotFound)
	}
	if old := gasbank.NormalizeWalletAddress(existing.WalletAddress); old != "" && old != gasbank.NormalizeWalletAddress(acct.WalletAddress) {
		delete(s.gasAccountsByWallet, old)
	}
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.gasAccounts[acct.ID] = cloneGasAccount(acct)
	if wallet := gasbank.NormalizeWalletAddress(acct.WalletAddress); wallet != "" {
		s.gasAccountsByWallet[wallet] = acct.ID
	}
	return acct, nil
}

func (s *Store) GetGasAccount(ctx context.Context, id string) (gasbank.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.gasAccounts[id]
	if !ok {
		return gasbank.Account{}, fmt.Errorf("gas account %s: %w", id, storage.ErrNotFound)
	}
	return cloneGasAccount(acct), nil
}

func (s *Store) GetGasAccountByWallet(ctx context.Context, wallet string) (gasbank.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.gasAccountsByWallet[gasbank.NormalizeWalletAddress(wallet)]
	if !ok {
		return gasbank.Account{}, fmt.Errorf("gas account wallet %s: %w", wallet, storage.ErrNotFound)
	}
	return cloneGasAccount(s.gasAccounts[id]), nil
}

func (s *Store) ListGasAccounts(ctx context.Context, accountID string) ([]gasbank.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gasbank.Account, 0, len(s.gasAccounts))
	for _, acct := range s.gasAccounts {
		if accountID != "" && acct.AccountID != accountID {
			continue
		}
		out = append(out, cloneGasAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- gas transactions ---

func (s *Store) CreateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = s.nextIDLocked("tx")
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return gasbank.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.transactions[tx.ID] = cloneTransaction(tx)
	return tx, nil
}

func (s *Store) UpdateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactions[tx.ID]
	if !ok {
		return gasbank.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, storage.ErrNotFound)
	}
	tx.CreatedAt = existing.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = cloneTransaction(tx)
	return tx, nil
}

func (s *Store) GetGasTransaction(ctx context.Context, id string) (gasbank.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return gasbank.Transaction{}, fmt.Errorf("transaction %s: %w", id, storage.ErrNotFound)
	}
	out := cloneTransaction(tx)
	out.Approvals = s.approvalsForLocked(id)
	return out, nil
}

func (s *Store) ListGasTransactions(ctx context.Context, gasAccountID string, limit int) ([]gasbank.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gasbank.Transaction, 0)
	for _, tx := range s.transactions {
		if gasAccountID != "" && tx.AccountID != gasAccountID {
			continue
		}
		clone := cloneTransaction(tx)
		clone.Approvals = s.approvalsForLocked(tx.ID)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPendingWithdrawals(ctx context.Context) ([]gasbank.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gasbank.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.Type != gasbank.TransactionWithdrawal || tx.Status != gasbank.StatusPending {
			continue
		}
		clone := cloneTransaction(tx)
		clone.Approvals = s.approvalsForLocked(tx.ID)
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- withdrawal approvals ---

func (s *Store) UpsertWithdrawalApproval(ctx context.Context, approval gasbank.WithdrawalApproval) (gasbank.WithdrawalApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval.Approver = strings.TrimSpace(approval.Approver)
	byApprover, ok := s.approvals[approval.TransactionID]
	if !ok {
		byApprover = make(map[string]gasbank.WithdrawalApproval)
		s.approvals[approval.TransactionID] = byApprover
	}
	now := time.Now().UTC()
	if existing, ok := byApprover[approval.Approver]; ok {
		approval.CreatedAt = existing.CreatedAt
	} else if approval.CreatedAt.IsZero() {
		approval.CreatedAt = now
	}
	approval.UpdatedAt = now
	byApprover[approval.Approver] = approval
	return approval, nil
}

func (s *Store) ListWithdrawalApprovals(ctx context.Context, transactionID string) ([]gasbank.WithdrawalApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvalsForLocked(transactionID), nil
}

func (s *Store) approvalsForLocked(transactionID string) []gasbank.WithdrawalApproval {
	byApprover, ok := s.approvals[transactionID]
	if !ok || len(byApprover) == 0 {
		return nil
	}
	out := make([]gasbank.WithdrawalApproval, 0, len(byApprover))
	for _, approval := range byApprover {
		out = append(out, approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Approver < out[j].Approver })
	return out
}

// --- withdrawal schedules ---

func (s *Store) SaveWithdrawalSchedule(ctx context.Context, schedule gasbank.WithdrawalSchedule) (gasbank.WithdrawalSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.schedules[schedule.TransactionID]; ok {
		schedule.CreatedAt = existing.CreatedAt
	} else if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	s.schedules[schedule.TransactionID] = schedule
	return schedule, nil
}

func (s *Store) GetWithdrawalSchedule(ctx context.Context, transactionID string) (gasbank.WithdrawalSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[transactionID]
	if !ok {
		return gasbank.WithdrawalSchedule{}, fmt.Errorf("withdrawal schedule %s: %w", transactionID, storage.ErrNotFound)
	}
	return schedule, nil
}

func (s *Store) DeleteWithdrawalSchedule(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, transactionID)
	return nil
}

func (s *Store) ListDueWithdrawalSchedules(ctx context.Context, before time.Time, limit int) ([]gasbank.WithdrawalSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gasbank.WithdrawalSchedule, 0)
	for _, schedule := range s.schedules {
		if schedule.NextRunAt.After(before) {
			continue
		}
		out = append(out, schedule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- settlement attempts ---

func (s *Store) RecordSettlementAttempt(ctx context.Context, attempt gasbank.SettlementAttempt) (gasbank.SettlementAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attempt.Attempt == 0 {
		attempt.Attempt = len(s.attempts[attempt.TransactionID]) + 1
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}
	s.attempts[attempt.TransactionID] = append(s.attempts[attempt.TransactionID], attempt)
	return attempt, nil
}

func (s *Store) ListSettlementAttempts(ctx context.Context, transactionID string, limit int) ([]gasbank.SettlementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempts := s.attempts[transactionID]
	out := make([]gasbank.SettlementAttempt, len(attempts))
	copy(out, attempts)
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt > out[j].Attempt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- dead letters ---

func (s *Store) UpsertDeadLetter(ctx context.Context, entry gasbank.DeadLetter) (gasbank.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.deadLetters[entry.TransactionID]; ok {
		entry.CreatedAt = existing.CreatedAt
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	s.deadLetters[entry.TransactionID] = entry
	return entry, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, transactionID string) (gasbank.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.deadLetters[transactionID]
	if !ok {
		return gasbank.DeadLetter{}, fmt.Errorf("dead letter %s: %w", transactionID, storage.ErrNotFound)
	}
	return entry, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, accountID string, limit int) ([]gasbank.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gasbank.DeadLetter, 0)
	for _, entry := range s.deadLetters {
		if accountID != "" && entry.AccountID != accountID {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RemoveDeadLetter(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, transactionID)
	return nil
}

// --- clone helpers ---

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFlags(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAccount(acct account.Account) account.Account {
	acct.Metadata = cloneMap(acct.Metadata)
	return acct
}

func cloneGasAccount(acct gasbank.Account) gasbank.Account {
	acct.Flags = cloneFlags(acct.Flags)
	acct.Metadata = cloneMap(acct.Metadata)
	return acct
}

func cloneTransaction(tx gasbank.Transaction) gasbank.Transaction {
	tx.Metadata = cloneMap(tx.Metadata)
	if tx.Approvals != nil {
		approvals := make([]gasbank.WithdrawalApproval, len(tx.Approvals))
		copy(approvals, tx.Approvals)
		tx.Approvals = approvals
	}
	return tx
}
