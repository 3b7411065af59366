// Package postgres implements the storage interfaces on PostgreSQL via
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/gasbank/internal/domain/account"
	"github.com/R3E-Network/gasbank/internal/domain/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
)

// Store implements storage.AccountStore and storage.GasBankStore on a
// *sql.DB. Run migrations.Apply before first use.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var (
	_ storage.AccountStore = (*Store)(nil)
	_ storage.GasBankStore = (*Store)(nil)
)

// RowScanner covers *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func marshalMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func marshalFlags(m map[string]bool) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalFlags(raw []byte) (map[string]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]bool)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	meta, err := marshalMap(acct.Metadata)
	if err != nil {
		return account.Account{}, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_accounts (id, owner, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.Owner, meta, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	meta, err := marshalMap(acct.Metadata)
	if err != nil {
		return account.Account{}, fmt.Errorf("marshal metadata: %w", err)
	}
	acct.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_accounts SET owner = $2, metadata = $3, updated_at = $4
		WHERE id = $1`,
		acct.ID, acct.Owner, meta, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, fmt.Errorf("account %s: %w", acct.ID, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, metadata, created_at, updated_at
		FROM app_accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return acct, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, metadata, created_at, updated_at
		FROM app_accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func scanAccount(row RowScanner) (account.Account, error) {
	var (
		acct account.Account
		meta []byte
	)
	if err := row.Scan(&acct.ID, &acct.Owner, &meta, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return account.Account{}, err
	}
	m, err := unmarshalMap(meta)
	if err != nil {
		return account.Account{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	acct.Metadata = m
	return acct, nil
}

// --- gas accounts ---

const gasAccountColumns = `id, account_id, wallet_address, balance, available, pending, locked,
	min_balance, daily_limit, daily_withdrawal, notification_threshold, required_approvals,
	flags, metadata, last_withdrawal, created_at, updated_at`

func (s *Store) CreateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	flags, err := marshalFlags(acct.Flags)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("marshal flags: %w", err)
	}
	meta, err := marshalMap(acct.Metadata)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_gas_accounts (id, account_id, wallet_address, balance, available, pending, locked,
			min_balance, daily_limit, daily_withdrawal, notification_threshold, required_approvals,
			flags, metadata, last_withdrawal, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		acct.ID, acct.AccountID, toNullString(gasbank.NormalizeWalletAddress(acct.WalletAddress)),
		acct.Balance, acct.Available, acct.Pending, acct.Locked,
		acct.MinBalance, acct.DailyLimit, acct.DailyWithdrawal, acct.NotificationThreshold, acct.RequiredApprovals,
		flags, meta, toNullTime(acct.LastWithdrawal), acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("insert gas account: %w", err)
	}
	return acct, nil
}

func (s *Store) UpdateGasAccount(ctx context.Context, acct gasbank.Account) (gasbank.Account, error) {
	flags, err := marshalFlags(acct.Flags)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("marshal flags: %w", err)
	}
	meta, err := marshalMap(acct.Metadata)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("marshal metadata: %w", err)
	}
	acct.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_gas_accounts SET account_id = $2, wallet_address = $3, balance = $4, available = $5,
			pending = $6, locked = $7, min_balance = $8, daily_limit = $9, daily_withdrawal = $10,
			notification_threshold = $11, required_approvals = $12, flags = $13, metadata = $14,
			last_withdrawal = $15, updated_at = $16
		WHERE id = $1`,
		acct.ID, acct.AccountID, toNullString(gasbank.NormalizeWalletAddress(acct.WalletAddress)),
		acct.Balance, acct.Available, acct.Pending, acct.Locked,
		acct.MinBalance, acct.DailyLimit, acct.DailyWithdrawal, acct.NotificationThreshold, acct.RequiredApprovals,
		flags, meta, toNullTime(acct.LastWithdrawal), acct.UpdatedAt)
	if err != nil {
		return gasbank.Account{}, fmt.Errorf("update gas account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gasbank.Account{}, fmt.Errorf("gas account %s: %w", acct.ID, storage.ErrNotFound)
	}
	return acct, nil
}

func (s *Store) GetGasAccount(ctx context.Context, id string) (gasbank.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gasAccountColumns+` FROM app_gas_accounts WHERE id = $1`, id)
	acct, err := scanGasAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gasbank.Account{}, fmt.Errorf("gas account %s: %w", id, storage.ErrNotFound)
	}
	return acct, err
}

func (s *Store) GetGasAccountByWallet(ctx context.Context, wallet string) (gasbank.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gasAccountColumns+` FROM app_gas_accounts WHERE wallet_address = $1`,
		gasbank.NormalizeWalletAddress(wallet))
	acct, err := scanGasAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gasbank.Account{}, fmt.Errorf("gas account wallet %s: %w", wallet, storage.ErrNotFound)
	}
	return acct, err
}

func (s *Store) ListGasAccounts(ctx context.Context, accountID string) ([]gasbank.Account, error) {
	query := `SELECT ` + gasAccountColumns + ` FROM app_gas_accounts`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gas accounts: %w", err)
	}
	defer rows.Close()

	var out []gasbank.Account
	for rows.Next() {
		acct, err := scanGasAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func scanGasAccount(row RowScanner) (gasbank.Account, error) {
	var (
		acct           gasbank.Account
		wallet         sql.NullString
		flags, meta    []byte
		lastWithdrawal sql.NullTime
	)
	err := row.Scan(&acct.ID, &acct.AccountID, &wallet, &acct.Balance, &acct.Available, &acct.Pending,
		&acct.Locked, &acct.MinBalance, &acct.DailyLimit, &acct.DailyWithdrawal,
		&acct.NotificationThreshold, &acct.RequiredApprovals, &flags, &meta, &lastWithdrawal,
		&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return gasbank.Account{}, err
	}
	acct.WalletAddress = wallet.String
	acct.LastWithdrawal = lastWithdrawal.Time
	if acct.Flags, err = unmarshalFlags(flags); err != nil {
		return gasbank.Account{}, fmt.Errorf("unmarshal flags: %w", err)
	}
	if acct.Metadata, err = unmarshalMap(meta); err != nil {
		return gasbank.Account{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return acct, nil
}

// --- gas transactions ---

const gasTransactionColumns = `id, account_id, user_account_id, tx_type, amount, net_amount, status,
	blockchain_tx_id, from_address, to_address, notes, error, schedule_at, cron_expression,
	required_approvals, resolver_attempt, resolver_error, last_attempt_at, next_attempt_at,
	dead_letter_reason, metadata, dispatched_at, resolved_at, completed_at, created_at, updated_at`

func (s *Store) CreateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	meta, err := marshalMap(tx.Metadata)
	if err != nil {
		return gasbank.Transaction{}, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_gas_transactions (id, account_id, user_account_id, tx_type, amount, net_amount,
			status, blockchain_tx_id, from_address, to_address, notes, error, schedule_at, cron_expression,
			required_approvals, resolver_attempt, resolver_error, last_attempt_at, next_attempt_at,
			dead_letter_reason, metadata, dispatched_at, resolved_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26)`,
		tx.ID, tx.AccountID, toNullString(tx.UserAccountID), tx.Type, tx.Amount, tx.NetAmount,
		tx.Status, toNullString(tx.BlockchainTxID), toNullString(tx.FromAddress), toNullString(tx.ToAddress),
		toNullString(tx.Notes), toNullString(tx.Error), toNullTime(tx.ScheduleAt), toNullString(tx.CronExpression),
		tx.ApprovalPolicy.Required, tx.ResolverAttempt, toNullString(tx.ResolverError),
		toNullTime(tx.LastAttemptAt), toNullTime(tx.NextAttemptAt), toNullString(tx.DeadLetterReason),
		meta, toNullTime(tx.DispatchedAt), toNullTime(tx.ResolvedAt), toNullTime(tx.CompletedAt),
		tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return gasbank.Transaction{}, fmt.Errorf("insert gas transaction: %w", err)
	}
	return tx, nil
}

func (s *Store) UpdateGasTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error) {
	meta, err := marshalMap(tx.Metadata)
	if err != nil {
		return gasbank.Transaction{}, fmt.Errorf("marshal metadata: %w", err)
	}
	tx.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_gas_transactions SET account_id = $2, user_account_id = $3, tx_type = $4, amount = $5,
			net_amount = $6, status = $7, blockchain_tx_id = $8, from_address = $9, to_address = $10,
			notes = $11, error = $12, schedule_at = $13, cron_expression = $14, required_approvals = $15,
			resolver_attempt = $16, resolver_error = $17, last_attempt_at = $18, next_attempt_at = $19,
			dead_letter_reason = $20, metadata = $21, dispatched_at = $22, resolved_at = $23,
			completed_at = $24, updated_at = $25
		WHERE id = $1`,
		tx.ID, tx.AccountID, toNullString(tx.UserAccountID), tx.Type, tx.Amount, tx.NetAmount,
		tx.Status, toNullString(tx.BlockchainTxID), toNullString(tx.FromAddress), toNullString(tx.ToAddress),
		toNullString(tx.Notes), toNullString(tx.Error), toNullTime(tx.ScheduleAt), toNullString(tx.CronExpression),
		tx.ApprovalPolicy.Required, tx.ResolverAttempt, toNullString(tx.ResolverError),
		toNullTime(tx.LastAttemptAt), toNullTime(tx.NextAttemptAt), toNullString(tx.DeadLetterReason),
		meta, toNullTime(tx.DispatchedAt), toNullTime(tx.ResolvedAt), toNullTime(tx.CompletedAt), tx.UpdatedAt)
	if err != nil {
		return gasbank.Transaction{}, fmt.Errorf("update gas transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gasbank.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, storage.ErrNotFound)
	}
	return tx, nil
}

func (s *Store) GetGasTransaction(ctx context.Context, id string) (gasbank.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gasTransactionColumns+` FROM app_gas_transactions WHERE id = $1`, id)
	tx, err := scanGasTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gasbank.Transaction{}, fmt.Errorf("transaction %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return gasbank.Transaction{}, err
	}
	return s.hydrateTransaction(ctx, tx)
}

func (s *Store) ListGasTransactions(ctx context.Context, gasAccountID string, limit int) ([]gasbank.Transaction, error) {
	query := `SELECT ` + gasTransactionColumns + ` FROM app_gas_transactions`
	args := []any{}
	if gasAccountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, gasAccountID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gas transactions: %w", err)
	}
	defer rows.Close()

	var out []gasbank.Transaction
	for rows.Next() {
		tx, err := scanGasTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i], err = s.hydrateTransaction(ctx, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) ListPendingWithdrawals(ctx context.Context) ([]gasbank.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gasTransactionColumns+` FROM app_gas_transactions
		WHERE tx_type = $1 AND status = $2 ORDER BY created_at`,
		gasbank.TransactionWithdrawal, gasbank.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []gasbank.Transaction
	for rows.Next() {
		tx, err := scanGasTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i], err = s.hydrateTransaction(ctx, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) hydrateTransaction(ctx context.Context, tx gasbank.Transaction) (gasbank.Transaction, error) {
	if tx.Type != gasbank.TransactionWithdrawal {
		return tx, nil
	}
	approvals, err := s.ListWithdrawalApprovals(ctx, tx.ID)
	if err != nil {
		return gasbank.Transaction{}, err
	}
	tx.Approvals = approvals
	return tx, nil
}

func scanGasTransaction(row RowScanner) (gasbank.Transaction, error) {
	var (
		tx                                        gasbank.Transaction
		userAccountID, blockchainTxID             sql.NullString
		fromAddress, toAddress, notes, txErr      sql.NullString
		cronExpression, resolverError, deadReason sql.NullString
		scheduleAt, lastAttemptAt, nextAttemptAt  sql.NullTime
		dispatchedAt, resolvedAt, completedAt     sql.NullTime
		meta                                      []byte
	)
	err := row.Scan(&tx.ID, &tx.AccountID, &userAccountID, &tx.Type, &tx.Amount, &tx.NetAmount,
		&tx.Status, &blockchainTxID, &fromAddress, &toAddress, &notes, &txErr, &scheduleAt,
		&cronExpression, &tx.ApprovalPolicy.Required, &tx.ResolverAttempt, &resolverError,
		&lastAttemptAt, &nextAttemptAt, &deadReason, &meta, &dispatchedAt, &resolvedAt, &completedAt,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return gasbank.Transaction{}, err
	}
	tx.UserAccountID = userAccountID.String
	tx.BlockchainTxID = blockchainTxID.String
	tx.FromAddress = fromAddress.String
	tx.ToAddress = toAddress.String
	tx.Notes = notes.String
	tx.Error = txErr.String
	tx.ScheduleAt = scheduleAt.Time
	tx.CronExpression = cronExpression.String
	tx.ResolverError = resolverError.String
	tx.LastAttemptAt = lastAttemptAt.Time
	tx.NextAttemptAt = nextAttemptAt.Time
	tx.DeadLetterReason = deadReason.String
	tx.DispatchedAt = dispatchedAt.Time
	tx.ResolvedAt = resolvedAt.Time
	tx.CompletedAt = completedAt.Time
	if tx.Metadata, err = unmarshalMap(meta); err != nil {
		return gasbank.Transaction{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return tx, nil
}

// --- withdrawal approvals ---

func (s *Store) UpsertWithdrawalApproval(ctx context.Context, approval gasbank.WithdrawalApproval) (gasbank.WithdrawalApproval, error) {
	now := time.Now().UTC()
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = now
	}
	approval.UpdatedAt = now
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO app_gas_withdrawal_approvals (transaction_id, approver, status, signature, note,
			decided_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id, approver) DO UPDATE SET
			status = EXCLUDED.status, signature = EXCLUDED.signature, note = EXCLUDED.note,
			decided_at = EXCLUDED.decided_at, updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		approval.TransactionID, approval.Approver, approval.Status, toNullString(approval.Signature),
		toNullString(approval.Note), toNullTime(approval.DecidedAt), approval.CreatedAt, approval.UpdatedAt)
	if err := row.Scan(&approval.CreatedAt); err != nil {
		return gasbank.WithdrawalApproval{}, fmt.Errorf("upsert withdrawal approval: %w", err)
	}
	return approval, nil
}

func (s *Store) ListWithdrawalApprovals(ctx context.Context, transactionID string) ([]gasbank.WithdrawalApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, approver, status, signature, note, decided_at, created_at, updated_at
		FROM app_gas_withdrawal_approvals WHERE transaction_id = $1 ORDER BY approver`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawal approvals: %w", err)
	}
	defer rows.Close()

	var out []gasbank.WithdrawalApproval
	for rows.Next() {
		var (
			approval        gasbank.WithdrawalApproval
			signature, note sql.NullString
			decidedAt       sql.NullTime
		)
		if err := rows.Scan(&approval.TransactionID, &approval.Approver, &approval.Status,
			&signature, &note, &decidedAt, &approval.CreatedAt, &approval.UpdatedAt); err != nil {
			return nil, err
		}
		approval.Signature = signature.String
		approval.Note = note.String
		approval.DecidedAt = decidedAt.Time
		out = append(out, approval)
	}
	return out, rows.Err()
}

// --- withdrawal schedules ---

func (s *Store) SaveWithdrawalSchedule(ctx context.Context, schedule gasbank.WithdrawalSchedule) (gasbank.WithdrawalSchedule, error) {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO app_gas_withdrawal_schedules (transaction_id, schedule_at, cron_expression,
			next_run_at, last_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id) DO UPDATE SET
			schedule_at = EXCLUDED.schedule_at, cron_expression = EXCLUDED.cron_expression,
			next_run_at = EXCLUDED.next_run_at, last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		schedule.TransactionID, schedule.ScheduleAt, toNullString(schedule.CronExpression),
		schedule.NextRunAt, toNullTime(schedule.LastRunAt), schedule.CreatedAt, schedule.UpdatedAt)
	if err := row.Scan(&schedule.CreatedAt); err != nil {
		return gasbank.WithdrawalSchedule{}, fmt.Errorf("save withdrawal schedule: %w", err)
	}
	return schedule, nil
}

func (s *Store) GetWithdrawalSchedule(ctx context.Context, transactionID string) (gasbank.WithdrawalSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, schedule_at, cron_expression, next_run_at, last_run_at, created_at, updated_at
		FROM app_gas_withdrawal_schedules WHERE transaction_id = $1`, transactionID)
	schedule, err := scanWithdrawalSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gasbank.WithdrawalSchedule{}, fmt.Errorf("withdrawal schedule %s: %w", transactionID, storage.ErrNotFound)
	}
	return schedule, err
}

func (s *Store) DeleteWithdrawalSchedule(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM app_gas_withdrawal_schedules WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("delete withdrawal schedule: %w", err)
	}
	return nil
}

func (s *Store) ListDueWithdrawalSchedules(ctx context.Context, before time.Time, limit int) ([]gasbank.WithdrawalSchedule, error) {
	query := `
		SELECT transaction_id, schedule_at, cron_expression, next_run_at, last_run_at, created_at, updated_at
		FROM app_gas_withdrawal_schedules WHERE next_run_at <= $1 ORDER BY next_run_at`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due withdrawal schedules: %w", err)
	}
	defer rows.Close()

	var out []gasbank.WithdrawalSchedule
	for rows.Next() {
		schedule, err := scanWithdrawalSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule)
	}
	return out, rows.Err()
}

func scanWithdrawalSchedule(row RowScanner) (gasbank.WithdrawalSchedule, error) {
	var (
		schedule  gasbank.WithdrawalSchedule
		cron      sql.NullString
		lastRunAt sql.NullTime
	)
	err := row.Scan(&schedule.TransactionID, &schedule.ScheduleAt, &cron, &schedule.NextRunAt,
		&lastRunAt, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		return gasbank.WithdrawalSchedule{}, err
	}
	schedule.CronExpression = cron.String
	schedule.LastRunAt = lastRunAt.Time
	return schedule, nil
}

// --- settlement attempts ---

func (s *Store) RecordSettlementAttempt(ctx context.Context, attempt gasbank.SettlementAttempt) (gasbank.SettlementAttempt, error) {
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO app_gas_settlement_attempts (id, transaction_id, attempt, started_at, completed_at,
			latency_ms, status, error)
		VALUES ($1, $2,
			COALESCE($3, (SELECT COALESCE(MAX(attempt), 0) + 1 FROM app_gas_settlement_attempts WHERE transaction_id = $2)),
			$4, $5, $6, $7, $8)
		RETURNING attempt`,
		uuid.NewString(), attempt.TransactionID, nullableAttempt(attempt.Attempt),
		attempt.StartedAt, toNullTime(attempt.CompletedAt), attempt.Latency.Milliseconds(),
		attempt.Status, toNullString(attempt.Error))
	if err := row.Scan(&attempt.Attempt); err != nil {
		return gasbank.SettlementAttempt{}, fmt.Errorf("record settlement attempt: %w", err)
	}
	return attempt, nil
}

func nullableAttempt(attempt int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(attempt), Valid: attempt > 0}
}

func (s *Store) ListSettlementAttempts(ctx context.Context, transactionID string, limit int) ([]gasbank.SettlementAttempt, error) {
	query := `
		SELECT transaction_id, attempt, started_at, completed_at, latency_ms, status, error
		FROM app_gas_settlement_attempts WHERE transaction_id = $1 ORDER BY attempt DESC`
	args := []any{transactionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlement attempts: %w", err)
	}
	defer rows.Close()

	var out []gasbank.SettlementAttempt
	for rows.Next() {
		var (
			attempt     gasbank.SettlementAttempt
			completedAt sql.NullTime
			latencyMS   int64
			attemptErr  sql.NullString
		)
		if err := rows.Scan(&attempt.TransactionID, &attempt.Attempt, &attempt.StartedAt,
			&completedAt, &latencyMS, &attempt.Status, &attemptErr); err != nil {
			return nil, err
		}
		attempt.CompletedAt = completedAt.Time
		attempt.Latency = time.Duration(latencyMS) * time.Millisecond
		attempt.Error = attemptErr.String
		out = append(out, attempt)
	}
	return out, rows.Err()
}

// --- dead letters ---

func (s *Store) UpsertDeadLetter(ctx context.Context, entry gasbank.DeadLetter) (gasbank.DeadLetter, error) {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO app_gas_dead_letters (transaction_id, account_id, reason, last_error,
			last_attempt_at, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE SET
			account_id = EXCLUDED.account_id, reason = EXCLUDED.reason, last_error = EXCLUDED.last_error,
			last_attempt_at = EXCLUDED.last_attempt_at, retries = EXCLUDED.retries,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		entry.TransactionID, entry.AccountID, entry.Reason, toNullString(entry.LastError),
		toNullTime(entry.LastAttemptAt), entry.Retries, entry.CreatedAt, entry.UpdatedAt)
	if err := row.Scan(&entry.CreatedAt); err != nil {
		return gasbank.DeadLetter{}, fmt.Errorf("upsert dead letter: %w", err)
	}
	return entry, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, transactionID string) (gasbank.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, account_id, reason, last_error, last_attempt_at, retries, created_at, updated_at
		FROM app_gas_dead_letters WHERE transaction_id = $1`, transactionID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gasbank.DeadLetter{}, fmt.Errorf("dead letter %s: %w", transactionID, storage.ErrNotFound)
	}
	return entry, err
}

func (s *Store) ListDeadLetters(ctx context.Context, accountID string, limit int) ([]gasbank.DeadLetter, error) {
	query := `
		SELECT transaction_id, account_id, reason, last_error, last_attempt_at, retries, created_at, updated_at
		FROM app_gas_dead_letters`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []gasbank.DeadLetter
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) RemoveDeadLetter(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM app_gas_dead_letters WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}

func scanDeadLetter(row RowScanner) (gasbank.DeadLetter, error) {
	var (
		entry         gasbank.DeadLetter
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
	)
	err := row.Scan(&entry.TransactionID, &entry.AccountID, &entry.Reason, &lastError,
		&lastAttemptAt, &entry.Retries, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return gasbank.DeadLetter{}, err
	}
	entry.LastError = lastError.String
	entry.LastAttemptAt = lastAttemptAt.Time
	return entry, nil
}
