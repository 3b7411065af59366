// Package gasbank defines the custodial ledger types: gas accounts,
// deposit/withdrawal transactions, approvals, schedules and the
// dead-letter queue for withdrawals whose settlement keeps failing.
package gasbank

import (
	"strings"
	"time"
)

// Transaction types.
const (
	TransactionDeposit    = "deposit"
	TransactionWithdrawal = "withdrawal"
)

// Transaction statuses. A withdrawal moves through scheduled and/or
// awaiting_approval before becoming pending (settlement-eligible);
// completed, failed and cancelled are terminal. A dead_letter withdrawal
// is parked, not terminal: it can be requeued or written off.
const (
	StatusPending          = "pending"
	StatusScheduled        = "scheduled"
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusDispatched       = "dispatched"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusDeadLetter       = "dead_letter"
)

// Approval decision statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Account is a custodial ledger account holding pooled funds for one owner.
// Balance tracks total funds, Available the withdrawable portion, and
// Pending/Locked the portion reserved for in-flight withdrawals.
type Account struct {
	ID                    string            `json:"id"`
	AccountID             string            `json:"account_id"`
	WalletAddress         string            `json:"wallet_address,omitempty"`
	Balance               float64           `json:"balance"`
	Available             float64           `json:"available"`
	Pending               float64           `json:"pending"`
	Locked                float64           `json:"locked"`
	MinBalance            float64           `json:"min_balance"`
	DailyLimit            float64           `json:"daily_limit"`
	DailyWithdrawal       float64           `json:"daily_withdrawal"`
	NotificationThreshold float64           `json:"notification_threshold"`
	RequiredApprovals     int               `json:"required_approvals"`
	Flags                 map[string]bool   `json:"flags,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	LastWithdrawal        time.Time         `json:"last_withdrawal"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ApprovalPolicy pins the approval threshold a withdrawal was created with,
// so later changes to the account default do not retroactively apply.
type ApprovalPolicy struct {
	Required int `json:"required"`
}

// Transaction records one deposit or withdrawal against a gas account.
type Transaction struct {
	ID               string               `json:"id"`
	AccountID        string               `json:"account_id"`
	UserAccountID    string               `json:"user_account_id,omitempty"`
	Type             string               `json:"type"`
	Amount           float64              `json:"amount"`
	NetAmount        float64              `json:"net_amount"`
	Status           string               `json:"status"`
	BlockchainTxID   string               `json:"blockchain_tx_id,omitempty"`
	FromAddress      string               `json:"from_address,omitempty"`
	ToAddress        string               `json:"to_address,omitempty"`
	Notes            string               `json:"notes,omitempty"`
	Error            string               `json:"error,omitempty"`
	ScheduleAt       time.Time            `json:"schedule_at,omitempty"`
	CronExpression   string               `json:"cron_expression,omitempty"`
	ApprovalPolicy   ApprovalPolicy       `json:"approval_policy"`
	Approvals        []WithdrawalApproval `json:"approvals,omitempty"`
	ResolverAttempt  int                  `json:"resolver_attempt"`
	ResolverError    string               `json:"resolver_error,omitempty"`
	LastAttemptAt    time.Time            `json:"last_attempt_at,omitempty"`
	NextAttemptAt    time.Time            `json:"next_attempt_at,omitempty"`
	DeadLetterReason string               `json:"dead_letter_reason,omitempty"`
	Metadata         map[string]string    `json:"metadata,omitempty"`
	DispatchedAt     time.Time            `json:"dispatched_at,omitempty"`
	ResolvedAt       time.Time            `json:"resolved_at,omitempty"`
	CompletedAt      time.Time            `json:"completed_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// WithdrawalApproval is one approver's decision for a withdrawal. A later
// decision from the same approver replaces the earlier one.
type WithdrawalApproval struct {
	TransactionID string    `json:"transaction_id"`
	Approver      string    `json:"approver"`
	Status        string    `json:"status"`
	Signature     string    `json:"signature,omitempty"`
	Note          string    `json:"note,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WithdrawalSchedule defers a withdrawal until ScheduleAt. The row is
// removed once the schedule activates or the withdrawal is cancelled.
type WithdrawalSchedule struct {
	TransactionID  string    `json:"transaction_id"`
	ScheduleAt     time.Time `json:"schedule_at"`
	CronExpression string    `json:"cron_expression,omitempty"`
	NextRunAt      time.Time `json:"next_run_at"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SettlementAttempt is one audit row per settlement resolver try.
type SettlementAttempt struct {
	TransactionID string        `json:"transaction_id"`
	Attempt       int           `json:"attempt"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Latency       time.Duration `json:"latency"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
}

// DeadLetter parks a withdrawal whose settlement exhausted its retry
// budget. AccountID is the owning user account.
type DeadLetter struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     string    `json:"account_id"`
	Reason        string    `json:"reason"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	Retries       int       `json:"retries"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NormalizeWalletAddress canonicalises a wallet address for uniqueness
// checks: addresses compare case-insensitively after trimming.
func NormalizeWalletAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsTerminalStatus reports whether a transaction may no longer change.
// A dead-lettered withdrawal is deliberately excluded: it can be requeued.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActiveWithdrawalStatus reports whether a withdrawal still holds a
// reservation against the account and counts toward pending totals.
func IsActiveWithdrawalStatus(status string) bool {
	switch status {
	case StatusPending, StatusAwaitingApproval, StatusScheduled, StatusApproved:
		return true
	default:
		return false
	}
}

// statusTransitions enumerates the legal withdrawal status moves. Missing
// entries are illegal; terminal statuses have no outbound edges except the
// dead-letter requeue path.
var statusTransitions = map[string][]string{
	StatusScheduled:        {StatusPending, StatusAwaitingApproval, StatusCancelled},
	StatusAwaitingApproval: {StatusPending, StatusCancelled, StatusDeadLetter},
	StatusPending:          {StatusApproved, StatusDispatched, StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter},
	StatusApproved:         {StatusDispatched, StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter},
	StatusDispatched:       {StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLetter},
	StatusDeadLetter:       {StatusPending, StatusAwaitingApproval, StatusCancelled},
}

// CanTransition reports whether a withdrawal may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
