// Package httpapi exposes the accounts and gas bank services over JSON
// HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/gasbank/internal/metrics"
	"github.com/R3E-Network/gasbank/internal/services/accounts"
	"github.com/R3E-Network/gasbank/internal/services/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
	"github.com/R3E-Network/gasbank/pkg/logger"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Handler wires the services to HTTP routes.
type Handler struct {
	accounts *accounts.Service
	bank     *gasbank.Service
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// New builds the router. metrics may be nil; a nil logger is replaced
// with a default one.
func New(accountsSvc *accounts.Service, bank *gasbank.Service, m *metrics.Metrics, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &Handler{accounts: accountsSvc, bank: bank, metrics: m, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	r.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", h.updateAccountMetadata).Methods(http.MethodPatch)
	r.HandleFunc("/accounts/{id}", h.deleteAccount).Methods(http.MethodDelete)

	r.HandleFunc("/gasbank/accounts", h.ensureGasAccount).Methods(http.MethodPost)
	r.HandleFunc("/gasbank/accounts", h.listGasAccounts).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/summary", h.summary).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/deposit", h.deposit).Methods(http.MethodPost)
	r.HandleFunc("/gasbank/withdraw", h.withdraw).Methods(http.MethodPost)
	r.HandleFunc("/gasbank/transactions", h.listTransactions).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/withdrawals/{txID}/attempts", h.listAttempts).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/withdrawals/{txID}", h.getWithdrawal).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/withdrawals/{txID}", h.patchWithdrawal).Methods(http.MethodPatch)
	r.HandleFunc("/gasbank/approvals/{txID}", h.listApprovals).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/approvals/{txID}", h.submitApproval).Methods(http.MethodPost)
	r.HandleFunc("/gasbank/deadletters", h.listDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/gasbank/deadletters/{txID}/retry", h.retryDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/gasbank/deadletters/{txID}", h.deleteDeadLetter).Methods(http.MethodDelete)
	r.HandleFunc("/gasbank/settlements/{txID}/complete", h.completeWithdrawal).Methods(http.MethodPost)

	if m != nil {
		return m.InstrumentHandler(r)
	}
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- accounts ---

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner    string            `json:"owner"`
		Metadata map[string]string `json:"metadata"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	acct, err := h.accounts.Create(r.Context(), req.Owner, req.Metadata)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) updateAccountMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]string `json:"metadata"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.accounts.UpdateMetadata(r.Context(), mux.Vars(r)["id"], req.Metadata)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- gas accounts ---

func (h *Handler) ensureGasAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID             string            `json:"account_id"`
		WalletAddress         string            `json:"wallet_address"`
		MinBalance            *float64          `json:"min_balance"`
		DailyLimit            *float64          `json:"daily_limit"`
		NotificationThreshold *float64          `json:"notification_threshold"`
		RequiredApprovals     *int              `json:"required_approvals"`
		Metadata              map[string]string `json:"metadata"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	acct, err := h.bank.EnsureAccountWithOptions(r.Context(), req.AccountID, gasbank.EnsureAccountOptions{
		WalletAddress:         req.WalletAddress,
		MinBalance:            req.MinBalance,
		DailyLimit:            req.DailyLimit,
		NotificationThreshold: req.NotificationThreshold,
		RequiredApprovals:     req.RequiredApprovals,
		Metadata:              req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) listGasAccounts(w http.ResponseWriter, r *http.Request) {
	if accountID := r.URL.Query().Get("account_id"); accountID != "" {
		acct, err := h.bank.GetAccount(r.Context(), accountID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
		return
	}
	list, err := h.bank.ListAccounts(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	sum, err := h.bank.Summary(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- ledger operations ---

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID      string  `json:"account_id"`
		Amount         float64 `json:"amount"`
		FromAddress    string  `json:"from_address"`
		ToAddress      string  `json:"to_address"`
		BlockchainTxID string  `json:"blockchain_tx_id"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	tx, err := h.bank.Deposit(r.Context(), req.AccountID, req.Amount, req.FromAddress, req.ToAddress, req.BlockchainTxID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordDeposit()
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID      string  `json:"account_id"`
		Amount         float64 `json:"amount"`
		ToAddress      string  `json:"to_address"`
		ScheduleAt     string  `json:"schedule_at"`
		CronExpression string  `json:"cron_expression"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	opts := gasbank.WithdrawOptions{
		Amount:         req.Amount,
		ToAddress:      req.ToAddress,
		CronExpression: req.CronExpression,
	}
	if req.ScheduleAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduleAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "schedule_at must be RFC 3339")
			return
		}
		opts.ScheduleAt = &at
	}
	tx, err := h.bank.WithdrawWithOptions(r.Context(), req.AccountID, opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordWithdrawal(tx.Status)
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	txs, err := h.bank.ListTransactionsFiltered(r.Context(), accountID, q.Get("type"), q.Get("status"), parseLimit(q.Get("limit")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	tx, err := h.bank.GetWithdrawal(r.Context(), accountID, mux.Vars(r)["txID"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) patchWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Action    string `json:"action"`
		Reason    string `json:"reason"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Action != "cancel" {
		writeError(w, http.StatusBadRequest, "action must be \"cancel\"")
		return
	}
	tx, err := h.bank.CancelWithdrawal(r.Context(), req.AccountID, mux.Vars(r)["txID"], req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := q.Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	attempts, err := h.bank.ListSettlementAttempts(r.Context(), accountID, mux.Vars(r)["txID"], parseLimit(q.Get("limit")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// --- approvals ---

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	approvals, err := h.bank.ListApprovals(r.Context(), accountID, mux.Vars(r)["txID"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (h *Handler) submitApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Approver  string `json:"approver"`
		Decision  string `json:"decision"`
		Signature string `json:"signature"`
		Note      string `json:"note"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.Approver == "" {
		writeError(w, http.StatusBadRequest, "account_id and approver are required")
		return
	}
	tx, err := h.bank.SubmitApproval(r.Context(), req.AccountID, mux.Vars(r)["txID"], req.Approver, req.Decision, req.Signature, req.Note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- dead letters ---

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.bank.ListDeadLetters(r.Context(), q.Get("account_id"), parseLimit(q.Get("limit")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	tx, err := h.bank.RetryDeadLetter(r.Context(), req.AccountID, mux.Vars(r)["txID"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := h.bank.DeleteDeadLetter(r.Context(), accountID, mux.Vars(r)["txID"]); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settlement callback ---

func (h *Handler) completeWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success        bool   `json:"success"`
		BlockchainTxID string `json:"blockchain_tx_id"`
		Error          string `json:"error"`
	}
	if !h.decodeJSON(w, r, &req) {
		return
	}
	tx, err := h.bank.CompleteWithdrawal(r.Context(), mux.Vars(r)["txID"], req.Success, req.BlockchainTxID, req.Error)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- helpers ---

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gasbank.ErrInvalidAmount),
		errors.Is(err, gasbank.ErrCronUnsupported),
		errors.Is(err, gasbank.ErrNotWithdrawal),
		errors.Is(err, gasbank.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gasbank.ErrNotOwned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gasbank.ErrWalletInUse),
		errors.Is(err, gasbank.ErrInsufficientFunds),
		errors.Is(err, gasbank.ErrMinBalance),
		errors.Is(err, gasbank.ErrDailyLimit),
		errors.Is(err, gasbank.ErrAlreadySettled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
