/*
handlers.go - HTTP API handlers for the account ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic. No balance math
  happens here.

ENDPOINTS:
  Users:
    POST   /api/users                       Register account owner
    GET    /api/users/{id}/accounts         List owner's accounts

  Accounts:
    POST   /api/accounts                    Open account
    GET    /api/accounts/{id}               Get account details
    POST   /api/accounts/{id}/close         Close account (zero balance)

  Operations:
    POST   /api/accounts/{id}/deposit       Deposit
    POST   /api/accounts/{id}/withdraw      Withdraw
    POST   /api/accounts/{id}/transfer      Transfer to another account

  History and analytics:
    GET    /api/accounts/{id}/transactions  History (newest first)
    GET    /api/accounts/{id}/summary       Aggregated window summary

ERROR HANDLING:
  Domain errors map onto HTTP status by class:
  - 400: Validation errors (bad amount, bad type, self-transfer)
  - 404: Account or user not found
  - 409: State conflicts (insufficient funds, closed account, compensated
         transfer, non-zero balance on close)
  - 500: Internal errors; a fatal inconsistency additionally tells the
         caller to contact support, never leaks internals

SECURITY NOTE:
  No authentication middleware. All endpoints are public; put this behind
  a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/bank-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *ledger.Service
	Analytics *ledger.Analytics
}

// NewHandler creates a new handler around the ledger service.
func NewHandler(svc *ledger.Service, analytics *ledger.Analytics) *Handler {
	return &Handler{Service: svc, Analytics: analytics}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a new account owner.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	u, err := h.Service.RegisterUser(r.Context(), req.Name, req.Email)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// ListUserAccounts returns all accounts owned by a user.
func (h *Handler) ListUserAccounts(w http.ResponseWriter, r *http.Request) {
	owner := ledger.UserID(chi.URLParam(r, "id"))

	accounts, err := h.Service.GetUserAccounts(r.Context(), owner)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// OpenAccount opens an account for an existing owner.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	initial := decimal.Zero
	if req.InitialDeposit != "" {
		var err error
		initial, err = decimal.NewFromString(req.InitialDeposit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid initial_deposit", err)
			return
		}
	}

	acct, err := h.Service.OpenAccount(r.Context(),
		ledger.UserID(req.OwnerID), ledger.AccountType(req.AccountType), initial)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns the current account record.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	acct, err := h.Service.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// CloseAccount transitions an account to closed. The balance must be zero.
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	if err := h.Service.CloseAccount(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

// Deposit credits the account.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.Service.Deposit)
}

// Withdraw debits the account, guarded by sufficient funds.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.applyAmount(w, r, h.Service.Withdraw)
}

func (h *Handler) applyAmount(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id ledger.AccountID, amount decimal.Decimal, description string) (*ledger.OperationResult, error)) {

	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := op(r.Context(), id, amount, req.Description)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, OperationResponse{
		Account:     toAccountDTO(res.Account),
		Transaction: toTransactionDTO(res.Transaction),
	})
}

// Transfer moves funds from the account to the destination account number.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DestinationNumber == "" {
		writeError(w, http.StatusBadRequest, "destination_number is required", nil)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	res, err := h.Service.Transfer(r.Context(), id, req.DestinationNumber, amount, req.Description)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{
		Source:      toAccountDTO(res.Source),
		Destination: toAccountDTO(res.Destination),
		Out:         toTransactionDTO(res.Out),
		In:          toTransactionDTO(res.In),
	})
}

// =============================================================================
// HISTORY AND ANALYTICS HANDLERS
// =============================================================================

// GetTransactions returns history, newest first. Accepts ?limit=N or a
// ?from=...&to=... RFC 3339 window.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	var (
		txs []ledger.Transaction
		err error
	)

	if q.Get("from") != "" || q.Get("to") != "" {
		from, to, perr := parseWindow(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid from/to (use RFC 3339)", perr)
			return
		}
		txs, err = h.Service.HistoryRange(r.Context(), id, from, to)
	} else {
		limit := 0
		if s := q.Get("limit"); s != "" {
			limit, err = strconv.Atoi(s)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "Invalid limit", err)
				return
			}
		}
		txs, err = h.Service.History(r.Context(), id, limit)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetSummary returns the aggregated window summary. Accepts ?days=N
// (default 30) or an explicit ?from=...&to=... window.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	// The account must exist; Summarize over an unknown ID would return an
	// empty summary instead of a 404.
	if _, err := h.Service.GetAccount(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}

	var (
		s   *ledger.Summary
		err error
	)

	if q.Get("from") != "" || q.Get("to") != "" {
		from, to, perr := parseWindow(q.Get("from"), q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid from/to (use RFC 3339)", perr)
			return
		}
		s, err = h.Analytics.Summarize(r.Context(), id, from, to)
	} else {
		days := 30
		if ds := q.Get("days"); ds != "" {
			days, err = strconv.Atoi(ds)
			if err != nil || days <= 0 {
				writeError(w, http.StatusBadRequest, "Invalid days", err)
				return
			}
		}
		s, err = h.Analytics.Recent(r.Context(), id, days, time.Now().UTC())
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// parseWindow parses the from/to query pair, defaulting an open edge to the
// epoch and now respectively.
func parseWindow(fromS, toS string) (time.Time, time.Time, error) {
	from := time.Unix(0, 0).UTC()
	to := time.Now().UTC()
	var err error
	if fromS != "" {
		if from, err = time.Parse(time.RFC3339, fromS); err != nil {
			return from, to, err
		}
	}
	if toS != "" {
		if to, err = time.Parse(time.RFC3339, toS); err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a domain error onto the HTTP status for its class.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case ledger.IsState(err):
		writeError(w, http.StatusConflict, "Operation rejected", err)
	case ledger.IsFatal(err):
		// Never leak reconciliation detail to the caller.
		writeError(w, http.StatusInternalServerError,
			"Transfer could not be completed, contact support", errors.New("internal inconsistency"))
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
