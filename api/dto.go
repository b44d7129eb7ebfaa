/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("125.50") in both directions. Floats
  never touch a balance; parsing happens once at the boundary with
  decimal.NewFromString.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Route wiring
*/
package api

import (
	"time"

	"github.com/warp/bank-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateUserRequest registers an account owner.
type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// OpenAccountRequest opens an account for an existing owner.
type OpenAccountRequest struct {
	OwnerID        string `json:"owner_id"`
	AccountType    string `json:"account_type"`
	InitialDeposit string `json:"initial_deposit,omitempty"`
}

// AmountRequest is the body for deposits and withdrawals.
type AmountRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// TransferRequest moves funds to the account addressed by number.
type TransferRequest struct {
	DestinationNumber string `json:"destination_number"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// UserDTO represents an account owner in API responses.
type UserDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	AccountNumber string `json:"account_number"`
	AccountType   string `json:"account_type"`
	Balance       string `json:"balance"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// TransactionDTO represents one history record.
type TransactionDTO struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	Description      string `json:"description,omitempty"`
	RelatedAccountID string `json:"related_account_id,omitempty"`
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
}

// OperationResponse is returned by deposit and withdraw.
type OperationResponse struct {
	Account     AccountDTO     `json:"account"`
	Transaction TransactionDTO `json:"transaction"`
}

// TransferResponse is returned by a fully successful transfer.
type TransferResponse struct {
	Source      AccountDTO     `json:"source"`
	Destination AccountDTO     `json:"destination"`
	Out         TransactionDTO `json:"transfer_out"`
	In          TransactionDTO `json:"transfer_in"`
}

// SummaryDTO is the analytics aggregation over a time window.
type SummaryDTO struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`

	Count             int    `json:"count"`
	TotalDeposits     string `json:"total_deposits"`
	TotalWithdrawals  string `json:"total_withdrawals"`
	TotalTransfersIn  string `json:"total_transfers_in"`
	TotalTransfersOut string `json:"total_transfers_out"`
	TotalReversed     string `json:"total_reversed"`
	ReversalCount     int    `json:"reversal_count"`
	NetChange         string `json:"net_change"`
	Largest           string `json:"largest"`
	Average           string `json:"average"`
	HighValueCount    int    `json:"high_value_count"`

	ByType map[string]int `json:"by_type"`
	ByDay  map[string]int `json:"by_day"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUserDTO(u *ledger.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Name:      u.Name,
		Email:     u.Email,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toAccountDTO(a *ledger.Account) AccountDTO {
	return AccountDTO{
		ID:            string(a.ID),
		OwnerID:       string(a.OwnerID),
		AccountNumber: a.Number,
		AccountType:   string(a.Type),
		Balance:       a.Balance.StringFixed(2),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               string(tx.ID),
		AccountID:        string(tx.AccountID),
		Type:             string(tx.Type),
		Amount:           tx.Amount.StringFixed(2),
		Description:      tx.Description,
		RelatedAccountID: string(tx.RelatedAccountID),
		Status:           string(tx.Status),
		Timestamp:        tx.Timestamp.Format(time.RFC3339Nano),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toSummaryDTO(s *ledger.Summary) SummaryDTO {
	byType := make(map[string]int, len(s.ByType))
	for t, n := range s.ByType {
		byType[string(t)] = n
	}
	return SummaryDTO{
		AccountID:         string(s.AccountID),
		From:              s.From.Format(time.RFC3339),
		To:                s.To.Format(time.RFC3339),
		Count:             s.Count,
		TotalDeposits:     s.TotalDeposits.StringFixed(2),
		TotalWithdrawals:  s.TotalWithdrawals.StringFixed(2),
		TotalTransfersIn:  s.TotalTransfersIn.StringFixed(2),
		TotalTransfersOut: s.TotalTransfersOut.StringFixed(2),
		TotalReversed:     s.TotalReversed.StringFixed(2),
		ReversalCount:     s.ReversalCount,
		NetChange:         s.NetChange.StringFixed(2),
		Largest:           s.Largest.StringFixed(2),
		Average:           s.Average.String(),
		HighValueCount:    s.HighValueCount,
		ByType:            byType,
		ByDay:             s.ByDay,
	}
}
