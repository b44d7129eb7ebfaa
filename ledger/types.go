/*
Package ledger provides the account ledger core: typed records, the
store contract, and the service that applies deposits, withdrawals, and
transfers against it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: balance-bearing record, mutated only through guarded
    conditional writes
  - Transaction: immutable history entry, one per applied balance effect
  - User: account owner, referenced by accounts at creation

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all money, no floats in business logic
  2. Type safety: distinct ID types so account/transaction/user IDs can't
     be mixed up
  3. Immutability: transaction records are never edited; corrections are
     new reversal records
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type UserID string

// NewAccountID returns a fresh opaque account identifier.
func NewAccountID() AccountID { return AccountID(uuid.NewString()) }

// NewTransactionID returns a fresh opaque transaction identifier.
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// NewUserID returns a fresh opaque user identifier.
func NewUserID() UserID { return UserID(uuid.NewString()) }

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

// ValidAccountType reports whether t is a supported account type.
func ValidAccountType(t AccountType) bool {
	return t == AccountChecking || t == AccountSavings
}

type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	// StatusClosed is terminal. Only reachable from active with zero balance.
	StatusClosed AccountStatus = "closed"
)

// Account is a balance-bearing record.
//
// INVARIANT: Balance >= 0 at all times visible to readers. The only way to
// mutate Balance is Store.ApplyBalanceDelta, whose guard is evaluated
// atomically with the write.
type Account struct {
	ID      AccountID
	OwnerID UserID
	// Number is the externally visible identifier (10 digits), unique.
	Number  string
	Type    AccountType
	Balance decimal.Decimal
	Status  AccountStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the account can participate in ledger operations.
func (a *Account) Active() bool { return a.Status == StatusActive }

// MaskedNumber returns the account number reduced to its last four digits,
// as used in notification payloads.
func (a *Account) MaskedNumber() string {
	if len(a.Number) <= 4 {
		return a.Number
	}
	return "****" + a.Number[len(a.Number)-4:]
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxTransferIn  TransactionType = "transfer_in"
	TxTransferOut TransactionType = "transfer_out"
)

type TransactionStatus string

const (
	// TxCompleted marks a record whose balance effect applied as part of a
	// successful operation.
	TxCompleted TransactionStatus = "completed"
	// TxFailed marks the record documenting a compensating re-credit after
	// a failed transfer leg. Its balance effect (restoring the source) has
	// been applied; the transfer itself did not happen.
	TxFailed TransactionStatus = "failed"
)

// Transaction is an immutable history entry. One record exists per durably
// applied balance effect; records are never updated or deleted.
type Transaction struct {
	ID        TransactionID
	AccountID AccountID
	Type      TransactionType
	// Amount is strictly positive; the sign of the balance effect is implied
	// by Type.
	Amount      decimal.Decimal
	Description string
	// RelatedAccountID is set only for transfer_in/transfer_out and
	// references the counterpart account.
	RelatedAccountID AccountID
	Status           TransactionStatus
	// Timestamp is the creation time, used as the sort key for history.
	Timestamp time.Time
}

// Signed returns the balance effect of the record: positive for credits
// (deposit, transfer_in), negative for debits (withdrawal, transfer_out).
func (t *Transaction) Signed() decimal.Decimal {
	switch t.Type {
	case TxDeposit, TxTransferIn:
		return t.Amount
	case TxWithdrawal, TxTransferOut:
		return t.Amount.Neg()
	}
	return decimal.Zero
}

// =============================================================================
// USER
// =============================================================================

// User is an account owner. Authentication is an external concern; the
// ledger only needs owners to exist before accounts reference them.
type User struct {
	ID        UserID
	Name      string
	Email     string
	CreatedAt time.Time
}
