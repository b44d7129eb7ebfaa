/*
store.go - Persistence contract for accounts, transactions, and users

PURPOSE:
  Defines the interface between the ledger service and the record store.
  Implementations must provide single-record atomic compare-and-swap
  semantics: every guarded write evaluates its predicate against the latest
  committed record state, atomically with the mutation. No cross-record
  transactions are assumed.

CONTRACT:
  - Accounts are created once; Balance and Status change only through
    ApplyBalanceDelta and CloseAccount, never through a blind overwrite.
  - The transaction log is APPEND-ONLY. No Update, no Delete. Corrections
    are new records.
  - History queries return newest-first, ties broken by transaction ID, so
    repeated reads of the same window are identical.

IMPLEMENTATIONS:
  - store/sqlite: durable, guards expressed as single UPDATE statements
  - ledger/store: in-memory, guards evaluated under the write lock
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the record store the ledger service runs against.
type Store interface {
	AccountStore
	TransactionLog
	UserStore
}

// AccountStore holds account records and provides the guarded mutations.
type AccountStore interface {
	// PutAccount creates a new account record. Returns ErrAccountExists if
	// the ID or the account number is already taken.
	PutAccount(ctx context.Context, a *Account) error

	// GetAccount returns the account by primary key, or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// GetAccountByNumber looks the account up by its externally visible
	// number (secondary index), or ErrAccountNotFound.
	GetAccountByNumber(ctx context.Context, number string) (*Account, error)

	// GetUserAccounts returns all accounts owned by a user, oldest first.
	GetUserAccounts(ctx context.Context, owner UserID) ([]*Account, error)

	// ApplyBalanceDelta atomically adjusts the balance by delta.
	//
	// Guard, evaluated atomically with the write against the latest
	// committed record:
	//   - status == active           (always)
	//   - balance >= |delta|         (when delta is negative)
	//
	// Returns the updated account on success. Failures: ErrAccountNotFound,
	// ErrAccountNotActive, ErrInsufficientFunds. On failure nothing changed.
	ApplyBalanceDelta(ctx context.Context, id AccountID, delta decimal.Decimal) (*Account, error)

	// CloseAccount transitions active -> closed, guarded by balance == 0.
	// Failures: ErrAccountNotFound, ErrAccountNotActive (already closed),
	// ErrBalanceNotZero.
	CloseAccount(ctx context.Context, id AccountID) error
}

// TransactionLog is the append-only transaction history.
type TransactionLog interface {
	// AppendTransaction persists a history record. Records are immutable
	// once written.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// LoadTransactions returns up to limit records for an account, newest
	// first. limit <= 0 means no limit.
	LoadTransactions(ctx context.Context, id AccountID, limit int) ([]Transaction, error)

	// LoadTransactionsRange returns records with Timestamp in [from, to],
	// newest first.
	LoadTransactionsRange(ctx context.Context, id AccountID, from, to time.Time) ([]Transaction, error)
}

// UserStore holds owner records.
type UserStore interface {
	// PutUser creates a user record.
	PutUser(ctx context.Context, u *User) error

	// GetUser returns the user by ID, or ErrUserNotFound.
	GetUser(ctx context.Context, id UserID) (*User, error)
}
