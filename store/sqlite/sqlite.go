/*
Package sqlite provides the durable implementation of ledger.Store.

CONDITIONAL WRITES:
  Balance and status never change through a blind overwrite. Every mutation
  is a single UPDATE whose WHERE clause re-states the guard against the
  exact committed record value (compare-and-swap on the balance string),
  so the guard and the mutation are one atomic statement. A lost race
  re-reads and re-validates against the fresh value, which is exactly the
  "guard at write time" contract the service relies on.

KEY TABLES:
  users:        account owners
  accounts:     balance-bearing records; account_number is UNIQUE and
                serves as the secondary index
  transactions: append-only history; no UPDATE or DELETE statements exist
                for this table

TIMESTAMPS:
  Stored as fixed-width UTC text so lexicographic comparison equals
  chronological comparison in range queries.

WAL MODE:
  Opened with WAL for concurrent readers and crash recovery. A process
  level mutex serializes writers, matching the single-writer model of the
  sqlite3 driver.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/bank-ledger/ledger"
)

// timeLayout is fixed-width so stored text sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// casMaxRetries bounds the compare-and-swap loop under contention.
const casMaxRetries = 10

// ErrContention is returned when a guarded write lost the compare-and-swap
// race casMaxRetries times in a row.
var ErrContention = errors.New("account record contention, retry")

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (and migrates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The sqlite3 driver serializes writes; a single connection avoids
	// SQLITE_BUSY on the in-memory database used in tests.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		email      TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		account_id     TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		account_number TEXT NOT NULL UNIQUE,
		account_type   TEXT NOT NULL,
		balance        TEXT NOT NULL,
		status         TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_owner
		ON accounts(owner_id);

	-- Append-only history. No UPDATE/DELETE statements exist for this table.
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id     TEXT PRIMARY KEY,
		account_id         TEXT NOT NULL,
		tx_type            TEXT NOT NULL,
		amount             TEXT NOT NULL,
		description        TEXT,
		related_account_id TEXT,
		status             TEXT NOT NULL,
		timestamp          TEXT NOT NULL
	);

	-- Hot path: per-account history, newest first.
	CREATE INDEX IF NOT EXISTS idx_transactions_account_time
		ON transactions(account_id, timestamp DESC, transaction_id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) PutAccount(ctx context.Context, a *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, owner_id, account_number, account_type, balance, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.OwnerID), a.Number, string(a.Type),
		a.Balance.String(), string(a.Status),
		a.CreatedAt.UTC().Format(timeLayout), a.UpdatedAt.UTC().Format(timeLayout))
	if isUniqueViolation(err) {
		return ledger.ErrAccountExists
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, owner_id, account_number, account_type, balance, status, created_at, updated_at
		FROM accounts WHERE account_id = ?`, string(id))
	return scanAccount(row)
}

func (s *Store) GetAccountByNumber(ctx context.Context, number string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, owner_id, account_number, account_type, balance, status, created_at, updated_at
		FROM accounts WHERE account_number = ?`, number)
	return scanAccount(row)
}

func (s *Store) GetUserAccounts(ctx context.Context, owner ledger.UserID) ([]*ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, owner_id, account_number, account_type, balance, status, created_at, updated_at
		FROM accounts WHERE owner_id = ?
		ORDER BY created_at, account_id`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApplyBalanceDelta adjusts the balance via compare-and-swap on the exact
// committed balance string. Each attempt re-validates the guard (active
// status, non-negative result) against the value it swaps from, so no
// mutation ever applies against a stale read.
func (s *Store) ApplyBalanceDelta(ctx context.Context, id ledger.AccountID, delta decimal.Decimal) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		acct, err := s.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct.Status != ledger.StatusActive {
			return nil, ledger.ErrAccountNotActive
		}
		next := acct.Balance.Add(delta)
		if next.IsNegative() {
			return nil, ledger.ErrInsufficientFunds
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET balance = ?, updated_at = ?
			WHERE account_id = ? AND balance = ? AND status = 'active'`,
			next.String(), now.Format(timeLayout),
			string(id), acct.Balance.String())
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			acct.Balance = next
			acct.UpdatedAt = now
			return acct, nil
		}
		// Lost the race: the committed record changed since the read. Loop
		// and re-validate against the fresh value.
	}
	return nil, ErrContention
}

// CloseAccount transitions active -> closed, with the zero-balance guard in
// the same UPDATE as the status change.
func (s *Store) CloseAccount(ctx context.Context, id ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acct.Status != ledger.StatusActive {
		return ledger.ErrAccountNotActive
	}
	if !acct.Balance.IsZero() {
		return ledger.ErrBalanceNotZero
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = 'closed', updated_at = ?
		WHERE account_id = ? AND status = 'active' AND balance = ?`,
		time.Now().UTC().Format(timeLayout), string(id), acct.Balance.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		// The record changed between read and write; report against the
		// fresh state.
		fresh, gerr := s.GetAccount(ctx, id)
		if gerr != nil {
			return gerr
		}
		if fresh.Status != ledger.StatusActive {
			return ledger.ErrAccountNotActive
		}
		return ledger.ErrBalanceNotZero
	}
	return nil
}

// =============================================================================
// TRANSACTION LOG (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, account_id, tx_type, amount, description, related_account_id, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.AccountID), string(tx.Type),
		tx.Amount.String(), tx.Description, string(tx.RelatedAccountID),
		string(tx.Status), tx.Timestamp.UTC().Format(timeLayout))
	return err
}

func (s *Store) LoadTransactions(ctx context.Context, id ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	q := `
		SELECT transaction_id, account_id, tx_type, amount, description, related_account_id, status, timestamp
		FROM transactions WHERE account_id = ?
		ORDER BY timestamp DESC, transaction_id DESC`
	args := []any{string(id)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTransactions(ctx, q, args...)
}

func (s *Store) LoadTransactionsRange(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT transaction_id, account_id, tx_type, amount, description, related_account_id, status, timestamp
		FROM transactions
		WHERE account_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, transaction_id DESC`,
		string(id), from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
}

func (s *Store) queryTransactions(ctx context.Context, q string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx             ledger.Transaction
			txID, acctID   string
			txType, status string
			amount, ts     string
			desc, related  sql.NullString
		)
		if err := rows.Scan(&txID, &acctID, &txType, &amount, &desc, &related, &status, &ts); err != nil {
			return nil, err
		}
		tx.ID = ledger.TransactionID(txID)
		tx.AccountID = ledger.AccountID(acctID)
		tx.Type = ledger.TransactionType(txType)
		tx.Status = ledger.TransactionStatus(status)
		tx.Description = desc.String
		tx.RelatedAccountID = ledger.AccountID(related.String)
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount for transaction %s: %w", txID, err)
		}
		if tx.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp for transaction %s: %w", txID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) PutUser(ctx context.Context, u *ledger.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, name, email, created_at)
		VALUES (?, ?, ?, ?)`,
		string(u.ID), u.Name, u.Email, u.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (s *Store) GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error) {
	var (
		u         ledger.User
		uid, name string
		email     sql.NullString
		created   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, email, created_at FROM users WHERE user_id = ?`,
		string(id)).Scan(&uid, &name, &email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ID = ledger.UserID(uid)
	u.Name = name
	u.Email = email.String
	if u.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("corrupt created_at for user %s: %w", uid, err)
	}
	return &u, nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		a                          ledger.Account
		id, owner, number, acctTyp string
		balance, status            string
		created, updated           string
	)
	err := row.Scan(&id, &owner, &number, &acctTyp, &balance, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ID = ledger.AccountID(id)
	a.OwnerID = ledger.UserID(owner)
	a.Number = number
	a.Type = ledger.AccountType(acctTyp)
	a.Status = ledger.AccountStatus(status)
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt balance for account %s: %w", id, err)
	}
	if a.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("corrupt created_at for account %s: %w", id, err)
	}
	if a.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("corrupt updated_at for account %s: %w", id, err)
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
