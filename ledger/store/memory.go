// Package store provides an in-memory ledger.Store for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bank-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - guards evaluated under the write lock
// =============================================================================

// Memory implements ledger.Store. All guarded mutations run under a single
// write lock, which gives the per-record compare-and-swap semantics the
// service assumes: the guard and the mutation are one atomic step.
type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]*ledger.Account
	byNumber map[string]ledger.AccountID
	txs      map[ledger.AccountID][]ledger.Transaction
	users    map[ledger.UserID]*ledger.User
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]*ledger.Account),
		byNumber: make(map[string]ledger.AccountID),
		txs:      make(map[ledger.AccountID][]ledger.Transaction),
		users:    make(map[ledger.UserID]*ledger.User),
	}
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

func (m *Memory) PutAccount(_ context.Context, a *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return ledger.ErrAccountExists
	}
	if _, ok := m.byNumber[a.Number]; ok {
		return ledger.ErrAccountExists
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byNumber[a.Number] = a.ID
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAccountByNumber(_ context.Context, number string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNumber[number]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return m.getLocked(id)
}

func (m *Memory) GetUserAccounts(_ context.Context, owner ledger.UserID) ([]*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ledger.Account
	for _, a := range m.accounts {
		if a.OwnerID == owner {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ApplyBalanceDelta(_ context.Context, id ledger.AccountID, delta decimal.Decimal) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if a.Status != ledger.StatusActive {
		return nil, ledger.ErrAccountNotActive
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return nil, ledger.ErrInsufficientFunds
	}
	a.Balance = next
	a.UpdatedAt = time.Now().UTC()

	cp := *a
	return &cp, nil
}

func (m *Memory) CloseAccount(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if a.Status != ledger.StatusActive {
		return ledger.ErrAccountNotActive
	}
	if !a.Balance.IsZero() {
		return ledger.ErrBalanceNotZero
	}
	a.Status = ledger.StatusClosed
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// -----------------------------------------------------------------------------
// Transaction log (append-only)
// -----------------------------------------------------------------------------

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.AccountID] = append(m.txs[tx.AccountID], tx)
	return nil
}

func (m *Memory) LoadTransactions(_ context.Context, id ledger.AccountID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Transaction, len(m.txs[id]))
	copy(out, m.txs[id])
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LoadTransactionsRange(_ context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Transaction
	for _, tx := range m.txs[id] {
		if !tx.Timestamp.Before(from) && !tx.Timestamp.After(to) {
			out = append(out, tx)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// sortNewestFirst orders by timestamp descending, ties broken by ID so
// repeated reads return identical sequences.
func sortNewestFirst(txs []ledger.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

func (m *Memory) PutUser(_ context.Context, u *ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(_ context.Context, id ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
