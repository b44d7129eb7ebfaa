/*
service.go - The account ledger service

PURPOSE:
  Applies deposits, withdrawals, and transfers against the Store, enforcing
  the balance invariants and writing the matching history records. This is
  the only code that mutates balances.

CRITICAL INVARIANTS:
  1. Balance >= 0, always. Debits are guarded at write time, never against
     a stale read.
  2. Conservation: a transfer debits one account and credits another by the
     same amount, or leaves both untouched.
  3. A history record is written only after its balance effect is durably
     applied.

TRANSFER PROTOCOL (two-phase with compensation; the store has no
cross-record transactions):
  1. Resolve destination by account number
  2. Debit source (guarded: active AND balance >= amount)
  3. Write transfer_out record
  4. Credit destination (guarded: active)
  5. Write transfer_in record
  6. On credit failure: re-credit source, write a reversal record, surface
     ErrDestinationUnavailable. If the re-credit itself fails, escalate
     ErrFatalInconsistency and flag the pair for reconciliation.

  The debit is durable before the credit is attempted, so a crash
  mid-transfer can leave money debited-but-not-credited (closed by
  compensation) but never duplicated. A crash between step 4 and step 5 is
  the one window not closable without a recovery log; it is logged loudly.

NOTIFICATIONS:
  Fire-and-forget. One transaction_applied event per applied leg, a
  high_value_alert above the configured threshold, a transfer confirmation
  once both legs land. Dispatcher failures never roll anything back.
*/
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bank-ledger/metrics"
	"github.com/warp/bank-ledger/notify"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config carries everything the service depends on. There is no package
// level state; two services with different configs can coexist.
type Config struct {
	Store      Store
	Dispatcher notify.Dispatcher
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// HighValueThreshold triggers an extra alert event when an amount meets
	// it. Zero disables the alert.
	HighValueThreshold decimal.Decimal

	// MaxTransactionAmount bounds any single operation.
	MaxTransactionAmount decimal.Decimal

	// MinTransferAmount is the smallest accepted transfer.
	MinTransferAmount decimal.Decimal

	// SuspiciousActivityThreshold is the number of high-value transactions
	// in the trailing 24h that triggers a compliance event. Zero disables.
	SuspiciousActivityThreshold int

	// Now is the clock; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

// Defaults mirroring the standard deployment configuration.
var (
	DefaultHighValueThreshold   = decimal.NewFromInt(10000)
	DefaultMaxTransactionAmount = decimal.NewFromInt(1000000)
	DefaultMinTransferAmount    = decimal.NewFromFloat(0.01)
)

const defaultSuspiciousActivityThreshold = 5

// Service applies ledger operations. Safe for concurrent use; all shared
// state lives in the Store, which provides per-record compare-and-swap.
type Service struct {
	store       Store
	dispatcher  notify.Dispatcher
	collector   *metrics.Collector
	logger      *slog.Logger
	highValue   decimal.Decimal
	maxAmount   decimal.Decimal
	minTransfer decimal.Decimal
	suspicious  int
	now         func() time.Time
}

// NewService builds a service from cfg, filling unset fields with defaults.
// cfg.Store is required.
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		collector:   cfg.Metrics,
		logger:      cfg.Logger,
		highValue:   cfg.HighValueThreshold,
		maxAmount:   cfg.MaxTransactionAmount,
		minTransfer: cfg.MinTransferAmount,
		suspicious:  cfg.SuspiciousActivityThreshold,
		now:         cfg.Now,
	}
	if s.dispatcher == nil {
		s.dispatcher = notify.Discard{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.highValue.IsZero() {
		s.highValue = DefaultHighValueThreshold
	}
	if s.maxAmount.IsZero() {
		s.maxAmount = DefaultMaxTransactionAmount
	}
	if s.minTransfer.IsZero() {
		s.minTransfer = DefaultMinTransferAmount
	}
	if s.suspicious == 0 {
		s.suspicious = defaultSuspiciousActivityThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// =============================================================================
// RESULTS
// =============================================================================

// OperationResult is returned by Deposit and Withdraw.
type OperationResult struct {
	Account     *Account
	Transaction Transaction
}

// TransferResult is returned by a fully successful Transfer.
type TransferResult struct {
	Source      *Account
	Destination *Account
	Out         Transaction
	In          Transaction
}

// =============================================================================
// DEPOSIT / WITHDRAW
// =============================================================================

// Deposit atomically increases the balance. The active-status guard is part
// of the same write, so an account concurrently closed since any earlier
// read is rejected.
func (s *Service) Deposit(ctx context.Context, id AccountID, amount decimal.Decimal, description string) (res *OperationResult, err error) {
	defer s.observe("deposit", s.now(), &err)

	if err = s.validateAmount(amount, false); err != nil {
		return nil, err
	}

	acct, err := s.store.ApplyBalanceDelta(ctx, id, amount)
	if err != nil {
		return nil, err
	}

	tx := s.newTransaction(acct.ID, TxDeposit, amount, description, "")
	if err = s.store.AppendTransaction(ctx, tx); err != nil {
		// Balance applied, record missing. Surfaced as an internal error;
		// the deposit itself stands.
		s.logger.Error("deposit applied but record write failed",
			slog.String("account_id", string(acct.ID)),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("deposit applied, recording failed: %w", err)
	}

	s.emitApplied(ctx, acct, tx)
	return &OperationResult{Account: acct, Transaction: tx}, nil
}

// Withdraw atomically decreases the balance, guarded by
// balance >= amount AND status == active evaluated at write time. A guard
// failure is retried once against a fresh read before being rejected, so a
// transient conflict with a concurrent credit doesn't bounce the caller.
func (s *Service) Withdraw(ctx context.Context, id AccountID, amount decimal.Decimal, description string) (res *OperationResult, err error) {
	defer s.observe("withdraw", s.now(), &err)

	if err = s.validateAmount(amount, false); err != nil {
		return nil, err
	}

	acct, err := s.debit(ctx, id, amount)
	if err != nil {
		return nil, err
	}

	tx := s.newTransaction(acct.ID, TxWithdrawal, amount, description, "")
	if err = s.store.AppendTransaction(ctx, tx); err != nil {
		s.logger.Error("withdrawal applied but record write failed",
			slog.String("account_id", string(acct.ID)),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("withdrawal applied, recording failed: %w", err)
	}

	s.emitApplied(ctx, acct, tx)
	return &OperationResult{Account: acct, Transaction: tx}, nil
}

// debit applies the guarded decrease with the one-retry discipline.
func (s *Service) debit(ctx context.Context, id AccountID, amount decimal.Decimal) (*Account, error) {
	acct, err := s.store.ApplyBalanceDelta(ctx, id, amount.Neg())
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		return nil, err
	}

	// Guard failed at write time. Retry once against a fresh read.
	current, gerr := s.store.GetAccount(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if !current.Active() {
		return nil, ErrAccountNotActive
	}
	if current.Balance.LessThan(amount) {
		return nil, &InsufficientFundsError{AccountID: id, Available: current.Balance, Requested: amount}
	}

	acct, err = s.store.ApplyBalanceDelta(ctx, id, amount.Neg())
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, &InsufficientFundsError{AccountID: id, Available: current.Balance, Requested: amount}
		}
		return nil, err
	}
	return acct, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves amount from the source account to the account addressed by
// destNumber. See the file header for the two-phase protocol; the caller
// visible guarantee is all-or-nothing.
func (s *Service) Transfer(ctx context.Context, sourceID AccountID, destNumber string, amount decimal.Decimal, description string) (res *TransferResult, err error) {
	defer s.observe("transfer", s.now(), &err)

	if err = s.validateAmount(amount, true); err != nil {
		return nil, err
	}

	// Phase 1: resolve destination. Nothing has changed yet.
	dest, err := s.store.GetAccountByNumber(ctx, destNumber)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("destination: %w", ErrAccountNotFound)
		}
		return nil, err
	}
	if dest.ID == sourceID {
		return nil, ErrSelfTransfer
	}
	if !dest.Active() {
		return nil, fmt.Errorf("destination: %w", ErrAccountNotActive)
	}

	// Phase 2: debit leg, same guard and retry discipline as Withdraw.
	src, err := s.debit(ctx, sourceID, amount)
	if err != nil {
		return nil, err
	}

	outTx := s.newTransaction(src.ID, TxTransferOut, amount,
		fmt.Sprintf("%s to %s", description, dest.MaskedNumber()), dest.ID)
	if err = s.store.AppendTransaction(ctx, outTx); err != nil {
		// Debit applied but cannot be documented. Undo it rather than leave
		// an unexplained balance change.
		return nil, s.compensate(ctx, src, dest, amount, outTx,
			fmt.Errorf("transfer_out record write failed: %w", err))
	}

	// Phase 3: credit leg, guarded on destination still being active. A
	// timeout here is indistinguishable from failure and takes the same
	// compensation path.
	destAcct, err := s.store.ApplyBalanceDelta(ctx, dest.ID, amount)
	if err != nil {
		return nil, s.compensate(ctx, src, dest, amount, outTx, err)
	}

	inTx := s.newTransaction(dest.ID, TxTransferIn, amount,
		fmt.Sprintf("%s from %s", description, src.MaskedNumber()), src.ID)
	if aerr := s.store.AppendTransaction(ctx, inTx); aerr != nil {
		// Both legs applied; only the transfer_in record is missing. This is
		// the one window not closable without a recovery log.
		s.logger.Error("transfer applied but transfer_in record write failed",
			slog.String("source_id", string(src.ID)),
			slog.String("destination_id", string(dest.ID)),
			slog.String("amount", amount.String()),
			slog.String("error", aerr.Error()))
	}

	s.emitApplied(ctx, src, outTx)
	s.emitApplied(ctx, destAcct, inTx)
	s.emit(ctx, notify.Event{
		Type:          notify.EventTransferConfirmation,
		AccountID:     string(src.ID),
		AccountNumber: src.MaskedNumber(),
		Amount:        amount.StringFixed(2),
		Balance:       src.Balance.StringFixed(2),
		OccurredAt:    outTx.Timestamp,
		Detail: map[string]string{
			"destination": dest.MaskedNumber(),
			"reference":   string(outTx.ID),
		},
	})

	return &TransferResult{Source: src, Destination: destAcct, Out: outTx, In: inTx}, nil
}

// compensate reverses a committed debit after the credit leg failed. The
// re-credit runs on a context detached from the caller's deadline: the
// caller's timeout must not strand the rollback.
func (s *Service) compensate(ctx context.Context, src, dest *Account, amount decimal.Decimal, outTx Transaction, cause error) error {
	base := context.WithoutCancel(ctx)

	restored, err := s.store.ApplyBalanceDelta(base, src.ID, amount)
	if err != nil {
		// Same retry discipline as any balance increase.
		restored, err = s.store.ApplyBalanceDelta(base, src.ID, amount)
	}
	if err != nil {
		fatal := &FatalInconsistencyError{
			SourceID:      src.ID,
			DestinationID: dest.ID,
			Amount:        amount,
			Cause:         err,
		}
		s.logger.Error("transfer compensation failed, manual reconciliation required",
			slog.String("source_id", string(src.ID)),
			slog.String("destination_id", string(dest.ID)),
			slog.String("amount", amount.String()),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		s.emit(base, notify.Event{
			Type:       notify.EventReconciliationRequired,
			AccountID:  string(src.ID),
			Amount:     amount.StringFixed(2),
			OccurredAt: s.now().UTC(),
			Detail: map[string]string{
				"destination_id": string(dest.ID),
				"transfer_out":   string(outTx.ID),
				"cause":          cause.Error(),
			},
		})
		return fatal
	}

	// Reversal record on the source documenting the rollback. It carries the
	// failed status: its re-credit is applied, the transfer did not happen.
	rev := s.newTransaction(src.ID, TxTransferIn, amount,
		fmt.Sprintf("reversal of failed transfer to %s", dest.MaskedNumber()), dest.ID)
	rev.Status = TxFailed
	if aerr := s.store.AppendTransaction(base, rev); aerr != nil {
		s.logger.Error("compensation applied but reversal record write failed",
			slog.String("source_id", string(src.ID)),
			slog.String("error", aerr.Error()))
	}

	s.logger.Warn("transfer compensated",
		slog.String("source_id", string(src.ID)),
		slog.String("destination_id", string(dest.ID)),
		slog.String("amount", amount.String()),
		slog.String("restored_balance", restored.Balance.String()),
		slog.String("cause", cause.Error()))

	return fmt.Errorf("%w: %v", ErrDestinationUnavailable, cause)
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// OpenAccount creates an account for an existing owner. A positive initial
// deposit is recorded as a deposit transaction so history explains the
// starting balance.
func (s *Service) OpenAccount(ctx context.Context, owner UserID, accountType AccountType, initialDeposit decimal.Decimal) (acct *Account, err error) {
	defer s.observe("open_account", s.now(), &err)

	if _, err = s.store.GetUser(ctx, owner); err != nil {
		return nil, err
	}
	if !ValidAccountType(accountType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountType, accountType)
	}
	if initialDeposit.IsNegative() {
		return nil, fmt.Errorf("%w: initial deposit cannot be negative", ErrAmountInvalid)
	}
	if initialDeposit.GreaterThan(s.maxAmount) {
		return nil, fmt.Errorf("%w: initial deposit exceeds maximum of %s", ErrAmountInvalid, s.maxAmount)
	}

	now := s.now().UTC()
	acct = &Account{
		ID:        NewAccountID(),
		OwnerID:   owner,
		Type:      accountType,
		Balance:   initialDeposit,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Account numbers are random 10-digit strings; collisions are rare but
	// the create is retried on the store's uniqueness rejection.
	for attempt := 0; attempt < 5; attempt++ {
		acct.Number = generateAccountNumber()
		err = s.store.PutAccount(ctx, acct)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAccountExists) {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	if initialDeposit.IsPositive() {
		tx := s.newTransaction(acct.ID, TxDeposit, initialDeposit, "initial deposit", "")
		if aerr := s.store.AppendTransaction(ctx, tx); aerr != nil {
			s.logger.Error("account opened but initial deposit record write failed",
				slog.String("account_id", string(acct.ID)),
				slog.String("error", aerr.Error()))
		} else {
			s.emitApplied(ctx, acct, tx)
		}
	}

	return acct, nil
}

// CloseAccount transitions active -> closed. The zero-balance guard is
// evaluated atomically with the status write, so a concurrent deposit cannot
// be stranded on a closing account.
func (s *Service) CloseAccount(ctx context.Context, id AccountID) (err error) {
	defer s.observe("close_account", s.now(), &err)
	return s.store.CloseAccount(ctx, id)
}

// RegisterUser records a new account owner.
func (s *Service) RegisterUser(ctx context.Context, name, email string) (*User, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidUser)
	}
	u := &User{
		ID:        NewUserID(),
		Name:      name,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetAccount returns the current account record.
func (s *Service) GetAccount(ctx context.Context, id AccountID) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// GetUserAccounts returns all accounts owned by a user.
func (s *Service) GetUserAccounts(ctx context.Context, owner UserID) ([]*Account, error) {
	return s.store.GetUserAccounts(ctx, owner)
}

// History returns up to limit records for an account, newest first. Two
// calls with no intervening writes return identical sequences.
func (s *Service) History(ctx context.Context, id AccountID, limit int) ([]Transaction, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadTransactions(ctx, id, limit)
}

// HistoryRange returns the records with timestamps in [from, to], newest
// first.
func (s *Service) HistoryRange(ctx context.Context, id AccountID, from, to time.Time) ([]Transaction, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LoadTransactionsRange(ctx, id, from, to)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Service) validateAmount(amount decimal.Decimal, transfer bool) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrAmountInvalid)
	}
	if amount.GreaterThan(s.maxAmount) {
		return fmt.Errorf("%w: amount exceeds maximum of %s", ErrAmountInvalid, s.maxAmount)
	}
	if transfer && amount.LessThan(s.minTransfer) {
		return fmt.Errorf("%w: minimum transfer amount is %s", ErrAmountInvalid, s.minTransfer)
	}
	return nil
}

func (s *Service) newTransaction(id AccountID, txType TransactionType, amount decimal.Decimal, description string, related AccountID) Transaction {
	return Transaction{
		ID:               NewTransactionID(),
		AccountID:        id,
		Type:             txType,
		Amount:           amount,
		Description:      description,
		RelatedAccountID: related,
		Status:           TxCompleted,
		Timestamp:        s.now().UTC(),
	}
}

// emitApplied fires the per-leg events: transaction_applied always, plus the
// high-value alert and the trailing-window compliance check when warranted.
func (s *Service) emitApplied(ctx context.Context, acct *Account, tx Transaction) {
	s.emit(ctx, notify.Event{
		Type:          notify.EventTransactionApplied,
		AccountID:     string(acct.ID),
		AccountNumber: acct.MaskedNumber(),
		Amount:        tx.Amount.StringFixed(2),
		Balance:       acct.Balance.StringFixed(2),
		OccurredAt:    tx.Timestamp,
		Detail: map[string]string{
			"transaction_id":   string(tx.ID),
			"transaction_type": string(tx.Type),
			"description":      tx.Description,
		},
	})
	s.collector.SetBalance(string(acct.ID), acct.Balance.InexactFloat64())

	if s.highValue.IsPositive() && tx.Amount.GreaterThanOrEqual(s.highValue) {
		s.emit(ctx, notify.Event{
			Type:          notify.EventHighValueAlert,
			AccountID:     string(acct.ID),
			AccountNumber: acct.MaskedNumber(),
			Amount:        tx.Amount.StringFixed(2),
			OccurredAt:    tx.Timestamp,
			Detail: map[string]string{
				"transaction_id":   string(tx.ID),
				"transaction_type": string(tx.Type),
			},
		})
		s.checkSuspiciousActivity(ctx, acct, tx)
	}
}

// checkSuspiciousActivity counts high-value records in the trailing 24h and
// raises a compliance event at the configured threshold. Best-effort: a
// failed count is logged, never surfaced.
func (s *Service) checkSuspiciousActivity(ctx context.Context, acct *Account, tx Transaction) {
	if s.suspicious <= 0 {
		return
	}
	now := s.now().UTC()
	txs, err := s.store.LoadTransactionsRange(ctx, acct.ID, now.Add(-24*time.Hour), now)
	if err != nil {
		s.logger.Warn("suspicious-activity check failed",
			slog.String("account_id", string(acct.ID)),
			slog.String("error", err.Error()))
		return
	}
	count := 0
	for i := range txs {
		if txs[i].Amount.GreaterThanOrEqual(s.highValue) {
			count++
		}
	}
	if count < s.suspicious {
		return
	}
	s.emit(ctx, notify.Event{
		Type:          notify.EventSuspiciousActivity,
		AccountID:     string(acct.ID),
		AccountNumber: acct.MaskedNumber(),
		Amount:        tx.Amount.StringFixed(2),
		OccurredAt:    now,
		Detail: map[string]string{
			"high_value_count": fmt.Sprintf("%d", count),
			"window_hours":     "24",
		},
	})
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	s.dispatcher.Publish(ctx, ev)
	s.collector.CountEvent(string(ev.Type))
}

func (s *Service) observe(operation string, start time.Time, err *error) {
	s.collector.ObserveOperation(operation, outcomeOf(*err), s.now().Sub(start))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsState(err):
		return "state"
	case IsFatal(err):
		return "fatal"
	default:
		return "error"
	}
}

// generateAccountNumber draws a random 10-digit account number.
func generateAccountNumber() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// time-derived number rather than return an empty string.
		n := time.Now().UnixNano()
		digits := make([]byte, 10)
		for i := 9; i >= 0; i-- {
			digits[i] = byte('0' + n%10)
			n /= 10
		}
		return string(digits)
	}
	digits := make([]byte, 10)
	for i, b := range buf {
		digits[i] = byte('0' + int(b)%10)
	}
	return string(digits)
}
