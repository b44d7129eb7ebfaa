package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bank-ledger/ledger"
	"github.com/warp/bank-ledger/ledger/store"
	"github.com/warp/bank-ledger/notify"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// hookedStore wraps the memory store so tests can inject failures into the
// balance write path.
type hookedStore struct {
	ledger.Store
	mu        sync.Mutex
	applyHook func(id ledger.AccountID, delta decimal.Decimal) error
}

func (s *hookedStore) setApplyHook(hook func(id ledger.AccountID, delta decimal.Decimal) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyHook = hook
}

func (s *hookedStore) ApplyBalanceDelta(ctx context.Context, id ledger.AccountID, delta decimal.Decimal) (*ledger.Account, error) {
	s.mu.Lock()
	hook := s.applyHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(id, delta); err != nil {
			return nil, err
		}
	}
	return s.Store.ApplyBalanceDelta(ctx, id, delta)
}

type fixture struct {
	svc    *ledger.Service
	store  *hookedStore
	events *notify.Capture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hs := &hookedStore{Store: store.NewMemory()}
	events := &notify.Capture{}
	svc := ledger.NewService(ledger.Config{
		Store:      hs,
		Dispatcher: events,
	})
	return &fixture{svc: svc, store: hs, events: events}
}

// openFunded registers an owner and opens an active checking account holding
// the given balance.
func (f *fixture) openFunded(t *testing.T, balance string) *ledger.Account {
	t.Helper()
	ctx := context.Background()
	u, err := f.svc.RegisterUser(ctx, "Ada Lovelace", "ada@example.com")
	require.NoError(t, err)
	acct, err := f.svc.OpenAccount(ctx, u.ID, ledger.AccountChecking, dec(balance))
	require.NoError(t, err)
	return acct
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// DEPOSIT
// =============================================================================

func TestService_Deposit_IncreasesBalanceAndRecords(t *testing.T) {
	// GIVEN: An active account with 100.00
	// WHEN: Depositing 25.50
	// THEN: Balance is 125.50 and a completed deposit record exists

	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "100.00")

	res, err := f.svc.Deposit(ctx, acct.ID, dec("25.50"), "payday")
	require.NoError(t, err)

	assert.True(t, res.Account.Balance.Equal(dec("125.50")),
		"balance should be 125.50, got %s", res.Account.Balance)
	assert.Equal(t, ledger.TxDeposit, res.Transaction.Type)
	assert.Equal(t, ledger.TxCompleted, res.Transaction.Status)
	assert.True(t, res.Transaction.Amount.Equal(dec("25.50")))

	history, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2) // initial deposit + this one
	assert.Equal(t, res.Transaction.ID, history[0].ID, "newest record first")
}

func TestService_Deposit_RejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "100.00")

	for _, amount := range []string{"0", "-10"} {
		_, err := f.svc.Deposit(ctx, acct.ID, dec(amount), "")
		assert.ErrorIs(t, err, ledger.ErrAmountInvalid, "amount %s", amount)
	}

	// Nothing was applied.
	current, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, current.Balance.Equal(dec("100.00")))
}

func TestService_Deposit_RejectsAmountAboveMaximum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	_, err := f.svc.Deposit(ctx, acct.ID, dec("1000000.01"), "")
	assert.ErrorIs(t, err, ledger.ErrAmountInvalid)
}

func TestService_Deposit_UnknownAccount_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Deposit(context.Background(), "no-such-account", dec("10"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestService_Deposit_ClosedAccount_Rejected(t *testing.T) {
	// GIVEN: A closed account
	// WHEN: Depositing into it
	// THEN: The guarded write rejects with ErrAccountNotActive

	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")
	require.NoError(t, f.svc.CloseAccount(ctx, acct.ID))

	_, err := f.svc.Deposit(ctx, acct.ID, dec("10"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)
}

// =============================================================================
// WITHDRAW
// =============================================================================

func TestService_Withdraw_DecreasesBalanceAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "100.00")

	res, err := f.svc.Withdraw(ctx, acct.ID, dec("40.00"), "rent")
	require.NoError(t, err)

	assert.True(t, res.Account.Balance.Equal(dec("60.00")))
	assert.Equal(t, ledger.TxWithdrawal, res.Transaction.Type)
}

func TestService_Withdraw_ExactBalance_LeavesZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "75.25")

	res, err := f.svc.Withdraw(ctx, acct.ID, dec("75.25"), "")
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.IsZero())
}

func TestService_Withdraw_InsufficientFunds_ReportsShortfall(t *testing.T) {
	// GIVEN: An account holding 50.00
	// WHEN: Withdrawing 80.00
	// THEN: Rejected with the available/requested amounts, balance untouched

	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "50.00")

	_, err := f.svc.Withdraw(ctx, acct.ID, dec("80.00"), "")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, ife.Available.Equal(dec("50.00")))
	assert.True(t, ife.Requested.Equal(dec("80.00")))

	current, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, current.Balance.Equal(dec("50.00")), "failed withdrawal must not move the balance")

	history, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "no record for a rejected withdrawal")
}

func TestService_Withdraw_Concurrent_NeverOverdraws(t *testing.T) {
	// GIVEN: An account holding 100.00
	// WHEN: 10 goroutines concurrently withdraw 30.00 each
	// THEN: At most 3 succeed and the final balance is exactly 100 - 30*successes

	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "100.00")

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Withdraw(ctx, acct.ID, dec("30.00"), "race"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 3)

	current, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	want := dec("100.00").Sub(dec("30.00").Mul(decimal.NewFromInt(int64(successes))))
	assert.True(t, current.Balance.Equal(want),
		"balance %s, want %s after %d successes", current.Balance, want, successes)
	assert.False(t, current.Balance.IsNegative())
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestService_Transfer_MovesFundsAndConserves(t *testing.T) {
	// GIVEN: Source with 200.00, destination with 50.00
	// WHEN: Transferring 75.00
	// THEN: 125.00 / 125.00, one transfer_out and one transfer_in record,
	//       and a confirmation event

	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "200.00")
	dst := f.openFunded(t, "50.00")

	res, err := f.svc.Transfer(ctx, src.ID, dst.Number, dec("75.00"), "loan")
	require.NoError(t, err)

	assert.True(t, res.Source.Balance.Equal(dec("125.00")))
	assert.True(t, res.Destination.Balance.Equal(dec("125.00")))
	assert.Equal(t, ledger.TxTransferOut, res.Out.Type)
	assert.Equal(t, ledger.TxTransferIn, res.In.Type)
	assert.Equal(t, dst.ID, res.Out.RelatedAccountID)
	assert.Equal(t, src.ID, res.In.RelatedAccountID)

	confirmations := f.events.ByType(notify.EventTransferConfirmation)
	require.Len(t, confirmations, 1)
	assert.Equal(t, string(src.ID), confirmations[0].AccountID)
}

func TestService_Transfer_SelfTransfer_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "100.00")

	_, err := f.svc.Transfer(ctx, acct.ID, acct.Number, dec("10.00"), "")
	assert.ErrorIs(t, err, ledger.ErrSelfTransfer)

	current, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, current.Balance.Equal(dec("100.00")))
}

func TestService_Transfer_UnknownDestination_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "100.00")

	_, err := f.svc.Transfer(ctx, src.ID, "0000000000", dec("10.00"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestService_Transfer_BelowMinimum_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "100.00")
	dst := f.openFunded(t, "0")

	_, err := f.svc.Transfer(ctx, src.ID, dst.Number, dec("0.001"), "")
	assert.ErrorIs(t, err, ledger.ErrAmountInvalid)
}

func TestService_Transfer_InsufficientFunds_LeavesBothUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "20.00")
	dst := f.openFunded(t, "5.00")

	_, err := f.svc.Transfer(ctx, src.ID, dst.Number, dec("50.00"), "")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	srcNow, _ := f.svc.GetAccount(ctx, src.ID)
	dstNow, _ := f.svc.GetAccount(ctx, dst.ID)
	assert.True(t, srcNow.Balance.Equal(dec("20.00")))
	assert.True(t, dstNow.Balance.Equal(dec("5.00")))
}

func TestService_Transfer_CreditFails_CompensatesSource(t *testing.T) {
	// GIVEN: The destination's credit write fails after the source debit
	// WHEN: Transferring 30.00
	// THEN: ErrDestinationUnavailable, source restored to its full balance,
	//       and a failed-status reversal record documents the rollback

	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "100.00")
	dst := f.openFunded(t, "0")

	boom := errors.New("disk on fire")
	f.store.setApplyHook(func(id ledger.AccountID, delta decimal.Decimal) error {
		if id == dst.ID && delta.IsPositive() {
			return boom
		}
		return nil
	})

	_, err := f.svc.Transfer(ctx, src.ID, dst.Number, dec("30.00"), "doomed")
	require.ErrorIs(t, err, ledger.ErrDestinationUnavailable)

	srcNow, gerr := f.svc.GetAccount(ctx, src.ID)
	require.NoError(t, gerr)
	assert.True(t, srcNow.Balance.Equal(dec("100.00")), "debit must be compensated")

	dstNow, gerr := f.svc.GetAccount(ctx, dst.ID)
	require.NoError(t, gerr)
	assert.True(t, dstNow.Balance.IsZero())

	// History documents both the attempt and the rollback.
	history, herr := f.svc.History(ctx, src.ID, 0)
	require.NoError(t, herr)

	var out, reversal *ledger.Transaction
	for i := range history {
		switch {
		case history[i].Type == ledger.TxTransferOut:
			out = &history[i]
		case history[i].Type == ledger.TxTransferIn && history[i].Status == ledger.TxFailed:
			reversal = &history[i]
		}
	}
	require.NotNil(t, out, "transfer_out record should exist")
	require.NotNil(t, reversal, "reversal record should exist")
	assert.True(t, reversal.Amount.Equal(dec("30.00")))
	assert.Equal(t, dst.ID, reversal.RelatedAccountID)
}

func TestService_Transfer_CompensationFails_EscalatesFatal(t *testing.T) {
	// GIVEN: Both the credit leg and the compensating re-credit fail
	// WHEN: Transferring
	// THEN: ErrFatalInconsistency and a reconciliation_required event

	f := newFixture(t)
	ctx := context.Background()
	src := f.openFunded(t, "100.00")
	dst := f.openFunded(t, "0")

	f.store.setApplyHook(func(_ ledger.AccountID, delta decimal.Decimal) error {
		if delta.IsPositive() {
			return errors.New("store unavailable")
		}
		return nil
	})

	_, err := f.svc.Transfer(ctx, src.ID, dst.Number, dec("30.00"), "")
	require.ErrorIs(t, err, ledger.ErrFatalInconsistency)

	var fatal *ledger.FatalInconsistencyError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, src.ID, fatal.SourceID)
	assert.Equal(t, dst.ID, fatal.DestinationID)
	assert.True(t, fatal.Amount.Equal(dec("30.00")))

	alerts := f.events.ByType(notify.EventReconciliationRequired)
	require.Len(t, alerts, 1)
	assert.Equal(t, string(src.ID), alerts[0].AccountID)
}

func TestService_Transfer_Concurrent_ConservesTotal(t *testing.T) {
	// GIVEN: Two accounts holding 500.00 each
	// WHEN: Goroutines transfer back and forth concurrently
	// THEN: The combined balance is still exactly 1000.00

	f := newFixture(t)
	ctx := context.Background()
	a := f.openFunded(t, "500.00")
	b := f.openFunded(t, "500.00")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := dec(fmt.Sprintf("%d.00", 1+i%7))
			if i%2 == 0 {
				f.svc.Transfer(ctx, a.ID, b.Number, amount, "ping")
			} else {
				f.svc.Transfer(ctx, b.ID, a.Number, amount, "pong")
			}
		}(i)
	}
	wg.Wait()

	aNow, err := f.svc.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	bNow, err := f.svc.GetAccount(ctx, b.ID)
	require.NoError(t, err)

	total := aNow.Balance.Add(bNow.Balance)
	assert.True(t, total.Equal(dec("1000.00")), "total %s, want 1000.00", total)
	assert.False(t, aNow.Balance.IsNegative())
	assert.False(t, bNow.Balance.IsNegative())
}

func TestService_DepositWithdrawTransfer_Scenario(t *testing.T) {
	// GIVEN: Two fresh accounts
	// WHEN: Running a deposit, a withdrawal, and a transfer in sequence
	// THEN: Balances and histories line up after every step

	f := newFixture(t)
	ctx := context.Background()
	a := f.openFunded(t, "0")
	b := f.openFunded(t, "0")

	_, err := f.svc.Deposit(ctx, a.ID, dec("300.00"), "opening funds")
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, a.ID, dec("50.00"), "groceries")
	require.NoError(t, err)

	res, err := f.svc.Transfer(ctx, a.ID, b.Number, dec("100.00"), "shared rent")
	require.NoError(t, err)
	assert.True(t, res.Source.Balance.Equal(dec("150.00")))
	assert.True(t, res.Destination.Balance.Equal(dec("100.00")))

	aHistory, err := f.svc.History(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, aHistory, 3)
	assert.Equal(t, ledger.TxTransferOut, aHistory[0].Type)
	assert.Equal(t, ledger.TxWithdrawal, aHistory[1].Type)
	assert.Equal(t, ledger.TxDeposit, aHistory[2].Type)

	bHistory, err := f.svc.History(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, bHistory, 1)
	assert.Equal(t, ledger.TxTransferIn, bHistory[0].Type)

	// Replaying the signed history reproduces each balance.
	sum := decimal.Zero
	for _, tx := range aHistory {
		sum = sum.Add(tx.Signed())
	}
	assert.True(t, sum.Equal(dec("150.00")))
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestService_Deposit_EmitsAppliedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	_, err := f.svc.Deposit(ctx, acct.ID, dec("42.00"), "")
	require.NoError(t, err)

	applied := f.events.ByType(notify.EventTransactionApplied)
	require.NotEmpty(t, applied)
	last := applied[len(applied)-1]
	assert.Equal(t, "42.00", last.Amount)
	assert.Equal(t, "42.00", last.Balance)
	assert.Contains(t, last.AccountNumber, "****", "account number must be masked")
}

func TestService_HighValueDeposit_EmitsAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	_, err := f.svc.Deposit(ctx, acct.ID, dec("10000.00"), "wire")
	require.NoError(t, err)

	alerts := f.events.ByType(notify.EventHighValueAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "10000.00", alerts[0].Amount)
}

func TestService_BelowThreshold_NoAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	_, err := f.svc.Deposit(ctx, acct.ID, dec("9999.99"), "")
	require.NoError(t, err)

	assert.Empty(t, f.events.ByType(notify.EventHighValueAlert))
}

func TestService_RepeatedHighValue_FlagsSuspiciousActivity(t *testing.T) {
	// GIVEN: The suspicious-activity threshold of 5 high-value transactions
	// WHEN: Depositing 10000.00 five times within the trailing window
	// THEN: A suspicious_activity event fires on the fifth

	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Deposit(ctx, acct.ID, dec("10000.00"), "")
		require.NoError(t, err)
	}

	flagged := f.events.ByType(notify.EventSuspiciousActivity)
	require.NotEmpty(t, flagged)
	assert.Equal(t, "5", flagged[len(flagged)-1].Detail["high_value_count"])
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

func TestService_OpenAccount_RecordsInitialDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "250.00")

	assert.Len(t, acct.Number, 10)
	assert.Equal(t, ledger.StatusActive, acct.Status)

	history, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.TxDeposit, history[0].Type)
	assert.Equal(t, "initial deposit", history[0].Description)
}

func TestService_OpenAccount_ZeroDeposit_NoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	history, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_OpenAccount_UnknownOwner_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenAccount(context.Background(), "ghost", ledger.AccountChecking, dec("0"))
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestService_OpenAccount_InvalidType_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.svc.RegisterUser(ctx, "Grace Hopper", "grace@example.com")
	require.NoError(t, err)

	_, err = f.svc.OpenAccount(ctx, u.ID, "offshore", dec("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAccountType)
}

func TestService_CloseAccount_NonZeroBalance_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "10.00")

	err := f.svc.CloseAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ledger.ErrBalanceNotZero)
}

func TestService_CloseAccount_ThenOperations_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")
	other := f.openFunded(t, "50.00")

	require.NoError(t, f.svc.CloseAccount(ctx, acct.ID))

	_, err := f.svc.Withdraw(ctx, acct.ID, dec("1.00"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	_, err = f.svc.Transfer(ctx, other.ID, acct.Number, dec("1.00"), "")
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)
}

func TestService_RegisterUser_EmptyName_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RegisterUser(context.Background(), "", "nobody@example.com")
	assert.ErrorIs(t, err, ledger.ErrInvalidUser)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestService_History_NewestFirstWithLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Deposit(ctx, acct.ID, dec(fmt.Sprintf("%d.00", i)), fmt.Sprintf("deposit %d", i))
		require.NoError(t, err)
	}

	history, err := f.svc.History(ctx, acct.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	for i := 0; i < len(history)-1; i++ {
		assert.False(t, history[i].Timestamp.Before(history[i+1].Timestamp),
			"history must be newest first")
	}
}

func TestService_History_RepeatedReads_Identical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openFunded(t, "0")

	for i := 0; i < 4; i++ {
		_, err := f.svc.Deposit(ctx, acct.ID, dec("5.00"), "")
		require.NoError(t, err)
	}

	first, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	second, err := f.svc.History(ctx, acct.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestService_History_UnknownAccount_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.History(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
