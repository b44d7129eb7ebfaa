/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Validation errors - rejected before any store call, no side effects
  2. Not-found errors  - rejected after a lookup, no mutation performed
  3. State errors      - rejected by a guarded conditional write; no partial
     effect is possible because the guard and the mutation are one atomic
     operation
  4. Partial-failure   - transfer credit leg failed; handled by compensation
  5. Fatal             - compensation itself could not complete; surfaced for
     manual reconciliation, never swallowed

USAGE:
  Callers classify with errors.Is or the helpers below:

    if errors.Is(err, ledger.ErrInsufficientFunds) { ... }
    if ledger.IsFatal(err) { page someone }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAmountInvalid is returned when an amount is not strictly positive or
	// falls outside the configured bounds.
	ErrAmountInvalid = errors.New("amount invalid")

	// ErrSelfTransfer is returned when source and destination resolve to the
	// same account.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")

	// ErrInvalidAccountType is returned when opening an account with an
	// unsupported type.
	ErrInvalidAccountType = errors.New("invalid account type")

	// ErrInvalidUser is returned when a user record fails validation.
	ErrInvalidUser = errors.New("invalid user")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUserNotFound is returned when a referenced owner doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrAccountExists is returned on a create that collides with an existing
	// account ID or account number.
	ErrAccountExists = errors.New("account already exists")

	// ErrAccountNotActive is returned when a guarded write finds the account
	// closed.
	ErrAccountNotActive = errors.New("account is not active")

	// ErrInsufficientFunds is returned when a debit guard fails at write time.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBalanceNotZero is returned when closing an account that still holds
	// funds.
	ErrBalanceNotZero = errors.New("cannot close account with non-zero balance")

	// ErrDestinationUnavailable is returned when a transfer's credit leg
	// failed and the debit was compensated. The ledger is back in its
	// pre-transfer state.
	ErrDestinationUnavailable = errors.New("destination account unavailable")

	// ErrFatalInconsistency is returned when a compensation step itself could
	// not complete. The account pair needs manual reconciliation.
	ErrFatalInconsistency = errors.New("fatal inconsistency: manual reconciliation required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports a debit guard failure with the shortfall.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// FatalInconsistencyError reports a transfer whose compensating re-credit
// failed. The source account has been debited with no matching credit.
type FatalInconsistencyError struct {
	SourceID      AccountID
	DestinationID AccountID
	Amount        decimal.Decimal
	Cause         error
}

func (e *FatalInconsistencyError) Error() string {
	return fmt.Sprintf("transfer of %s from %s to %s: compensation failed: %v",
		e.Amount, e.SourceID, e.DestinationID, e.Cause)
}

func (e *FatalInconsistencyError) Unwrap() error { return ErrFatalInconsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true for errors rejected before any store call.
func IsValidation(err error) bool {
	return errors.Is(err, ErrAmountInvalid) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInvalidAccountType) ||
		errors.Is(err, ErrInvalidUser)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrUserNotFound)
}

// IsState returns true for errors raised by a guarded conditional write or a
// compensated partial failure. The operation did not happen; the ledger is
// unchanged.
func IsState(err error) bool {
	return errors.Is(err, ErrAccountNotActive) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrBalanceNotZero) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrDestinationUnavailable)
}

// IsClientError returns true if the error is attributable to the request
// rather than the system.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsState(err)
}

// IsFatal returns true if the error requires manual reconciliation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalInconsistency)
}
