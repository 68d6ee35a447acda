package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrAlreadyProcessing means another worker holds the chain lock; the
	// caller should skip, not wait.
	ErrAlreadyProcessing = errors.New("settlement already in progress")
	// ErrAlreadySettled means the transaction already carries a confirmed hash.
	ErrAlreadySettled = errors.New("settlement already recorded")
	ErrNotEligible    = errors.New("transaction not eligible for settlement")
)

// PaymentProviderError reports a business-level failure from the payment
// provider (wrong PIN, insufficient mobile-money balance, user cancel). These
// reflect real-world facts and are never retryable.
type PaymentProviderError struct {
	Code int
	Desc string
}

func (e *PaymentProviderError) Error() string {
	return fmt.Sprintf("payment provider error %d: %s", e.Code, e.Desc)
}

// PaymentTimeoutError reports a timed-out provider call. Retryable, bounded.
type PaymentTimeoutError struct {
	Op string
}

func (e *PaymentTimeoutError) Error() string {
	return fmt.Sprintf("payment provider timeout during %s", e.Op)
}

// ChainValidationError reports bad settlement input (package, address,
// amount). Non-retryable: retrying the same input cannot succeed.
type ChainValidationError struct {
	Reason string
}

func (e *ChainValidationError) Error() string {
	return "chain validation failed: " + e.Reason
}

// ChainExecutionError wraps a failure from the chain executor with its
// retryability classification.
type ChainExecutionError struct {
	Err       error
	Retryable bool
}

func (e *ChainExecutionError) Error() string {
	return "chain execution failed: " + e.Err.Error()
}

func (e *ChainExecutionError) Unwrap() error {
	return e.Err
}

// InsufficientTreasuryFundsError blocks every pending settlement, not just
// one, so it is surfaced prominently. Retryable after an operator top-up.
type InsufficientTreasuryFundsError struct {
	Balance *big.Int
	Needed  *big.Int
}

func (e *InsufficientTreasuryFundsError) Error() string {
	return fmt.Sprintf("treasury balance %s below required %s", e.Balance, e.Needed)
}

// Retryable reports whether a later attempt at the same settlement could
// succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var provider *PaymentProviderError
	if errors.As(err, &provider) {
		return false
	}
	var validation *ChainValidationError
	if errors.As(err, &validation) {
		return false
	}
	var execution *ChainExecutionError
	if errors.As(err, &execution) {
		return execution.Retryable
	}

	// Anything unclassified is an infrastructure fault (database blip, RPC
	// outage); a later attempt can succeed and the retry ceiling bounds it.
	return true
}
