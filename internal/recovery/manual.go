package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
)

var (
	ErrExecutionInProgress = errors.New("chain execution in progress, try again later")
	// ErrPaymentResolved means the payment already sits in a terminal state
	// and a provider requery cannot change it.
	ErrPaymentResolved = errors.New("payment already in a terminal state")
)

// Operator-triggered recovery actions. They share the sweeps' building
// blocks and, like the sweeps, rely on the settlement chain lock for
// correctness under concurrency.

// Recover retries chain execution for one transaction immediately.
func (e *Engine) Recover(ctx context.Context, transactionID string) (string, error) {
	return e.settler.Settle(ctx, transactionID)
}

// Requery performs an active provider status query for a pending payment and
// applies the result, exactly as the long sweep would.
func (e *Engine) Requery(ctx context.Context, transactionID string) (*model.Transaction, error) {
	txn, err := e.store.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != model.StatusPending {
		// Terminal states never rewind; ForceComplete is the override for
		// out-of-band evidence.
		return txn, ErrPaymentResolved
	}
	if txn.CheckoutRequestID == "" {
		return nil, fmt.Errorf("transaction %s has no provider correlation id", transactionID)
	}

	status, err := e.provider.QueryStatus(ctx, txn.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	e.applyQueriedStatus(ctx, txn, status)

	return e.store.GetByID(ctx, transactionID)
}

// ForceComplete records an externally verified transaction hash. It is the
// override for the case where out-of-band evidence shows the purchase landed
// on chain while local bookkeeping disagrees. The chain lock is still taken
// so a concurrent execution cannot double-settle.
func (e *Engine) ForceComplete(ctx context.Context, transactionID string, txHash string) error {
	if txHash == "" {
		return errors.New("transaction hash is required")
	}

	if err := e.store.AcquireChainLock(ctx, transactionID); err != nil {
		if errors.Is(err, repository.ErrLockNotAcquired) {
			// The lock fails for a missing row, a settled row and a held
			// lock alike; disambiguate before reporting.
			txn, getErr := e.store.GetByID(ctx, transactionID)
			if getErr != nil {
				return getErr
			}
			if txn.BlockchainTxHash != nil {
				return fmt.Errorf("transaction already settled with hash %s", *txn.BlockchainTxHash)
			}
			return ErrExecutionInProgress
		}
		return err
	}
	defer func() {
		if err := e.store.ReleaseChainLock(ctx, transactionID); err != nil {
			logger.Error("Failed to release chain lock", "transaction_id", transactionID, "error", err)
		}
	}()

	if err := e.store.RecordSettlement(ctx, transactionID, txHash); err != nil {
		return err
	}

	logger.Warn("Settlement force-completed by operator", "transaction_id", transactionID, "tx_hash", txHash)
	return nil
}

// ForceFail takes a transaction out of the retry loop permanently.
func (e *Engine) ForceFail(ctx context.Context, transactionID string) error {
	if _, err := e.store.GetByID(ctx, transactionID); err != nil {
		return err
	}
	if err := e.store.MarkPermanentlyFailed(ctx, transactionID); err != nil {
		return err
	}
	logger.Warn("Settlement force-failed by operator", "transaction_id", transactionID)
	return nil
}

// Stats summarizes the recovery backlog.
func (e *Engine) Stats(ctx context.Context) (*model.RecoveryStats, error) {
	return e.store.RecoveryStats(ctx)
}
