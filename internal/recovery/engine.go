package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/prom"
)

type TransactionStore interface {
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	ListSettleable(ctx context.Context, maxRetries int, cooldown time.Duration, limit int) ([]*model.Transaction, error)
	ListStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transaction, error)
	MarkRetryAttempt(ctx context.Context, id string) error
	MarkPermanentlyFailed(ctx context.Context, id string) error
	CompleteFromPending(ctx context.Context, id string, receipt string, resultCode int, resultDesc string) (bool, error)
	FailFromPending(ctx context.Context, id string, status model.TransactionStatus, resultCode *int, resultDesc string) (bool, error)
	AcquireChainLock(ctx context.Context, id string) error
	ReleaseChainLock(ctx context.Context, id string) error
	ReleaseStaleChainLocks(ctx context.Context, olderThan time.Duration) (int64, error)
	RecordSettlement(ctx context.Context, id string, txHash string) error
	RecoveryStats(ctx context.Context) (*model.RecoveryStats, error)
}

type Settler interface {
	Settle(ctx context.Context, transactionID string) (string, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.StatusResponse, error)
}

type Enqueuer interface {
	EnqueueSettlement(ctx context.Context, transactionID string) error
}

type Config struct {
	ShortInterval  time.Duration
	LongInterval   time.Duration
	RetryCeiling   int
	RetryCooldown  time.Duration
	StuckThreshold time.Duration
	// StaleLockThreshold is how long a settlement lock may be held before
	// the sweep treats its owner as crashed and reclaims it. Must exceed
	// the longest legitimate execution including confirmation waits.
	StaleLockThreshold time.Duration
	BatchSize          int
}

func DefaultConfig() Config {
	return Config{
		ShortInterval:      5 * time.Minute,
		LongInterval:       time.Hour,
		RetryCeiling:       3,
		RetryCooldown:      5 * time.Minute,
		StuckThreshold:     24 * time.Hour,
		StaleLockThreshold: 30 * time.Minute,
		BatchSize:          50,
	}
}

// Engine closes the gap between what the payment provider reports and what
// has been committed on chain. Two sweeps run on independent tickers; each
// sweep is mutually exclusive with itself but overlaps callbacks and manual
// actions freely, correctness coming from the settlement chain lock alone.
type Engine struct {
	config   Config
	store    TransactionStore
	settler  Settler
	provider StatusQuerier
	enqueuer Enqueuer

	shortMu sync.Mutex
	longMu  sync.Mutex
}

func NewEngine(config Config, store TransactionStore, settler Settler, provider StatusQuerier, enqueuer Enqueuer) *Engine {
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = 3
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.StaleLockThreshold <= 0 {
		config.StaleLockThreshold = 30 * time.Minute
	}
	return &Engine{
		config:   config,
		store:    store,
		settler:  settler,
		provider: provider,
		enqueuer: enqueuer,
	}
}

// Run blocks until ctx is cancelled, driving both sweep cycles.
func (e *Engine) Run(ctx context.Context) {
	logger.Info("Recovery engine started",
		"short_interval", e.config.ShortInterval,
		"long_interval", e.config.LongInterval,
		"retry_ceiling", e.config.RetryCeiling)

	shortTicker := time.NewTicker(e.config.ShortInterval)
	longTicker := time.NewTicker(e.config.LongInterval)
	defer shortTicker.Stop()
	defer longTicker.Stop()

	for {
		select {
		case <-shortTicker.C:
			e.RunShortSweep(ctx)
		case <-longTicker.C:
			e.RunLongSweep(ctx)
		case <-ctx.Done():
			logger.Info("Recovery engine stopped")
			return
		}
	}
}

// RunShortSweep retries completed payments that still lack a chain hash. It
// reports false when a previous short sweep is still running.
func (e *Engine) RunShortSweep(ctx context.Context) bool {
	if !e.shortMu.TryLock() {
		logger.Warn("Short sweep still running, skipping cycle")
		return false
	}
	defer e.shortMu.Unlock()

	start := time.Now()

	// A worker that crashed between acquiring the lock and its deferred
	// release leaves chain_processing set forever; reclaim such locks first
	// so the rows become selectable again.
	reclaimed, err := e.store.ReleaseStaleChainLocks(ctx, e.config.StaleLockThreshold)
	if err != nil {
		logger.Error("Stale lock reclamation failed", "error", err)
	} else if reclaimed > 0 {
		logger.Warn("Reclaimed stale settlement locks", "count", reclaimed)
	}

	list, err := e.store.ListSettleable(ctx, e.config.RetryCeiling, e.config.RetryCooldown, e.config.BatchSize)
	if err != nil {
		logger.Error("Short sweep selection failed", "error", err)
		return true
	}

	for _, txn := range list {
		e.retrySettlement(ctx, txn)
	}

	prom.RecordSweep("short", len(list), time.Since(start).Seconds())
	if len(list) > 0 {
		logger.Info("Short sweep finished", "selected", len(list), "duration", time.Since(start))
	}
	return true
}

func (e *Engine) retrySettlement(ctx context.Context, txn *model.Transaction) {
	// Stamp the attempt before executing so a crash mid-attempt cannot
	// produce an immediate retry loop on restart.
	if err := e.store.MarkRetryAttempt(ctx, txn.ID); err != nil {
		logger.Error("Failed to stamp retry attempt", "transaction_id", txn.ID, "error", err)
		return
	}
	attempt := txn.RetryCount + 1

	_, err := e.settler.Settle(ctx, txn.ID)
	if err == nil ||
		errors.Is(err, orchestrator.ErrAlreadySettled) ||
		errors.Is(err, orchestrator.ErrAlreadyProcessing) {
		return
	}

	if !orchestrator.Retryable(err) {
		logger.Error("Settlement failed non-retryably, marking permanently failed",
			"transaction_id", txn.ID, "attempt", attempt, "error", err)
		e.markPermanent(ctx, txn.ID)
		return
	}

	if attempt >= e.config.RetryCeiling {
		logger.Error("Retry ceiling reached, marking permanently failed",
			"transaction_id", txn.ID, "attempts", attempt, "error", err)
		e.markPermanent(ctx, txn.ID)
		return
	}

	logger.Warn("Settlement retry failed", "transaction_id", txn.ID, "attempt", attempt, "error", err)
}

func (e *Engine) markPermanent(ctx context.Context, id string) {
	if err := e.store.MarkPermanentlyFailed(ctx, id); err != nil {
		logger.Error("Failed to mark transaction permanently failed", "transaction_id", id, "error", err)
	}
}

// RunLongSweep resolves payments stuck in pending past the stuck threshold.
// A transaction is only forced to timeout after one final active provider
// query confirms no result exists; a late success discovered here completes
// the payment and enqueues settlement.
func (e *Engine) RunLongSweep(ctx context.Context) bool {
	if !e.longMu.TryLock() {
		logger.Warn("Long sweep still running, skipping cycle")
		return false
	}
	defer e.longMu.Unlock()

	start := time.Now()
	list, err := e.store.ListStuckPending(ctx, e.config.StuckThreshold, e.config.BatchSize)
	if err != nil {
		logger.Error("Long sweep selection failed", "error", err)
		return true
	}

	for _, txn := range list {
		e.resolveStuckPending(ctx, txn)
	}

	prom.RecordSweep("long", len(list), time.Since(start).Seconds())
	if len(list) > 0 {
		logger.Info("Long sweep finished", "selected", len(list), "duration", time.Since(start))
	}
	return true
}

func (e *Engine) resolveStuckPending(ctx context.Context, txn *model.Transaction) {
	if txn.CheckoutRequestID == "" {
		// Initiation never reached the provider; nothing to query.
		code := gateway.ResultTransactionExpired
		e.failPending(ctx, txn.ID, model.StatusTimeout, &code, "no provider correlation id")
		return
	}

	status, err := e.provider.QueryStatus(ctx, txn.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, gateway.ErrResultNotReady) {
			// The provider has no result for a day-old push; this is the
			// confirmed-lost case the sweep exists for.
			code := gateway.ResultTimeoutUnreachable
			e.failPending(ctx, txn.ID, model.StatusTimeout, &code, "no provider result after stuck threshold")
			return
		}
		logger.Warn("Stuck-pending query failed, leaving for next sweep", "transaction_id", txn.ID, "error", err)
		return
	}

	e.applyQueriedStatus(ctx, txn, status)
}

// applyQueriedStatus maps an active provider query result onto the payment
// state machine, mirroring the callback transitions.
func (e *Engine) applyQueriedStatus(ctx context.Context, txn *model.Transaction, status *gateway.StatusResponse) {
	switch {
	case status.Succeeded():
		changed, err := e.store.CompleteFromPending(ctx, txn.ID, status.ReceiptNumber, status.ResultCode, status.ResultDesc)
		if err != nil {
			logger.Error("Failed to complete recovered payment", "transaction_id", txn.ID, "error", err)
			return
		}
		if !changed {
			return
		}
		logger.Info("Late payment success discovered by sweep", "transaction_id", txn.ID)
		if e.enqueuer != nil {
			if err := e.enqueuer.EnqueueSettlement(ctx, txn.ID); err != nil {
				logger.Error("Failed to enqueue settlement for recovered payment", "transaction_id", txn.ID, "error", err)
			}
		}
	case status.ResultCode == gateway.ResultCancelledByUser:
		e.failPending(ctx, txn.ID, model.StatusCancelled, &status.ResultCode, status.ResultDesc)
	case status.ResultCode == gateway.ResultTimeoutUnreachable:
		e.failPending(ctx, txn.ID, model.StatusTimeout, &status.ResultCode, status.ResultDesc)
	default:
		e.failPending(ctx, txn.ID, model.StatusFailed, &status.ResultCode, status.ResultDesc)
	}
}

func (e *Engine) failPending(ctx context.Context, id string, status model.TransactionStatus, code *int, desc string) {
	changed, err := e.store.FailFromPending(ctx, id, status, code, desc)
	if err != nil {
		logger.Error("Failed to transition stuck payment", "transaction_id", id, "target", status, "error", err)
		return
	}
	if changed {
		logger.Info("Stuck payment resolved", "transaction_id", id, "status", status)
	}
}
