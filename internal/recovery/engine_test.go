package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/blockcoop/settlement-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettler struct {
	mu    sync.Mutex
	err   error
	calls int
	block chan struct{}
	repo  *repository.TransactionRepository
}

func (f *fakeSettler) Settle(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	if f.repo != nil {
		if recordErr := f.repo.RecordSettlement(ctx, id, "0xswept"); recordErr != nil {
			return "", recordErr
		}
	}
	return "0xswept", nil
}

func (f *fakeSettler) settleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQuerier struct {
	status *gateway.StatusResponse
	err    error
	calls  int
}

func (f *fakeQuerier) QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.StatusResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

type fakeEnqueuer struct {
	ids []string
}

func (f *fakeEnqueuer) EnqueueSettlement(ctx context.Context, id string) error {
	f.ids = append(f.ids, id)
	return nil
}

type engineEnv struct {
	engine   *Engine
	db       *pg.DB
	repo     *repository.TransactionRepository
	settler  *fakeSettler
	querier  *fakeQuerier
	enqueuer *fakeEnqueuer
}

func newTestEngine(t *testing.T, config Config) *engineEnv {
	db := helpers.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	settler := &fakeSettler{repo: repo}
	querier := &fakeQuerier{}
	enqueuer := &fakeEnqueuer{}
	return &engineEnv{
		engine:   NewEngine(config, repo, settler, querier, enqueuer),
		db:       db,
		repo:     repo,
		settler:  settler,
		querier:  querier,
		enqueuer: enqueuer,
	}
}

func backdatePending(t *testing.T, db *pg.DB, id string, age time.Duration) {
	err := db.Write(context.Background()).
		Model(&repository.TransactionEntity{}).
		Where("id = ?", id).
		Update("created_at", time.Now().Add(-age)).Error
	require.NoError(t, err)
}

// backdateLockTimestamp ages a row's updated_at without triggering the auto
// update, simulating a lock left behind by a crashed worker.
func backdateLockTimestamp(t *testing.T, db *pg.DB, id string, age time.Duration) {
	err := db.Write(context.Background()).
		Model(&repository.TransactionEntity{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().Add(-age)).Error
	require.NoError(t, err)
}

func TestEngine_ShortSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("settles completed payments without a hash", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 1, env.settler.settleCalls())

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BlockchainTxHash)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("retry ceiling halts exactly at the limit", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.settler.err = &orchestrator.ChainExecutionError{Err: errors.New("nonce too low"), Retryable: true}

		for i := 0; i < 3; i++ {
			require.True(t, env.engine.RunShortSweep(ctx))
		}
		assert.Equal(t, 3, env.settler.settleCalls())

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, got.PermanentlyFailed)
		assert.Equal(t, 3, got.RetryCount)

		// No fourth attempt ever.
		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 3, env.settler.settleCalls())
	})

	t.Run("non-retryable failure goes permanent immediately", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.settler.err = &orchestrator.ChainValidationError{Reason: "package does not exist"}

		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 1, env.settler.settleCalls())

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, got.PermanentlyFailed)
	})

	t.Run("infrastructure failure keeps retrying up to the ceiling", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.settler.err = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

		require.True(t, env.engine.RunShortSweep(ctx))

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.False(t, got.PermanentlyFailed)
		assert.Equal(t, 1, got.RetryCount)

		require.True(t, env.engine.RunShortSweep(ctx))
		require.True(t, env.engine.RunShortSweep(ctx))

		got, err = env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, got.PermanentlyFailed)
		assert.Equal(t, 3, got.RetryCount)
	})

	t.Run("stale settlement lock is reclaimed and the row settled", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, StaleLockThreshold: 30 * time.Minute, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.repo.AcquireChainLock(ctx, txn.ID))
		backdateLockTimestamp(t, env.db, txn.ID, time.Hour)

		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 1, env.settler.settleCalls())

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BlockchainTxHash)
		assert.False(t, got.ChainProcessing)
	})

	t.Run("recently locked rows are left alone", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, StaleLockThreshold: 30 * time.Minute, BatchSize: 10})
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.repo.AcquireChainLock(ctx, txn.ID))

		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 0, env.settler.settleCalls())

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.True(t, got.ChainProcessing)
	})

	t.Run("cooldown keeps freshly retried rows out", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, RetryCooldown: time.Hour, BatchSize: 10})
		helpers.CreateCompletedTransaction(t, env.db, 1)
		env.settler.err = &orchestrator.ChainExecutionError{Err: errors.New("i/o timeout"), Retryable: true}

		require.True(t, env.engine.RunShortSweep(ctx))
		require.True(t, env.engine.RunShortSweep(ctx))
		assert.Equal(t, 1, env.settler.settleCalls())
	})

	t.Run("overlapping short sweeps run once", func(t *testing.T) {
		env := newTestEngine(t, Config{RetryCeiling: 3, BatchSize: 10})
		helpers.CreateCompletedTransaction(t, env.db, 1)

		env.settler.block = make(chan struct{})

		firstDone := make(chan bool)
		go func() {
			firstDone <- env.engine.RunShortSweep(ctx)
		}()

		helpers.AssertEventually(t, time.Second, func() bool {
			return env.settler.settleCalls() == 1
		}, "first sweep never reached the settler")

		// Second sweep must refuse while the first one holds the sweep lock.
		assert.False(t, env.engine.RunShortSweep(ctx))

		close(env.settler.block)
		assert.True(t, <-firstDone)
	})
}

func TestEngine_LongSweep(t *testing.T) {
	ctx := context.Background()

	newStuckPending := func(t *testing.T, env *engineEnv) *model.Transaction {
		txn := helpers.CreateTestTransaction(t, env.db, 1)
		require.NoError(t, env.repo.SetCheckoutIDs(ctx, txn.ID, "ws_CO_stuck_"+txn.ID, "merchant-1"))
		backdatePending(t, env.db, txn.ID, 25*time.Hour)
		return txn
	}

	t.Run("forces timeout only after provider confirms nothing", func(t *testing.T) {
		env := newTestEngine(t, Config{StuckThreshold: 24 * time.Hour, BatchSize: 10})
		txn := newStuckPending(t, env)
		env.querier.err = gateway.ErrResultNotReady

		require.True(t, env.engine.RunLongSweep(ctx))
		assert.Equal(t, 1, env.querier.calls)

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusTimeout, got.Status)
	})

	t.Run("query failure leaves the row for the next sweep", func(t *testing.T) {
		env := newTestEngine(t, Config{StuckThreshold: 24 * time.Hour, BatchSize: 10})
		txn := newStuckPending(t, env)
		env.querier.err = errors.New("connection refused")

		require.True(t, env.engine.RunLongSweep(ctx))

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	})

	t.Run("late success completes and enqueues settlement", func(t *testing.T) {
		env := newTestEngine(t, Config{StuckThreshold: 24 * time.Hour, BatchSize: 10})
		txn := newStuckPending(t, env)
		env.querier.status = &gateway.StatusResponse{
			ResultCode: gateway.ResultSuccess,
			ResultDesc: "The service request is processed successfully.",
		}

		require.True(t, env.engine.RunLongSweep(ctx))

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.Equal(t, []string{txn.ID}, env.enqueuer.ids)
	})

	t.Run("user cancel maps to cancelled", func(t *testing.T) {
		env := newTestEngine(t, Config{StuckThreshold: 24 * time.Hour, BatchSize: 10})
		txn := newStuckPending(t, env)
		env.querier.status = &gateway.StatusResponse{
			ResultCode: gateway.ResultCancelledByUser,
			ResultDesc: "Request cancelled by user.",
		}

		require.True(t, env.engine.RunLongSweep(ctx))

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("fresh pending rows are untouched", func(t *testing.T) {
		env := newTestEngine(t, Config{StuckThreshold: 24 * time.Hour, BatchSize: 10})
		txn := helpers.CreateTestTransaction(t, env.db, 1)
		require.NoError(t, env.repo.SetCheckoutIDs(ctx, txn.ID, "ws_CO_fresh", "merchant-2"))

		require.True(t, env.engine.RunLongSweep(ctx))
		assert.Equal(t, 0, env.querier.calls)
	})
}

func TestEngine_ManualActions(t *testing.T) {
	ctx := context.Background()

	t.Run("force complete records the hash through the lock", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		require.NoError(t, env.engine.ForceComplete(ctx, txn.ID, "0xevidence"))

		got, err := env.repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BlockchainTxHash)
		assert.Equal(t, "0xevidence", *got.BlockchainTxHash)
		assert.False(t, got.ChainProcessing)
	})

	t.Run("force complete refuses while execution holds the lock", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.repo.AcquireChainLock(ctx, txn.ID))

		err := env.engine.ForceComplete(ctx, txn.ID, "0xevidence")
		assert.ErrorIs(t, err, ErrExecutionInProgress)
	})

	t.Run("force complete refuses an already settled transaction", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.repo.RecordSettlement(ctx, txn.ID, "0xfirst"))

		err := env.engine.ForceComplete(ctx, txn.ID, "0xsecond")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "0xfirst")
	})

	t.Run("force complete on an unknown id reports not found", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())

		err := env.engine.ForceComplete(ctx, "no-such-id", "0xevidence")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("requery applies the provider result to a pending payment", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateTestTransaction(t, env.db, 1)
		require.NoError(t, env.repo.SetCheckoutIDs(ctx, txn.ID, "ws_CO_manual", "merchant-9"))
		env.querier.status = &gateway.StatusResponse{
			ResultCode: gateway.ResultCancelledByUser,
			ResultDesc: "Request cancelled by user.",
		}

		got, err := env.engine.Requery(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("requery reports a terminal payment instead of silently passing", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		got, err := env.engine.Requery(ctx, txn.ID)
		assert.ErrorIs(t, err, ErrPaymentResolved)
		require.NotNil(t, got)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.Equal(t, 0, env.querier.calls)
	})

	t.Run("force fail removes the row from the retry loop", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		require.NoError(t, env.engine.ForceFail(ctx, txn.ID))

		list, err := env.repo.ListSettleable(ctx, 3, 0, 10)
		require.NoError(t, err)
		for _, item := range list {
			assert.NotEqual(t, txn.ID, item.ID)
		}
	})

	t.Run("stats reflect the backlog", func(t *testing.T) {
		env := newTestEngine(t, DefaultConfig())
		helpers.CreateCompletedTransaction(t, env.db, 1)
		failed := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.engine.ForceFail(ctx, failed.ID))

		stats, err := env.engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PendingRecoveryCount)
		assert.Equal(t, int64(1), stats.PermanentlyFailedCount)
	})
}
