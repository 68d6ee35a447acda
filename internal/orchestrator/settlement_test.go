package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/blockcoop/settlement-gateway/internal/chain"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/blockcoop/settlement-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu          sync.Mutex
	pkg         *chain.Package
	pkgErr      error
	balance     *big.Int
	purchaseErr error
	hash        string

	packageCalls  int
	purchaseCalls int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		pkg: &chain.Package{
			ID:           1,
			EntryUSDT:    big.NewInt(100_000_000_000_000_000),
			ExchangeRate: big.NewInt(2_000_000_000_000_000_000),
			ReferralBps:  250,
			Active:       true,
			Exists:       true,
			Name:         "Starter",
		},
		balance: big.NewInt(1_000_000_000_000_000_000),
		hash:    "0xdeadbeef",
	}
}

func (f *fakeExecutor) GetPackage(ctx context.Context, packageID int64) (*chain.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packageCalls++
	if f.pkgErr != nil {
		return nil, f.pkgErr
	}
	return f.pkg, nil
}

func (f *fakeExecutor) SettlementBalance(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExecutor) EnsureSettlementAllowance(ctx context.Context, needed *big.Int) error {
	return nil
}

func (f *fakeExecutor) EnsureRewardAllowance(ctx context.Context, needed *big.Int) error {
	return nil
}

func (f *fakeExecutor) Purchase(ctx context.Context, req *chain.PurchaseRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseCalls++
	if f.purchaseErr != nil {
		return "", f.purchaseErr
	}
	return f.hash, nil
}

func (f *fakeExecutor) purchases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purchaseCalls
}

type settlerEnv struct {
	settler  *Settler
	db       *pg.DB
	txns     *repository.TransactionRepository
	bridges  *repository.BridgeRepository
	executor *fakeExecutor
}

func newTestSettler(t *testing.T) *settlerEnv {
	db := helpers.SetupTestDB(t)
	txRepo := repository.NewTransactionRepository(db)
	bridgeRepo := repository.NewBridgeRepository(db)
	executor := newFakeExecutor()
	return &settlerEnv{
		settler:  NewSettler(txRepo, bridgeRepo, executor),
		db:       db,
		txns:     txRepo,
		bridges:  bridgeRepo,
		executor: executor,
	}
}

func TestSettler_Settle(t *testing.T) {
	ctx := context.Background()

	t.Run("records hash and completes bridge", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		hash, err := env.settler.Settle(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, env.executor.hash, hash)

		got, err := env.txns.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BlockchainTxHash)
		assert.Equal(t, env.executor.hash, *got.BlockchainTxHash)
		assert.False(t, got.ChainProcessing)

		bridge, err := env.bridges.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeCompleted, bridge.Status)
		assert.Equal(t, env.executor.pkg.EntryUSDT.String(), bridge.ChainAmount)
	})

	t.Run("fast exit when hash already recorded", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		require.NoError(t, env.txns.RecordSettlement(ctx, txn.ID, "0xearlier"))

		hash, err := env.settler.Settle(ctx, txn.ID)
		assert.ErrorIs(t, err, ErrAlreadySettled)
		assert.Equal(t, "0xearlier", hash)
		assert.Equal(t, 0, env.executor.purchases())
	})

	t.Run("pending payment is not eligible", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateTestTransaction(t, env.db, 1)

		_, err := env.settler.Settle(ctx, txn.ID)
		assert.ErrorIs(t, err, ErrNotEligible)
		assert.Equal(t, 0, env.executor.purchases())
	})

	t.Run("concurrent settles execute the purchase once", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.settler.Settle(ctx, txn.ID)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyProcessing) || errors.Is(err, ErrAlreadySettled):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, env.executor.purchases())

		got, err := env.txns.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BlockchainTxHash)
	})

	t.Run("purchase failure releases the lock and fails the bridge", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.executor.purchaseErr = errors.New("nonce too low")

		_, err := env.settler.Settle(ctx, txn.ID)
		var execErr *ChainExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.True(t, execErr.Retryable)
		assert.True(t, Retryable(err))

		bridge, err := env.bridges.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeFailed, bridge.Status)

		// Lock must be free for the next attempt.
		env.executor.purchaseErr = nil
		hash, err := env.settler.Settle(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, env.executor.hash, hash)
	})

	t.Run("inactive package fails validation permanently", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.executor.pkg.Active = false

		_, err := env.settler.Settle(ctx, txn.ID)
		var verr *ChainValidationError
		require.ErrorAs(t, err, &verr)
		assert.False(t, Retryable(err))
		assert.Equal(t, 0, env.executor.purchases())

		bridge, err := env.bridges.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeFailed, bridge.Status)
	})

	t.Run("treasury shortfall blocks with a retryable error", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.executor.balance = big.NewInt(1)

		_, err := env.settler.Settle(ctx, txn.ID)
		var funds *InsufficientTreasuryFundsError
		require.ErrorAs(t, err, &funds)
		assert.True(t, Retryable(err))
		assert.Equal(t, 0, env.executor.purchases())
	})

	t.Run("reverted purchase is not retryable", func(t *testing.T) {
		env := newTestSettler(t)
		txn := helpers.CreateCompletedTransaction(t, env.db, 1)
		env.executor.purchaseErr = chain.ErrReverted

		_, err := env.settler.Settle(ctx, txn.ID)
		var execErr *ChainExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.False(t, execErr.Retryable)
		assert.False(t, Retryable(err))
	})
}

func TestReferralReward(t *testing.T) {
	pkg := &chain.Package{
		EntryUSDT:    big.NewInt(100_000_000_000_000_000),   // 0.1 token units
		ExchangeRate: big.NewInt(2_000_000_000_000_000_000), // 2 tokens per unit
		ReferralBps:  250,                                   // 2.5%
	}

	reward := referralReward(pkg)
	// 0.1 * 2 * 2.5% = 0.005 tokens
	assert.Equal(t, "5000000000000000", reward.String())

	t.Run("zero without referral bps", func(t *testing.T) {
		pkg := &chain.Package{EntryUSDT: big.NewInt(100), ExchangeRate: big.NewInt(1)}
		assert.Zero(t, referralReward(pkg).Sign())
	})
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"provider rejection", &PaymentProviderError{Code: 1, Desc: "insufficient funds"}, false},
		{"validation", &ChainValidationError{Reason: "package inactive"}, false},
		{"execution non-retryable", &ChainExecutionError{Err: errors.New("execution reverted"), Retryable: false}, false},
		{"execution retryable", &ChainExecutionError{Err: errors.New("nonce too low"), Retryable: true}, true},
		{"provider timeout", &PaymentTimeoutError{Op: "stk_query"}, true},
		{"treasury shortfall", &InsufficientTreasuryFundsError{Balance: big.NewInt(1), Needed: big.NewInt(2)}, true},
		// A raw infrastructure error must never strand a paid transaction
		// as permanently failed on its first attempt.
		{"raw infrastructure error", errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"), true},
		{"wrapped infrastructure error", fmt.Errorf("loading transaction: %w", errors.New("i/o timeout")), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, Retryable(tc.err))
		})
	}
}
