package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockcoop/settlement-gateway/internal/chain"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/prom"
)

type TransactionStore interface {
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	AcquireChainLock(ctx context.Context, id string) error
	ReleaseChainLock(ctx context.Context, id string) error
	RecordSettlement(ctx context.Context, id string, txHash string) error
}

type BridgeStore interface {
	EnsureForTransaction(ctx context.Context, rec *model.BridgeRecord) (*model.BridgeRecord, error)
	MarkCompleted(ctx context.Context, id int64, txHash string) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

type ChainExecutor interface {
	GetPackage(ctx context.Context, packageID int64) (*chain.Package, error)
	SettlementBalance(ctx context.Context) (*big.Int, error)
	EnsureSettlementAllowance(ctx context.Context, needed *big.Int) error
	EnsureRewardAllowance(ctx context.Context, needed *big.Int) error
	Purchase(ctx context.Context, req *chain.PurchaseRequest) (string, error)
}

// tokenUnit scales exchangeRate arithmetic (rates are expressed per 1e18).
var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const referralBpsDenominator = 10_000

// Settler executes the on-chain purchase for a completed payment exactly
// once. Mutual exclusion comes entirely from the store's conditional
// chain_processing update; callers may race freely.
type Settler struct {
	transactions TransactionStore
	bridges      BridgeStore
	executor     ChainExecutor
}

func NewSettler(transactions TransactionStore, bridges BridgeStore, executor ChainExecutor) *Settler {
	return &Settler{
		transactions: transactions,
		bridges:      bridges,
		executor:     executor,
	}
}

// Settle runs the full settlement protocol for one transaction and returns
// the confirmed transaction hash. ErrAlreadySettled and ErrAlreadyProcessing
// are expected outcomes under duplicate triggers, not failures.
func (s *Settler) Settle(ctx context.Context, transactionID string) (string, error) {
	txn, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return "", err
	}

	// Fast exit: already done.
	if txn.BlockchainTxHash != nil {
		return *txn.BlockchainTxHash, ErrAlreadySettled
	}
	if txn.Status != model.StatusCompleted || txn.PermanentlyFailed {
		return "", ErrNotEligible
	}

	if err := s.transactions.AcquireChainLock(ctx, transactionID); err != nil {
		if errors.Is(err, repository.ErrLockNotAcquired) {
			return "", ErrAlreadyProcessing
		}
		return "", err
	}
	defer func() {
		// Release must survive any failure above; use a fresh context in
		// case the caller's one is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.transactions.ReleaseChainLock(releaseCtx, transactionID); err != nil {
			logger.Error("Failed to release chain lock", "transaction_id", transactionID, "error", err)
		}
	}()

	start := time.Now()
	hash, err := s.execute(ctx, txn)
	if err != nil {
		prom.RecordSettlementAttempt("failure", time.Since(start).Seconds())
		logger.Error("Settlement attempt failed", "transaction_id", transactionID, "retryable", Retryable(err), "error", err)
		return "", err
	}

	prom.RecordSettlementAttempt("success", time.Since(start).Seconds())
	logger.Info("Settlement recorded", "transaction_id", transactionID, "tx_hash", hash)
	return hash, nil
}

func (s *Settler) execute(ctx context.Context, txn *model.Transaction) (string, error) {
	if !common.IsHexAddress(txn.WalletAddress) {
		return "", s.failValidation(ctx, txn, nil, "malformed wallet address "+txn.WalletAddress)
	}

	pkg, err := s.executor.GetPackage(ctx, txn.PackageID)
	if err != nil {
		if errors.Is(err, chain.ErrPackageNotFound) {
			return "", s.failValidation(ctx, txn, nil, err.Error())
		}
		return "", &ChainExecutionError{Err: err, Retryable: chain.IsRetryable(err)}
	}
	if !pkg.Active {
		return "", s.failValidation(ctx, txn, nil, chain.ErrPackageInactive.Error())
	}
	if pkg.EntryUSDT == nil || pkg.EntryUSDT.Sign() <= 0 {
		return "", s.failValidation(ctx, txn, nil, "non-positive package amount")
	}

	bridge, err := s.bridges.EnsureForTransaction(ctx, &model.BridgeRecord{
		TransactionID:   txn.ID,
		PackageID:       txn.PackageID,
		WalletAddress:   txn.WalletAddress,
		ReferrerAddress: txn.ReferrerAddress,
		ChainAmount:     pkg.EntryUSDT.String(),
	})
	if err != nil {
		return "", err
	}

	balance, err := s.executor.SettlementBalance(ctx)
	if err != nil {
		return "", s.failExecution(ctx, bridge, err)
	}
	if balance.Cmp(pkg.EntryUSDT) < 0 {
		prom.RecordTreasuryShortfall()
		fundErr := &InsufficientTreasuryFundsError{Balance: balance, Needed: pkg.EntryUSDT}
		if markErr := s.bridges.MarkFailed(ctx, bridge.ID, fundErr.Error()); markErr != nil {
			logger.Error("Failed to mark bridge record", "bridge_id", bridge.ID, "error", markErr)
		}
		return "", fundErr
	}

	if err := s.executor.EnsureSettlementAllowance(ctx, pkg.EntryUSDT); err != nil {
		return "", s.failExecution(ctx, bridge, err)
	}

	var referrer *common.Address
	if txn.ReferrerAddress != nil && *txn.ReferrerAddress != "" {
		if !common.IsHexAddress(*txn.ReferrerAddress) {
			return "", s.failValidation(ctx, txn, bridge, "malformed referrer address "+*txn.ReferrerAddress)
		}
		addr := common.HexToAddress(*txn.ReferrerAddress)
		referrer = &addr

		// Referral rewards are paid from the same treasury in the reward
		// token; ensure that allowance up front so the payout cannot
		// silently fail inside the purchase.
		if err := s.executor.EnsureRewardAllowance(ctx, referralReward(pkg)); err != nil {
			return "", s.failExecution(ctx, bridge, err)
		}
	}

	hash, err := s.executor.Purchase(ctx, &chain.PurchaseRequest{
		PackageID: txn.PackageID,
		Buyer:     common.HexToAddress(txn.WalletAddress),
		Referrer:  referrer,
	})
	if err != nil {
		return "", s.failExecution(ctx, bridge, err)
	}

	if err := s.transactions.RecordSettlement(ctx, txn.ID, hash); err != nil {
		// The purchase landed; bookkeeping failed. Do not fail the bridge,
		// the recovery fast-exit path will reconcile from the hash.
		logger.Error("Settlement confirmed but hash not recorded", "transaction_id", txn.ID, "tx_hash", hash, "error", err)
		return "", err
	}
	if err := s.bridges.MarkCompleted(ctx, bridge.ID, hash); err != nil {
		logger.Error("Failed to complete bridge record", "bridge_id", bridge.ID, "error", err)
	}

	return hash, nil
}

func (s *Settler) failValidation(ctx context.Context, txn *model.Transaction, bridge *model.BridgeRecord, reason string) error {
	verr := &ChainValidationError{Reason: reason}
	if bridge == nil {
		rec, err := s.bridges.EnsureForTransaction(ctx, &model.BridgeRecord{
			TransactionID: txn.ID,
			PackageID:     txn.PackageID,
			WalletAddress: txn.WalletAddress,
			ChainAmount:   "0",
		})
		if err != nil {
			logger.Error("Failed to ensure bridge record", "transaction_id", txn.ID, "error", err)
			return verr
		}
		bridge = rec
	}
	if err := s.bridges.MarkFailed(ctx, bridge.ID, verr.Error()); err != nil {
		logger.Error("Failed to mark bridge record", "bridge_id", bridge.ID, "error", err)
	}
	return verr
}

func (s *Settler) failExecution(ctx context.Context, bridge *model.BridgeRecord, cause error) error {
	execErr := &ChainExecutionError{Err: cause, Retryable: chain.IsRetryable(cause)}
	if err := s.bridges.MarkFailed(ctx, bridge.ID, execErr.Error()); err != nil {
		logger.Error("Failed to mark bridge record", "bridge_id", bridge.ID, "error", err)
	}
	return execErr
}

// referralReward estimates the reward-token amount the purchase will pay the
// referrer: entryUSDT converted at the package exchange rate, scaled by the
// referral basis points.
func referralReward(pkg *chain.Package) *big.Int {
	if pkg.ExchangeRate == nil || pkg.ExchangeRate.Sign() <= 0 || pkg.ReferralBps == 0 {
		return big.NewInt(0)
	}
	tokens := new(big.Int).Mul(pkg.EntryUSDT, pkg.ExchangeRate)
	tokens.Div(tokens, tokenUnit)
	reward := tokens.Mul(tokens, big.NewInt(int64(pkg.ReferralBps)))
	return reward.Div(reward, big.NewInt(referralBpsDenominator))
}
