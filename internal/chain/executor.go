package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blockcoop/settlement-gateway/pkg/logger"
)

var (
	ErrReverted         = errors.New("transaction reverted on chain")
	ErrConfirmTimeout   = errors.New("confirmation wait timed out")
	ErrPackageNotFound  = errors.New("package does not exist")
	ErrPackageInactive  = errors.New("package is not active")
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

// Config holds the chain connection and contract wiring. PurchaseForEnabled
// declares at startup whether the treasury wallet holds the on-chain role
// required for purchaseFor; it is never probed at runtime.
type Config struct {
	RPCURL                string
	ChainID               int64
	TreasuryPrivateKey    string
	PackageManagerAddress string
	SettlementToken       string
	RewardToken           string
	PurchaseForEnabled    bool
	GasMarginPercent      int64
	RPCTimeout            time.Duration
	ConfirmTimeout        time.Duration
}

// Package mirrors the PackageManager on-chain package record.
type Package struct {
	ID           int64
	EntryUSDT    *big.Int
	ExchangeRate *big.Int
	ReferralBps  uint16
	Active       bool
	Exists       bool
	Name         string
}

// PurchaseRequest describes a single settlement purchase.
type PurchaseRequest struct {
	PackageID int64
	Buyer     common.Address
	Referrer  *common.Address
}

// Executor submits settlement purchases from the treasury wallet. All writes
// go through gas estimation with a safety margin; confirmation waits carry
// their own timeout, separate from the submission RPC timeout.
type Executor struct {
	config     *Config
	client     *ethclient.Client
	opts       *bind.TransactOpts
	treasury   common.Address
	pkgManager common.Address
	settleTok  common.Address
	rewardTok  common.Address
	erc20      abi.ABI
	pkgABI     abi.ABI
}

// generousAllowance (~1e27) is approved whenever the current allowance falls
// below the needed amount, so approvals are rare instead of per-purchase.
var generousAllowance = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

func NewExecutor(ctx context.Context, config *Config) (*Executor, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.RPCURL == "" || config.TreasuryPrivateKey == "" {
		return nil, errors.New("rpc url and treasury key are required")
	}
	if !common.IsHexAddress(config.PackageManagerAddress) || !common.IsHexAddress(config.SettlementToken) {
		return nil, errors.New("contract addresses are required")
	}
	if config.GasMarginPercent <= 0 {
		config.GasMarginPercent = 20
	}
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = 30 * time.Second
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = 3 * time.Minute
	}

	client, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(config.TreasuryPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(config.ChainID))
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	erc20, err := erc20ABI()
	if err != nil {
		return nil, err
	}
	pkgABI, err := packageManagerABI()
	if err != nil {
		return nil, err
	}

	e := &Executor{
		config:     config,
		client:     client,
		opts:       opts,
		treasury:   crypto.PubkeyToAddress(key.PublicKey),
		pkgManager: common.HexToAddress(config.PackageManagerAddress),
		settleTok:  common.HexToAddress(config.SettlementToken),
		rewardTok:  common.HexToAddress(config.RewardToken),
		erc20:      erc20,
		pkgABI:     pkgABI,
	}

	logger.Info("Chain executor initialized",
		"treasury", e.treasury.Hex(),
		"package_manager", e.pkgManager.Hex(),
		"chain_id", config.ChainID,
		"purchase_for", config.PurchaseForEnabled)

	return e, nil
}

func (e *Executor) Treasury() common.Address {
	return e.treasury
}

func (e *Executor) Close() {
	e.client.Close()
}

type packageData struct {
	EntryUSDT    *big.Int
	ExchangeRate *big.Int
	Cliff        uint64
	Duration     uint64
	VestBps      uint16
	ReferralBps  uint16
	Active       bool
	Exists       bool
	Name         string
}

// GetPackage reads a package definition from the PackageManager contract.
func (e *Executor) GetPackage(ctx context.Context, packageID int64) (*Package, error) {
	out, err := e.call(ctx, e.pkgManager, e.pkgABI, "getPackage", big.NewInt(packageID))
	if err != nil {
		return nil, fmt.Errorf("getPackage(%d): %w", packageID, err)
	}

	data := *abi.ConvertType(out[0], new(packageData)).(*packageData)
	if !data.Exists {
		return nil, ErrPackageNotFound
	}

	return &Package{
		ID:           packageID,
		EntryUSDT:    data.EntryUSDT,
		ExchangeRate: data.ExchangeRate,
		ReferralBps:  data.ReferralBps,
		Active:       data.Active,
		Exists:       data.Exists,
		Name:         data.Name,
	}, nil
}

// SettlementBalance returns the treasury's settlement-token balance.
func (e *Executor) SettlementBalance(ctx context.Context) (*big.Int, error) {
	out, err := e.call(ctx, e.settleTok, e.erc20, "balanceOf", e.treasury)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// EnsureSettlementAllowance makes sure the PackageManager can pull at least
// needed settlement tokens from the treasury, approving generously when the
// current allowance is short and waiting for the approval to confirm.
func (e *Executor) EnsureSettlementAllowance(ctx context.Context, needed *big.Int) error {
	return e.ensureAllowance(ctx, e.settleTok, needed)
}

// EnsureRewardAllowance covers referral payouts, which are pulled from the
// same treasury in the reward token.
func (e *Executor) EnsureRewardAllowance(ctx context.Context, needed *big.Int) error {
	if e.rewardTok == (common.Address{}) {
		return errors.New("reward token not configured")
	}
	return e.ensureAllowance(ctx, e.rewardTok, needed)
}

func (e *Executor) ensureAllowance(ctx context.Context, token common.Address, needed *big.Int) error {
	out, err := e.call(ctx, token, e.erc20, "allowance", e.treasury, e.pkgManager)
	if err != nil {
		return fmt.Errorf("allowance: %w", err)
	}
	current := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if current.Cmp(needed) >= 0 {
		return nil
	}

	amount := new(big.Int).Set(generousAllowance)
	if amount.Cmp(needed) < 0 {
		amount.Set(needed)
	}

	logger.Info("Approving token allowance", "token", token.Hex(), "current", current.String(), "needed", needed.String())

	tx, err := e.transact(ctx, token, e.erc20, "approve", e.pkgManager, amount)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	if _, err := e.waitConfirmed(ctx, tx); err != nil {
		return fmt.Errorf("approve confirmation: %w", err)
	}
	return nil
}

// Purchase submits the on-chain purchase and waits for confirmation. The
// confirmed transaction hash is returned.
func (e *Executor) Purchase(ctx context.Context, req *PurchaseRequest) (string, error) {
	if req.Buyer == (common.Address{}) {
		return "", ErrInvalidRecipient
	}

	referrer := common.Address{}
	if req.Referrer != nil {
		referrer = *req.Referrer
	}

	var (
		tx  *types.Transaction
		err error
	)
	if e.config.PurchaseForEnabled {
		tx, err = e.transact(ctx, e.pkgManager, e.pkgABI, "purchaseFor", req.Buyer, big.NewInt(req.PackageID), referrer)
	} else {
		// Without the purchaseFor role the treasury is the nominal buyer
		// and tokens are distributed to it rather than the end wallet.
		tx, err = e.transact(ctx, e.pkgManager, e.pkgABI, "purchase", big.NewInt(req.PackageID), referrer)
	}
	if err != nil {
		return "", fmt.Errorf("purchase submission: %w", err)
	}

	logger.Info("Purchase submitted", "tx_hash", tx.Hash().Hex(), "package_id", req.PackageID, "buyer", req.Buyer.Hex())

	receipt, err := e.waitConfirmed(ctx, tx)
	if err != nil {
		return "", err
	}

	logger.Info("Purchase confirmed", "tx_hash", tx.Hash().Hex(), "block", receipt.BlockNumber.String(), "gas_used", receipt.GasUsed)

	return tx.Hash().Hex(), nil
}

func (e *Executor) call(ctx context.Context, addr common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RPCTimeout)
	defer cancel()

	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	output, err := e.client.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, err
	}

	return contractABI.Unpack(method, output)
}

// transact estimates gas for the call, applies the configured safety margin
// and submits the signed transaction.
func (e *Executor) transact(ctx context.Context, addr common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Transaction, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RPCTimeout)
	defer cancel()

	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	gas, err := e.client.EstimateGas(callCtx, ethereum.CallMsg{
		From: e.treasury,
		To:   &addr,
		Data: input,
	})
	if err != nil {
		return nil, fmt.Errorf("gas estimate for %s: %w", method, err)
	}

	opts := *e.opts
	opts.Context = callCtx
	opts.GasLimit = gas + gas*uint64(e.config.GasMarginPercent)/100

	contract := bind.NewBoundContract(addr, contractABI, e.client, e.client, e.client)
	return contract.Transact(&opts, method, args...)
}

// waitConfirmed blocks until the transaction is mined, bounded by the
// confirmation timeout rather than the submission timeout.
func (e *Executor) waitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.ConfirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, e.client, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConfirmTimeout, tx.Hash().Hex())
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}
