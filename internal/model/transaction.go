package model

import (
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of the payment leg.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusTimeout   TransactionStatus = "timeout"
)

var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
	// Terminal states. The recovery engine may re-query the provider for a
	// failed/timeout row, but a local transition out of them never happens
	// automatically; completed is final for the payment leg.
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusTimeout:   {},
}

// CanTransition reports whether the payment status may move from -> to.
func CanTransition(from, to TransactionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	return s != StatusPending
}

// Transaction is one mobile-money payment attempt and its chain linkage.
// Rows are never deleted; status changes supersede each other.
type Transaction struct {
	ID              string  `json:"id"`
	PhoneNumber     string  `json:"phone_number"`
	WalletAddress   string  `json:"wallet_address"`
	ReferrerAddress *string `json:"referrer_address,omitempty"`
	PackageID       int64   `json:"package_id"`

	// Amounts are captured at initiation time and never recomputed.
	AmountUSD decimal.Decimal `json:"amount_usd"`
	AmountKES decimal.Decimal `json:"amount_kes"`

	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	ReceiptNumber     string `json:"receipt_number,omitempty"`
	ResultCode        *int   `json:"result_code,omitempty"`
	ResultDesc        string `json:"result_desc,omitempty"`

	Status TransactionStatus `json:"status"`

	// BlockchainTxHash is set only once a purchase is confirmed on-chain.
	BlockchainTxHash *string `json:"blockchain_tx_hash,omitempty"`
	// ChainProcessing is the settlement mutual-exclusion flag. Only the
	// repository's conditional update may set it.
	ChainProcessing bool `json:"chain_processing"`

	RetryCount        int        `json:"retry_count"`
	LastRetryAt       *time.Time `json:"last_retry_at,omitempty"`
	PermanentlyFailed bool       `json:"permanently_failed"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Settled reports whether the on-chain purchase for this payment has been
// confirmed and recorded.
func (t *Transaction) Settled() bool {
	return t.BlockchainTxHash != nil && *t.BlockchainTxHash != ""
}

var (
	phonePattern   = regexp.MustCompile(`^254[17]\d{8}$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// CreateRequest is the input for initiating a payment.
type TransactionCreateRequest struct {
	PhoneNumber     string
	WalletAddress   string
	ReferrerAddress *string
	PackageID       int64
	AmountUSD       decimal.Decimal
}

func (p TransactionCreateRequest) Validate() error {
	if !phonePattern.MatchString(p.PhoneNumber) {
		return errors.New("phone_number must be in 2547XXXXXXXX or 2541XXXXXXXX format")
	}
	if !addressPattern.MatchString(p.WalletAddress) {
		return errors.New("wallet_address is not a valid address")
	}
	if p.ReferrerAddress != nil && !addressPattern.MatchString(*p.ReferrerAddress) {
		return errors.New("referrer_address is not a valid address")
	}
	if p.PackageID < 0 {
		return errors.New("package_id is required")
	}
	if p.AmountUSD.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount_usd must be positive")
	}
	return nil
}

// TransactionFilter controls List queries.
type TransactionFilter struct {
	PhoneNumber   *string
	WalletAddress *string
	Statuses      []TransactionStatus
	PackageID     *int64
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
	Desc          bool
}

// RecoveryStats is the operator-facing view of the recovery backlog.
type RecoveryStats struct {
	PendingRecoveryCount   int64                       `json:"pending_recovery_count"`
	PermanentlyFailedCount int64                       `json:"permanently_failed_count"`
	StatusBreakdown        map[TransactionStatus]int64 `json:"status_breakdown"`
}
