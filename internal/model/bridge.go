package model

import "time"

// BridgeStatus is the lifecycle state of the chain-execution leg.
type BridgeStatus string

const (
	BridgePending   BridgeStatus = "pending"
	BridgeCompleted BridgeStatus = "completed"
	BridgeFailed    BridgeStatus = "failed"
)

// BridgeRecord is one attempt to realize a payment on-chain. It is created
// lazily on the first execution attempt and updated in place on retries, so
// a transaction has at most one bridge record and at most one completed
// purchase.
type BridgeRecord struct {
	ID              int64        `json:"id"`
	TransactionID   string       `json:"transaction_id"`
	PackageID       int64        `json:"package_id"`
	WalletAddress   string       `json:"wallet_address"`
	ReferrerAddress *string      `json:"referrer_address,omitempty"`
	ChainAmount     string       `json:"chain_amount"` // token base units, decimal string
	Status          BridgeStatus `json:"status"`
	TxHash          *string      `json:"tx_hash,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Attempts        int          `json:"attempts"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
