package repository

import (
	"time"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/shopspring/decimal"
)

type TransactionEntity struct {
	ID              string  `db:"id"               gorm:"primaryKey;column:id;type:uuid"`
	PhoneNumber     string  `db:"phone_number"     gorm:"column:phone_number;not null;index"`
	WalletAddress   string  `db:"wallet_address"   gorm:"column:wallet_address;not null;index"`
	ReferrerAddress *string `db:"referrer_address" gorm:"column:referrer_address"`
	PackageID       int64   `db:"package_id"       gorm:"column:package_id;not null"`

	AmountUSD decimal.Decimal `db:"amount_usd" gorm:"column:amount_usd;type:numeric(18,2);not null"`
	AmountKES decimal.Decimal `db:"amount_kes" gorm:"column:amount_kes;type:numeric(18,2);not null"`

	// Nullable: rows are created before the STK push, so the provider id
	// arrives later via SetCheckoutIDs. NULL keeps the unique index off
	// rows that have no id yet.
	CheckoutRequestID *string `db:"checkout_request_id" gorm:"column:checkout_request_id;uniqueIndex"`
	MerchantRequestID string  `db:"merchant_request_id" gorm:"column:merchant_request_id"`
	ReceiptNumber     string  `db:"receipt_number"      gorm:"column:receipt_number"`
	ResultCode        *int    `db:"result_code"         gorm:"column:result_code"`
	ResultDesc        string  `db:"result_desc"         gorm:"column:result_desc"`

	Status string `db:"status" gorm:"column:status;not null;index:idx_tx_recovery"`

	BlockchainTxHash *string `db:"blockchain_tx_hash" gorm:"column:blockchain_tx_hash;index:idx_tx_recovery"`
	ChainProcessing  bool    `db:"chain_processing"   gorm:"column:chain_processing;not null;default:false"`

	RetryCount        int        `db:"retry_count"        gorm:"column:retry_count;not null;default:0;index:idx_tx_recovery"`
	LastRetryAt       *time.Time `db:"last_retry_at"      gorm:"column:last_retry_at"`
	PermanentlyFailed bool       `db:"permanently_failed" gorm:"column:permanently_failed;not null;default:false"`

	CreatedAt   time.Time  `db:"created_at"   gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt   time.Time  `db:"updated_at"   gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt *time.Time `db:"completed_at" gorm:"column:completed_at"`
}

func (TransactionEntity) TableName() string {
	return "payment_transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	var checkoutID *string
	if m.CheckoutRequestID != "" {
		checkoutID = &m.CheckoutRequestID
	}
	return &TransactionEntity{
		ID:                m.ID,
		PhoneNumber:       m.PhoneNumber,
		WalletAddress:     m.WalletAddress,
		ReferrerAddress:   m.ReferrerAddress,
		PackageID:         m.PackageID,
		AmountUSD:         m.AmountUSD,
		AmountKES:         m.AmountKES,
		CheckoutRequestID: checkoutID,
		MerchantRequestID: m.MerchantRequestID,
		ReceiptNumber:     m.ReceiptNumber,
		ResultCode:        m.ResultCode,
		ResultDesc:        m.ResultDesc,
		Status:            string(m.Status),
		BlockchainTxHash:  m.BlockchainTxHash,
		ChainProcessing:   m.ChainProcessing,
		RetryCount:        m.RetryCount,
		LastRetryAt:       m.LastRetryAt,
		PermanentlyFailed: m.PermanentlyFailed,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		CompletedAt:       m.CompletedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	var checkoutID string
	if e.CheckoutRequestID != nil {
		checkoutID = *e.CheckoutRequestID
	}
	return &model.Transaction{
		ID:                e.ID,
		PhoneNumber:       e.PhoneNumber,
		WalletAddress:     e.WalletAddress,
		ReferrerAddress:   e.ReferrerAddress,
		PackageID:         e.PackageID,
		AmountUSD:         e.AmountUSD,
		AmountKES:         e.AmountKES,
		CheckoutRequestID: checkoutID,
		MerchantRequestID: e.MerchantRequestID,
		ReceiptNumber:     e.ReceiptNumber,
		ResultCode:        e.ResultCode,
		ResultDesc:        e.ResultDesc,
		Status:            model.TransactionStatus(e.Status),
		BlockchainTxHash:  e.BlockchainTxHash,
		ChainProcessing:   e.ChainProcessing,
		RetryCount:        e.RetryCount,
		LastRetryAt:       e.LastRetryAt,
		PermanentlyFailed: e.PermanentlyFailed,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		CompletedAt:       e.CompletedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
