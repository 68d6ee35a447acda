package repository

import (
	"time"

	"github.com/blockcoop/settlement-gateway/internal/model"
)

type BridgeRecordEntity struct {
	ID              int64      `db:"id"               gorm:"primaryKey;autoIncrement;column:id"`
	TransactionID   string     `db:"transaction_id"   gorm:"column:transaction_id;not null;uniqueIndex"`
	PackageID       int64      `db:"package_id"       gorm:"column:package_id;not null"`
	WalletAddress   string     `db:"wallet_address"   gorm:"column:wallet_address;not null"`
	ReferrerAddress *string    `db:"referrer_address" gorm:"column:referrer_address"`
	ChainAmount     string     `db:"chain_amount"     gorm:"column:chain_amount;not null"`
	Status          string     `db:"status"           gorm:"column:status;not null;index"`
	TxHash          *string    `db:"tx_hash"          gorm:"column:tx_hash"`
	ErrorMessage    string     `db:"error_message"    gorm:"column:error_message"`
	Attempts        int        `db:"attempts"         gorm:"column:attempts;not null;default:0"`
	CreatedAt       time.Time  `db:"created_at"       gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `db:"updated_at"       gorm:"column:updated_at;autoUpdateTime"`
}

func (BridgeRecordEntity) TableName() string {
	return "bridge_records"
}

func toBridgeRecordEntity(m *model.BridgeRecord) *BridgeRecordEntity {
	if m == nil {
		return nil
	}
	return &BridgeRecordEntity{
		ID:              m.ID,
		TransactionID:   m.TransactionID,
		PackageID:       m.PackageID,
		WalletAddress:   m.WalletAddress,
		ReferrerAddress: m.ReferrerAddress,
		ChainAmount:     m.ChainAmount,
		Status:          string(m.Status),
		TxHash:          m.TxHash,
		ErrorMessage:    m.ErrorMessage,
		Attempts:        m.Attempts,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toBridgeRecordModel(e *BridgeRecordEntity) *model.BridgeRecord {
	if e == nil {
		return nil
	}
	return &model.BridgeRecord{
		ID:              e.ID,
		TransactionID:   e.TransactionID,
		PackageID:       e.PackageID,
		WalletAddress:   e.WalletAddress,
		ReferrerAddress: e.ReferrerAddress,
		ChainAmount:     e.ChainAmount,
		Status:          model.BridgeStatus(e.Status),
		TxHash:          e.TxHash,
		ErrorMessage:    e.ErrorMessage,
		Attempts:        e.Attempts,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}
