package repository

import (
	"context"
	"errors"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"gorm.io/gorm"
)

// ErrBridgeNotFound is returned when no bridge record exists for a
// transaction.
var ErrBridgeNotFound = errors.New("bridge record not found")

type BridgeRepository struct {
	*pg.DB
}

func NewBridgeRepository(db *pg.DB) *BridgeRepository {
	return &BridgeRepository{
		db,
	}
}

// EnsureForTransaction returns the bridge record for a transaction, creating
// it on the first execution attempt. The unique index on transaction_id
// keeps the relation 1:0..1 even under concurrent creation.
func (r *BridgeRepository) EnsureForTransaction(ctx context.Context, rec *model.BridgeRecord) (*model.BridgeRecord, error) {
	var existing BridgeRecordEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("transaction_id = ?", rec.TransactionID).
		First(&existing).Error
	if err == nil {
		return toBridgeRecordModel(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if rec.Status == "" {
		rec.Status = model.BridgePending
	}
	entity := toBridgeRecordEntity(rec)
	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		// Lost a creation race; the winner's row is authoritative.
		err2 := r.Write(ctx).WithContext(ctx).
			Where("transaction_id = ?", rec.TransactionID).
			First(&existing).Error
		if err2 != nil {
			return nil, err
		}
		return toBridgeRecordModel(&existing), nil
	}
	return toBridgeRecordModel(entity), nil
}

func (r *BridgeRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.BridgeRecord, error) {
	var entity BridgeRecordEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBridgeNotFound
		}
		return nil, err
	}
	return toBridgeRecordModel(&entity), nil
}

// MarkCompleted records the confirmed purchase hash on the bridge record.
func (r *BridgeRepository) MarkCompleted(ctx context.Context, id int64, txHash string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&BridgeRecordEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        string(model.BridgeCompleted),
			"tx_hash":       txHash,
			"error_message": "",
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error
}

// MarkFailed records the failure reason; the record stays in place for the
// next retry to update.
func (r *BridgeRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&BridgeRecordEntity{}).
		Where("id = ? AND status <> ?", id, string(model.BridgeCompleted)).
		Updates(map[string]interface{}{
			"status":        string(model.BridgeFailed),
			"error_message": reason,
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error
}
