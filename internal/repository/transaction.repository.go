package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a payment transaction does not exist.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition is returned when a status update would leave a
	// terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrLockNotAcquired is returned when the settlement lock is already
	// held or the purchase already recorded.
	ErrLockNotAcquired = errors.New("settlement lock not acquired")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Status == "" {
		txn.Status = model.StatusPending
	}
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).Where("checkout_request_id = ?", checkoutID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// SetCheckoutIDs records the provider correlation ids after the STK push
// was accepted.
func (r *TransactionRepository) SetCheckoutIDs(ctx context.Context, id, checkoutID, merchantID string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"checkout_request_id": checkoutID,
			"merchant_request_id": merchantID,
		}).Error
}

// CompleteFromPending transitions pending -> completed, recording the
// provider receipt. The WHERE clause makes duplicate callbacks no-ops.
func (r *TransactionRepository) CompleteFromPending(ctx context.Context, id, receipt string, resultCode int, resultDesc string) (bool, error) {
	now := time.Now().UTC()
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND status = ?", id, string(model.StatusPending)).
		Updates(map[string]interface{}{
			"status":         string(model.StatusCompleted),
			"receipt_number": receipt,
			"result_code":    resultCode,
			"result_desc":    resultDesc,
			"completed_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FailFromPending transitions pending -> failed/cancelled/timeout. Returns
// ErrInvalidTransition for a non-terminal target status.
func (r *TransactionRepository) FailFromPending(ctx context.Context, id string, to model.TransactionStatus, resultCode *int, resultDesc string) (bool, error) {
	if !model.CanTransition(model.StatusPending, to) || to == model.StatusCompleted {
		return false, ErrInvalidTransition
	}
	updates := map[string]interface{}{
		"status":      string(to),
		"result_desc": resultDesc,
	}
	if resultCode != nil {
		updates["result_code"] = *resultCode
	}
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND status = ?", id, string(model.StatusPending)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AcquireChainLock atomically claims a transaction for chain execution. The
// conditional update is the sole concurrency-control primitive: it succeeds
// only when the flag is clear and no purchase has been recorded yet.
func (r *TransactionRepository) AcquireChainLock(ctx context.Context, id string) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ? AND chain_processing = ? AND blockchain_tx_hash IS NULL", id, false).
		Update("chain_processing", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLockNotAcquired
	}
	return nil
}

// ReleaseChainLock clears the settlement flag. Called from a deferred block
// so the lock never survives an attempt, whatever the outcome.
func (r *TransactionRepository) ReleaseChainLock(ctx context.Context, id string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Update("chain_processing", false).Error
}

// ReleaseStaleChainLocks clears settlement locks abandoned by a crashed
// worker, so the affected rows become visible to the sweeps again. Only rows
// without a recorded purchase are touched; the bound must comfortably exceed
// the longest legitimate execution.
func (r *TransactionRepository) ReleaseStaleChainLocks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("chain_processing = ?", true).
		Where("blockchain_tx_hash IS NULL").
		Where("updated_at < ?", cutoff).
		Update("chain_processing", false)
	return result.RowsAffected, result.Error
}

// RecordSettlement stores the confirmed purchase hash.
func (r *TransactionRepository) RecordSettlement(ctx context.Context, id, txHash string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Update("blockchain_tx_hash", txHash).Error
}

// MarkRetryAttempt bumps the retry bookkeeping. Stamped before the attempt
// runs so a crash mid-execution cannot cause a tight retry loop on restart.
func (r *TransactionRepository) MarkRetryAttempt(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		}).Error
}

// MarkPermanentlyFailed flags a transaction that exhausted its retry budget
// for operator attention. The payment status is left untouched: the payment
// itself succeeded, only settlement delivery is stuck.
func (r *TransactionRepository) MarkPermanentlyFailed(ctx context.Context, id string) error {
	return r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", id).
		Update("permanently_failed", true).Error
}

// ListSettleable selects completed payments whose purchase has not landed
// on-chain, oldest first. Rows currently locked by an in-flight execution
// are skipped, as are rows beyond the retry ceiling or inside the cooldown.
func (r *TransactionRepository) ListSettleable(ctx context.Context, maxRetries int, cooldown time.Duration, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-cooldown)

	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ?", string(model.StatusCompleted)).
		Where("blockchain_tx_hash IS NULL").
		Where("chain_processing = ?", false).
		Where("permanently_failed = ?", false).
		Where("retry_count < ?", maxRetries).
		Where("last_retry_at IS NULL OR last_retry_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// ListStuckPending selects pending payments older than the stuck threshold,
// oldest first. Used by the long-interval sweep.
func (r *TransactionRepository) ListStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("status = ?", string(model.StatusPending)).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

// ListExhausted returns transactions flagged for operator action.
func (r *TransactionRepository) ListExhausted(ctx context.Context, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("permanently_failed = ?", true).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.PhoneNumber != nil && *f.PhoneNumber != "" {
		q = q.Where("phone_number = ?", *f.PhoneNumber)
	}
	if f.WalletAddress != nil && *f.WalletAddress != "" {
		q = q.Where("wallet_address = ?", *f.WalletAddress)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.PackageID != nil {
		q = q.Where("package_id = ?", *f.PackageID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// RecoveryStats aggregates the operator-facing recovery view.
func (r *TransactionRepository) RecoveryStats(ctx context.Context) (*model.RecoveryStats, error) {
	stats := &model.RecoveryStats{
		StatusBreakdown: make(map[model.TransactionStatus]int64),
	}

	type statusRow struct {
		Status string
		Count  int64
	}
	var rows []statusRow
	err := r.Read(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		stats.StatusBreakdown[model.TransactionStatus(row.Status)] = row.Count
	}

	err = r.Read(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("status = ? AND blockchain_tx_hash IS NULL AND permanently_failed = ?", string(model.StatusCompleted), false).
		Count(&stats.PendingRecoveryCount).Error
	if err != nil {
		return nil, err
	}

	err = r.Read(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("permanently_failed = ?", true).
		Count(&stats.PermanentlyFailedCount).Error
	if err != nil {
		return nil, err
	}

	return stats, nil
}
