package repository

import (
	"context"
	"testing"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeRepository_EnsureForTransaction(t *testing.T) {
	db := setupTestDB(t).DB
	txRepo := NewTransactionRepository(db)
	repo := NewBridgeRepository(db)
	ctx := context.Background()

	txn, err := txRepo.Create(ctx, newTestTransaction())
	require.NoError(t, err)

	t.Run("creates lazily with pending status", func(t *testing.T) {
		rec, err := repo.EnsureForTransaction(ctx, &model.BridgeRecord{
			TransactionID: txn.ID,
			PackageID:     txn.PackageID,
			WalletAddress: txn.WalletAddress,
			ChainAmount:   "100000000000000000000",
		})
		require.NoError(t, err)
		assert.NotZero(t, rec.ID)
		assert.Equal(t, model.BridgePending, rec.Status)
	})

	t.Run("second ensure returns the same record", func(t *testing.T) {
		first, err := repo.EnsureForTransaction(ctx, &model.BridgeRecord{
			TransactionID: txn.ID,
			ChainAmount:   "1",
		})
		require.NoError(t, err)

		second, err := repo.EnsureForTransaction(ctx, &model.BridgeRecord{
			TransactionID: txn.ID,
			ChainAmount:   "2",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.ChainAmount, second.ChainAmount)
	})
}

func TestBridgeRepository_StatusUpdates(t *testing.T) {
	db := setupTestDB(t).DB
	txRepo := NewTransactionRepository(db)
	repo := NewBridgeRepository(db)
	ctx := context.Background()

	txn, err := txRepo.Create(ctx, newTestTransaction())
	require.NoError(t, err)

	rec, err := repo.EnsureForTransaction(ctx, &model.BridgeRecord{
		TransactionID: txn.ID,
		PackageID:     txn.PackageID,
		WalletAddress: txn.WalletAddress,
		ChainAmount:   "100000000000000000000",
	})
	require.NoError(t, err)

	t.Run("failure keeps record reusable", func(t *testing.T) {
		require.NoError(t, repo.MarkFailed(ctx, rec.ID, "execution reverted"))

		got, err := repo.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeFailed, got.Status)
		assert.Equal(t, "execution reverted", got.ErrorMessage)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("completion records hash and clears error", func(t *testing.T) {
		require.NoError(t, repo.MarkCompleted(ctx, rec.ID, "0xfeed"))

		got, err := repo.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeCompleted, got.Status)
		require.NotNil(t, got.TxHash)
		assert.Equal(t, "0xfeed", *got.TxHash)
		assert.Empty(t, got.ErrorMessage)
		assert.Equal(t, 2, got.Attempts)
	})

	t.Run("completed record cannot be re-failed", func(t *testing.T) {
		require.NoError(t, repo.MarkFailed(ctx, rec.ID, "late failure"))

		got, err := repo.GetByTransactionID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BridgeCompleted, got.Status)
	})
}
