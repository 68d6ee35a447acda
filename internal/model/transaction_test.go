package model_test

import (
	"testing"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/test/fixtures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCreateRequest_Validate(t *testing.T) {
	t.Run("valid phone numbers", func(t *testing.T) {
		for _, phone := range fixtures.ValidPhoneNumbers {
			req := fixtures.NewTestCreateRequest(1)
			req.PhoneNumber = phone
			assert.NoError(t, req.Validate(), "phone %q should be accepted", phone)
		}
	})

	t.Run("invalid phone numbers", func(t *testing.T) {
		for _, phone := range fixtures.InvalidPhoneNumbers {
			req := fixtures.NewTestCreateRequest(1)
			req.PhoneNumber = phone
			assert.Error(t, req.Validate(), "phone %q should be rejected", phone)
		}
	})

	t.Run("valid wallet addresses", func(t *testing.T) {
		for _, addr := range fixtures.ValidWalletAddresses {
			req := fixtures.NewTestCreateRequest(1)
			req.WalletAddress = addr
			assert.NoError(t, req.Validate(), "address %q should be accepted", addr)
		}
	})

	t.Run("invalid wallet addresses", func(t *testing.T) {
		for _, addr := range fixtures.InvalidWalletAddresses {
			req := fixtures.NewTestCreateRequest(1)
			req.WalletAddress = addr
			assert.Error(t, req.Validate(), "address %q should be rejected", addr)
		}
	})

	t.Run("invalid referrer rejected", func(t *testing.T) {
		req := fixtures.NewTestCreateRequest(1)
		bad := "0x123"
		req.ReferrerAddress = &bad
		assert.Error(t, req.Validate())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		req := fixtures.NewTestCreateRequest(1)
		req.AmountUSD = decimal.Zero
		require.Error(t, req.Validate())
		req.AmountUSD = decimal.NewFromInt(-5)
		require.Error(t, req.Validate())
	})
}

func TestCanTransition(t *testing.T) {
	terminal := []model.TransactionStatus{
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusCancelled,
		model.StatusTimeout,
	}

	for _, to := range terminal {
		assert.True(t, model.CanTransition(model.StatusPending, to), "pending -> %s", to)
	}

	// Terminal states never move, not even back to pending.
	for _, from := range terminal {
		assert.False(t, model.CanTransition(from, model.StatusPending), "%s -> pending", from)
		for _, to := range terminal {
			assert.False(t, model.CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, model.CanTransition(model.StatusPending, model.StatusPending))
}

func TestTransaction_Settled(t *testing.T) {
	txn := fixtures.NewTestTransaction(1)
	assert.False(t, txn.Settled())

	empty := ""
	txn.BlockchainTxHash = &empty
	assert.False(t, txn.Settled())

	hash := "0xabc123"
	txn.BlockchainTxHash = &hash
	assert.True(t, txn.Settled())
}
