package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/ratelimit"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/test/helpers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []*gateway.InitiateRequest
	err      error
}

func (g *fakeGateway) Initiate(ctx context.Context, req *gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.requests = append(g.requests, req)
	return &gateway.InitiateResponse{
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", len(g.requests)),
		MerchantRequestID: fmt.Sprintf("29115-34620561-%d", len(g.requests)),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func validRequest() model.TransactionCreateRequest {
	return model.TransactionCreateRequest{
		PhoneNumber:   "254712345678",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		PackageID:     1,
		AmountUSD:     decimal.NewFromInt(100),
	}
}

func TestPaymentService_Create(t *testing.T) {
	db := helpers.SetupTestDB(t)
	txRepo := repository.NewTransactionRepository(db)
	gw := &fakeGateway{}
	service := NewPaymentService(txRepo, gw, nil, decimal.NewFromFloat(129.5))
	ctx := context.Background()

	t.Run("creates a pending transaction and records checkout ids", func(t *testing.T) {
		txn, err := service.Create(ctx, validRequest(), "10.0.0.1")
		require.NoError(t, err)

		assert.Equal(t, model.StatusPending, txn.Status)
		assert.NotEmpty(t, txn.CheckoutRequestID)
		assert.NotEmpty(t, txn.MerchantRequestID)
		assert.True(t, txn.AmountKES.Equal(decimal.NewFromInt(12950)), "got %s", txn.AmountKES)

		stored, err := txRepo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, txn.CheckoutRequestID, stored.CheckoutRequestID)

		require.Len(t, gw.requests, 1)
		assert.Equal(t, int64(12950), gw.requests[0].AmountKES)
		assert.Equal(t, txn.ID, gw.requests[0].Reference)
	})

	t.Run("rounds the KES amount up to a whole shilling", func(t *testing.T) {
		req := validRequest()
		req.AmountUSD = decimal.NewFromFloat(1.01)

		txn, err := service.Create(ctx, req, "")
		require.NoError(t, err)

		// 1.01 * 129.5 = 130.795
		assert.True(t, txn.AmountKES.Equal(decimal.NewFromInt(131)), "got %s", txn.AmountKES)
	})

	t.Run("rejects an invalid phone number before touching the provider", func(t *testing.T) {
		req := validRequest()
		req.PhoneNumber = "0712345678"

		before := len(gw.requests)
		_, err := service.Create(ctx, req, "")
		require.Error(t, err)
		assert.Len(t, gw.requests, before)
	})

	t.Run("fails the row when the provider rejects the push", func(t *testing.T) {
		rejecting := &fakeGateway{err: fmt.Errorf("%w: invalid shortcode", gateway.ErrRequestRejected)}
		rejectingService := NewPaymentService(txRepo, rejecting, nil, decimal.NewFromFloat(129.5))

		_, err := rejectingService.Create(ctx, validRequest(), "")
		require.ErrorIs(t, err, ErrInitiationFailed)

		failed, _, err := txRepo.List(ctx, model.TransactionFilter{
			Statuses: []model.TransactionStatus{model.StatusFailed},
		})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].ResultDesc, "invalid shortcode")
	})

	t.Run("errors when the exchange rate is missing", func(t *testing.T) {
		unconfigured := NewPaymentService(txRepo, gw, nil, decimal.Zero)
		_, err := unconfigured.Create(ctx, validRequest(), "")
		assert.ErrorIs(t, err, ErrExchangeRateUnset)
	})
}

func TestPaymentService_CreateRateLimited(t *testing.T) {
	db := helpers.SetupTestDB(t)
	mr, adapter := helpers.SetupTestRedis(t)
	defer mr.Close()

	txRepo := repository.NewTransactionRepository(db)
	gw := &fakeGateway{}
	limiter := ratelimit.NewLimiter(adapter, ratelimit.Config{
		MaxPerPhone:    1,
		Window:         time.Minute,
		PhoneKeyPrefix: "rl:phone:",
		IPKeyPrefix:    "rl:ip:",
	})
	service := NewPaymentService(txRepo, gw, limiter, decimal.NewFromFloat(129.5))
	ctx := context.Background()

	_, err := service.Create(ctx, validRequest(), "10.0.0.1")
	require.NoError(t, err)

	_, err = service.Create(ctx, validRequest(), "10.0.0.1")
	require.ErrorIs(t, err, ErrRateLimited)

	// A limited request never reaches the provider and leaves no row behind.
	assert.Len(t, gw.requests, 1)
	_, total, err := txRepo.List(ctx, model.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestPaymentService_Get(t *testing.T) {
	db := helpers.SetupTestDB(t)
	txRepo := repository.NewTransactionRepository(db)
	service := NewPaymentService(txRepo, &fakeGateway{}, nil, decimal.NewFromFloat(129.5))
	ctx := context.Background()

	created := helpers.CreateTestTransaction(t, db, 1)

	found, err := service.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = service.Get(ctx, "missing-id")
	assert.True(t, errors.Is(err, ErrNotFound))
}
