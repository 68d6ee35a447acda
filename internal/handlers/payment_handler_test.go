package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/services"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockPaymentService struct {
	mock.Mock
}

func (m *MockPaymentService) Create(ctx context.Context, p model.TransactionCreateRequest, clientIP string) (*model.Transaction, error) {
	args := m.Called(ctx, p, clientIP)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockPaymentService) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Transaction), args.Get(1).(int64), args.Error(2)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestPaymentHandler_CreatePayment(t *testing.T) {
	t.Run("successful initiation", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		reqBody := createPaymentRequest{
			PhoneNumber:   "254712345678",
			WalletAddress: "0x1111111111111111111111111111111111111111",
			PackageID:     1,
			AmountUSD:     "100",
		}
		bodyBytes, _ := json.Marshal(reqBody)

		expected := &model.Transaction{
			ID:                "txn-1",
			PhoneNumber:       "254712345678",
			Status:            model.StatusPending,
			CheckoutRequestID: "ws_CO_1",
			AmountUSD:         decimal.NewFromInt(100),
			AmountKES:         decimal.NewFromInt(12950),
		}

		svc.On("Create", mock.Anything, mock.MatchedBy(func(p model.TransactionCreateRequest) bool {
			return p.PhoneNumber == "254712345678" && p.PackageID == 1 && p.AmountUSD.Equal(decimal.NewFromInt(100))
		}), mock.Anything).Return(expected, nil)

		ctx := setupTestContext("POST", "/payments", bodyBytes)
		handler.CreatePayment(ctx)

		assert.Equal(t, 201, ctx.Response.StatusCode())

		var response model.Transaction
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Equal(t, "txn-1", response.ID)
		assert.Equal(t, model.StatusPending, response.Status)

		svc.AssertExpectations(t)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		ctx := setupTestContext("POST", "/payments", []byte("invalid json"))
		handler.CreatePayment(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())

		var response map[string]string
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Contains(t, response["error"], "invalid JSON")
	})

	t.Run("non-decimal amount", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		bodyBytes, _ := json.Marshal(createPaymentRequest{
			PhoneNumber:   "254712345678",
			WalletAddress: "0x1111111111111111111111111111111111111111",
			PackageID:     1,
			AmountUSD:     "a hundred",
		})

		ctx := setupTestContext("POST", "/payments", bodyBytes)
		handler.CreatePayment(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})

	t.Run("rate limited maps to 429", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("Create", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: phone 254712345678", services.ErrRateLimited))

		bodyBytes, _ := json.Marshal(createPaymentRequest{
			PhoneNumber:   "254712345678",
			WalletAddress: "0x1111111111111111111111111111111111111111",
			PackageID:     1,
			AmountUSD:     "100",
		})

		ctx := setupTestContext("POST", "/payments", bodyBytes)
		handler.CreatePayment(ctx)

		assert.Equal(t, 429, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("provider rejection maps to 502", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("Create", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: invalid shortcode", services.ErrInitiationFailed))

		bodyBytes, _ := json.Marshal(createPaymentRequest{
			PhoneNumber:   "254712345678",
			WalletAddress: "0x1111111111111111111111111111111111111111",
			PackageID:     1,
			AmountUSD:     "100",
		})

		ctx := setupTestContext("POST", "/payments", bodyBytes)
		handler.CreatePayment(ctx)

		assert.Equal(t, 502, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}

func TestPaymentHandler_GetPaymentStatus(t *testing.T) {
	t.Run("settled payment", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		hash := "0xabc123"
		svc.On("Get", mock.Anything, "txn-1").Return(&model.Transaction{
			ID:               "txn-1",
			Status:           model.StatusCompleted,
			ReceiptNumber:    "NLJ7RT61SV",
			BlockchainTxHash: &hash,
		}, nil)

		ctx := setupTestContext("GET", "/payments/txn-1/status", nil)
		ctx.SetUserValue("id", "txn-1")
		handler.GetPaymentStatus(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response paymentStatusResponse
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, response.Status)
		assert.True(t, response.Settled)
		require.NotNil(t, response.BlockchainTxHash)
		assert.Equal(t, hash, *response.BlockchainTxHash)

		svc.AssertExpectations(t)
	})

	t.Run("unknown payment", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("Get", mock.Anything, "missing").Return(nil, services.ErrNotFound)

		ctx := setupTestContext("GET", "/payments/missing/status", nil)
		ctx.SetUserValue("id", "missing")
		handler.GetPaymentStatus(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("missing id", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		ctx := setupTestContext("GET", "/payments//status", nil)
		handler.GetPaymentStatus(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_ListPayments(t *testing.T) {
	t.Run("filters are parsed", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("List", mock.Anything, mock.MatchedBy(func(f model.TransactionFilter) bool {
			return f.PhoneNumber != nil && *f.PhoneNumber == "254712345678" &&
				len(f.Statuses) == 2 && f.Limit == 5 && f.Offset == 10 && f.Desc
		})).Return([]*model.Transaction{}, int64(0), nil)

		ctx := setupTestContext("GET", "/payments?phone_number=254712345678&status=pending,completed&limit=5&offset=10&order=desc", nil)
		handler.ListPayments(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("service error", func(t *testing.T) {
		svc := new(MockPaymentService)
		handler := NewPaymentHandler(svc)

		svc.On("List", mock.Anything, mock.Anything).
			Return(nil, int64(0), fmt.Errorf("database error"))

		ctx := setupTestContext("GET", "/payments", nil)
		handler.ListPayments(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}
