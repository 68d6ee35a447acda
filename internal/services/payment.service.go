package services

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/ratelimit"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrRateLimited       = errors.New("too many payment attempts")
	ErrInitiationFailed  = errors.New("payment initiation failed")
	ErrExchangeRateUnset = errors.New("exchange rate is not configured")
)

type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	SetCheckoutIDs(ctx context.Context, id, checkoutID, merchantID string) error
	FailFromPending(ctx context.Context, id string, to model.TransactionStatus, resultCode *int, resultDesc string) (bool, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
}

type PaymentGateway interface {
	Initiate(ctx context.Context, req *gateway.InitiateRequest) (*gateway.InitiateResponse, error)
}

type RateLimiter interface {
	AllowPhone(ctx context.Context, phone string) error
	AllowIP(ctx context.Context, ip string) error
}

// PaymentService owns the initiation leg: it converts the quoted USD amount
// to KES, pushes the STK prompt and records the pending transaction. The
// outcome arrives later through the callback ingress.
type PaymentService struct {
	transactionRepo TransactionRepository
	gateway         PaymentGateway
	limiter         RateLimiter
	exchangeRateKES decimal.Decimal
}

func NewPaymentService(transactionRepo TransactionRepository, paymentGateway PaymentGateway, limiter RateLimiter, exchangeRateKES decimal.Decimal) *PaymentService {
	return &PaymentService{
		transactionRepo: transactionRepo,
		gateway:         paymentGateway,
		limiter:         limiter,
		exchangeRateKES: exchangeRateKES,
	}
}

// Create validates the request, pushes the STK prompt and stores the pending
// transaction. The row is created before the push so a fast callback always
// finds it; a rejected push fails the row in place.
func (s *PaymentService) Create(ctx context.Context, p model.TransactionCreateRequest, clientIP string) (*model.Transaction, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !s.exchangeRateKES.IsPositive() {
		return nil, ErrExchangeRateUnset
	}

	if s.limiter != nil {
		if err := s.limiter.AllowPhone(ctx, p.PhoneNumber); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return nil, fmt.Errorf("%w: phone %s", ErrRateLimited, p.PhoneNumber)
			}
			return nil, err
		}
		if clientIP != "" {
			if err := s.limiter.AllowIP(ctx, clientIP); err != nil {
				if errors.Is(err, ratelimit.ErrRateLimited) {
					return nil, fmt.Errorf("%w: address %s", ErrRateLimited, clientIP)
				}
				return nil, err
			}
		}
	}

	// The provider only accepts whole shillings; round up so the payer is
	// never short of the quoted USD amount.
	amountKES := p.AmountUSD.Mul(s.exchangeRateKES).Ceil()

	txn := &model.Transaction{
		PhoneNumber:     p.PhoneNumber,
		WalletAddress:   p.WalletAddress,
		ReferrerAddress: p.ReferrerAddress,
		PackageID:       p.PackageID,
		AmountUSD:       p.AmountUSD,
		AmountKES:       amountKES,
		Status:          model.StatusPending,
	}

	created, err := s.transactionRepo.Create(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	resp, err := s.gateway.Initiate(ctx, &gateway.InitiateRequest{
		PhoneNumber: p.PhoneNumber,
		AmountKES:   amountKES.IntPart(),
		Reference:   created.ID,
	})
	if err != nil {
		if _, failErr := s.transactionRepo.FailFromPending(ctx, created.ID, model.StatusFailed, nil, err.Error()); failErr != nil {
			logger.Error("Failed to fail rejected transaction", "transaction_id", created.ID, "error", failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrInitiationFailed, err)
	}

	if err := s.transactionRepo.SetCheckoutIDs(ctx, created.ID, resp.CheckoutRequestID, resp.MerchantRequestID); err != nil {
		// The push went out; the long sweep can still match the row by
		// re-querying, so surface the error without failing the payment.
		logger.Error("Failed to record checkout ids", "transaction_id", created.ID, "error", err)
	}
	created.CheckoutRequestID = resp.CheckoutRequestID
	created.MerchantRequestID = resp.MerchantRequestID

	logger.Info("Payment initiated", "transaction_id", created.ID, "phone", p.PhoneNumber, "package_id", p.PackageID, "amount_kes", amountKES.IntPart())

	return created, nil
}

func (s *PaymentService) Get(ctx context.Context, id string) (*model.Transaction, error) {
	txn, err := s.transactionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return txn, nil
}

func (s *PaymentService) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.List(ctx, f)
}
