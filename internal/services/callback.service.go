package services

import (
	"context"
	"errors"
	"fmt"

	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
)

type CallbackTransactionStore interface {
	GetByCheckoutRequestID(ctx context.Context, checkoutID string) (*model.Transaction, error)
	CompleteFromPending(ctx context.Context, id, receipt string, resultCode int, resultDesc string) (bool, error)
	FailFromPending(ctx context.Context, id string, to model.TransactionStatus, resultCode *int, resultDesc string) (bool, error)
}

type SettlementEnqueuer interface {
	EnqueueSettlement(ctx context.Context, transactionID string) error
}

// CallbackService applies provider result notifications to the payment
// state machine. Every notification is acknowledged to the provider
// regardless of outcome; the guarded status transitions make replays and
// out-of-order deliveries no-ops.
type CallbackService struct {
	transactionRepo CallbackTransactionStore
	enqueuer        SettlementEnqueuer
}

func NewCallbackService(transactionRepo CallbackTransactionStore, enqueuer SettlementEnqueuer) *CallbackService {
	return &CallbackService{
		transactionRepo: transactionRepo,
		enqueuer:        enqueuer,
	}
}

// Handle applies one parsed provider notification. A nil return means the
// notification was absorbed, including the cases where it matched nothing or
// arrived after the transaction already reached a terminal state.
func (s *CallbackService) Handle(ctx context.Context, n *gateway.CallbackNotification) error {
	txn, err := s.transactionRepo.GetByCheckoutRequestID(ctx, n.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("Callback for unknown checkout request", "checkout_request_id", n.CheckoutRequestID, "result_code", n.ResultCode)
			return nil
		}
		return fmt.Errorf("lookup by checkout request id: %w", err)
	}

	if txn.Status.Terminal() {
		logger.Info("Duplicate callback ignored", "transaction_id", txn.ID, "status", txn.Status, "result_code", n.ResultCode)
		return nil
	}

	if n.ResultCode == gateway.ResultSuccess {
		return s.complete(ctx, txn, n)
	}
	return s.fail(ctx, txn, n)
}

func (s *CallbackService) complete(ctx context.Context, txn *model.Transaction, n *gateway.CallbackNotification) error {
	ok, err := s.transactionRepo.CompleteFromPending(ctx, txn.ID, n.ReceiptNumber, n.ResultCode, n.ResultDesc)
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	if !ok {
		logger.Info("Completion raced with another update", "transaction_id", txn.ID)
		return nil
	}

	logger.Info("Payment completed", "transaction_id", txn.ID, "receipt", n.ReceiptNumber, "amount_kes", n.AmountKES)

	// A failed enqueue is not fatal: the short recovery sweep settles any
	// completed payment without a purchase hash.
	if err := s.enqueuer.EnqueueSettlement(ctx, txn.ID); err != nil {
		logger.Error("Failed to enqueue settlement, recovery will pick it up", "transaction_id", txn.ID, "error", err)
	}
	return nil
}

func (s *CallbackService) fail(ctx context.Context, txn *model.Transaction, n *gateway.CallbackNotification) error {
	to := model.StatusFailed
	switch n.ResultCode {
	case gateway.ResultCancelledByUser:
		to = model.StatusCancelled
	case gateway.ResultTimeoutUnreachable, gateway.ResultTransactionExpired:
		to = model.StatusTimeout
	}

	code := n.ResultCode
	ok, err := s.transactionRepo.FailFromPending(ctx, txn.ID, to, &code, n.ResultDesc)
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	if !ok {
		logger.Info("Failure raced with another update", "transaction_id", txn.ID)
		return nil
	}

	logger.Info("Payment did not complete", "transaction_id", txn.ID, "status", to, "result_code", n.ResultCode, "result_desc", n.ResultDesc)
	return nil
}
