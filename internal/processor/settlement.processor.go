package processor

import (
	"context"
	"errors"

	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/internal/queue"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
)

type Settler interface {
	Settle(ctx context.Context, transactionID string) (string, error)
}

// SettlementProcessor consumes settlement jobs and drives chain execution.
// The queue delivers at least once; every duplicate path lands on the
// orchestrator's conditional lock and comes back as an ack.
type SettlementProcessor struct {
	settler Settler
}

func NewSettlementProcessor(settler Settler) *SettlementProcessor {
	return &SettlementProcessor{settler: settler}
}

func (p *SettlementProcessor) GetType() string {
	return "settlement"
}

func (p *SettlementProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	job, err := queue.ParseSettlementJob(queueMessage.Data)
	if err != nil {
		logger.Error("Failed to unmarshal settlement job", "error", err)
		return err // malformed payload, let the DLQ have it
	}
	if job.TransactionID == "" {
		logger.Error("Settlement job without transaction id", "message_id", queueMessage.ID)
		return errors.New("settlement job missing transaction id")
	}

	hash, err := p.settler.Settle(ctx, job.TransactionID)
	switch {
	case err == nil:
		logger.Info("Settlement job completed", "transaction_id", job.TransactionID, "tx_hash", hash)
		return nil
	case errors.Is(err, orchestrator.ErrAlreadySettled):
		logger.Info("Settlement job already done", "transaction_id", job.TransactionID, "tx_hash", hash)
		return nil
	case errors.Is(err, orchestrator.ErrAlreadyProcessing):
		// Another worker owns it; redelivery would only race the lock again.
		logger.Info("Settlement already in progress elsewhere", "transaction_id", job.TransactionID)
		return nil
	case errors.Is(err, orchestrator.ErrNotEligible):
		// Payment state moved on (failed, cancelled); nothing to execute.
		logger.Warn("Settlement job for ineligible transaction", "transaction_id", job.TransactionID)
		return nil
	case orchestrator.Retryable(err):
		logger.Error("Settlement job failed, will retry", "transaction_id", job.TransactionID, "error", err)
		return err // NACK, queue redelivery
	default:
		// Non-retryable failures stay with the recovery engine's stats and
		// operator actions; redelivering the job cannot change the input.
		logger.Error("Settlement job failed permanently", "transaction_id", job.TransactionID, "error", err)
		return nil
	}
}
