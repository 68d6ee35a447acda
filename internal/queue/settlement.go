package queue

import (
	"context"
	"encoding/json"
)

// SettlementJob asks a settlement worker to run chain execution for one
// payment. Delivery is at-least-once; the executor's conditional lock makes
// duplicates harmless.
type SettlementJob struct {
	TransactionID string `json:"transaction_id"`
}

func ParseSettlementJob(data []byte) (*SettlementJob, error) {
	var job SettlementJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SettlementPublisher is the write side of the settlement hand-off, used by
// the callback ingress and the recovery engine.
type SettlementPublisher struct {
	queue *Queue
}

func NewSettlementPublisher(q *Queue) *SettlementPublisher {
	return &SettlementPublisher{queue: q}
}

func (p *SettlementPublisher) EnqueueSettlement(ctx context.Context, transactionID string) error {
	_, err := p.queue.PublishJSON(ctx, &SettlementJob{TransactionID: transactionID}, map[string]string{
		"type": "settlement",
	})
	return err
}
