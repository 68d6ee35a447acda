package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/internal/recovery"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
)

// RecoveryService is the operator-facing slice of the recovery engine.
type RecoveryService interface {
	Recover(ctx context.Context, transactionID string) (string, error)
	Requery(ctx context.Context, transactionID string) (*model.Transaction, error)
	ForceComplete(ctx context.Context, transactionID string, txHash string) error
	ForceFail(ctx context.Context, transactionID string) error
	Stats(ctx context.Context) (*model.RecoveryStats, error)
}

type RecoveryHandler struct {
	svc RecoveryService
}

func RegisterRecoveryRoutes(e *router.Group, h *RecoveryHandler) {
	e.POST("/recovery/{id}/recover", h.Recover)
	e.POST("/recovery/{id}/requery", h.Requery)
	e.POST("/recovery/{id}/force-complete", h.ForceComplete)
	e.POST("/recovery/{id}/force-fail", h.ForceFail)
	e.GET("/recovery/stats", h.Stats)
}

func NewRecoveryHandler(recoveryService RecoveryService) *RecoveryHandler {
	return &RecoveryHandler{
		svc: recoveryService,
	}
}

type recoverResponse struct {
	TransactionID    string `json:"transaction_id"`
	BlockchainTxHash string `json:"blockchain_tx_hash"`
}

type forceCompleteRequest struct {
	BlockchainTxHash string `json:"blockchain_tx_hash"`
}

func (h *RecoveryHandler) Recover(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "transaction id is required")
		return
	}

	txHash, err := h.svc.Recover(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, orchestrator.ErrAlreadySettled):
			// Settled is what the operator wanted; report the hash.
			writeJSON(ctx, 200, recoverResponse{TransactionID: id, BlockchainTxHash: txHash})
		case errors.Is(err, orchestrator.ErrAlreadyProcessing):
			writeError(ctx, 409, err.Error())
		case errors.Is(err, orchestrator.ErrNotEligible):
			writeError(ctx, 422, err.Error())
		default:
			writeError(ctx, 500, err.Error())
		}
		return
	}
	writeJSON(ctx, 200, recoverResponse{TransactionID: id, BlockchainTxHash: txHash})
}

func (h *RecoveryHandler) Requery(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "transaction id is required")
		return
	}

	txn, err := h.svc.Requery(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, recovery.ErrPaymentResolved):
			writeError(ctx, 409, err.Error())
		default:
			writeError(ctx, 502, err.Error())
		}
		return
	}
	writeJSON(ctx, 200, txn)
}

func (h *RecoveryHandler) ForceComplete(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "transaction id is required")
		return
	}

	var req forceCompleteRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.BlockchainTxHash == "" {
		writeError(ctx, 400, "blockchain_tx_hash is required")
		return
	}

	if err := h.svc.ForceComplete(ctx, id, req.BlockchainTxHash); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, recovery.ErrExecutionInProgress):
			writeError(ctx, 409, err.Error())
		default:
			writeError(ctx, 422, err.Error())
		}
		return
	}
	writeJSON(ctx, 200, recoverResponse{TransactionID: id, BlockchainTxHash: req.BlockchainTxHash})
}

func (h *RecoveryHandler) ForceFail(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "transaction id is required")
		return
	}

	if err := h.svc.ForceFail(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	ctx.Response.SetStatusCode(204)
}

func (h *RecoveryHandler) Stats(ctx *xhttp.RequestCtx) {
	stats, err := h.svc.Stats(ctx)
	if err != nil {
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, stats)
}
