package handlers

import (
	"context"

	"github.com/fasthttp/router"
	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
)

type CallbackService interface {
	Handle(ctx context.Context, n *gateway.CallbackNotification) error
}

type CallbackHandler struct {
	svc CallbackService
}

func RegisterCallbackRoutes(e *router.Group, h *CallbackHandler) {
	e.POST("/callbacks/mpesa", h.HandleCallback)
}

func NewCallbackHandler(callbackService CallbackService) *CallbackHandler {
	return &CallbackHandler{
		svc: callbackService,
	}
}

// HandleCallback ingests a provider result notification. The provider is
// always sent the success acknowledgment: a non-zero ack only provokes
// provider-side redelivery, and anything that goes wrong locally is the
// recovery engine's problem, not the provider's.
func (h *CallbackHandler) HandleCallback(ctx *xhttp.RequestCtx) {
	n, err := gateway.ParseCallback(ctx.PostBody())
	if err != nil {
		logger.Warn("Discarding malformed provider callback", "error", err)
		writeJSON(ctx, 200, gateway.SuccessAck())
		return
	}

	if err := h.svc.Handle(ctx, n); err != nil {
		logger.Error("Failed to apply provider callback", "checkout_request_id", n.CheckoutRequestID, "error", err)
	}

	writeJSON(ctx, 200, gateway.SuccessAck())
}
