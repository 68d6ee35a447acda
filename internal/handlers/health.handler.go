package handlers

import (
	"github.com/fasthttp/router"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
)

type HealthService interface {
	Get() error
}
type HealthHandler struct {
	paymentService HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(paymentService HealthService) *HealthHandler {
	return &HealthHandler{
		paymentService: paymentService,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	ctx.Response.SetBodyString("success")
	return
}
