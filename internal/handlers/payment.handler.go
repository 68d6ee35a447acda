package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/services"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
	"github.com/shopspring/decimal"
)

type PaymentService interface {
	Create(ctx context.Context, p model.TransactionCreateRequest, clientIP string) (*model.Transaction, error)
	Get(ctx context.Context, id string) (*model.Transaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
}

type PaymentHandler struct {
	svc PaymentService
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments", h.CreatePayment)
	e.GET("/payments", h.ListPayments)
	e.GET("/payments/{id}", h.GetPayment)
	e.GET("/payments/{id}/status", h.GetPaymentStatus)
}

func NewPaymentHandler(paymentService PaymentService) *PaymentHandler {
	return &PaymentHandler{
		svc: paymentService,
	}
}

type createPaymentRequest struct {
	PhoneNumber     string  `json:"phone_number"`
	WalletAddress   string  `json:"wallet_address"`
	ReferrerAddress *string `json:"referrer_address,omitempty"`
	PackageID       int64   `json:"package_id"`
	AmountUSD       string  `json:"amount_usd"`
}

type listPaymentsResponse struct {
	Items []*model.Transaction `json:"items"`
	Total int64                `json:"total"`
}

// paymentStatusResponse is the polling view the widget uses while the payer
// acts on the STK prompt.
type paymentStatusResponse struct {
	ID               string                  `json:"id"`
	Status           model.TransactionStatus `json:"status"`
	ResultDesc       string                  `json:"result_desc,omitempty"`
	ReceiptNumber    string                  `json:"receipt_number,omitempty"`
	BlockchainTxHash *string                 `json:"blockchain_tx_hash,omitempty"`
	Settled          bool                    `json:"settled"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) CreatePayment(ctx *xhttp.RequestCtx) {
	var req createPaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		writeError(ctx, 400, "amount_usd must be a decimal string")
		return
	}

	p := model.TransactionCreateRequest{
		PhoneNumber:     strings.TrimSpace(req.PhoneNumber),
		WalletAddress:   strings.TrimSpace(req.WalletAddress),
		ReferrerAddress: req.ReferrerAddress,
		PackageID:       req.PackageID,
		AmountUSD:       amount,
	}

	txn, err := h.svc.Create(ctx, p, ctx.RemoteIP().String())
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRateLimited):
			writeError(ctx, 429, err.Error())
		case errors.Is(err, services.ErrInitiationFailed):
			writeError(ctx, 502, err.Error())
		default:
			writeError(ctx, 400, err.Error())
		}
		return
	}
	writeJSON(ctx, 201, txn)
}

func (h *PaymentHandler) GetPayment(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "payment id is required")
		return
	}

	txn, err := h.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}
	writeJSON(ctx, 200, txn)
}

func (h *PaymentHandler) GetPaymentStatus(ctx *xhttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		writeError(ctx, 400, "payment id is required")
		return
	}

	txn, err := h.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 500, err.Error())
		return
	}

	writeJSON(ctx, 200, paymentStatusResponse{
		ID:               txn.ID,
		Status:           txn.Status,
		ResultDesc:       txn.ResultDesc,
		ReceiptNumber:    txn.ReceiptNumber,
		BlockchainTxHash: txn.BlockchainTxHash,
		Settled:          txn.Settled(),
	})
}

func (h *PaymentHandler) ListPayments(ctx *xhttp.RequestCtx) {
	var f model.TransactionFilter

	if v := query(ctx, "phone_number"); v != "" {
		f.PhoneNumber = &v
	}
	if v := query(ctx, "wallet_address"); v != "" {
		f.WalletAddress = &v
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.TransactionStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "package_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.PackageID = &id
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listPaymentsResponse{Items: items, Total: total})
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
