package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// STKPushRequest mirrors the Daraja process-request payload.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode" binding:"required"`
	Password          string `json:"Password" binding:"required"`
	Timestamp         string `json:"Timestamp" binding:"required"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount" binding:"required"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber" binding:"required"`
	CallBackURL       string `json:"CallBackURL" binding:"required"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode" binding:"required"`
	Password          string `json:"Password" binding:"required"`
	Timestamp         string `json:"Timestamp" binding:"required"`
	CheckoutRequestID string `json:"CheckoutRequestID" binding:"required"`
}

type callbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// pushState tracks one simulated STK prompt from push to resolution.
type pushState struct {
	CheckoutRequestID string
	MerchantRequestID string
	PhoneNumber       string
	Amount            int64
	CallBackURL       string
	ResultCode        int
	ResultDesc        string
	Receipt           string
	Resolved          bool
}

// Simulator imitates the sandbox: it accepts pushes, resolves each one
// after a payer-reaction delay and fires the result callback.
type Simulator struct {
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	rng         *rand.Rand

	mu     sync.Mutex
	pushes map[string]*pushState
}

func NewSimulator(successRate float64, minDelay, maxDelay time.Duration) *Simulator {
	return &Simulator{
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		pushes:      make(map[string]*pushState),
	}
}

func (s *Simulator) accept(req *STKPushRequest) *pushState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &pushState{
		CheckoutRequestID: "ws_CO_" + uuid.New().String(),
		MerchantRequestID: fmt.Sprintf("29115-%d-1", s.rng.Intn(99999999)),
		PhoneNumber:       req.PhoneNumber,
		Amount:            req.Amount,
		CallBackURL:       req.CallBackURL,
	}
	s.pushes[state.CheckoutRequestID] = state
	return state
}

// resolve decides the payer's reaction and fires the callback.
func (s *Simulator) resolve(state *pushState) {
	delay := s.randomDelay()
	time.Sleep(delay)

	s.mu.Lock()
	if s.rng.Float64() < s.successRate {
		state.ResultCode = 0
		state.ResultDesc = "The service request is processed successfully."
		state.Receipt = s.randomReceipt()
	} else {
		// Split failures between cancel and handset timeout.
		if s.rng.Float64() < 0.5 {
			state.ResultCode = 1032
			state.ResultDesc = "Request cancelled by user"
		} else {
			state.ResultCode = 1037
			state.ResultDesc = "DS timeout user cannot be reached"
		}
	}
	state.Resolved = true
	s.mu.Unlock()

	log.Info().
		Str("checkout_request_id", state.CheckoutRequestID).
		Str("phone", state.PhoneNumber).
		Int("result_code", state.ResultCode).
		Dur("delay", delay).
		Msg("Push resolved")

	s.fireCallback(state)
}

func (s *Simulator) fireCallback(state *pushState) {
	stk := map[string]interface{}{
		"MerchantRequestID": state.MerchantRequestID,
		"CheckoutRequestID": state.CheckoutRequestID,
		"ResultCode":        state.ResultCode,
		"ResultDesc":        state.ResultDesc,
	}
	if state.ResultCode == 0 {
		stk["CallbackMetadata"] = map[string]interface{}{
			"Item": []callbackItem{
				{Name: "Amount", Value: state.Amount},
				{Name: "MpesaReceiptNumber", Value: state.Receipt},
				{Name: "TransactionDate", Value: time.Now().Format("20060102150405")},
				{Name: "PhoneNumber", Value: state.PhoneNumber},
			},
		}
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"Body": map[string]interface{}{"stkCallback": stk},
	})

	resp, err := http.Post(state.CallBackURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Warn().
			Str("checkout_request_id", state.CheckoutRequestID).
			Str("url", state.CallBackURL).
			Err(err).
			Msg("Callback delivery failed")
		return
	}
	defer resp.Body.Close()

	log.Info().
		Str("checkout_request_id", state.CheckoutRequestID).
		Int("status", resp.StatusCode).
		Msg("Callback delivered")
}

func (s *Simulator) lookup(checkoutRequestID string) (*pushState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.pushes[checkoutRequestID]
	return state, ok
}

func (s *Simulator) randomDelay() time.Duration {
	delta := s.maxDelay - s.minDelay
	if delta <= 0 {
		return s.minDelay
	}
	return s.minDelay + time.Duration(s.rng.Int63n(int64(delta)))
}

func (s *Simulator) randomReceipt() string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[s.rng.Intn(len(alphabet))]
	}
	return string(b)
}

// Handler struct holds the simulator and routes
type Handler struct {
	simulator *Simulator
}

func NewHandler(simulator *Simulator) *Handler {
	return &Handler{simulator: simulator}
}

// OAuth issues a throwaway bearer token; credentials are not checked.
func (h *Handler) OAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"access_token": uuid.New().String(),
		"expires_in":   "3599",
	})
}

// STKPush accepts a payment prompt and resolves it asynchronously.
func (h *Handler) STKPush(c *gin.Context) {
	var req STKPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid " + err.Error(),
		})
		return
	}

	state := h.simulator.accept(&req)

	log.Info().
		Str("checkout_request_id", state.CheckoutRequestID).
		Str("phone", req.PhoneNumber).
		Int64("amount", req.Amount).
		Msg("STK push accepted")

	go h.simulator.resolve(state)

	c.JSON(http.StatusOK, STKPushResponse{
		MerchantRequestID:   state.MerchantRequestID,
		CheckoutRequestID:   state.CheckoutRequestID,
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	})
}

// STKQuery reports the resolution of a previous push.
func (h *Handler) STKQuery(c *gin.Context) {
	var req STKQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid " + err.Error(),
		})
		return
	}

	state, ok := h.simulator.lookup(req.CheckoutRequestID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})
		return
	}

	h.simulator.mu.Lock()
	resolved := state.Resolved
	code := state.ResultCode
	desc := state.ResultDesc
	h.simulator.mu.Unlock()

	if !resolved {
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successsfully",
		"MerchantRequestID":   state.MerchantRequestID,
		"CheckoutRequestID":   state.CheckoutRequestID,
		"ResultCode":          fmt.Sprintf("%d", code),
		"ResultDesc":          desc,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"success_rate": h.simulator.successRate,
		"timestamp":    time.Now(),
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	router.GET("/oauth/v1/generate", handler.OAuth)
	router.POST("/mpesa/stkpush/v1/processrequest", handler.STKPush)
	router.POST("/mpesa/stkpushquery/v1/query", handler.STKQuery)
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8081")
	successRate := getEnvFloat("SUCCESS_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 1*time.Second)
	maxDelay := getEnvDuration("MAX_DELAY", 5*time.Second)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting payment provider simulator")

	simulator := NewSimulator(successRate, minDelay, maxDelay)
	handler := NewHandler(simulator)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
