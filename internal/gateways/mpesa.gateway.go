package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	ErrAuthFailed       = errors.New("provider authentication failed")
	ErrRequestRejected  = errors.New("provider rejected the request")
	ErrResultNotReady   = errors.New("provider result not ready")
	ErrProviderTimedOut = errors.New("provider request timed out")
)

// Well-known Daraja result codes.
const (
	ResultSuccess             = 0
	ResultInsufficientFunds   = 1
	ResultCancelledByUser     = 1032
	ResultTimeoutUnreachable  = 1037
	ResultTransactionExpired  = 1019
	ResultInvalidAccount      = 2001
	responseCodePending       = "500.001.1001" // "transaction is being processed"
	oauthPath                 = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath               = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath              = "/mpesa/stkpushquery/v1/query"
	timestampLayout           = "20060102150405"
	tokenExpirySafetyInterval = 30 * time.Second
)

// ProviderError is a business-level rejection reported by the provider. It
// reflects a real-world fact (wrong PIN, no funds, user cancel) and is never
// retryable.
type ProviderError struct {
	Code int
	Desc string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Desc)
}

// Cancelled reports whether the payer cancelled the STK prompt.
func (e *ProviderError) Cancelled() bool {
	return e.Code == ResultCancelledByUser
}

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	AccountPrefix  string
	Timeout        time.Duration
	QueryRetries   int
	RetryDelay     time.Duration
	MaxConns       int
}

// InitiateRequest asks the provider to push an STK payment prompt.
type InitiateRequest struct {
	PhoneNumber string
	AmountKES   int64
	Reference   string
}

// InitiateResponse carries the provider correlation ids for the push.
type InitiateResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// StatusResponse is the answer to an active status query.
type StatusResponse struct {
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
}

// Succeeded reports whether the payment settled on the provider side.
func (s *StatusResponse) Succeeded() bool {
	return s.ResultCode == ResultSuccess
}

// Client talks to the Daraja API. Authentication tokens are cached until
// shortly before expiry and refreshed on demand.
type Client struct {
	config *Config
	client *fasthttp.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" || config.ConsumerKey == "" || config.ConsumerSecret == "" {
		return nil, errors.New("provider credentials are required")
	}
	if config.ShortCode == "" || config.Passkey == "" {
		return nil, errors.New("shortcode and passkey are required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 100
	}

	c := &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}

	logger.Info("Payment provider client initialized", "base_url", config.BaseURL, "shortcode", config.ShortCode, "timeout", config.Timeout)

	return c, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Authenticate fetches (or reuses) an OAuth access token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret))

	body, status, err := c.doRequest(ctx, "GET", oauthPath, nil, map[string]string{
		"Authorization": "Basic " + basic,
	})
	if err != nil {
		return "", err
	}
	if status != fasthttp.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAuthFailed, status)
	}

	var resp oauthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if resp.AccessToken == "" {
		return "", ErrAuthFailed
	}

	expiresIn, err := strconv.Atoi(resp.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	c.accessToken = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - tokenExpirySafetyInterval)

	logger.Debug("Provider token refreshed", "expires_in", expiresIn)

	return c.accessToken, nil
}

// password derives the Lipa-na-M-Pesa password for a request timestamp.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.config.ShortCode + c.config.Passkey + timestamp))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate pushes an STK payment prompt to the payer's phone. Initiation is
// deliberately not retried here: a duplicate push would prompt the payer
// twice for the same order.
func (c *Client) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format(timestampLayout)
	push := &stkPushRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.AmountKES,
		PartyA:            req.PhoneNumber,
		PartyB:            c.config.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  c.config.AccountPrefix + req.Reference,
		TransactionDesc:   "Package purchase " + req.Reference,
	}

	reqBody, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	body, status, err := c.doRequest(ctx, "POST", stkPushPath, reqBody, map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	})
	latency := time.Since(start).Milliseconds()
	prom.RecordProviderDuration("stk_push", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	var resp stkPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if status != fasthttp.StatusOK || resp.ResponseCode != "0" {
		desc := resp.ResponseDescription
		if desc == "" {
			desc = resp.ErrorMessage
		}
		logger.Warn("STK push rejected", "status", status, "code", resp.ErrorCode, "desc", desc)
		return nil, fmt.Errorf("%w: %s", ErrRequestRejected, desc)
	}

	logger.Info("STK push accepted", "checkout_request_id", resp.CheckoutRequestID, "phone", req.PhoneNumber, "amount_kes", req.AmountKES, "latency_ms", latency)

	return &InitiateResponse{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryStatus actively asks the provider for the outcome of a push. Queries
// are read-only and safe to retry.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.QueryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		resp, err := c.queryOnce(ctx, checkoutRequestID)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrResultNotReady) {
			return nil, err
		}
		logger.Warn("Status query failed, retrying", "checkout_request_id", checkoutRequestID, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.QueryRetries+1, lastErr)
}

func (c *Client) queryOnce(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format(timestampLayout)
	query := &stkQueryRequest{
		BusinessShortCode: c.config.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	reqBody, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	body, status, err := c.doRequest(ctx, "POST", stkQueryPath, reqBody, map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	})
	prom.RecordProviderDuration("stk_query", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.ErrorCode == responseCodePending {
		return nil, ErrResultNotReady
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", status, body)
	}

	code, err := strconv.Atoi(resp.ResultCode)
	if err != nil {
		return nil, fmt.Errorf("malformed result code %q: %w", resp.ResultCode, err)
	}

	return &StatusResponse{
		ResultCode: code,
		ResultDesc: resp.ResultDesc,
	}, nil
}

// doRequest performs an HTTP request honoring the context deadline.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, 0, fmt.Errorf("%w: %v", ErrProviderTimedOut, err)
		}
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, resp.StatusCode(), nil
}
