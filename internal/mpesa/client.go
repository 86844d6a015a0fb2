// Package mpesa is a client for the Safaricom Daraja API: STK push
// collections, B2C payouts and C2B URL registration, plus callback parsing.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

const timestampLayout = "20060102150405"

// Config holds Daraja credentials and endpoints.
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	B2CShortCode       string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	Timeout            time.Duration
}

// APIError is a non-success response from Daraja.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa api error (%d) %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa api error (%d): %s", e.Status, e.Message)
}

// ErrRejected is returned when Daraja answers 200 with a non-zero ResponseCode.
var ErrRejected = errors.New("mpesa request rejected")

// Client talks to Daraja. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *utils.CircuitBreaker
	metrics *utils.MetricsCollector

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

// NewClient creates a Daraja client guarded by the "mpesa" circuit breaker.
func NewClient(cfg Config, metrics *utils.MetricsCollector) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: utils.GetCircuitBreaker(utils.BreakerConfig{
			Name:             "mpesa",
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      cfg.Timeout,
		}),
		metrics: metrics,
		now:     time.Now,
	}
}

// Password returns base64(shortcode + passkey + timestamp) and the timestamp.
func (c *Client) Password() (string, string) {
	ts := c.now().Format(timestampLayout)
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts)), ts
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached OAuth token, refreshing it a minute before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var out tokenResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("failed to get access token: empty token")
	}

	ttl, err := strconv.Atoi(out.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = out.AccessToken
	c.tokenExp = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

// invalidateToken drops the cached token after a 401.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// post sends an authenticated JSON request through the circuit breaker.
func (c *Client) post(ctx context.Context, api, path string, body, out any) error {
	ctx, span := utils.StartSpan(ctx, "mpesa", "mpesa."+api, "mpesa.api", api)

	payload, err := json.Marshal(body)
	if err != nil {
		utils.EndSpan(span, err)
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		err = c.do(req, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return err
	})

	c.metrics.RecordMpesaRequest(api, err)
	utils.EndSpan(span, err)
	if err != nil {
		utils.Warn("mpesa request failed", "api", api, "error", err)
	}
	return err
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.ErrorMessage != "" {
			return &APIError{Status: resp.StatusCode, Code: e.ErrorCode, Message: e.ErrorMessage, RequestID: e.RequestID}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// wholeShillings converts an amount for Daraja, which only accepts integers.
// Fractional amounts are refused rather than rounded.
func wholeShillings(amount float64) (int64, error) {
	if amount < 1 || amount != math.Trunc(amount) {
		return 0, fmt.Errorf("%w: amount %.2f is not a whole number of shillings", ErrRejected, amount)
	}
	return int64(amount), nil
}

// STKPushRequest asks a customer to authorise a payment on their phone.
type STKPushRequest struct {
	Phone            string
	Amount           float64
	AccountReference string
	Description      string
	CallbackURL      string
}

// STKPushResponse is Daraja's acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush starts a Lipa Na M-Pesa Online payment.
func (c *Client) STKPush(ctx context.Context, r STKPushRequest) (*STKPushResponse, error) {
	phone, err := NormalizePhone(r.Phone)
	if err != nil {
		return nil, err
	}
	amount, err := wholeShillings(r.Amount)
	if err != nil {
		return nil, err
	}
	password, ts := c.Password()
	desc := r.Description
	if desc == "" {
		desc = "Loan repayment"
	}

	body := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       r.CallbackURL,
		"AccountReference":  truncate(r.AccountReference, 12),
		"TransactionDesc":   truncate(desc, 100),
	}

	var out STKPushResponse
	if err := c.post(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, fmt.Errorf("%w: %s", ErrRejected, out.ResponseDescription)
	}
	return &out, nil
}

// STKQueryResponse is the status of an STK push.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Code parses ResultCode. ok is false while the customer has not responded.
func (r *STKQueryResponse) Code() (code int, ok bool) {
	if r.ResultCode == "" {
		return 0, false
	}
	code, err := strconv.Atoi(r.ResultCode)
	if err != nil {
		return 0, false
	}
	return code, true
}

// STKQuery asks Daraja for the outcome of an STK push.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	password, ts := c.Password()
	body := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out STKQueryResponse
	if err := c.post(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// B2CRequest pays money out to a customer's phone.
type B2CRequest struct {
	Phone      string
	Amount     float64
	Remarks    string
	Occasion   string
	ResultURL  string
	TimeoutURL string
}

// B2CResponse is Daraja's acknowledgement of a B2C request.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2C sends a BusinessPayment to a phone number.
func (c *Client) B2C(ctx context.Context, r B2CRequest) (*B2CResponse, error) {
	phone, err := NormalizePhone(r.Phone)
	if err != nil {
		return nil, err
	}
	amount, err := wholeShillings(r.Amount)
	if err != nil {
		return nil, err
	}
	remarks := r.Remarks
	if remarks == "" {
		remarks = "Disbursement"
	}

	body := map[string]any{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             amount,
		"PartyA":             c.cfg.B2CShortCode,
		"PartyB":             phone,
		"Remarks":            truncate(remarks, 100),
		"QueueTimeOutURL":    r.TimeoutURL,
		"ResultURL":          r.ResultURL,
		"Occasion":           truncate(r.Occasion, 100),
	}

	var out B2CResponse
	if err := c.post(ctx, "b2c", "/mpesa/b2c/v1/paymentrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return &out, fmt.Errorf("%w: %s", ErrRejected, out.ResponseDescription)
	}
	return &out, nil
}

// RegisterC2BURLs registers the paybill validation and confirmation URLs.
func (c *Client) RegisterC2BURLs(ctx context.Context, confirmationURL, validationURL string) error {
	body := map[string]any{
		"ShortCode":       c.cfg.ShortCode,
		"ResponseType":    "Completed",
		"ConfirmationURL": confirmationURL,
		"ValidationURL":   validationURL,
	}
	var out struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, "c2b_register", "/mpesa/c2b/v1/registerurl", body, &out); err != nil {
		return err
	}
	if out.ResponseCode != "" && out.ResponseCode != "0" {
		return fmt.Errorf("%w: %s", ErrRejected, out.ResponseDescription)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
