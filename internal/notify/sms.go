package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// SMSConfig holds bulk SMS gateway settings.
type SMSConfig struct {
	BaseURL  string
	APIKey   string
	Username string
	SenderID string
}

// SMSGateway sends SMS through an Africa's Talking compatible HTTP API.
type SMSGateway struct {
	cfg     SMSConfig
	http    *http.Client
	breaker *utils.CircuitBreaker
}

// NewSMSGateway creates a gateway client guarded by the "sms" circuit breaker.
// An empty base URL disables delivery.
func NewSMSGateway(cfg SMSConfig) *SMSGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SMSGateway{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
		breaker: utils.GetCircuitBreaker(utils.BreakerConfig{
			Name:             "sms",
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			CallTimeout:      15 * time.Second,
		}),
	}
}

// SendSMS delivers message to phone.
func (g *SMSGateway) SendSMS(ctx context.Context, phone, message string) error {
	if g.cfg.BaseURL == "" {
		utils.Debug("sms gateway disabled, sms not sent", "phone", phone)
		return nil
	}
	to, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return err
	}

	ctx, span := utils.StartSpan(ctx, "sms", "sms.send")
	err = g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.send(ctx, "+"+to, message)
	})
	utils.EndSpan(span, err)
	return err
}

func (g *SMSGateway) send(ctx context.Context, to, message string) error {
	form := url.Values{}
	form.Set("username", g.cfg.Username)
	form.Set("to", to)
	form.Set("message", message)
	if g.cfg.SenderID != "" {
		form.Set("from", g.cfg.SenderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create sms request: %w", err)
	}
	req.Header.Set("apiKey", g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read sms response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to decode sms response: %w", err)
	}
	statuses, err := jsonpath.Get("$.SMSMessageData.Recipients[*].status", doc)
	if err != nil {
		return fmt.Errorf("sms response without recipients")
	}
	list, _ := statuses.([]any)
	if len(list) == 0 {
		msg, _ := jsonpath.Get("$.SMSMessageData.Message", doc)
		return fmt.Errorf("sms not accepted: %v", msg)
	}
	for _, s := range list {
		if status, _ := s.(string); status != "Success" {
			return fmt.Errorf("sms not accepted: %v", s)
		}
	}
	return nil
}
