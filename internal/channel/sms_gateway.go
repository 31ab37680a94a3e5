package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/phone"
)

// GatewayConfig configures the HTTP SMS gateway provider.
type GatewayConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	SenderID  string
	Timeout   time.Duration
}

// GatewayProvider sends SMS through a JSON HTTP gateway authenticated with
// an API key and secret.
type GatewayProvider struct {
	cfg    GatewayConfig
	client *http.Client
}

// NewGatewayProvider creates a gateway provider.
func NewGatewayProvider(cfg GatewayConfig) *GatewayProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GatewayProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *GatewayProvider) Name() string { return "sms-gateway" }

// FormatNumber strips the leading '+'; the gateway addresses by digits.
func (p *GatewayProvider) FormatNumber(canonical string) string {
	return phone.Digits(canonical)
}

type gatewayRecipient struct {
	RecipientID int    `json:"recipient_id"`
	DestAddr    string `json:"dest_addr"`
}

type gatewaySendRequest struct {
	SourceAddr string             `json:"source_addr"`
	Message    string             `json:"message"`
	Encoding   int                `json:"encoding"`
	Reference  string             `json:"reference,omitempty"`
	Recipients []gatewayRecipient `json:"recipients"`
}

type gatewaySendResponse struct {
	Successful  bool        `json:"successful"`
	RequestID   json.Number `json:"request_id"`
	Code        int         `json:"code"`
	Message     string      `json:"message"`
	CreditsUsed json.Number `json:"credits_used"`
	Invalid     int         `json:"invalid"`
}

func (p *GatewayProvider) Send(ctx context.Context, to, message, reference string) (*SMSResult, error) {
	body, err := json.Marshal(gatewaySendRequest{
		SourceAddr: p.cfg.SenderID,
		Message:    message,
		Reference:  reference,
		Recipients: []gatewayRecipient{{RecipientID: 1, DestAddr: to}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "herald/1.0")
	req.SetBasicAuth(p.cfg.APIKey, p.cfg.APISecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out gatewaySendResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Code:       gatewayErrorCode(resp.StatusCode),
			Message:    msg,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode gateway response: %w", decodeErr)
	}
	if !out.Successful || out.Invalid > 0 {
		code := CodeProviderError
		if out.Invalid > 0 {
			code = CodeInvalidRecipient
		}
		return nil, &ProviderError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    fmt.Sprintf("%s (code %d)", out.Message, out.Code),
		}
	}

	id := out.RequestID.String()
	return &SMSResult{
		MessageID: id,
		Reference: id,
		Cost:      out.CreditsUsed.String(),
	}, nil
}

func gatewayErrorCode(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeInvalidRecipient
	}
	return CodeProviderError
}

// GatewayStatus maps a gateway delivery-report status to a delivery status.
func GatewayStatus(s string) (db.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SENT", "SUBMITTED", "ACCEPTED":
		return db.StatusSent, true
	case "DELIVERED", "DELIVRD":
		return db.StatusDelivered, true
	case "FAILED", "UNDELIVERED", "UNDELIV", "REJECTED", "EXPIRED":
		return db.StatusFailed, true
	}
	return "", false
}
