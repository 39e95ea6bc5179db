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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/util"
)

// SMSClient posts messages to a Mobizon-compatible HTTP API.
type SMSClient struct {
	endpoint string
	apiKey   string
	sender   string
	dryRun   bool
	http     *http.Client
}

type SMSConfig struct {
	Endpoint string
	APIKey   string
	Sender   string
	DryRun   bool
	Timeout  time.Duration
}

type sendSMSResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"messageId"`
	} `json:"data"`
}

func NewSMSClient(cfg SMSConfig) *SMSClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		sender:   cfg.Sender,
		dryRun:   cfg.DryRun || cfg.APIKey == "" || cfg.APIKey == "dry-run",
		http:     &http.Client{Timeout: timeout},
	}
}

// SendSMS returns the provider message id. In dry-run mode nothing leaves
// the process.
func (c *SMSClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	if c.dryRun {
		id := "dry-run-" + uuid.NewString()
		util.Info("SMS dry-run", util.Target("to", to), zap.String("message_id", id))
		return id, nil
	}

	form := url.Values{
		"apiKey":    {c.apiKey},
		"recipient": {strings.TrimPrefix(to, "+")},
		"text":      {body},
	}
	if c.sender != "" {
		form.Set("from", c.sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", sendFailed("build sms request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", sendFailed("send sms request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", sendFailed("read sms response", err)
	}
	if resp.StatusCode >= 300 {
		return "", sendFailed("send sms", fmt.Errorf("gateway status %d", resp.StatusCode))
	}

	var result sendSMSResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", sendFailed("parse sms response", err)
	}
	if result.Code != 0 {
		return "", sendFailed("send sms", fmt.Errorf("gateway code %d: %s", result.Code, result.Message))
	}

	util.Debug("SMS sent", util.Target("to", to), zap.String("message_id", result.Data.MessageID))
	return result.Data.MessageID, nil
}
