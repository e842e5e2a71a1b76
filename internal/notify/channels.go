package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/decomontenegro/baas-platform-sub000/pkg/clients"
	"github.com/decomontenegro/baas-platform-sub000/pkg/email"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
)

// EmailChannel delivers a rendered notification by mail.
type EmailChannel interface {
	Send(ctx context.Context, to, subject, body string) error
}

// WhatsAppChannel delivers a short markdown message.
type WhatsAppChannel interface {
	Send(ctx context.Context, to, message string) error
}

// WebhookPayload is the JSON body posted to webhook receivers.
type WebhookPayload struct {
	Timestamp time.Time              `json:"timestamp"`
	Alert     WebhookAlert           `json:"alert"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source"`
}

// WebhookAlert is the alert section of a webhook payload.
type WebhookAlert struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// WebhookChannel posts alert payloads to a receiver.
type WebhookChannel interface {
	Send(ctx context.Context, url string, headers map[string]string, payload WebhookPayload) error
}

// smtpChannel sends through the shared SMTP sender.
type smtpChannel struct {
	sender *email.Sender
}

func NewEmailChannel(sender *email.Sender) EmailChannel {
	return &smtpChannel{sender: sender}
}

func (c *smtpChannel) Send(ctx context.Context, to, subject, body string) error {
	if !c.sender.IsConfigured() {
		return fmt.Errorf("email transport not configured")
	}
	return c.sender.SendMail(ctx, to, subject, body)
}

// whatsappRetryConfig retries three times with exponential backoff
// (1s, 2s, 4s) capped at 30s.
var whatsappRetryConfig = clients.HTTPExecutorConfig{
	MaxRetries:   3,
	BaseDelay:    1 * time.Second,
	MaxDelay:     30 * time.Second,
	JitterFactor: 0.1,
}

// whatsappChannel posts to a WhatsApp HTTP API.
type whatsappChannel struct {
	apiURL string
	apiKey string
	client *http.Client
	retry  retrypolicy.RetryPolicy[*http.Response]
	logger logging.Logger
}

func NewWhatsAppChannel(apiURL, apiKey string, logger logging.Logger) WhatsAppChannel {
	return &whatsappChannel{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
		retry:  clients.NewHTTPRetryPolicy(whatsappRetryConfig),
		logger: logger,
	}
}

func (c *whatsappChannel) Send(ctx context.Context, to, message string) error {
	if c.apiURL == "" {
		return fmt.Errorf("whatsapp transport not configured")
	}
	recipient, err := NormalizeE164(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"number": recipient,
		"text":   message,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	resp, err := failsafe.With(c.retry).WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/message/sendText", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("whatsapp send failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp send failed with status %d", resp.StatusCode)
	}
	return nil
}

// NormalizeE164 reduces a phone number to E.164 form.
func NormalizeE164(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()
	number = strings.TrimPrefix(number, "00")
	if len(number) < 8 || len(number) > 15 {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
	return "+" + number, nil
}

// httpWebhookChannel posts JSON with a 10s timeout and 3 retries with
// backoff and jitter. Network errors, 5xx, and 429 are retried.
type httpWebhookChannel struct {
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	logger   logging.Logger
}

func NewWebhookChannel(logger logging.Logger) WebhookChannel {
	return &httpWebhookChannel{
		client: &http.Client{Timeout: 10 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:   3,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			JitterFactor: 0.2,
		}),
		logger: logger,
	}
}

func (c *httpWebhookChannel) Send(ctx context.Context, url string, headers map[string]string, payload WebhookPayload) error {
	if url == "" {
		return fmt.Errorf("webhook url not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		return resp, nil
	})
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post failed with status %d", resp.StatusCode)
	}
	return nil
}
