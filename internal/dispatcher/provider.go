package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProviderSender delivers messages through a JSON email-delivery API.
type HTTPProviderSender struct {
	client  *http.Client
	url     string
	apiKey  string
	from    string
	timeout time.Duration
}

// ProviderConfig configures the email-delivery API client.
type ProviderConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration // default 30s
}

func NewHTTPProviderSender(cfg ProviderConfig) *HTTPProviderSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProviderSender{
		client:  &http.Client{},
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		timeout: timeout,
	}
}

func (s *HTTPProviderSender) Endpoint() string {
	return s.url
}

type providerMessage struct {
	From     string `json:"from"`
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

// Send posts one message to the provider.
// Headers: Authorization (bearer key), X-Mailcadence-Idempotency-Key.
func (s *HTTPProviderSender) Send(ctx context.Context, req SendRequest) SendResult {
	start := time.Now()

	body, err := json.Marshal(providerMessage{
		From:     s.from,
		To:       req.To,
		ToName:   req.ToName,
		Subject:  req.Subject,
		HTMLBody: req.Body,
	})
	if err != nil {
		return SendResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("X-Mailcadence-Idempotency-Key", req.IdempotencyKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return SendResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return SendResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}
