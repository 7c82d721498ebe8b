package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// webhookPayload is the JSON body posted for each alert.
type webhookPayload struct {
	Source  string            `json:"source"`
	Symbol  string            `json:"symbol,omitempty"`
	Level   AlertLevel        `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TS      string            `json:"ts"`
}

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. A 5xx answer
// is retried up to Retries times.
type WebhookNotifier struct {
	url     string
	symbol  string
	client  *http.Client
	log     *slog.Logger
	Retries int
	Backoff time.Duration
}

// NewWebhookNotifier creates a webhook notifier that tags every alert
// with the traded symbol.
func NewWebhookNotifier(url, symbol string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		symbol:  symbol,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With("component", "webhook"),
		Retries: 2,
		Backoff: 500 * time.Millisecond,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Source:  "trading-console",
		Symbol:  w.symbol,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Fields:  alert.Fields,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	delay := w.Backoff
	for attempt := 0; ; attempt++ {
		status, err := w.post(ctx, body)
		switch {
		case err == nil && status >= 200 && status < 300:
			w.log.Debug("alert delivered", "title", alert.Title, "attempt", attempt+1)
			return nil
		case err == nil && status < 500:
			return fmt.Errorf("webhook: unexpected status %d", status)
		case attempt >= w.Retries:
			if err != nil {
				return fmt.Errorf("webhook: send: %w", err)
			}
			return fmt.Errorf("webhook: unexpected status %d", status)
		}

		w.log.Warn("webhook retry", "attempt", attempt+1, "status", status, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
