package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

// WebhookNotifier POSTs events as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewWebhookNotifier constructs a notifier targeting url.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:     strings.TrimSpace(url),
		headers: headers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, ev models.IncidentEvent) error {
	return w.postJSON(ctx, ev)
}

// Close implements Notifier.
func (w *WebhookNotifier) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}

func (w *WebhookNotifier) postJSON(ctx context.Context, payload any) error {
	if w.url == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
