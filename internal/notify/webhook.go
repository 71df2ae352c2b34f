package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs a JSON payload to a configured URL — the generic
// opaque sink for anything that isn't Slack (PagerDuty, a custom ops
// bridge, a ChatOps bot).
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail"`
	Tags     map[string]string `json:"tags,omitempty"`
}

func (w *WebhookSink) Raise(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Severity: alert.Severity,
		Title:    alert.Title,
		Detail:   alert.Detail,
		Tags:     alert.Tags,
	})
	if err != nil {
		return fmt.Errorf("webhook sink: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook sink: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// EmailSink is a seam only — the core does not ship an SMTP
// implementation (out of scope), but a caller can satisfy AlertSink with
// one without the core needing to change.
type EmailSink interface {
	AlertSink
}
