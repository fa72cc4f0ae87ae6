package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/matt-riley/flagstaff/internal/core"
)

// Webhook posts every stored event as JSON to a fixed URL. Delivery is
// attempted once; failures are logged.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook returns a listener posting to url. A nil client means
// http.DefaultClient and a nil logger means slog.Default().
func NewWebhook(url string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{url: url, client: client, logger: logger}
}

func (h *Webhook) HandleEvent(ctx context.Context, event core.Event) {
	if err := h.post(ctx, event); err != nil {
		h.logger.Warn("event hook delivery failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err,
		)
	}
}

func (h *Webhook) post(ctx context.Context, event core.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flagstaff-Event", string(event.Type))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
