package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/modelmux/modelmux/internal/httputil"
)

// WebhookSink POSTs each trail as JSON to a configured endpoint. Any 2xx
// counts as delivered; everything else is an error for the recorder to log.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: httputil.DefaultClient(),
	}
}

func NewWebhookSinkWithClient(url string, client *http.Client) *WebhookSink {
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Write(ctx context.Context, trail *Trail) error {
	body, err := json.Marshal(trail)
	if err != nil {
		return fmt.Errorf("marshal trail: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
