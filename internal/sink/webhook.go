package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/resilience"
)

// WebhookSink POSTs each artifact as JSON to a URL. 5xx responses and
// network errors are retried.
type WebhookSink struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

// NewWebhookSink creates a WebhookSink.
func NewWebhookSink(url string, retry resilience.RetryConfig) *WebhookSink {
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("sink: retrying webhook", zap.Int("attempt", attempt), zap.Error(err))
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, a Artifact) error {
	if s.url == "" {
		return eris.New("sink: webhook url is empty")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sink: marshal artifact")
	}

	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.post(ctx, payload)
	})
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "sink: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "sink: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("sink: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
