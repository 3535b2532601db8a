package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"urban-density-analytics/api/internal/models"
)

// WebhookDeliveryError records a failed webhook post. Deliveries are
// not retried; the error is surfaced for logging and metrics only.
type WebhookDeliveryError struct {
	URL    string
	Status int
	Err    error
}

func (e *WebhookDeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("webhook %s returned %d", e.URL, e.Status)
	}
	return fmt.Sprintf("webhook %s failed: %v", e.URL, e.Err)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }

// HTTPSink posts alert events as JSON to the rule's webhook URL.
type HTTPSink struct {
	http *http.Client
}

func NewHTTPSink(timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, url string, event models.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return &WebhookDeliveryError{URL: url, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &WebhookDeliveryError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return &WebhookDeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &WebhookDeliveryError{URL: url, Status: resp.StatusCode}
	}
	return nil
}
