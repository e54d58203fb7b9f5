package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON document posted to the webhook.
type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
}

// permanentError marks a response that retrying will not fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// WebhookTransport posts reports as JSON. Transient failures are retried with
// exponential backoff; a circuit breaker stops hammering an endpoint that keeps
// failing when one process sends many reports (e.g. a long running embedder).
type WebhookTransport struct {
	cfg    WebhookConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// NewWebhookTransport validates cfg and creates the transport.
func NewWebhookTransport(cfg WebhookConfig) (*WebhookTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A rejected payload says nothing about the endpoint's health.
			var perm *permanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			plog.Warn("Webhook circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &WebhookTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     cb,
	}, nil
}

func (t *WebhookTransport) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(WebhookPayload{
		Event:     "backup.completed",
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Body:      body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	backoff := t.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		_, err = t.cb.Execute(func() (struct{}, error) {
			return struct{}{}, t.post(ctx, payload)
		})
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		if attempt >= t.cfg.Retries {
			return fmt.Errorf("webhook failed after %d attempts: %w", attempt+1, err)
		}

		plog.Warn("Webhook delivery failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (t *WebhookTransport) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pgl-vault/"+buildinfo.Version)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	default:
		return &permanentError{fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))}
	}
}

var _ Transport = (*WebhookTransport)(nil)
