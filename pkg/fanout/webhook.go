package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/droverhq/drover/pkg/errors"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

const (
	webhookTimeout    = 10 * time.Second
	webhookAttempts   = 3
	webhookRetryDelay = 500 * time.Millisecond
	webhookRate       = rate.Limit(20)
	webhookBurst      = 40
)

// WebhookSender POSTs execution updates to subscriber URLs. Deliveries are
// rate limited across all subscriptions, retried with backoff, and guarded
// by a shared circuit breaker.
type WebhookSender struct {
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     zerolog.Logger
	attempts   uint
	retryDelay time.Duration
}

// WebhookConfig tunes delivery. Zero fields take the production
// defaults.
type WebhookConfig struct {
	Timeout  time.Duration
	Attempts uint
	Rate     float64
	Burst    int
}

// NewWebhookSender creates a sender with production settings: 10s request
// timeout, 3 attempts, breaker tripping after 5 consecutive failures.
func NewWebhookSender() *WebhookSender {
	return NewWebhookSenderWith(WebhookConfig{})
}

// NewWebhookSenderWith creates a sender with explicit tuning.
func NewWebhookSenderWith(cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = webhookTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = webhookAttempts
	}
	if cfg.Rate <= 0 {
		cfg.Rate = float64(webhookRate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = webhookBurst
	}
	return &WebhookSender{
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "webhook",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		limiter:    rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:     log.WithComponent("webhook"),
		attempts:   cfg.Attempts,
		retryDelay: webhookRetryDelay,
	}
}

// Deliver POSTs one update as JSON. A breaker-open refusal is not retried.
func (s *WebhookSender) Deliver(ctx context.Context, url string, update types.ExecutionUpdate) error {
	if err := s.limiter.Wait(ctx); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return errors.OperationFailed(err, "webhook rate limit wait")
	}

	body, err := json.Marshal(update)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return errors.OperationFailed(err, "marshal execution update")
	}

	err = retry.Do(
		func() error {
			_, execErr := s.breaker.Execute(func() (interface{}, error) {
				return nil, s.post(ctx, url, body)
			})
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				return retry.Unrecoverable(execErr)
			}
			return execErr
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.WebhookDeliveries.WithLabelValues("suppressed").Inc()
		} else {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
		return errors.OperationFailed(err, "deliver webhook")
	}

	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	return nil
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
