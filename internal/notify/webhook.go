package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// WebhookConfig controls delivery to the endpoint.
type WebhookConfig struct {
	// URL is the endpoint payloads are POSTed to.
	URL string

	// MaxRetries bounds delivery attempts after the first. Defaults to 3.
	MaxRetries int

	// InitialBackoff is the first retry delay. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Defaults to 30s.
	MaxBackoff time.Duration

	// Timeout bounds each HTTP request. Defaults to 10s.
	Timeout time.Duration
}

// DefaultWebhookConfig returns the delivery defaults NewWebhook applies
// for zero-valued fields.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Payload is the JSON document posted to the webhook endpoint.
type Payload struct {
	// Event is "batch_completed" or "critical".
	Event string `json:"event"`

	// Trigger names what started the batch: "HH:MM" for the scheduled run,
	// "manual" or "batch" for operator-initiated ones.
	Trigger string `json:"trigger"`

	// Timestamp is when the payload was generated.
	Timestamp time.Time `json:"timestamp"`

	// Summary aggregates the batch; set for batch_completed events.
	Summary *BatchSummary `json:"summary,omitempty"`

	// Results carries the per-task outcomes; set for batch_completed events.
	Results []models.TransferResult `json:"results,omitempty"`

	// Message is the critical text; set for critical events.
	Message string `json:"message,omitempty"`

	// Extra carries additional context for critical events.
	Extra map[string]string `json:"extra,omitempty"`
}

// Webhook posts batch outcomes to an HTTP endpoint. Delivery is
// asynchronous; NotifyResults and NotifyCritical only enqueue.
type Webhook struct {
	config WebhookConfig
	client *http.Client

	queue chan Payload
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebhook creates a webhook sink for the given endpoint. Call Start
// before the first notification and Stop during shutdown.
func NewWebhook(config WebhookConfig) *Webhook {
	def := DefaultWebhookConfig()
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Webhook{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		queue:  make(chan Payload, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the delivery worker.
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.deliveryWorker()
}

// Stop drains the queue and shuts the worker down.
func (w *Webhook) Stop() {
	w.cancel()
	close(w.queue)
	w.wg.Wait()
}

// NotifyResults queues a batch-completed payload.
func (w *Webhook) NotifyResults(_ context.Context, results []models.TransferResult, trigger string, errorContext string) {
	summary := Summarize(results)
	p := Payload{
		Event:     "batch_completed",
		Trigger:   trigger,
		Timestamp: time.Now(),
		Summary:   &summary,
		Results:   results,
	}
	if errorContext != "" {
		p.Extra = map[string]string{"context": errorContext}
	}
	w.enqueue(p)
}

// NotifyCritical queues a critical payload.
func (w *Webhook) NotifyCritical(_ context.Context, message, trigger string, extra map[string]string) {
	w.enqueue(Payload{
		Event:     "critical",
		Trigger:   trigger,
		Timestamp: time.Now(),
		Message:   message,
		Extra:     extra,
	})
}

func (w *Webhook) enqueue(p Payload) {
	select {
	case w.queue <- p:
	default:
		logger.Warn("webhook queue full, dropping", "event", p.Event, "trigger", p.Trigger)
	}
}

// deliveryWorker processes queued payloads.
func (w *Webhook) deliveryWorker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			// Drain remaining queue items before exiting.
			for {
				select {
				case p, ok := <-w.queue:
					if !ok {
						return
					}
					_ = w.deliverWithRetry(p)
				default:
					return
				}
			}
		case p, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.deliverWithRetry(p); err != nil {
				logger.Error("webhook delivery failed after retries",
					"event", p.Event, "trigger", p.Trigger, "error", err)
			}
		}
	}
}

// deliverWithRetry attempts delivery with exponential backoff.
func (w *Webhook) deliverWithRetry(p Payload) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.calculateBackoff(attempt)
			logger.Debug("webhook retry",
				"attempt", attempt, "max", w.config.MaxRetries, "backoff", backoff.String())

			select {
			case <-w.ctx.Done():
				return w.ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := w.deliver(p)
		if err == nil {
			if attempt > 0 {
				logger.Info("webhook delivered after retry", "event", p.Event, "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return lastErr
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff doubles the initial delay per attempt, capped at MaxBackoff.
func (w *Webhook) calculateBackoff(attempt int) time.Duration {
	d := time.Duration(float64(w.config.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > w.config.MaxBackoff {
		d = w.config.MaxBackoff
	}
	return d
}

// statusError reports a non-2xx response; retryable for 5xx and 429.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	// Transport errors (refused, timeout) are worth retrying.
	return true
}

// deliver posts one payload and classifies the response.
func (w *Webhook) deliver(p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(w.ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "shuttle")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode, body: string(respBody)}
}
