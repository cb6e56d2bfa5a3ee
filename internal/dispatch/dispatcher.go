// Package dispatch sends outbound messages to the WhatsApp Business Cloud
// API with rate limiting, exponential-backoff retry for transient failures,
// and localized mapping of provider error codes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wabridge/internal/catalog"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/tracker"
	"wabridge/internal/wacloud"
)

// Config tunes the dispatcher.
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string

	// MaxAttempts is the total number of delivery attempts, first try
	// included.
	MaxAttempts    int
	RequestTimeout time.Duration
	RetryBase      time.Duration
	RatePerSecond  float64
	Burst          int
	Locale         string
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://graph.facebook.com"
	}
	if c.APIVersion == "" {
		c.APIVersion = "v21.0"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
}

// SendError is a permanent provider rejection. It is never retried.
type SendError struct {
	Code    int
	Reason  string
	Details string
}

func (e *SendError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("send rejected (code %d): %s: %s", e.Code, e.Reason, e.Details)
	}
	return fmt.Sprintf("send rejected (code %d): %s", e.Code, e.Reason)
}

// transientError indicates a failure worth another attempt.
type transientError struct {
	statusCode int
	body       string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// Dispatcher delivers SendIntents to the Cloud API.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	tracker *tracker.Tracker
	cat     *catalog.Catalog
	logger  *slog.Logger
}

// New creates a dispatcher backed by the given tracker and error catalog.
func New(cfg Config, trk *tracker.Tracker, cat *catalog.Catalog, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	if cfg.Locale == "" {
		cfg.Locale = cat.DefaultLocale()
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		tracker: trk,
		cat:     cat,
		logger:  logger,
	}
}

// Send delivers one intent and returns the provider-assigned message id.
// Transient failures (network errors, timeouts, 5xx, 429) are retried with
// exponential backoff up to MaxAttempts; permanent rejections and exhausted
// retries surface through the tracker as a failed delivery as well as in the
// returned error, so the room side observes the same transitions either way.
func (d *Dispatcher) Send(ctx context.Context, intent *domain.SendIntent) (string, error) {
	req, err := d.buildRequest(intent)
	if err != nil {
		return "", err // construction error, nothing was sent
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	var lastErr error
	for intent.Attempts < d.cfg.MaxAttempts {
		if intent.Attempts > 0 {
			if err := d.waitBackoff(ctx, intent); err != nil {
				return "", err
			}
		}
		intent.Attempts++

		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}

		id, err := d.attempt(ctx, body)
		if err == nil {
			metrics.SendAttempts("ok").Inc()
			intent.ExternalID = id
			intent.LastError = ""
			d.tracker.RecordSent(ctx, intent)
			return id, nil
		}

		var perm *SendError
		if errors.As(err, &perm) {
			metrics.SendAttempts("rejected").Inc()
			d.failLocal(ctx, intent, perm.Code, perm.Reason)
			return "", err
		}

		metrics.SendAttempts("transient").Inc()
		lastErr = err
		intent.LastError = err.Error()
		intent.NextRetry = time.Now().Add(d.backoffFor(intent.Attempts))
		d.logger.Warn("send attempt failed, will retry",
			"to", intent.Recipient(), "kind", intent.Kind(),
			"attempt", intent.Attempts, "err", err)
	}

	reason := d.cat.LookupError(domain.CodeDeliveryExhausted, d.cfg.Locale)
	d.failLocal(ctx, intent, domain.CodeDeliveryExhausted, reason)
	return "", fmt.Errorf("delivery failed after %d attempts: %w", intent.Attempts, lastErr)
}

// buildRequest turns the intent into a wire request, rendering interactive
// specs through the catalog templates.
func (d *Dispatcher) buildRequest(intent *domain.SendIntent) (*wacloud.SendRequest, error) {
	if intent.Interactive != nil {
		req, fallback, err := wacloud.RenderInteractive(intent.Interactive, d.cat)
		if err != nil {
			return nil, err
		}
		d.logger.Debug("rendered interactive message",
			"kind", intent.Interactive.Kind, "fallback", fallback)
		return req, nil
	}
	return wacloud.BuildSendRequest(intent.Message)
}

func (d *Dispatcher) waitBackoff(ctx context.Context, intent *domain.SendIntent) error {
	wait := time.Until(intent.NextRetry)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-intent.RetryCancelled():
		return fmt.Errorf("retry cancelled for %s", intent.Recipient())
	case <-time.After(wait):
		return nil
	}
}

// backoffFor computes exponential backoff with jitter to prevent
// thundering herd.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * d.cfg.RetryBase
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// attempt performs one request round trip. A *SendError return means the
// provider rejected the message permanently.
func (d *Dispatcher) attempt(ctx context.Context, body []byte) (string, error) {
	url := fmt.Sprintf("%s/%s/%s/messages", d.cfg.BaseURL, d.cfg.APIVersion, d.cfg.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.cfg.AccessToken)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	// 5xx and 429 are worth another attempt.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", &transientError{statusCode: resp.StatusCode, body: string(respBody)}
	}

	var sendResp wacloud.SendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		return "", d.permanentError(&sendResp, resp.StatusCode)
	}

	if len(sendResp.Messages) == 0 || sendResp.Messages[0].ID == "" {
		return "", fmt.Errorf("response carries no message id (HTTP %d)", resp.StatusCode)
	}
	return sendResp.Messages[0].ID, nil
}

func (d *Dispatcher) permanentError(resp *wacloud.SendResponse, statusCode int) *SendError {
	se := &SendError{}
	if resp.Error != nil {
		se.Code = resp.Error.Code
		se.Details = resp.Error.ErrorData.Details
	}
	se.Reason = d.cat.LookupError(se.Code, d.cfg.Locale)
	if se.Code == 0 {
		se.Reason = fmt.Sprintf("HTTP %d", statusCode)
	}
	return se
}

// failLocal routes a never-delivered intent through the tracker so failure
// reaches the room handler via the same path as a provider failure receipt.
func (d *Dispatcher) failLocal(ctx context.Context, intent *domain.SendIntent, code int, reason string) {
	if intent.ExternalID == "" {
		intent.ExternalID = "local-" + uuid.NewString()
	}
	d.tracker.RecordSent(ctx, intent)
	d.tracker.ApplyReceipt(ctx, &domain.DeliveryReceipt{
		ExternalID:   intent.ExternalID,
		Status:       domain.StatusFailed,
		ErrorCode:    code,
		ErrorDetails: reason,
		Timestamp:    time.Now().UTC(),
		Recipient:    intent.Recipient(),
	})
}

// MarkRead reports an inbound message as read to the provider.
func (d *Dispatcher) MarkRead(ctx context.Context, externalID string) error {
	body, err := json.Marshal(wacloud.MarkReadRequest{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        externalID,
	})
	if err != nil {
		return fmt.Errorf("marshal mark-read: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", d.cfg.BaseURL, d.cfg.APIVersion, d.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.AccessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("mark-read request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mark-read rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

// StatusOf reports the tracked delivery status for an external id.
func (d *Dispatcher) StatusOf(externalID string) domain.DeliveryStatus {
	return d.tracker.StatusOf(externalID)
}

// SendOutbound implements domain.RoomPort.
func (d *Dispatcher) SendOutbound(ctx context.Context, intent *domain.SendIntent) (string, error) {
	return d.Send(ctx, intent)
}
