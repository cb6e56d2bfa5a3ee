// Package webhook receives WhatsApp Business Cloud webhook callbacks:
// the GET verification handshake and POST event batches carrying inbound
// messages and delivery statuses.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wabridge/internal/bus"
	"wabridge/internal/metrics"
	"wabridge/internal/tracker"
	"wabridge/internal/wacloud"
)

const maxBodySize = 1 << 20 // provider batches stay well under 1MB

// Config tunes the webhook endpoint.
type Config struct {
	Path        string
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 validation when non-empty.
	AppSecret string
	// DedupeTTL bounds how long a processed message id suppresses
	// re-deliveries of the same event.
	DedupeTTL time.Duration
}

// Handler terminates the webhook endpoint and feeds normalized messages to
// the bus and receipts to the tracker.
type Handler struct {
	cfg     Config
	bus     *bus.Bus
	tracker *tracker.Tracker
	logger  *slog.Logger

	seen sync.Map // message id -> time.Time first seen
	wg   sync.WaitGroup
}

func New(cfg Config, b *bus.Bus, trk *tracker.Tracker, logger *slog.Logger) *Handler {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}
	return &Handler{cfg: cfg, bus: b, tracker: trk, logger: logger}
}

// Register mounts the verification and event handlers on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.cfg.Path, h.handleVerification)
	mux.HandleFunc("POST "+h.cfg.Path, h.handleEvents)
}

// handleVerification answers the provider's subscription handshake.
func (h *Handler) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.cfg.VerifyToken {
		h.logger.Info("webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	h.logger.Warn("webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleEvents acknowledges a batch as soon as it is authenticated and
// decoded, then processes it off the request goroutine. The provider
// re-delivers unacknowledged batches, so a slow consumer must never hold
// the response.
func (h *Handler) handleEvents(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		metrics.WebhookEntries("read_error").Inc()
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if h.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !h.verifySignature(body, sig) {
			metrics.WebhookEntries("bad_signature").Inc()
			h.logger.Warn("invalid webhook signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload wacloud.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEntries("bad_payload").Inc()
		h.logger.Warn("bad webhook payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	rw.WriteHeader(http.StatusOK)
	metrics.WebhookEntries("accepted").Inc()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(&payload)
	}()
}

// process fans the batch out per change value. A malformed item is logged
// and skipped; its siblings still go through.
func (h *Handler) process(payload *wacloud.Payload) {
	g := new(errgroup.Group)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			value := change.Value
			g.Go(func() error {
				h.processValue(&value)
				return nil
			})
		}
	}
	g.Wait()
}

func (h *Handler) processValue(v *wacloud.Value) {
	ctx := context.Background()
	for _, res := range wacloud.NormalizeValue(*v) {
		switch {
		case res.Err != nil:
			metrics.WebhookEntries("item_error").Inc()
			h.logger.Warn("skipping malformed webhook item", "err", res.Err)
		case res.Message != nil:
			if h.isDuplicate(res.Message.ExternalID) {
				h.logger.Debug("duplicate message suppressed", "id", res.Message.ExternalID)
				continue
			}
			metrics.MessagesNormalized(string(res.Message.Kind)).Inc()
			h.bus.Publish(*res.Message)
		case res.Receipt != nil:
			h.tracker.ApplyReceipt(ctx, res.Receipt)
		}
	}
}

// isDuplicate records and checks a message id against the recently-seen set.
func (h *Handler) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	_, loaded := h.seen.LoadOrStore(id, time.Now())
	return loaded
}

// verifySignature checks the X-Hub-Signature-256 header.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// Run evicts expired ids from the dedupe set until ctx is cancelled, then
// waits for in-flight batches to drain.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.DedupeTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return
		case now := <-ticker.C:
			h.seen.Range(func(key, value any) bool {
				if first, ok := value.(time.Time); ok && now.Sub(first) > h.cfg.DedupeTTL {
					h.seen.Delete(key)
				}
				return true
			})
		}
	}
}
