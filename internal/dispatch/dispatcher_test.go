package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wabridge/internal/catalog"
	"wabridge/internal/domain"
	"wabridge/internal/tracker"
	"wabridge/internal/wacloud"
)

type notification struct {
	id     string
	status domain.DeliveryStatus
	reason string
}

type recorder struct {
	mu    sync.Mutex
	calls []notification
}

func (r *recorder) notify(id string, status domain.DeliveryStatus, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notification{id, status, reason})
}

func (r *recorder) snapshot() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, serverURL string, rec *recorder) (*Dispatcher, *tracker.Tracker) {
	t.Helper()
	cat := catalog.Defaults()
	trk := tracker.New(tracker.Config{HistorySize: 64}, cat, nil, rec.notify, testLogger())
	d := New(Config{
		BaseURL:       serverURL,
		APIVersion:    "v21.0",
		PhoneNumberID: "1066",
		AccessToken:   "test-token",
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RatePerSecond: 1000,
		Burst:         100,
	}, trk, cat, testLogger())
	return d, trk
}

func textIntent(text string) *domain.SendIntent {
	return domain.NewSendIntent(&domain.CanonicalMessage{
		Direction: domain.DirectionOutbound,
		Kind:      domain.KindText,
		Recipient: "15551230000",
		Body:      domain.TextBody{Text: text},
	})
}

func TestSendSuccess(t *testing.T) {
	var gotAuth string
	var gotBody wacloud.SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if !strings.HasSuffix(r.URL.Path, "/v21.0/1066/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(rw).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.out1"}},
		})
	}))
	defer server.Close()

	rec := &recorder{}
	d, trk := newTestDispatcher(t, server.URL, rec)

	intent := textIntent("Hello")
	id, err := d.Send(context.Background(), intent)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "wamid.out1" || intent.ExternalID != "wamid.out1" {
		t.Errorf("id = %q, intent id = %q", id, intent.ExternalID)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.To != "15551230000" || gotBody.Text.Body != "Hello" {
		t.Errorf("wire body = %+v", gotBody)
	}

	if trk.StatusOf("wamid.out1") != domain.StatusSent {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.out1"))
	}
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].status != domain.StatusSent {
		t.Errorf("calls = %+v", calls)
	}

	// Delivery receipt after the send advances the same record.
	trk.ApplyReceipt(context.Background(), &domain.DeliveryReceipt{
		ExternalID: "wamid.out1", Status: domain.StatusDelivered,
	})
	if trk.StatusOf("wamid.out1") != domain.StatusDelivered {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.out1"))
	}
}

func TestSendPermanentRejection(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]any{
			"error": map[string]any{
				"code":    1002,
				"message": "Send failed",
			},
		})
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	_, err := d.Send(context.Background(), textIntent("Hello"))
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want *SendError", err)
	}
	if se.Code != 1002 || se.Reason != "the recipient cannot receive this message" {
		t.Errorf("send error = %+v", se)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("permanent rejection retried: %d attempts", n)
	}

	// Failure surfaces through the tracker with a local id.
	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].status != domain.StatusSent || calls[1].status != domain.StatusFailed {
		t.Errorf("calls = %+v", calls)
	}
	if calls[1].reason != "the recipient cannot receive this message" {
		t.Errorf("reason = %q", calls[1].reason)
	}
	if !strings.HasPrefix(calls[1].id, "local-") {
		t.Errorf("local id = %q", calls[1].id)
	}
}

func TestSendTransientThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(rw, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(rw).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.out2"}},
		})
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	intent := textIntent("Hello")
	id, err := d.Send(context.Background(), intent)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "wamid.out2" {
		t.Errorf("id = %q", id)
	}
	if intent.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", intent.Attempts)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(rw, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	intent := textIntent("Hello")
	_, err := d.Send(context.Background(), intent)
	if err == nil || !strings.Contains(err.Error(), "delivery failed after 3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}

	calls := rec.snapshot()
	last := calls[len(calls)-1]
	if last.status != domain.StatusFailed {
		t.Errorf("last call = %+v", last)
	}
	if last.reason != "message could not be delivered after repeated attempts" {
		t.Errorf("reason = %q", last.reason)
	}
}

func TestSendInteractive(t *testing.T) {
	var gotBody wacloud.SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(rw).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.out3"}},
		})
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	intent := domain.NewInteractiveIntent(&domain.InteractiveSpec{
		Kind:      domain.InteractiveButton,
		Recipient: "15551230000",
		Body:      "Confirm?",
		Buttons:   []domain.Option{{ID: "yes", Title: "Yes"}, {ID: "no", Title: "No"}},
	})
	if _, err := d.Send(context.Background(), intent); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotBody.Type != "interactive" || gotBody.Interactive == nil {
		t.Fatalf("wire body = %+v", gotBody)
	}
	if len(gotBody.Interactive.Action.Buttons) != 2 {
		t.Errorf("buttons = %+v", gotBody.Interactive.Action.Buttons)
	}
}

func TestSendConstructionErrorSkipsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Error("construction errors must not reach the network")
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	intent := domain.NewInteractiveIntent(&domain.InteractiveSpec{
		Kind:      domain.InteractiveButton,
		Recipient: "15551230000",
		Buttons: []domain.Option{
			{ID: "a", Title: "A"}, {ID: "b", Title: "B"},
			{ID: "c", Title: "C"}, {ID: "d", Title: "D"},
		},
	})
	if _, err := d.Send(context.Background(), intent); !errors.Is(err, domain.ErrTooManyOptions) {
		t.Fatalf("got %v, want ErrTooManyOptions", err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("construction errors must not produce delivery transitions")
	}
}

func TestMarkRead(t *testing.T) {
	var gotBody wacloud.MarkReadRequest
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(rw).Encode(map[string]bool{"success": true})
	}))
	defer server.Close()

	rec := &recorder{}
	d, _ := newTestDispatcher(t, server.URL, rec)

	if err := d.MarkRead(context.Background(), "wamid.in1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if gotBody.Status != "read" || gotBody.MessageID != "wamid.in1" {
		t.Errorf("wire body = %+v", gotBody)
	}
}
