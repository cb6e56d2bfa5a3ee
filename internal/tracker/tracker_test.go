package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wabridge/internal/catalog"
	"wabridge/internal/domain"
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

func newTestTracker(t *testing.T, rec *recorder) *Tracker {
	t.Helper()
	return New(Config{PendingHold: time.Minute, HistorySize: 64}, catalog.Defaults(), nil, rec.notify, testLogger())
}

func textIntent(id string) *domain.SendIntent {
	intent := domain.NewSendIntent(&domain.CanonicalMessage{
		Direction: domain.DirectionOutbound,
		Kind:      domain.KindText,
		Recipient: "15551230000",
		Body:      domain.TextBody{Text: "hello"},
	})
	intent.ExternalID = id
	return intent
}

func receipt(id string, status domain.DeliveryStatus) *domain.DeliveryReceipt {
	return &domain.DeliveryReceipt{ExternalID: id, Status: status, Timestamp: time.Now()}
}

func TestRecordSentNotifiesOnce(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	trk.RecordSent(ctx, textIntent("wamid.1"))

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].status != domain.StatusSent {
		t.Fatalf("calls = %+v", calls)
	}
	if trk.StatusOf("wamid.1") != domain.StatusSent {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.1"))
	}

	// The provider's own sent receipt after acceptance is a duplicate.
	trk.ApplyReceipt(ctx, receipt("wamid.1", domain.StatusSent))
	if len(rec.snapshot()) != 1 {
		t.Errorf("duplicate sent receipt produced a notification")
	}
}

func TestExactlyOneNotificationPerTransition(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	trk.RecordSent(ctx, textIntent("wamid.2"))
	trk.ApplyReceipt(ctx, receipt("wamid.2", domain.StatusDelivered))
	trk.ApplyReceipt(ctx, receipt("wamid.2", domain.StatusDelivered)) // at-least-once duplicate
	trk.ApplyReceipt(ctx, receipt("wamid.2", domain.StatusSent))      // out of order

	calls := rec.snapshot()
	want := []domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %v", calls, want)
	}
	for i, s := range want {
		if calls[i].status != s {
			t.Errorf("call %d = %q, want %q", i, calls[i].status, s)
		}
	}
	if trk.StatusOf("wamid.2") != domain.StatusDelivered {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.2"))
	}
}

func TestReadUpgradesTerminalDelivered(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	trk.RecordSent(ctx, textIntent("wamid.3"))
	trk.ApplyReceipt(ctx, receipt("wamid.3", domain.StatusDelivered))
	trk.ApplyReceipt(ctx, receipt("wamid.3", domain.StatusRead))
	trk.ApplyReceipt(ctx, receipt("wamid.3", domain.StatusRead)) // duplicate after terminal

	calls := rec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[2].status != domain.StatusRead {
		t.Errorf("last call = %+v", calls[2])
	}
	if trk.StatusOf("wamid.3") != domain.StatusRead {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.3"))
	}
}

func TestFailedReceiptMapsReason(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	t.Run("details preferred", func(t *testing.T) {
		intent := textIntent("wamid.4")
		trk.RecordSent(ctx, intent)
		trk.ApplyReceipt(ctx, &domain.DeliveryReceipt{
			ExternalID:   "wamid.4",
			Status:       domain.StatusFailed,
			ErrorCode:    131026,
			ErrorDetails: "Recipient has no WhatsApp account",
		})
		calls := rec.snapshot()
		last := calls[len(calls)-1]
		if last.status != domain.StatusFailed || last.reason != "Recipient has no WhatsApp account" {
			t.Errorf("last call = %+v", last)
		}
		if intent.LastError != "Recipient has no WhatsApp account" {
			t.Errorf("intent last error = %q", intent.LastError)
		}
	})

	t.Run("catalog fallback for bare code", func(t *testing.T) {
		trk.RecordSent(ctx, textIntent("wamid.5"))
		trk.ApplyReceipt(ctx, &domain.DeliveryReceipt{
			ExternalID: "wamid.5",
			Status:     domain.StatusFailed,
			ErrorCode:  131047,
		})
		calls := rec.snapshot()
		last := calls[len(calls)-1]
		if last.reason != "re-engagement window has expired" {
			t.Errorf("reason = %q", last.reason)
		}
	})
}

func TestFailedCancelsRetry(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	intent := textIntent("wamid.6")
	trk.RecordSent(ctx, intent)
	trk.ApplyReceipt(ctx, receipt("wamid.6", domain.StatusFailed))

	select {
	case <-intent.RetryCancelled():
	default:
		t.Error("terminal receipt must cancel the retry timer")
	}
}

func TestPendingReceiptReappliedOnRecordSent(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	// Delivered and read race ahead of the send round trip.
	trk.ApplyReceipt(ctx, receipt("wamid.7", domain.StatusDelivered))
	trk.ApplyReceipt(ctx, receipt("wamid.7", domain.StatusRead))
	if len(rec.snapshot()) != 0 {
		t.Fatal("held receipts must not notify before registration")
	}
	if trk.StatusOf("wamid.7") != domain.StatusUnknown {
		t.Errorf("StatusOf before registration = %q", trk.StatusOf("wamid.7"))
	}

	trk.RecordSent(ctx, textIntent("wamid.7"))

	calls := rec.snapshot()
	want := []domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %v", calls, want)
	}
	for i, s := range want {
		if calls[i].status != s {
			t.Errorf("call %d = %q, want %q", i, calls[i].status, s)
		}
	}
	if trk.StatusOf("wamid.7") != domain.StatusRead {
		t.Errorf("StatusOf = %q", trk.StatusOf("wamid.7"))
	}
}

func TestExpirePendingDiscardsHeldReceipts(t *testing.T) {
	rec := &recorder{}
	trk := New(Config{PendingHold: 10 * time.Millisecond, HistorySize: 64}, catalog.Defaults(), nil, rec.notify, testLogger())
	ctx := context.Background()

	trk.ApplyReceipt(ctx, receipt("wamid.8", domain.StatusDelivered))
	trk.expirePending(time.Now().Add(time.Second))

	// The id was forgotten: registering now does not replay the receipt.
	trk.RecordSent(ctx, textIntent("wamid.8"))
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].status != domain.StatusSent {
		t.Errorf("calls = %+v", calls)
	}
}

func TestUnknownStatusReceiptIgnored(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	trk.RecordSent(ctx, textIntent("wamid.9"))
	trk.ApplyReceipt(ctx, receipt("wamid.9", domain.StatusUnknown))
	if len(rec.snapshot()) != 1 {
		t.Error("unknown status must be a no-op")
	}
}

func TestConcurrentReceipts(t *testing.T) {
	rec := &recorder{}
	trk := newTestTracker(t, rec)
	ctx := context.Background()

	trk.RecordSent(ctx, textIntent("wamid.10"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trk.ApplyReceipt(ctx, receipt("wamid.10", domain.StatusDelivered))
		}()
	}
	wg.Wait()

	delivered := 0
	for _, c := range rec.snapshot() {
		if c.status == domain.StatusDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Errorf("delivered notified %d times, want exactly 1", delivered)
	}
}
