// Package bus is the in-process seam between the provider-facing engine and
// the room-side collaborator: inbound canonical messages flow through a
// buffered channel, delivery-status transitions through registered handlers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/domain"
)

const publishTimeout = 10 * time.Second

// StatusEvent is one delivery-status transition. Reason is the localized
// failure text, empty unless Status is failed.
type StatusEvent struct {
	ExternalID string
	Status     domain.DeliveryStatus
	Reason     string
	At         time.Time
}

// Bus fans inbound messages and status events out to the room side.
type Bus struct {
	inbound  chan domain.CanonicalMessage
	handlers []func(StatusEvent)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a Bus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		inbound: make(chan domain.CanonicalMessage, bufferSize),
		logger:  logger,
	}
}

// Publish queues an inbound message for the room side. Blocks up to 10
// seconds when the buffer is full instead of dropping.
func (b *Bus) Publish(msg domain.CanonicalMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...", "sender", msg.Sender, "id", msg.ExternalID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "id", msg.ExternalID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"sender", msg.Sender,
				"id", msg.ExternalID,
			)
		}
	}
}

// Subscribe returns the inbound message stream.
func (b *Bus) Subscribe() <-chan domain.CanonicalMessage {
	return b.inbound
}

// OnStatus registers a handler for delivery-status transitions.
func (b *Bus) OnStatus(handler func(StatusEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// EmitStatus dispatches one status transition to all handlers, in order. A
// panicking handler is contained and logged.
func (b *Bus) EmitStatus(evt StatusEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(StatusEvent), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func(h func(StatusEvent)) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("status handler panic", "id", evt.ExternalID, "panic", r)
				}
			}()
			h(evt)
		}(h)
	}
}

// Attach pumps the bus into a room-side handler until ctx is cancelled or the
// bus closes: inbound messages to OnInboundMessage, status transitions to
// OnDeliveryStatusChanged.
func (b *Bus) Attach(ctx context.Context, h domain.RoomHandler) {
	b.OnStatus(func(evt StatusEvent) {
		h.OnDeliveryStatusChanged(evt.ExternalID, evt.Status, evt.Reason)
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-b.inbound:
				if !ok {
					return
				}
				h.OnInboundMessage(msg)
			}
		}
	}()
}

// Close shuts the inbound stream. Publish after Close is a logged no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
