package domain

import (
	"sync"
	"time"
)

// SendIntent tracks one outbound message through its delivery attempts until a
// terminal status is recorded. Exactly one of Message or Interactive is set.
// The dispatcher mutates the attempt bookkeeping; the tracker owns the mapping
// from external id to intent once the provider accepts the send.
type SendIntent struct {
	Message     *CanonicalMessage
	Interactive *InteractiveSpec

	// ExternalID is assigned when the provider accepts the send, or a local
	// id when the send never reached acceptance and failed locally.
	ExternalID string

	Attempts  int
	NextRetry time.Time
	LastError string

	cancelOnce sync.Once
	cancel     chan struct{}
}

// NewSendIntent wraps an outbound canonical message.
func NewSendIntent(msg *CanonicalMessage) *SendIntent {
	return &SendIntent{Message: msg, cancel: make(chan struct{})}
}

// NewInteractiveIntent wraps an outbound interactive spec.
func NewInteractiveIntent(spec *InteractiveSpec) *SendIntent {
	return &SendIntent{Interactive: spec, cancel: make(chan struct{})}
}

// Recipient returns the destination phone number.
func (si *SendIntent) Recipient() string {
	if si.Interactive != nil {
		return si.Interactive.Recipient
	}
	if si.Message != nil {
		return si.Message.Recipient
	}
	return ""
}

// Kind names what is being sent, for logs and the message store.
func (si *SendIntent) Kind() string {
	if si.Interactive != nil {
		return "interactive." + string(si.Interactive.Kind)
	}
	if si.Message != nil {
		return string(si.Message.Kind)
	}
	return ""
}

// CancelRetry stops any pending retry timer for this intent. Called by the
// tracker when a terminal receipt lands before the timer fires. Safe to call
// more than once.
func (si *SendIntent) CancelRetry() {
	si.cancelOnce.Do(func() {
		if si.cancel != nil {
			close(si.cancel)
		}
	})
}

// RetryCancelled exposes the cancellation signal to the dispatcher's backoff wait.
func (si *SendIntent) RetryCancelled() <-chan struct{} {
	return si.cancel
}
