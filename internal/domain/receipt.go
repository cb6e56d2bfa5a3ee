package domain

import "time"

// DeliveryStatus is the provider's delivery lifecycle for an outbound message.
type DeliveryStatus string

const (
	StatusUnknown   DeliveryStatus = "unknown"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders the non-failed statuses so out-of-order receipts can be applied
// monotonically. A receipt whose rank is not higher than the recorded one is a
// no-op, because the provider does not guarantee push ordering.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether no further transition is expected after s.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// CodeDeliveryExhausted is the reserved error code for a locally synthesized
// failure after the retry budget is spent. It never collides with provider
// codes, which are positive.
const CodeDeliveryExhausted = -1

// DeliveryReceipt is one provider-pushed status update. Receipts arrive
// at-least-once and possibly out of order.
type DeliveryReceipt struct {
	ExternalID string
	Status     DeliveryStatus
	// ErrorCode is set only when Status is failed; CodeDeliveryExhausted for
	// locally synthesized failures.
	ErrorCode int
	// ErrorDetails is the provider's free-text detail, when it sent one.
	ErrorDetails string
	Timestamp    time.Time
	Recipient    string
}
