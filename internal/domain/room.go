package domain

import "context"

// RoomHandler is the room-side collaborator boundary. The bridge calls it; it
// never calls back into the engine except through RoomPort.
type RoomHandler interface {
	OnInboundMessage(msg CanonicalMessage)
	// OnDeliveryStatusChanged fires exactly once per status transition.
	// Reason is the localized failure text and is empty unless status is failed.
	OnDeliveryStatusChanged(externalID string, status DeliveryStatus, reason string)
}

// RoomPort is the engine surface exposed to the room-side collaborator.
type RoomPort interface {
	// SendOutbound delivers a canonical message or interactive spec to the
	// provider and returns the assigned external id. Construction and
	// permanent provider errors are reported synchronously.
	SendOutbound(ctx context.Context, intent *SendIntent) (string, error)
	StatusOf(externalID string) DeliveryStatus
}
