package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for message construction and validation.
var (
	// ErrMalformedMessage means a payload declared a kind but is missing the
	// body fields that kind requires. The entry is skipped; siblings are not.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnsupportedKind marks a provider message type this engine does not
	// model. Not a failure: the message degrades to KindUnsupported with the
	// raw body retained.
	ErrUnsupportedKind = errors.New("unsupported message kind")
)

// Direction says which way a message crossed the bridge.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageKind is the canonical message type vocabulary.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindContact     MessageKind = "contact"
	KindReaction    MessageKind = "reaction"
	KindButtonReply MessageKind = "buttonReply"
	KindListReply   MessageKind = "listReply"
	KindUnsupported MessageKind = "unsupported"
)

// Body is the kind-specific payload of a CanonicalMessage. It is a closed sum:
// exactly one concrete body type exists per kind, so a message can never carry
// fields for the wrong kind.
type Body interface {
	BodyKind() MessageKind
}

// TextBody carries a plain text message.
type TextBody struct {
	Text string
}

func (TextBody) BodyKind() MessageKind { return KindText }

// MediaBody references provider-hosted media (image, video, audio, document,
// sticker). The media itself is never downloaded by this engine; the room-side
// collaborator resolves the reference.
type MediaBody struct {
	Media    MessageKind // image | video | audio | document | sticker
	ID       string      // provider media id
	Link     string      // direct link, when the sender supplied one
	MimeType string
	SHA256   string
	Filename string // documents only
	Caption  string
	Voice    bool // audio: recorded voice note
	Animated bool // sticker
}

func (b MediaBody) BodyKind() MessageKind { return b.Media }

// LocationBody carries coordinates plus the optional place metadata the
// provider attaches to shared locations.
type LocationBody struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
	URL       string
}

func (LocationBody) BodyKind() MessageKind { return KindLocation }

// ContactBody is one shared contact card.
type ContactBody struct {
	Name   string
	Phones []string
}

func (ContactBody) BodyKind() MessageKind { return KindContact }

// ReactionBody is an emoji reaction to a previously delivered message.
// An empty Emoji withdraws the reaction.
type ReactionBody struct {
	TargetID string // external id of the message reacted to
	Emoji    string
}

func (ReactionBody) BodyKind() MessageKind { return KindReaction }

// ReplyBody is the selection a user made on an interactive button or list
// message. ID and Title are echoed verbatim from the provider; the engine does
// not re-validate them against the options originally offered.
type ReplyBody struct {
	Reply       MessageKind // buttonReply | listReply
	OptionID    string
	Title       string
	Description string // list replies only
}

func (b ReplyBody) BodyKind() MessageKind { return b.Reply }

// RawBody preserves a message of a type this engine does not model, so it can
// be forwarded as an opaque notice instead of dropped.
type RawBody struct {
	TypeTag string
	Raw     json.RawMessage
}

func (RawBody) BodyKind() MessageKind { return KindUnsupported }

// CanonicalMessage is the provider-agnostic unit every component operates on.
type CanonicalMessage struct {
	// ExternalID is the provider message id. Empty until the provider accepts
	// an outbound send; immutable once assigned.
	ExternalID string
	Direction  Direction
	Kind       MessageKind
	// Sender is the phone-number-shaped origin for inbound messages.
	Sender string
	// SenderName is the profile name from the webhook contacts block, when present.
	SenderName string
	// Recipient is the phone-number-shaped destination for outbound messages.
	Recipient string
	// Timestamp is provider-supplied: monotonic per sender, not globally ordered.
	Timestamp time.Time
	Body      Body
	// ContextID is the external id of the message this one replies or reacts to.
	ContextID string
}

// ValidateInbound checks that an inbound message's kind and body are
// co-determined and that the body carries the fields its kind requires.
func ValidateInbound(msg *CanonicalMessage) error {
	if msg.Direction != DirectionInbound {
		return fmt.Errorf("%w: direction %q is not inbound", ErrMalformedMessage, msg.Direction)
	}
	if msg.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	if msg.ExternalID == "" {
		return fmt.Errorf("%w: missing provider message id", ErrMalformedMessage)
	}
	return validateBody(msg.Kind, msg.Body)
}

// ValidateOutbound checks a message built by the room-side collaborator before
// it is handed to the dispatcher.
func ValidateOutbound(msg *CanonicalMessage) error {
	if msg.Direction != DirectionOutbound {
		return fmt.Errorf("%w: direction %q is not outbound", ErrMalformedMessage, msg.Direction)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: missing recipient", ErrMalformedMessage)
	}
	if msg.Kind == KindUnsupported {
		return fmt.Errorf("%w: cannot send kind %q", ErrUnsupportedKind, msg.Kind)
	}
	return validateBody(msg.Kind, msg.Body)
}

func validateBody(kind MessageKind, body Body) error {
	if body == nil {
		return fmt.Errorf("%w: kind %q with no body", ErrMalformedMessage, kind)
	}
	if body.BodyKind() != kind {
		return fmt.Errorf("%w: kind %q carries a %q body", ErrMalformedMessage, kind, body.BodyKind())
	}

	switch b := body.(type) {
	case TextBody:
		if b.Text == "" {
			return fmt.Errorf("%w: text message with empty body", ErrMalformedMessage)
		}
	case MediaBody:
		switch b.Media {
		case KindImage, KindVideo, KindAudio, KindDocument, KindSticker:
		default:
			return fmt.Errorf("%w: %q is not a media kind", ErrMalformedMessage, b.Media)
		}
		if b.ID == "" && b.Link == "" {
			return fmt.Errorf("%w: media without id or link", ErrMalformedMessage)
		}
	case ContactBody:
		if b.Name == "" && len(b.Phones) == 0 {
			return fmt.Errorf("%w: contact card with no name or phones", ErrMalformedMessage)
		}
	case ReactionBody:
		if b.TargetID == "" {
			return fmt.Errorf("%w: reaction without target message id", ErrMalformedMessage)
		}
	case ReplyBody:
		if b.Reply != KindButtonReply && b.Reply != KindListReply {
			return fmt.Errorf("%w: %q is not a reply kind", ErrMalformedMessage, b.Reply)
		}
		if b.OptionID == "" {
			return fmt.Errorf("%w: selection reply without option id", ErrMalformedMessage)
		}
	}
	return nil
}
