package wacloud

import (
	"fmt"
	"strconv"
	"time"

	"wabridge/internal/domain"
)

// Result is the outcome for one message or status object in a webhook entry.
// Exactly one field is set. A Result with Err set means that object was
// malformed; it never affects sibling objects in the same batch.
type Result struct {
	Message *domain.CanonicalMessage
	Receipt *domain.DeliveryReceipt
	Err     error
}

// kindForType is the fixed mapping from provider type tags to canonical kinds.
// Tags absent here normalize to KindUnsupported, not an error.
var kindForType = map[string]domain.MessageKind{
	"text":        domain.KindText,
	"image":       domain.KindImage,
	"video":       domain.KindVideo,
	"audio":       domain.KindAudio,
	"document":    domain.KindDocument,
	"sticker":     domain.KindSticker,
	"location":    domain.KindLocation,
	"contacts":    domain.KindContact,
	"reaction":    domain.KindReaction,
	"button":      domain.KindButtonReply,
	"interactive": domain.KindButtonReply, // refined by the interactive sub-type
}

// statusForTag maps provider status strings onto the delivery lifecycle.
var statusForTag = map[string]domain.DeliveryStatus{
	"sent":      domain.StatusSent,
	"delivered": domain.StatusDelivered,
	"read":      domain.StatusRead,
	"failed":    domain.StatusFailed,
}

// NormalizeValue converts every message and status object in one webhook value
// into canonical form. Pure function of its input: no state, no network, safe
// to call concurrently.
func NormalizeValue(v Value) []Result {
	results := make([]Result, 0, len(v.Messages)+len(v.Statuses))

	senderName := ""
	if len(v.Contacts) > 0 {
		senderName = v.Contacts[0].Profile.Name
	}

	for i := range v.Messages {
		msg, err := NormalizeMessage(&v.Messages[i], senderName)
		if err != nil {
			results = append(results, Result{Err: err})
			continue
		}
		results = append(results, Result{Message: msg})
	}
	for i := range v.Statuses {
		results = append(results, Result{Receipt: NormalizeStatus(&v.Statuses[i])})
	}
	return results
}

// NormalizeMessage converts one provider message object into a canonical
// inbound message. Unknown type tags produce KindUnsupported with the raw
// object preserved.
func NormalizeMessage(m *Message, senderName string) (*domain.CanonicalMessage, error) {
	out := &domain.CanonicalMessage{
		ExternalID: m.ID,
		Direction:  domain.DirectionInbound,
		Sender:     m.From,
		SenderName: senderName,
		Timestamp:  parseTimestamp(m.Timestamp),
	}
	if m.Context != nil {
		out.ContextID = m.Context.ID
	}

	kind, known := kindForType[m.Type]
	if !known {
		out.Kind = domain.KindUnsupported
		out.Body = domain.RawBody{TypeTag: m.Type, Raw: m.Raw()}
		return out, nil
	}
	out.Kind = kind

	switch m.Type {
	case "text":
		if m.Text == nil {
			return nil, missingField(m, "text")
		}
		out.Body = domain.TextBody{Text: m.Text.Body}

	case "image", "video", "sticker":
		media := m.Image
		if m.Type == "video" {
			media = m.Video
		} else if m.Type == "sticker" {
			media = m.Sticker
		}
		if media == nil {
			return nil, missingField(m, m.Type)
		}
		out.Body = domain.MediaBody{
			Media:    kind,
			ID:       media.ID,
			Link:     media.Link,
			MimeType: media.MimeType,
			SHA256:   media.SHA256,
			Caption:  media.Caption,
			Animated: media.Animated,
		}

	case "audio":
		if m.Audio == nil {
			return nil, missingField(m, "audio")
		}
		out.Body = domain.MediaBody{
			Media:    domain.KindAudio,
			ID:       m.Audio.ID,
			MimeType: m.Audio.MimeType,
			SHA256:   m.Audio.SHA256,
			Voice:    m.Audio.Voice,
		}

	case "document":
		if m.Document == nil {
			return nil, missingField(m, "document")
		}
		out.Body = domain.MediaBody{
			Media:    domain.KindDocument,
			ID:       m.Document.ID,
			Link:     m.Document.Link,
			MimeType: m.Document.MimeType,
			SHA256:   m.Document.SHA256,
			Filename: m.Document.Filename,
			Caption:  m.Document.Caption,
		}

	case "location":
		if m.Location == nil || m.Location.Latitude == nil || m.Location.Longitude == nil {
			return nil, fmt.Errorf("%w: message %s location without coordinates", domain.ErrMalformedMessage, m.ID)
		}
		out.Body = domain.LocationBody{
			Latitude:  *m.Location.Latitude,
			Longitude: *m.Location.Longitude,
			Name:      m.Location.Name,
			Address:   m.Location.Address,
			URL:       m.Location.URL,
		}

	case "contacts":
		if len(m.Contacts) == 0 {
			return nil, missingField(m, "contacts")
		}
		card := m.Contacts[0]
		phones := make([]string, 0, len(card.Phones))
		for _, p := range card.Phones {
			phones = append(phones, p.Phone)
		}
		out.Body = domain.ContactBody{Name: card.Name.FormattedName, Phones: phones}

	case "reaction":
		if m.Reaction == nil {
			return nil, missingField(m, "reaction")
		}
		out.ContextID = m.Reaction.MessageID
		out.Body = domain.ReactionBody{TargetID: m.Reaction.MessageID, Emoji: m.Reaction.Emoji}

	case "button":
		if m.Button == nil {
			return nil, missingField(m, "button")
		}
		out.Body = domain.ReplyBody{
			Reply:    domain.KindButtonReply,
			OptionID: m.Button.Payload,
			Title:    m.Button.Text,
		}

	case "interactive":
		if m.Interactive == nil {
			return nil, missingField(m, "interactive")
		}
		switch m.Interactive.Type {
		case "button_reply":
			if m.Interactive.ButtonReply == nil {
				return nil, missingField(m, "interactive.button_reply")
			}
			out.Kind = domain.KindButtonReply
			out.Body = domain.ReplyBody{
				Reply:    domain.KindButtonReply,
				OptionID: m.Interactive.ButtonReply.ID,
				Title:    m.Interactive.ButtonReply.Title,
			}
		case "list_reply":
			if m.Interactive.ListReply == nil {
				return nil, missingField(m, "interactive.list_reply")
			}
			out.Kind = domain.KindListReply
			out.Body = domain.ReplyBody{
				Reply:       domain.KindListReply,
				OptionID:    m.Interactive.ListReply.ID,
				Title:       m.Interactive.ListReply.Title,
				Description: m.Interactive.ListReply.Description,
			}
		default:
			out.Kind = domain.KindUnsupported
			out.Body = domain.RawBody{TypeTag: "interactive." + m.Interactive.Type, Raw: m.Raw()}
			return out, nil
		}
	}

	if err := domain.ValidateInbound(out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeStatus converts one provider status object into a delivery receipt.
// Unknown status strings map to StatusUnknown; the tracker ignores their rank.
func NormalizeStatus(s *Status) *domain.DeliveryReceipt {
	r := &domain.DeliveryReceipt{
		ExternalID: s.ID,
		Status:     statusForTag[s.Status],
		Timestamp:  parseTimestamp(s.Timestamp),
		Recipient:  s.RecipientID,
	}
	if r.Status == "" {
		r.Status = domain.StatusUnknown
	}
	if len(s.Errors) > 0 {
		r.ErrorCode = s.Errors[0].Code
		r.ErrorDetails = s.Errors[0].ErrorData.Details
		if r.ErrorDetails == "" {
			r.ErrorDetails = s.Errors[0].Message
		}
	}
	return r
}

// DecodeReply projects a normalized button or list reply back to the selected
// option. No validation against the originally offered options is performed;
// the engine is stateless about what was offered, matching provider behavior.
func DecodeReply(msg *domain.CanonicalMessage) (domain.Option, error) {
	body, ok := msg.Body.(domain.ReplyBody)
	if !ok {
		return domain.Option{}, fmt.Errorf("%w: message %s is not a selection reply", domain.ErrMalformedMessage, msg.ExternalID)
	}
	return domain.Option{ID: body.OptionID, Title: body.Title, Description: body.Description}, nil
}

func missingField(m *Message, field string) error {
	return fmt.Errorf("%w: message %s declares type %q but has no %s payload",
		domain.ErrMalformedMessage, m.ID, m.Type, field)
}

// parseTimestamp reads the provider's unix-seconds string. A missing or
// unparseable timestamp falls back to now rather than failing the entry.
func parseTimestamp(ts string) time.Time {
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
