package wacloud

import (
	"fmt"
	"strconv"

	"wabridge/internal/domain"
)

// SendRequest is the Cloud API /messages request body. Exactly one typed
// payload field is set, selected by Type.
type SendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type,omitempty"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text        *TextPayload        `json:"text,omitempty"`
	Image       *MediaRef           `json:"image,omitempty"`
	Video       *MediaRef           `json:"video,omitempty"`
	Audio       *MediaRef           `json:"audio,omitempty"`
	Sticker     *MediaRef           `json:"sticker,omitempty"`
	Document    *MediaRef           `json:"document,omitempty"`
	Location    *LocationPayload    `json:"location,omitempty"`
	Contacts    []ContactPayload    `json:"contacts,omitempty"`
	Reaction    *ReactionPayload    `json:"reaction,omitempty"`
	Interactive *InteractivePayload `json:"interactive,omitempty"`

	Context *ContextRef `json:"context,omitempty"`
}

type TextPayload struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// MediaRef points the provider at media by id or link.
type MediaRef struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type LocationPayload struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
}

type ContactPayload struct {
	Name   ContactName    `json:"name"`
	Phones []ContactPhone `json:"phones,omitempty"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ContextRef struct {
	MessageID string `json:"message_id"`
}

// MarkReadRequest acknowledges an inbound message as read.
type MarkReadRequest struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// SendResponse is the Cloud API reply to a send call.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the graph-style error object on rejected requests.
type APIError struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// BuildSendRequest serializes a canonical outbound message into the provider's
// wire shape. Construction errors surface before any network call.
func BuildSendRequest(msg *domain.CanonicalMessage) (*SendRequest, error) {
	if err := domain.ValidateOutbound(msg); err != nil {
		return nil, err
	}

	req := &SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.Recipient,
	}
	if msg.ContextID != "" && msg.Kind != domain.KindReaction {
		req.Context = &ContextRef{MessageID: msg.ContextID}
	}

	switch body := msg.Body.(type) {
	case domain.TextBody:
		req.Type = "text"
		req.Text = &TextPayload{Body: body.Text}

	case domain.MediaBody:
		ref := &MediaRef{ID: body.ID, Link: body.Link, Caption: body.Caption}
		switch body.Media {
		case domain.KindImage:
			req.Type, req.Image = "image", ref
		case domain.KindVideo:
			req.Type, req.Video = "video", ref
		case domain.KindAudio:
			ref.Caption = ""
			req.Type, req.Audio = "audio", ref
		case domain.KindSticker:
			ref.Caption = ""
			req.Type, req.Sticker = "sticker", ref
		case domain.KindDocument:
			ref.Filename = body.Filename
			if ref.Filename == "" {
				ref.Filename = "File"
			}
			req.Type, req.Document = "document", ref
		default:
			return nil, fmt.Errorf("%w: media kind %q", domain.ErrUnsupportedKind, body.Media)
		}

	case domain.LocationBody:
		req.Type = "location"
		req.Location = &LocationPayload{
			Latitude:  strconv.FormatFloat(body.Latitude, 'f', -1, 64),
			Longitude: strconv.FormatFloat(body.Longitude, 'f', -1, 64),
			Name:      body.Name,
			Address:   body.Address,
		}

	case domain.ContactBody:
		req.Type = "contacts"
		phones := make([]ContactPhone, 0, len(body.Phones))
		for _, p := range body.Phones {
			phones = append(phones, ContactPhone{Phone: p})
		}
		req.Contacts = []ContactPayload{{
			Name:   ContactName{FormattedName: body.Name},
			Phones: phones,
		}}

	case domain.ReactionBody:
		req.Type = "reaction"
		req.Reaction = &ReactionPayload{MessageID: body.TargetID, Emoji: body.Emoji}

	default:
		return nil, fmt.Errorf("%w: kind %q", domain.ErrUnsupportedKind, msg.Kind)
	}

	return req, nil
}
