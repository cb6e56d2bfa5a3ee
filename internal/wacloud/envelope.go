// Package wacloud speaks the WhatsApp Business Cloud API wire formats: the
// webhook notification envelope on the way in and the send payloads on the
// way out. All decoding into the canonical model happens at this boundary;
// nothing loosely typed leaves the package.
package wacloud

import "encoding/json"

// Payload is the top-level webhook notification body.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one business-account entry inside a notification. Entries are
// independent of each other.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

// Value carries the actual message or status objects plus sender metadata.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

type Profile struct {
	Name string `json:"name"`
}

// Message is one inbound customer message. Exactly one of the typed payload
// fields is populated, selected by Type.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Context     *Context        `json:"context,omitempty"`
	Text        *Text           `json:"text,omitempty"`
	Image       *Media          `json:"image,omitempty"`
	Video       *Media          `json:"video,omitempty"`
	Sticker     *Media          `json:"sticker,omitempty"`
	Audio       *Audio          `json:"audio,omitempty"`
	Document    *Document       `json:"document,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	Contacts    []SharedContact `json:"contacts,omitempty"`
	Reaction    *Reaction       `json:"reaction,omitempty"`
	Button      *Button         `json:"button,omitempty"`
	Interactive *Interactive    `json:"interactive,omitempty"`

	// raw is the undecoded message object, kept so unknown types survive as
	// opaque notices.
	raw json.RawMessage
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Message(a)
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the original JSON for this message object.
func (m *Message) Raw() json.RawMessage { return m.raw }

// Context links a message to the one it replies or reacts to.
type Context struct {
	From string `json:"from"`
	ID   string `json:"id"`
}

type Text struct {
	Body string `json:"body"`
}

// Media covers image, video and sticker references.
type Media struct {
	ID       string `json:"id"`
	Link     string `json:"link,omitempty"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
	Animated bool   `json:"animated,omitempty"`
}

type Audio struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Voice    bool   `json:"voice"`
}

type Document struct {
	ID       string `json:"id"`
	Link     string `json:"link,omitempty"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Filename string `json:"filename"`
	Caption  string `json:"caption,omitempty"`
}

// Location uses pointers for the coordinates so a location object without
// them is distinguishable from one at 0,0.
type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name,omitempty"`
	Address   string   `json:"address,omitempty"`
	URL       string   `json:"url,omitempty"`
}

type SharedContact struct {
	Name   ContactName    `json:"name"`
	Phones []ContactPhone `json:"phones"`
}

type ContactName struct {
	FormattedName string `json:"formatted_name"`
}

type ContactPhone struct {
	Phone string `json:"phone"`
	WaID  string `json:"wa_id,omitempty"`
}

type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Button is the legacy template quick-reply echo.
type Button struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// Interactive is a button or list selection echo. The provider echoes the
// chosen option's id and title with full fidelity.
type Interactive struct {
	Type        string       `json:"type"`
	ButtonReply *OptionReply `json:"button_reply,omitempty"`
	ListReply   *OptionReply `json:"list_reply,omitempty"`
}

type OptionReply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Status is one delivery-status object.
type Status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Timestamp   string        `json:"timestamp"`
	RecipientID string        `json:"recipient_id"`
	Errors      []StatusError `json:"errors,omitempty"`
}

type StatusError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}
