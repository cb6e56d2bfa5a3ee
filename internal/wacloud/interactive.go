package wacloud

import (
	"strconv"
	"strings"

	"wabridge/internal/catalog"
	"wabridge/internal/domain"
)

// InteractivePayload is the provider's interactive message object.
type InteractivePayload struct {
	Type   string             `json:"type"`
	Header *InteractiveHeader `json:"header,omitempty"`
	Body   *InteractiveText   `json:"body,omitempty"`
	Footer *InteractiveText   `json:"footer,omitempty"`
	Action InteractiveAction  `json:"action"`
}

type InteractiveHeader struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type InteractiveText struct {
	Text string `json:"text"`
}

type InteractiveAction struct {
	Button   string           `json:"button,omitempty"`
	Buttons  []ButtonItem     `json:"buttons,omitempty"`
	Sections []SectionPayload `json:"sections,omitempty"`
}

type ButtonItem struct {
	Type  string      `json:"type"`
	Reply OptionReply `json:"reply"`
}

type SectionPayload struct {
	Title string       `json:"title"`
	Rows  []RowPayload `json:"rows"`
}

type RowPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// RenderInteractive turns a spec into the provider payload plus the
// human-readable fallback text for clients without native widgets. The
// fallback lists options in declaration order, the same order as the
// structured payload, with 1-based display indices from the catalog's item
// templates.
func RenderInteractive(spec *domain.InteractiveSpec, cat *catalog.Catalog) (*SendRequest, string, error) {
	if err := spec.Validate(); err != nil {
		return nil, "", err
	}

	payload := &InteractivePayload{Type: string(spec.Kind)}
	if spec.Header != "" {
		payload.Header = &InteractiveHeader{Type: "text", Text: spec.Header}
	}
	if spec.Body != "" {
		payload.Body = &InteractiveText{Text: spec.Body}
	}
	if spec.Footer != "" {
		payload.Footer = &InteractiveText{Text: spec.Footer}
	}

	var fallback strings.Builder
	for _, line := range []string{spec.Header, spec.Body, spec.Footer} {
		if line != "" {
			fallback.WriteString(line)
			fallback.WriteString("\n")
		}
	}

	switch spec.Kind {
	case domain.InteractiveButton:
		if len(spec.Buttons) > domain.MaxButtonOptions {
			return nil, "", domain.ErrTooManyOptions
		}
		for index, opt := range spec.Buttons {
			payload.Action.Buttons = append(payload.Action.Buttons, ButtonItem{
				Type:  "reply",
				Reply: OptionReply{ID: opt.ID, Title: opt.Title},
			})
			item, err := cat.RenderTemplate(catalog.TemplateButtonItem, map[string]string{
				"index": strconv.Itoa(index + 1),
				"title": opt.Title,
				"id":    opt.ID,
			})
			if err != nil {
				return nil, "", err
			}
			fallback.WriteString(item)
		}

	case domain.InteractiveList:
		payload.Action.Button = spec.MenuLabel
		for sectionIndex, sec := range spec.Sections {
			rendered := SectionPayload{Title: sec.Title}
			for rowIndex, row := range sec.Rows {
				rendered.Rows = append(rendered.Rows, RowPayload{
					ID:          row.ID,
					Title:       row.Title,
					Description: row.Description,
				})
				item, err := cat.RenderTemplate(catalog.TemplateListItem, map[string]string{
					"section_title":   sec.Title,
					"section_index":   strconv.Itoa(sectionIndex + 1),
					"row_title":       row.Title,
					"row_description": row.Description,
					"row_id":          row.ID,
					"row_index":       strconv.Itoa(rowIndex + 1),
				})
				if err != nil {
					return nil, "", err
				}
				fallback.WriteString(item)
			}
			payload.Action.Sections = append(payload.Action.Sections, rendered)
		}
	}

	req := &SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               spec.Recipient,
		Type:             "interactive",
		Interactive:      payload,
	}
	return req, fallback.String(), nil
}
