package domain

import (
	"errors"
	"fmt"
)

// Construction-time errors for interactive specs. Both reject the send before
// any network call.
var (
	ErrTooManyOptions    = errors.New("too many button options")
	ErrDuplicateOptionID = errors.New("duplicate option id")
)

// MaxButtonOptions is the provider's fixed limit on reply buttons per message.
const MaxButtonOptions = 3

// InteractiveKind selects the button or list form of an interactive message.
type InteractiveKind string

const (
	InteractiveButton InteractiveKind = "button"
	InteractiveList   InteractiveKind = "list"
)

// Option is one selectable choice. ID routes the reply; Title is what the user
// sees. Description is list-only.
type Option struct {
	ID          string
	Title       string
	Description string
}

// Section groups list options under a named heading.
type Section struct {
	Title string
	Rows  []Option
}

// InteractiveSpec describes an outbound interactive message before rendering.
type InteractiveSpec struct {
	Kind      InteractiveKind
	Recipient string

	Header string
	Body   string
	Footer string

	// Buttons is the option set for Kind=button.
	Buttons []Option
	// MenuLabel is the label on the button that opens a list. Sections is the
	// option set for Kind=list.
	MenuLabel string
	Sections  []Section
}

// Validate enforces construction-time invariants: option ids unique across the
// whole spec, button options carry no description, and the spec's option set
// matches its kind.
func (s *InteractiveSpec) Validate() error {
	switch s.Kind {
	case InteractiveButton:
		if len(s.Buttons) == 0 {
			return fmt.Errorf("%w: button spec with no options", ErrMalformedMessage)
		}
		if len(s.Sections) != 0 {
			return fmt.Errorf("%w: button spec with list sections", ErrMalformedMessage)
		}
	case InteractiveList:
		if len(s.Sections) == 0 {
			return fmt.Errorf("%w: list spec with no sections", ErrMalformedMessage)
		}
		if len(s.Buttons) != 0 {
			return fmt.Errorf("%w: list spec with button options", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: interactive kind %q", ErrUnsupportedKind, s.Kind)
	}

	seen := make(map[string]struct{})
	check := func(opt Option) error {
		if opt.ID == "" {
			return fmt.Errorf("%w: option %q with empty id", ErrMalformedMessage, opt.Title)
		}
		if _, dup := seen[opt.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateOptionID, opt.ID)
		}
		seen[opt.ID] = struct{}{}
		return nil
	}

	for _, opt := range s.Buttons {
		if opt.Description != "" {
			return fmt.Errorf("%w: button option %q has a description", ErrMalformedMessage, opt.ID)
		}
		if err := check(opt); err != nil {
			return err
		}
	}
	for _, sec := range s.Sections {
		for _, row := range sec.Rows {
			if err := check(row); err != nil {
				return err
			}
		}
	}
	return nil
}
