// Package catalog holds the error-code and template tables loaded once at
// process start. A Catalog is immutable after load and passed explicitly to
// the components that need it.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"wabridge/internal/domain"
)

// Template names the catalog knows how to validate and render.
const (
	TemplateButtonItem = "button_item"
	TemplateListItem   = "list_item"
)

var (
	ErrUnknownTemplate        = errors.New("unknown template")
	ErrTemplateBindingMissing = errors.New("template binding missing")
)

// knownBindings is the placeholder set each template may reference. Checked
// once at startup so a bad template fails the process, not a message.
var knownBindings = map[string][]string{
	TemplateButtonItem: {"index", "title", "id"},
	TemplateListItem:   {"section_title", "section_index", "row_title", "row_description", "row_id", "row_index"},
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// file is the on-disk YAML shape.
type file struct {
	DefaultLocale string                    `yaml:"default_locale"`
	ErrorCodes    map[int]map[string]string `yaml:"error_codes"`
	Templates     map[string]string         `yaml:"templates"`
}

// Catalog is the read-only code→reason and template table.
type Catalog struct {
	defaultLocale string
	errorCodes    map[int]map[string]string
	templates     map[string]string
}

// New builds a catalog from already-parsed tables. Used by tests and by
// defaults when no catalog file is configured.
func New(defaultLocale string, codes map[int]map[string]string, templates map[string]string) *Catalog {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	if codes == nil {
		codes = map[int]map[string]string{}
	}
	if templates == nil {
		templates = map[string]string{}
	}
	return &Catalog{defaultLocale: defaultLocale, errorCodes: codes, templates: templates}
}

// Load reads the catalog YAML and validates every template against its known
// binding set.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read catalog file %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse catalog file %s: %w", path, err)
	}

	c := New(f.DefaultLocale, f.ErrorCodes, f.Templates)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Validate checks that every declared template is known and references only
// the binding set for its message kind. Run once at startup; rendering after a
// clean Validate cannot hit a missing binding for catalog-supplied bindings.
func (c *Catalog) Validate() error {
	var errs []string
	for name, tpl := range c.templates {
		allowed, ok := knownBindings[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("template %q is not a known template", name))
			continue
		}
		for _, m := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
			if !contains(allowed, m[1]) {
				errs = append(errs, fmt.Sprintf("template %q references unknown placeholder {%s}", name, m[1]))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LookupError resolves a provider error code to localized text. Never fails:
// unknown codes and locales degrade, ending at "unknown error <code>".
func (c *Catalog) LookupError(code int, locale string) string {
	if locales, ok := c.errorCodes[code]; ok {
		if reason, ok := locales[locale]; ok && reason != "" {
			return reason
		}
		if reason, ok := locales[c.defaultLocale]; ok && reason != "" {
			return reason
		}
	}
	return "unknown error " + strconv.Itoa(code)
}

// Template returns the raw template string, or "" when not declared.
func (c *Catalog) Template(name string) string {
	return c.templates[name]
}

// RenderTemplate substitutes bindings into the named template. A placeholder
// with no corresponding binding is a configuration error.
func (c *Catalog) RenderTemplate(name string, bindings map[string]string) (string, error) {
	tpl, ok := c.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(match string) string {
		key := match[1 : len(match)-1]
		val, ok := bindings[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %q needs {%s}", ErrTemplateBindingMissing, name, strings.Join(missing, "}, {"))
	}
	return out, nil
}

// DefaultLocale is the locale used when a caller passes none.
func (c *Catalog) DefaultLocale() string { return c.defaultLocale }

// Defaults returns the built-in catalog used when no file is configured:
// the provider codes seen in practice plus the reserved local-failure code,
// and plain numbered item templates.
func Defaults() *Catalog {
	return New("en",
		map[int]map[string]string{
			0:      {"en": "unknown provider error"},
			1:      {"en": "invalid request or possible server error"},
			4:      {"en": "application request limit reached"},
			10:     {"en": "application does not have permission for this action"},
			190:    {"en": "access token has expired"},
			1002:   {"en": "the recipient cannot receive this message"},
			80007:  {"en": "rate limit issues"},
			131000: {"en": "something went wrong sending the message"},
			131005: {"en": "access denied for this phone number"},
			131016: {"en": "service temporarily unavailable"},
			131021: {"en": "recipient phone number is not valid"},
			131026: {"en": "message undeliverable"},
			131047: {"en": "re-engagement window has expired"},
			131051: {"en": "message type is not supported"},
			131053: {"en": "media upload error"},
			domain.CodeDeliveryExhausted: {"en": "message could not be delivered after repeated attempts"},
		},
		map[string]string{
			TemplateButtonItem: "{index}. {title}\n",
			TemplateListItem:   "{section_index}.{row_index} {row_title} {row_description}\n",
		},
	)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
