package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLookupError(t *testing.T) {
	cat := New("en", map[int]map[string]string{
		1002: {"en": "recipient cannot receive", "vi": "không thể nhận tin"},
		190:  {"en": "token expired"},
	}, nil)

	tests := []struct {
		name   string
		code   int
		locale string
		want   string
	}{
		{"known code and locale", 1002, "vi", "không thể nhận tin"},
		{"known code falls back to default locale", 190, "vi", "token expired"},
		{"unknown locale falls back", 1002, "de", "recipient cannot receive"},
		{"unknown code", 99999, "en", "unknown error 99999"},
		{"negative reserved code unknown here", -1, "en", "unknown error -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cat.LookupError(tt.code, tt.locale); got != tt.want {
				t.Errorf("LookupError(%d, %q) = %q, want %q", tt.code, tt.locale, got, tt.want)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	cat := Defaults()

	got, err := cat.RenderTemplate(TemplateButtonItem, map[string]string{
		"index": "1", "title": "Yes", "id": "yes",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1. Yes\n" {
		t.Errorf("rendered %q", got)
	}

	_, err = cat.RenderTemplate(TemplateButtonItem, map[string]string{"index": "1"})
	if !errors.Is(err, ErrTemplateBindingMissing) {
		t.Errorf("got %v, want ErrTemplateBindingMissing", err)
	}

	_, err = cat.RenderTemplate("no_such_template", nil)
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("got %v, want ErrUnknownTemplate", err)
	}
}

func TestValidate(t *testing.T) {
	bad := New("en", nil, map[string]string{
		TemplateButtonItem: "{index}. {nope}",
	})
	err := bad.Validate()
	if err == nil || !strings.Contains(err.Error(), "{nope}") {
		t.Errorf("expected unknown placeholder error, got %v", err)
	}

	unknown := New("en", nil, map[string]string{"carousel_item": "{index}"})
	if err := unknown.Validate(); err == nil {
		t.Error("expected unknown template error")
	}

	if err := Defaults().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
default_locale: en
error_codes:
  1002:
    en: recipient cannot receive this message
templates:
  button_item: "{index}) {title}\n"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cat.LookupError(1002, "en"); got != "recipient cannot receive this message" {
		t.Errorf("LookupError = %q", got)
	}
	if got := cat.Template(TemplateButtonItem); got != "{index}) {title}\n" {
		t.Errorf("Template = %q", got)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	badPath := filepath.Join(dir, "bad.yaml")
	os.WriteFile(badPath, []byte("templates:\n  button_item: \"{bogus}\"\n"), 0o644)
	if _, err := Load(badPath); err == nil {
		t.Error("expected validation error for unknown placeholder")
	}
}
