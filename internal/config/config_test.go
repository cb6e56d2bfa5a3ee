package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WABRIDGE_TEST_TOKEN", "tok-123")
	t.Setenv("WABRIDGE_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set variable", "${WABRIDGE_TEST_TOKEN}", "tok-123"},
		{"unset without default kept", "${WABRIDGE_TEST_MISSING}", "${WABRIDGE_TEST_MISSING}"},
		{"unset with default", "${WABRIDGE_TEST_MISSING:-fallback}", "fallback"},
		{"empty with default", "${WABRIDGE_TEST_EMPTY:-fallback}", "fallback"},
		{"set overrides default", "${WABRIDGE_TEST_TOKEN:-fallback}", "tok-123"},
		{"embedded", "Bearer ${WABRIDGE_TEST_TOKEN}!", "Bearer tok-123!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnvVars(tt.input); got != tt.want {
				t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadExpandsAndValidates(t *testing.T) {
	t.Setenv("WABRIDGE_TEST_SECRET", "shh")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"provider": {"accessToken": "${WABRIDGE_TEST_SECRET}", "phoneNumberId": "1066"},
		"webhook": {"port": 9000, "verifyToken": "vt"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.AccessToken != "shh" {
		t.Errorf("access token = %q", cfg.Provider.AccessToken)
	}
	if cfg.Webhook.Port != 9000 {
		t.Errorf("port = %d", cfg.Webhook.Port)
	}
	// Unset fields keep their defaults.
	if cfg.Webhook.Path != "/webhook" || cfg.Send.MaxAttempts != 4 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"webhook": {"port": 70000, "path": "no-slash"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"webhook.port", "webhook.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %v missing %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Defaults()
	cfg.Provider.PhoneNumberID = "1066"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Provider.PhoneNumberID != "1066" {
		t.Errorf("round trip lost data: %+v", loaded.Provider)
	}
}
