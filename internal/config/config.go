// Package config loads the bridge configuration from JSON with environment
// variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the bridge.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Provider ProviderConfig `json:"provider"`
	Webhook  WebhookConfig  `json:"webhook"`
	Send     SendConfig     `json:"send"`
	Tracker  TrackerConfig  `json:"tracker"`
	Catalog  CatalogConfig  `json:"catalog"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	Locale   string `json:"locale"`
}

// ProviderConfig holds WhatsApp Business Cloud API credentials.
type ProviderConfig struct {
	BaseURL       string `json:"baseUrl"`
	APIVersion    string `json:"apiVersion"`
	AccessToken   string `json:"accessToken"`
	PhoneNumberID string `json:"phoneNumberId"`
	BusinessID    string `json:"businessId,omitempty"`
}

type WebhookConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	VerifyToken string `json:"verifyToken"`
	AppSecret   string `json:"appSecret,omitempty"`
	// DedupeTTLSeconds bounds how long a processed message id suppresses
	// provider re-deliveries.
	DedupeTTLSeconds int `json:"dedupeTtlSeconds"`
}

type SendConfig struct {
	MaxAttempts           int     `json:"maxAttempts"`
	RequestTimeoutSeconds int     `json:"requestTimeoutSeconds"`
	RetryBaseSeconds      int     `json:"retryBaseSeconds"`
	RatePerSecond         float64 `json:"ratePerSecond"`
	Burst                 int     `json:"burst"`
}

type TrackerConfig struct {
	PendingHoldSeconds int    `json:"pendingHoldSeconds"`
	HistorySize        int    `json:"historySize"`
	DBPath             string `json:"dbPath,omitempty"` // empty disables persistence
}

type CatalogConfig struct {
	Path string `json:"path,omitempty"` // empty uses the built-in catalog
}

// DefaultConfigDir returns the default config directory (~/.wabridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Defaults returns a config with sane values for everything but credentials.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			Locale:   "en",
		},
		Provider: ProviderConfig{
			BaseURL:    "https://graph.facebook.com",
			APIVersion: "v21.0",
		},
		Webhook: WebhookConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			Path:             "/webhook",
			DedupeTTLSeconds: 300,
		},
		Send: SendConfig{
			MaxAttempts:           4,
			RequestTimeoutSeconds: 30,
			RetryBaseSeconds:      1,
			RatePerSecond:         20,
			Burst:                 5,
		},
		Tracker: TrackerConfig{
			PendingHoldSeconds: 60,
			HistorySize:        1024,
			DBPath:             filepath.Join(DefaultConfigDir(), "wabridge.db"),
		},
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Tracker.DBPath = ExpandPath(cfg.Tracker.DBPath)
	cfg.Catalog.Path = ExpandPath(cfg.Catalog.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Provider.BaseURL == "" {
		errs = append(errs, "provider.baseUrl is required")
	}
	if cfg.Provider.APIVersion == "" {
		errs = append(errs, "provider.apiVersion is required")
	}

	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}
	if cfg.Webhook.DedupeTTLSeconds < 1 {
		errs = append(errs, "webhook.dedupeTtlSeconds must be >= 1")
	}

	if cfg.Send.MaxAttempts < 1 || cfg.Send.MaxAttempts > 20 {
		errs = append(errs, "send.maxAttempts must be between 1 and 20")
	}
	if cfg.Send.RequestTimeoutSeconds < 1 {
		errs = append(errs, "send.requestTimeoutSeconds must be >= 1")
	}
	if cfg.Send.RatePerSecond <= 0 {
		errs = append(errs, "send.ratePerSecond must be > 0")
	}
	if cfg.Send.Burst < 1 {
		errs = append(errs, "send.burst must be >= 1")
	}

	if cfg.Tracker.PendingHoldSeconds < 1 {
		errs = append(errs, "tracker.pendingHoldSeconds must be >= 1")
	}
	if cfg.Tracker.HistorySize < 1 {
		errs = append(errs, "tracker.historySize must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
