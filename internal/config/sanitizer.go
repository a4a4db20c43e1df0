package config

import (
	"encoding/json"
)

// ConfigSanitizer sanitizes sensitive configuration data before it is
// exported (e.g. by ConfigService.GetConfig).
type ConfigSanitizer interface {
	// Sanitize removes or redacts sensitive fields.
	Sanitize(cfg *Config) *Config
}

// DefaultConfigSanitizer implements ConfigSanitizer.
type DefaultConfigSanitizer struct {
	redactionValue string
}

// NewDefaultConfigSanitizer creates a new DefaultConfigSanitizer.
func NewDefaultConfigSanitizer() ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: "***REDACTED***"}
}

// NewConfigSanitizer creates a ConfigSanitizer with a custom redaction value.
func NewConfigSanitizer(redactionValue string) ConfigSanitizer {
	return &DefaultConfigSanitizer{redactionValue: redactionValue}
}

// Sanitize removes or redacts sensitive fields from configuration.
func (s *DefaultConfigSanitizer) Sanitize(cfg *Config) *Config {
	sanitized := s.deepCopy(cfg)

	sanitized.Database.Password = s.redactionValue
	sanitized.Redis.Password = s.redactionValue
	sanitized.Database.URL = s.sanitizeURL(sanitized.Database.URL)

	return sanitized
}

func (s *DefaultConfigSanitizer) deepCopy(cfg *Config) *Config {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}

	var configCopy Config
	if err := json.Unmarshal(configJSON, &configCopy); err != nil {
		return cfg
	}

	return &configCopy
}

// sanitizeURL redacts credentials from a database URL.
func (s *DefaultConfigSanitizer) sanitizeURL(url string) string {
	if url == "" {
		return url
	}
	return s.redactionValue
}
