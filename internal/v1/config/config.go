package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Chat provider (OpenAI-compatible endpoint)
	ChatProviderBaseURL string
	ChatProviderAPIKey  string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Tracing (optional; disabled when empty)
	OtelCollectorAddr string

	// Session tuning
	OutboundQueueSize int
	HistoryWindow     int
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Chat provider endpoint. The key may be empty for keyless local
	// providers, but the base URL must parse as a URL-ish string.
	cfg.ChatProviderBaseURL = os.Getenv("CHAT_PROVIDER_BASE_URL")
	if cfg.ChatProviderBaseURL == "" {
		cfg.ChatProviderBaseURL = "https://openrouter.ai/api/v1"
	} else if !strings.HasPrefix(cfg.ChatProviderBaseURL, "http://") && !strings.HasPrefix(cfg.ChatProviderBaseURL, "https://") {
		errors = append(errors, fmt.Sprintf("CHAT_PROVIDER_BASE_URL must start with http:// or https:// (got '%s')", cfg.ChatProviderBaseURL))
	}
	cfg.ChatProviderAPIKey = os.Getenv("CHAT_PROVIDER_API_KEY")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	var err error
	cfg.OutboundQueueSize, err = intEnvOrDefault("SESSION_OUTBOUND_QUEUE_SIZE", 256)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.HistoryWindow, err = intEnvOrDefault("LLM_HISTORY_WINDOW", 50)
	if err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// AllowedOriginList splits the configured origins, falling back to the
// local dev frontend when unset.
func (c *Config) AllowedOriginList() []string {
	if c.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func intEnvOrDefault(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer (got '%s')", key, value)
	}
	return n, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"port", cfg.Port,
		"chat_provider_base_url", cfg.ChatProviderBaseURL,
		"chat_provider_api_key", redactSecret(cfg.ChatProviderAPIKey),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"otel_collector_addr", cfg.OtelCollectorAddr,
		"outbound_queue_size", cfg.OutboundQueueSize,
		"history_window", cfg.HistoryWindow,
	)
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
