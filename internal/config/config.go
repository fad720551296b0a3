package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	B2KeyID  string `envconfig:"B2_KEY_ID" required:"true"`
	B2AppKey string `envconfig:"B2_APP_KEY" required:"true"`

	APIToken      string `envconfig:"API_TOKEN" required:"true"`
	SigningSecret string `envconfig:"SIGNING_SECRET" required:"true"`

	TokenTTL            time.Duration `envconfig:"TOKEN_TTL" default:"2h"`
	CredentialMaxAge    time.Duration `envconfig:"CREDENTIAL_MAX_AGE" default:"18h"`
	HardRefreshInterval time.Duration `envconfig:"HARD_REFRESH_INTERVAL" default:"12h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath   string `envconfig:"DB_PATH" default:"b2gate.db"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
