// Package config provides application configuration loaded from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode determines whether the dev server reads runs from the in-memory
// scripted store or from Temporal.
type Mode string

const (
	ModeStub       Mode = "stub"
	ModeProduction Mode = "production"
)

// Config holds all application configuration.
type Config struct {
	// Client settings.
	BaseURL     string
	APIKey      string
	ClientName  string
	IdleTimeout time.Duration
	// ConnectTimeout bounds the wait for stream response headers; zero waits
	// until the request context ends.
	ConnectTimeout time.Duration
	// OpenRate limits stream opens per second; zero disables the limit.
	OpenRate float64

	// Server settings.
	Mode         Mode
	APIPort      string
	CORSOrigins  []string
	OIDCIssuer   string
	OIDCAudience string
	APIKeys      []string
	PollInterval time.Duration
	// StreamBudget caps stream opens per tenant per minute; zero disables it.
	StreamBudget int
	TemporalHost string

	LogLevel    string
	OTelEnabled bool
}

// OIDCEnabled reports whether bearer tokens are verified with OIDC discovery.
func (c Config) OIDCEnabled() bool {
	return c.OIDCIssuer != ""
}

// LoadFromEnv reads configuration from environment variables with sensible defaults.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:      envOr("RUNSTREAM_BASE_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("RUNSTREAM_API_KEY"),
		ClientName:   envOr("RUNSTREAM_CLIENT_NAME", "runstream-go"),
		Mode:         Mode(envOr("RUNSTREAM_MODE", "stub")),
		APIPort:      envOr("RUNSTREAM_API_PORT", "8080"),
		CORSOrigins:  parseCORSOrigins(os.Getenv("RUNSTREAM_CORS_ORIGINS")),
		OIDCIssuer:   os.Getenv("RUNSTREAM_OIDC_ISSUER"),
		OIDCAudience: envOr("RUNSTREAM_OIDC_AUDIENCE", "runstream"),
		APIKeys:      parseList(os.Getenv("RUNSTREAM_API_KEYS")),
		TemporalHost: os.Getenv("TEMPORAL_HOST"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
	}

	if cfg.Mode != ModeStub && cfg.Mode != ModeProduction {
		return Config{}, fmt.Errorf("config: invalid RUNSTREAM_MODE %q (must be stub or production)", cfg.Mode)
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("config: invalid RUNSTREAM_BASE_URL %q", cfg.BaseURL)
	}

	if cfg.IdleTimeout, err = durationEnv("RUNSTREAM_IDLE_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = durationEnv("RUNSTREAM_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = durationEnv("RUNSTREAM_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("config: RUNSTREAM_POLL_INTERVAL must be positive")
	}

	if raw := os.Getenv("RUNSTREAM_OPEN_RATE"); raw != "" {
		cfg.OpenRate, err = strconv.ParseFloat(raw, 64)
		if err != nil || cfg.OpenRate < 0 {
			return Config{}, fmt.Errorf("config: invalid RUNSTREAM_OPEN_RATE %q", raw)
		}
	}
	if raw := os.Getenv("RUNSTREAM_STREAM_BUDGET"); raw != "" {
		cfg.StreamBudget, err = strconv.Atoi(raw)
		if err != nil || cfg.StreamBudget < 0 {
			return Config{}, fmt.Errorf("config: invalid RUNSTREAM_STREAM_BUDGET %q", raw)
		}
	}
	if raw := os.Getenv("OTEL_ENABLED"); raw != "" {
		cfg.OTelEnabled, err = strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid OTEL_ENABLED %q", raw)
		}
	}

	if cfg.Mode == ModeProduction && !cfg.OIDCEnabled() && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("config: RUNSTREAM_OIDC_ISSUER or RUNSTREAM_API_KEYS required in production mode")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, raw)
	}
	return d, nil
}

func parseList(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(o); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseCORSOrigins(raw string) []string {
	origins := parseList(raw)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
