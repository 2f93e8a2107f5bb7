package client

import (
	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/ratelimit"
)

// NewFromConfig creates a Client from the RUNSTREAM_* client settings. Later
// opts override the configured ones.
func NewFromConfig(cfg config.Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithClientName(cfg.ClientName),
		WithIdleTimeout(cfg.IdleTimeout),
		WithConnectTimeout(cfg.ConnectTimeout),
	}
	if cfg.APIKey != "" {
		base = append(base, WithAPIKey(cfg.APIKey))
	}
	if rates := ratelimit.DefaultOpenRates(cfg.OpenRate); rates != nil {
		base = append(base, WithOpenLimiter(ratelimit.NewOpenLimiter(rates)))
	}
	return New(cfg.BaseURL, append(base, opts...)...)
}
