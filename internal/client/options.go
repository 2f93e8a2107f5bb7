package client

import (
	"net/http"

	"github.com/runstream/runstream-go/internal/credentials"
	"github.com/runstream/runstream-go/internal/stream"
)

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	creds      *credentials.Credentials
	header     http.Header
	websocket  bool
	events     []string
	streamOpts []stream.CallOption
}

// WithCredentials overrides the client's credentials for one call.
func WithCredentials(creds credentials.Credentials) CallOption {
	return func(c *callConfig) { c.creds = &creds }
}

// WithHeader adds a request header. Credential and content headers set by
// the client take precedence.
func WithHeader(key, value string) CallOption {
	return func(c *callConfig) {
		if c.header == nil {
			c.header = make(http.Header)
		}
		c.header.Add(key, value)
	}
}

// WithEvents only delivers frames with one of the given event names.
func WithEvents(names ...string) CallOption {
	return func(c *callConfig) {
		c.events = append(c.events, names...)
		c.streamOpts = append(c.streamOpts, stream.WithEvents(names...))
	}
}

// OverWebSocket opens the call over WebSocket instead of SSE. The body is
// sent as the first message after the handshake.
func OverWebSocket() CallOption {
	return func(c *callConfig) { c.websocket = true }
}

func newCallConfig(opts []CallOption) callConfig {
	var cfg callConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
