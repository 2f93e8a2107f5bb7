// Package client is the downstream-facing API over the stream core: it builds
// authenticated streaming requests against a base URL and exposes
// collect-first and subscribe calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/runstream/runstream-go/internal/credentials"
	"github.com/runstream/runstream-go/internal/observability"
	"github.com/runstream/runstream-go/internal/ratelimit"
	"github.com/runstream/runstream-go/internal/stream"
)

const (
	HeaderClientName = "X-Client-Name"

	// DefaultClientName is sent as X-Client-Name when none is configured.
	DefaultClientName = "runstream-go"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for SSE streams. It should not set
// an overall Timeout, which would cut long-lived streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithAPIKey sends key as X-API-Key when no token source is configured.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.creds.APIKey = key }
}

// WithTokenSource sends bearer tokens from ts. It takes precedence over an API key.
func WithTokenSource(ts credentials.TokenSource) Option {
	return func(c *Client) { c.creds.Tokens = ts }
}

// WithClientName sets the X-Client-Name header.
func WithClientName(name string) Option {
	return func(c *Client) { c.clientName = name }
}

// WithConnectTimeout bounds the SSE response-header wait and the WebSocket
// handshake. It applies only to the default HTTP client and dialer.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithIdleTimeout fails streams that go quiet for longer than d.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records stream metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOpenLimiter waits on l before every stream open.
func WithOpenLimiter(l *ratelimit.OpenLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithoutCoalescing makes every collect-first call open its own connection.
func WithoutCoalescing() Option {
	return func(c *Client) { c.coalesce = false }
}

// Client opens streams against one service.
type Client struct {
	baseURL     *url.URL
	clientName  string
	creds       credentials.Credentials
	httpClient  *http.Client
	dialer      *websocket.Dialer
	idleTimeout time.Duration
	// connectTimeout applies when no HTTP client or dialer was supplied.
	connectTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	limiter     *ratelimit.OpenLimiter
	coalesce    bool

	sse *stream.Dispatcher
	ws  *stream.Dispatcher

	lifetime context.Context
	stop     context.CancelFunc

	mu      sync.Mutex
	flights map[string]*flight
	group   singleflight.Group
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("client: base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:    u,
		clientName: DefaultClientName,
		logger:     slog.Default(),
		coalesce:   true,
		flights:    make(map[string]*flight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.lifetime, c.stop = context.WithCancel(context.Background())
	if c.creds.Empty() {
		c.logger.Warn("client: no credentials configured", "base_url", u.Redacted())
	}

	sseTransport := stream.NewHTTPTransport(c.httpClient)
	if c.httpClient == nil && c.connectTimeout > 0 {
		sseTransport = stream.NewHTTPTransportWithTimeout(c.connectTimeout)
	}
	dialer := c.dialer
	if dialer == nil && c.connectTimeout > 0 {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.connectTimeout,
		}
	}

	driverOpts := []stream.Option{
		stream.WithLifetime(c.lifetime),
		stream.WithIdleTimeout(c.idleTimeout),
		stream.WithLogger(c.logger),
		stream.WithMetrics(c.metrics),
	}
	c.sse = stream.NewDispatcher(stream.NewDriver(sseTransport, driverOpts...), c.logger)
	c.ws = stream.NewDispatcher(
		stream.NewDriver(stream.NewWebSocketTransport(dialer),
			append(driverOpts, stream.WithTransportName("websocket"))...), c.logger)
	return c, nil
}

// Close cancels every open stream. Calls in progress return as cancelled and
// later calls return immediately.
func (c *Client) Close() error {
	c.stop()
	return nil
}

func (c *Client) closed() bool {
	return c.lifetime.Err() != nil
}

// resolve joins a relative path onto the base URL, keeping the base path.
func (c *Client) resolve(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String()
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
		return raw, nil
	}
}

// newRequest builds the outbound request with standard headers and exactly
// one credential header.
func (c *Client) newRequest(ctx context.Context, path string, body any, cfg callConfig) (*stream.Request, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	for k, vs := range cfg.header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Accept", "text/event-stream")
	h.Set("Content-Type", "application/json")
	if c.clientName != "" {
		h.Set(HeaderClientName, c.clientName)
	}

	creds := c.creds
	if cfg.creds != nil {
		creds = *cfg.creds
	}
	if err := creds.Apply(ctx, h); err != nil {
		return nil, &stream.Error{Kind: stream.KindConnection, Err: err}
	}

	method := http.MethodPost
	if cfg.websocket {
		method = http.MethodGet
	}
	return &stream.Request{URL: c.resolve(path), Method: method, Header: h, Body: raw}, nil
}

func (c *Client) dispatcher(cfg callConfig) *stream.Dispatcher {
	if cfg.websocket {
		return c.ws
	}
	return c.sse
}

// prepare runs the steps shared by both call shapes. A nil request with a nil
// error means the call was cancelled before a connection was attempted.
func (c *Client) prepare(ctx context.Context, path string, body any, cfg callConfig) (*stream.Request, error) {
	if ctx.Err() != nil || c.closed() {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx, path); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, &stream.Error{Kind: stream.KindConnection, Err: err}
	}
	req, err := c.newRequest(ctx, path, body, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// PostStreamingCollectFirst POSTs body to path and returns the first message
// of the response stream decoded as T. Identical concurrent calls share one
// connection unless coalescing is disabled. On cancellation it returns the
// zero value and a nil error.
func PostStreamingCollectFirst[T any](ctx context.Context, c *Client, path string, body any, opts ...CallOption) (T, error) {
	var zero T
	cfg := newCallConfig(opts)
	req, err := c.prepare(ctx, path, body, cfg)
	if err != nil || req == nil {
		return zero, err
	}
	if !c.coalesce {
		return stream.CollectOne[T](ctx, c.dispatcher(cfg), req, cfg.streamOpts...)
	}

	raw, err := c.collectShared(ctx, path, req, cfg)
	if err != nil || raw == nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, &stream.Error{Kind: stream.KindDecode, Body: string(raw), Err: err}
	}
	return v, nil
}

// PostStreamingSubscribe POSTs body to path and calls onMessage for every
// message of the response stream until onMessage stops it, the server ends
// it, or ctx is cancelled.
func PostStreamingSubscribe[T any](ctx context.Context, c *Client, path string, body any, onMessage stream.MessageFunc[T], opts ...CallOption) error {
	cfg := newCallConfig(opts)
	req, err := c.prepare(ctx, path, body, cfg)
	if err != nil || req == nil {
		return err
	}
	return stream.Subscribe(ctx, c.dispatcher(cfg), req, onMessage, cfg.streamOpts...)
}
