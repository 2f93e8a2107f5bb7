// Package stream is the streaming event client core: a Driver that owns one
// long-lived connection per call and a Dispatcher that decodes frames and
// routes them to consumer handlers.
package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/runstream/runstream-go/internal/sse"
)

// Request describes one outbound streaming call. The Driver never mutates it.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// clone returns a deep copy so transports can set defaults freely.
func (r *Request) clone() *Request {
	c := &Request{URL: r.URL, Method: r.Method, Header: r.Header.Clone()}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	return c
}

// Conn is one live transport connection yielding frames in arrival order.
type Conn interface {
	// Next blocks for the next frame and returns io.EOF at end of stream.
	Next() (sse.Frame, error)
	Close() error
}

// Transport establishes streaming connections. Connect must honor ctx for the
// whole lifetime of the returned Conn.
type Transport interface {
	Connect(ctx context.Context, req *Request) (Conn, error)
}

// HTTPTransport speaks Server-Sent Events over net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an SSE transport. The base round tripper is
// instrumented with otelhttp. A nil client uses a client with no overall
// timeout, which would otherwise cut long-lived streams.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPTransport{client: client}
}

// NewHTTPTransportWithTimeout creates an SSE transport whose dialing and
// header wait are bounded by connectTimeout.
func NewHTTPTransportWithTimeout(connectTimeout time.Duration) *HTTPTransport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = connectTimeout
	return NewHTTPTransport(&http.Client{Transport: otelhttp.NewTransport(base)})
}

// Connect issues the request and validates the open response.
func (t *HTTPTransport) Connect(ctx context.Context, req *Request) (Conn, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &Error{Kind: KindConnection, Status: resp.StatusCode, Body: string(raw)}
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &Error{
			Kind:   KindConnection,
			Status: resp.StatusCode,
			Body:   string(raw),
			Err:    fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}
	return &httpConn{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

type httpConn struct {
	body io.ReadCloser
	dec  *sse.Decoder
}

func (c *httpConn) Next() (sse.Frame, error) {
	return c.dec.Next()
}

func (c *httpConn) Close() error {
	return c.body.Close()
}
