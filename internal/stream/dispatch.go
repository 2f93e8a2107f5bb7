package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/runstream/runstream-go/internal/sse"
)

// EventError is the event name servers use to report a failure after the
// stream has opened.
const EventError = "error"

// maxBodyInError bounds how much of a bad payload is kept on an *Error.
const maxBodyInError = 512

// MessageFunc handles one decoded message. Returning stop=true ends the
// subscription normally.
type MessageFunc[T any] func(ctx context.Context, msg T, event string) (stop bool, err error)

// CallOption configures a single CollectOne or Subscribe call.
type CallOption func(*callConfig)

type callConfig struct {
	events map[string]bool
}

// WithEvents restricts delivery to frames with one of the given event names.
// Listing EventError delivers server error frames to the handler instead of
// failing the stream.
func WithEvents(names ...string) CallOption {
	return func(c *callConfig) {
		if c.events == nil {
			c.events = make(map[string]bool, len(names))
		}
		for _, n := range names {
			c.events[n] = true
		}
	}
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

// accept decides what to do with a frame before decoding: skip it, fail the
// stream with a server error, or decode it.
func (c callConfig) accept(f sse.Frame) (deliver bool, err error) {
	if f.Event == EventError && !c.events[EventError] {
		return false, &Error{Kind: KindConnection, Event: f.Event, Body: truncate(f.Data)}
	}
	if f.Empty() {
		return false, nil
	}
	if c.events != nil && !c.events[f.Event] {
		return false, nil
	}
	return true, nil
}

// Dispatcher decodes frames and routes them to consumers.
type Dispatcher struct {
	driver *Driver
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over d.
func NewDispatcher(d *Driver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{driver: d, logger: logger}
}

// CollectOne opens a stream and returns the first non-empty message decoded
// as T, closing the connection as soon as it arrives. The first non-empty
// frame is authoritative: if it is not valid JSON the call fails with
// KindDecode and later frames are not read. A stream that ends before any
// message fails with ErrClosedBeforeMessage. On cancellation CollectOne
// returns the zero value and a nil error.
func CollectOne[T any](ctx context.Context, d *Dispatcher, req *Request, opts ...CallOption) (T, error) {
	cfg := newCallConfig(opts)
	var (
		result T
		got    bool
	)
	err := d.driver.Open(ctx, req, func(_ context.Context, f sse.Frame) (bool, error) {
		deliver, err := cfg.accept(f)
		if err != nil || !deliver {
			return false, err
		}
		v, err := decode[T](f)
		if err != nil {
			return false, err
		}
		result, got = v, true
		return true, nil
	})
	var zero T
	if err != nil {
		d.logger.Debug("collect failed", "url", redactURL(req.URL), "error", err)
		return zero, err
	}
	if !got {
		if d.driver.cancelled(ctx) {
			return zero, nil
		}
		return zero, &Error{Kind: KindConnection, Err: ErrClosedBeforeMessage}
	}
	return result, nil
}

// Subscribe opens a stream and calls onMessage for every non-empty frame in
// order, one at a time. It returns nil when onMessage returns stop=true, when
// the server ends the stream, or on cancellation. A handler error or panic
// ends the stream with KindHandler unless cancellation is already in flight.
func Subscribe[T any](ctx context.Context, d *Dispatcher, req *Request, onMessage MessageFunc[T], opts ...CallOption) error {
	if onMessage == nil {
		return errors.New("stream: subscribe: nil message handler")
	}
	cfg := newCallConfig(opts)
	err := d.driver.Open(ctx, req, func(ctx context.Context, f sse.Frame) (bool, error) {
		deliver, err := cfg.accept(f)
		if err != nil || !deliver {
			return false, err
		}
		v, err := decode[T](f)
		if err != nil {
			return false, err
		}
		return invoke(ctx, onMessage, v, f.Event)
	})
	if err != nil {
		d.logger.Debug("subscription failed", "url", redactURL(req.URL), "error", err)
	}
	return err
}

func invoke[T any](ctx context.Context, fn MessageFunc[T], v T, event string) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stop = false
			err = &Error{Kind: KindHandler, Event: event, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	stop, err = fn(ctx, v, event)
	if err != nil {
		return false, &Error{Kind: KindHandler, Event: event, Err: err}
	}
	return stop, nil
}

// decode parses the frame payload as exactly one UTF-8 JSON value.
func decode[T any](f sse.Frame) (T, error) {
	var v T
	if !utf8.Valid(f.Data) {
		return v, &Error{Kind: KindDecode, Event: f.Event, Err: errors.New("payload is not valid UTF-8")}
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, &Error{Kind: KindDecode, Event: f.Event, Body: truncate(f.Data), Err: err}
	}
	return v, nil
}

func truncate(b []byte) string {
	if len(b) <= maxBodyInError {
		return string(b)
	}
	return string(b[:maxBodyInError]) + "..."
}
