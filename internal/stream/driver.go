package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/runstream/runstream-go/internal/observability"
	"github.com/runstream/runstream-go/internal/sse"
)

// FrameFunc receives raw frames in arrival order. Returning stop=true closes
// the stream normally; a non-nil error closes it and is returned from Open
// unless cancellation already won.
type FrameFunc func(ctx context.Context, f sse.Frame) (stop bool, err error)

// errStopped is the internal cancellation cause once a stream is satisfied.
var errStopped = errors.New("stream: stopped")

// State is the lifecycle position of one connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithMetrics records stream metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithIdleTimeout fails a stream with ErrIdleTimeout when no frame arrives
// within timeout. Zero disables it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Driver) { d.idleTimeout = timeout }
}

// WithLifetime ties every stream to ctx. When ctx is done, open streams are
// torn down as cancelled.
func WithLifetime(ctx context.Context) Option {
	return func(d *Driver) { d.lifetime = ctx }
}

// WithTransportName labels metrics and spans. Defaults to "sse".
func WithTransportName(name string) Option {
	return func(d *Driver) { d.transportName = name }
}

// Driver opens one streaming connection per Open call and owns its lifecycle.
type Driver struct {
	transport     Transport
	transportName string
	lifetime      context.Context
	idleTimeout   time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
	tracer        trace.Tracer

	// onState observes transitions; used by tests.
	onState func(State)
}

// NewDriver creates a Driver over the given transport.
func NewDriver(t Transport, opts ...Option) *Driver {
	d := &Driver{
		transport:     t,
		transportName: "sse",
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/runstream/runstream-go/internal/stream"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Open runs one streaming request to completion. It returns nil when the
// stream ends, when onFrame stops it, or when ctx (or the Driver lifetime) is
// cancelled; if ctx is already done no connection is attempted. Failures are
// returned as *Error unless cancellation won the race.
func (d *Driver) Open(ctx context.Context, req *Request, onFrame FrameFunc) error {
	if req == nil || req.URL == "" {
		return &Error{Kind: KindConnection, Err: ErrEmptyURL}
	}
	if ctx.Err() != nil || d.lifetimeDone() {
		return nil
	}
	req = req.clone()

	joined, cancel := Join(ctx, d.lifetime)
	h := &handle{cancel: cancel, onState: d.onState}
	idle := newIdleTimer(d.idleTimeout, cancel)

	spanCtx, span := d.tracer.Start(joined, "stream.open", trace.WithAttributes(
		attribute.String("stream.transport", d.transportName),
		attribute.String("http.method", req.Method),
		attribute.String("url.full", redactURL(req.URL)),
	))
	start := time.Now()
	frames := 0
	h.transition(StateConnecting)

	// Cancellation settles the handle from outside the read loop so the
	// transport is torn down even while a handler is running.
	stopWatch := context.AfterFunc(joined, func() {
		h.settle(d.resolve(ctx, joined, nil))
		h.closeConn()
	})

	defer func() {
		stopWatch()
		idle.stop()
		h.teardown()
		outcome := h.outcome()
		kind := ""
		var se *Error
		if errors.As(outcome, &se) {
			kind = se.Kind.String()
			span.RecordError(outcome)
			span.SetStatus(codes.Error, outcome.Error())
		}
		span.SetAttributes(attribute.Int("stream.frames", frames))
		span.End()
		d.metrics.RecordClosed(spanCtx, kind, time.Since(start))
		d.logger.Debug("stream closed",
			"url", redactURL(req.URL), "frames", frames, "duration", time.Since(start), "error", outcome)
	}()

	conn, err := d.transport.Connect(spanCtx, req)
	if err != nil {
		return h.settle(d.resolve(ctx, joined, connectionError(err)))
	}
	if !h.attach(conn) {
		return h.outcome()
	}
	d.metrics.RecordOpened(spanCtx, d.transportName)
	d.logger.Debug("stream opened", "url", redactURL(req.URL), "transport", d.transportName)

	feed := make(chan sse.Frame)
	readErr := make(chan error, 1)
	h.readerDone = make(chan struct{})
	go func() {
		defer close(h.readerDone)
		for {
			f, err := conn.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case feed <- f:
			case <-joined.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-joined.Done():
			return h.settle(d.resolve(ctx, joined, nil))
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return h.settle(d.resolve(ctx, joined, nil))
			}
			return h.settle(d.resolve(ctx, joined, connectionError(err)))
		case f := <-feed:
			// The idle clock only runs while waiting on the connection, not
			// while the handler works.
			idle.stop()
			if joined.Err() != nil || h.isSettled() {
				return h.settle(d.resolve(ctx, joined, nil))
			}
			frames++
			d.metrics.RecordFrame(spanCtx, f.Event)
			stop, err := onFrame(spanCtx, f)
			if err != nil {
				return h.settle(d.resolve(ctx, joined, err))
			}
			if stop {
				return h.settle(nil)
			}
			idle.reset()
		}
	}
}

// resolve applies cancellation dominance: the caller's context and the
// Driver lifetime beat any pending error. An idle timeout is a failure.
func (d *Driver) resolve(ctx, joined context.Context, err error) error {
	if ctx.Err() != nil || d.lifetimeDone() {
		return nil
	}
	if errors.Is(context.Cause(joined), ErrIdleTimeout) {
		return &Error{Kind: KindConnection, Err: ErrIdleTimeout}
	}
	return err
}

// redactURL keeps scheme, host and path. Query strings and userinfo can carry
// secrets and stay out of traces and logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String()
}

func (d *Driver) lifetimeDone() bool {
	return d.lifetime != nil && d.lifetime.Err() != nil
}

// cancelled reports whether a nil outcome from Open was due to cancellation.
func (d *Driver) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || d.lifetimeDone()
}

// handle is the state of one connection. settle is first-caller-wins:
// the read loop, the cancellation watcher and teardown may all race to it.
type handle struct {
	state   atomic.Int32
	settled atomic.Bool
	err     error
	cancel  context.CancelCauseFunc
	onState func(State)

	mu         sync.Mutex
	conn       Conn
	connClosed bool
	readerDone chan struct{}
}

// transition is called with h.mu held, except before any concurrency starts
// and after teardown has settled the handle.
func (h *handle) transition(s State) {
	h.state.Store(int32(s))
	if h.onState != nil {
		h.onState(s)
	}
}

// settle records err as the outcome if no outcome exists yet and returns the
// winning outcome.
func (h *handle) settle(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled.CompareAndSwap(false, true) {
		h.err = err
		h.transition(StateClosing)
	}
	return h.err
}

func (h *handle) current() State {
	return State(h.state.Load())
}

func (h *handle) isSettled() bool {
	return h.settled.Load()
}

func (h *handle) outcome() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// attach stores the live connection. If the handle settled while connecting
// the connection is closed immediately and attach reports false.
func (h *handle) attach(c Conn) bool {
	h.mu.Lock()
	if h.settled.Load() {
		h.mu.Unlock()
		_ = c.Close()
		return false
	}
	h.conn = c
	h.transition(StateOpen)
	h.mu.Unlock()
	return true
}

func (h *handle) closeConn() {
	h.mu.Lock()
	c := h.conn
	already := h.connClosed
	h.connClosed = true
	h.mu.Unlock()
	if c != nil && !already {
		_ = c.Close()
	}
}

// teardown runs on every exit path of Open.
func (h *handle) teardown() {
	h.settle(nil)
	h.cancel(errStopped)
	h.closeConn()
	if h.readerDone != nil {
		<-h.readerDone
	}
	h.transition(StateClosed)
}
