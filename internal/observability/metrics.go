package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OTel metric instruments for run streams.
type Metrics struct {
	StreamsOpened  metric.Int64Counter
	FramesReceived metric.Int64Counter
	StreamErrors   metric.Int64Counter
	StreamDuration metric.Float64Histogram
	Coalesced      metric.Int64Counter
}

// NewMetrics creates the stream metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("runstream")

	streamsOpened, err := meter.Int64Counter("runstream.stream.opened",
		metric.WithDescription("Number of streaming connections established"),
	)
	if err != nil {
		return nil, err
	}

	framesReceived, err := meter.Int64Counter("runstream.stream.frames",
		metric.WithDescription("Number of frames received from the server"),
	)
	if err != nil {
		return nil, err
	}

	streamErrors, err := meter.Int64Counter("runstream.stream.errors",
		metric.WithDescription("Number of streams that ended with an error, by kind"),
	)
	if err != nil {
		return nil, err
	}

	streamDuration, err := meter.Float64Histogram("runstream.stream.duration_seconds",
		metric.WithDescription("Lifetime of a streaming connection"),
	)
	if err != nil {
		return nil, err
	}

	coalesced, err := meter.Int64Counter("runstream.collect.coalesced",
		metric.WithDescription("Number of collect-first calls served by an in-flight identical call"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		StreamsOpened:  streamsOpened,
		FramesReceived: framesReceived,
		StreamErrors:   streamErrors,
		StreamDuration: streamDuration,
		Coalesced:      coalesced,
	}, nil
}

// RecordOpened records an established connection.
func (m *Metrics) RecordOpened(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.StreamsOpened.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordFrame records a received frame.
func (m *Metrics) RecordFrame(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordClosed records how a stream ended and how long it lived.
// kind is empty for streams that ended without error.
func (m *Metrics) RecordClosed(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	if kind != "" {
		m.StreamErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", kind)),
		)
	}
	m.StreamDuration.Record(ctx, d.Seconds())
}

// RecordCoalesced records a collect-first call that joined an in-flight call.
func (m *Metrics) RecordCoalesced(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.Coalesced.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
}
