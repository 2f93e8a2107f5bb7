package stream

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes stream failures. Cancellation has no Kind: it is not an error.
type Kind int

const (
	// KindConnection covers connect failures, non-2xx open responses and
	// transport failures after the stream opened.
	KindConnection Kind = iota + 1
	// KindDecode means a frame payload was not valid JSON for the target type.
	KindDecode
	// KindHandler means the consumer's message handler failed.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDecode:
		return "decode"
	case KindHandler:
		return "handler"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrEmptyURL is returned when a Request has no target URL.
	ErrEmptyURL = errors.New("stream: request url is empty")
	// ErrIdleTimeout is the cause recorded when no frame arrived within the idle timeout.
	ErrIdleTimeout = errors.New("stream: idle timeout")
	// ErrClosedBeforeMessage is returned by CollectOne when the stream ends without a message.
	ErrClosedBeforeMessage = errors.New("stream: closed before first message")
)

// Error is the failure type returned by the Driver and Dispatcher.
type Error struct {
	Kind Kind
	// Status is the HTTP status of a rejected open, 0 otherwise.
	Status int
	// Body is the raw response text of a rejected open, or the payload of a
	// server error event.
	Body string
	// Event is the name of the frame being processed, when there was one.
	Event string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stream %s error", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a stream *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func connectionError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindConnection, Err: err}
}
