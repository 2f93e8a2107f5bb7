package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Writer emits frames on an HTTP response, flushing after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for streaming. It sets the event-stream headers and
// fails when the ResponseWriter cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// Write sends one frame. Multi-line payloads are split across data lines.
func (sw *Writer) Write(f Frame) error {
	var buf bytes.Buffer
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	if f.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", f.ID)
	}
	if f.Retry > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", f.Retry)
	}
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := sw.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Comment sends a comment line, used to open the stream and as keep-alive.
func (sw *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	sw.flusher.Flush()
	return nil
}
