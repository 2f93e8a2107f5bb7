// Package sse implements the text/event-stream wire format used by run streams.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// maxLineSize bounds a single field line. Run snapshots can be large.
const maxLineSize = 4 << 20

// Frame is one server-pushed event: an optional event name plus its raw data.
type Frame struct {
	Event string
	Data  []byte
	ID    string
	// Retry is the reconnection hint in milliseconds, 0 when absent.
	Retry int
}

// Empty reports whether the payload is empty or whitespace only.
func (f Frame) Empty() bool {
	return len(bytes.TrimSpace(f.Data)) == 0
}

// Decoder reads frames from an event stream body.
type Decoder struct {
	scn *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scn := bufio.NewScanner(r)
	scn.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scn.Split(scanLines)
	return &Decoder{scn: scn}
}

// Next returns the next dispatched frame. It returns io.EOF once the stream
// ends; a trailing frame without a terminating blank line is still delivered
// if it carries data.
func (d *Decoder) Next() (Frame, error) {
	var (
		f       Frame
		data    bytes.Buffer
		hasData bool
		touched bool
	)
	for d.scn.Scan() {
		line := d.scn.Text()
		if line == "" {
			if !touched {
				continue
			}
			f.Data = data.Bytes()
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "event":
			f.Event = value
			touched = true
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			touched = true
		case "id":
			f.ID = value
			touched = true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				f.Retry = n
			}
		}
	}
	if err := d.scn.Err(); err != nil {
		return Frame{}, err
	}
	if hasData {
		f.Data = data.Bytes()
		return f, nil
	}
	return Frame{}, io.EOF
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need one more byte to tell \r from \r\n.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
