package sse

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, raw string) []Frame {
	t.Helper()
	dec := NewDecoder(strings.NewReader(raw))
	var frames []Frame
	for {
		f, err := dec.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestDecoder_Frames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Frame
	}{
		{
			name: "named event",
			raw:  "event: update\ndata: {\"status\":\"running\"}\n\n",
			want: []Frame{{Event: "update", Data: []byte(`{"status":"running"}`)}},
		},
		{
			name: "default event and no space after colon",
			raw:  "data:{\"a\":1}\n\n",
			want: []Frame{{Data: []byte(`{"a":1}`)}},
		},
		{
			name: "multi-line data is joined",
			raw:  "data: [1,\ndata: 2]\n\n",
			want: []Frame{{Data: []byte("[1,\n2]")}},
		},
		{
			name: "comments and blank keep-alives are skipped",
			raw:  ": stream started\n\n\n\ndata: 1\n\n",
			want: []Frame{{Data: []byte("1")}},
		},
		{
			name: "crlf line endings",
			raw:  "event: result\r\ndata: true\r\n\r\n",
			want: []Frame{{Event: "result", Data: []byte("true")}},
		},
		{
			name: "id and retry",
			raw:  "id: 7\nretry: 1500\ndata: null\n\n",
			want: []Frame{{ID: "7", Retry: 1500, Data: []byte("null")}},
		},
		{
			name: "empty data still dispatches",
			raw:  "event: update\ndata:\n\n",
			want: []Frame{{Event: "update", Data: []byte("")}},
		},
		{
			name: "trailing frame without blank line",
			raw:  "data: 1\n\ndata: 2",
			want: []Frame{{Data: []byte("1")}, {Data: []byte("2")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(t, tt.raw)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].Event, got[i].Event)
				assert.Equal(t, string(tt.want[i].Data), string(got[i].Data))
				assert.Equal(t, tt.want[i].ID, got[i].ID)
				assert.Equal(t, tt.want[i].Retry, got[i].Retry)
			}
		})
	}
}

func TestDecoder_EmptyStream(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameEmpty(t *testing.T) {
	assert.True(t, Frame{}.Empty())
	assert.True(t, Frame{Data: []byte(" \n\t")}.Empty())
	assert.False(t, Frame{Data: []byte("0")}.Empty())
}

func TestWriter_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Comment("stream started"))
	require.NoError(t, w.Write(Frame{Event: "update", ID: "1", Data: []byte(`{"status":"queued"}`)}))
	require.NoError(t, w.Write(Frame{Data: []byte("line1\nline2")}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := readAll(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "update", frames[0].Event)
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, `{"status":"queued"}`, string(frames[0].Data))
	assert.Equal(t, "line1\nline2", string(frames[1].Data))
}
