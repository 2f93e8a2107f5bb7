package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, fn func(conn *websocket.Conn, first []byte)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key-1" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fn(conn, first)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsDispatcher() *Dispatcher {
	return NewDispatcher(NewDriver(NewWebSocketTransport(nil), WithTransportName("websocket")), nil)
}

func TestWebSocket_SubscribeEnvelopes(t *testing.T) {
	ts := wsServer(t, func(conn *websocket.Conn, first []byte) {
		assert.JSONEq(t, `{"run_id":"r1"}`, string(first))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"update","data":{"status":"running"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"running"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"update","data":{"status":"completed"}}`))
		_, _, _ = conn.ReadMessage() // wait for the client close frame
	})

	header := http.Header{}
	header.Set("X-API-Key", "key-1")
	var events, statuses []string
	err := Subscribe(t.Context(), wsDispatcher(), &Request{URL: ts.URL, Header: header, Body: []byte(`{"run_id":"r1"}`)},
		func(_ context.Context, u runUpdate, event string) (bool, error) {
			events = append(events, event)
			statuses = append(statuses, u.Status)
			return u.Status == "completed", nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"update", DefaultWebSocketEvent, "update"}, events)
	assert.Equal(t, []string{"running", "running", "completed"}, statuses)
}

func TestWebSocket_NormalCloseEndsStream(t *testing.T) {
	ts := wsServer(t, func(conn *websocket.Conn, _ []byte) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"queued"}`))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	})

	header := http.Header{}
	header.Set("X-API-Key", "key-1")
	calls := 0
	err := Subscribe(t.Context(), wsDispatcher(), &Request{URL: ts.URL, Header: header, Body: []byte(`{}`)},
		func(context.Context, runUpdate, string) (bool, error) {
			calls++
			return false, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWebSocket_HandshakeRejected(t *testing.T) {
	ts := wsServer(t, func(*websocket.Conn, []byte) {})

	_, err := CollectOne[runUpdate](t.Context(), wsDispatcher(), &Request{URL: ts.URL})
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConnection, se.Kind)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Contains(t, se.Body, "missing api key")
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://host/a", wsURL("http://host/a"))
	assert.Equal(t, "wss://host/a", wsURL("https://host/a"))
	assert.Equal(t, "ws://host/a", wsURL("ws://host/a"))
}
