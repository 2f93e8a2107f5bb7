package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runstream/runstream-go/internal/sse"
)

// DefaultWebSocketEvent names frames that arrive without an envelope.
const DefaultWebSocketEvent = "message"

// WebSocketTransport receives frames as WebSocket messages. A message shaped
// {"event": "...", "data": ...} is unwrapped; any other message is delivered
// whole under DefaultWebSocketEvent. The request body, when present, is sent
// as the first message after the handshake.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a WebSocket transport. A nil dialer uses a
// dialer with a 10s handshake timeout.
func NewWebSocketTransport(dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &WebSocketTransport{dialer: dialer}
}

// Connect performs the handshake. http(s) URLs are mapped to ws(s).
func (t *WebSocketTransport) Connect(ctx context.Context, req *Request) (Conn, error) {
	header := req.Header.Clone()
	// The dialer owns these handshake headers.
	for _, h := range []string{"Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Content-Type", "Accept"} {
		header.Del(h)
	}

	conn, resp, err := t.dialer.DialContext(ctx, wsURL(req.URL), header)
	if err != nil {
		if resp != nil {
			var raw []byte
			if resp.Body != nil {
				raw, _ = io.ReadAll(resp.Body)
				_ = resp.Body.Close()
			}
			return nil, &Error{Kind: KindConnection, Status: resp.StatusCode, Body: string(raw), Err: err}
		}
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("dial websocket: %w", err)}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if len(bytes.TrimSpace(req.Body)) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, req.Body); err != nil {
			_ = conn.Close()
			return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("send websocket request: %w", err)}
		}
	}
	return &wsConn{conn: conn}, nil
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	default:
		return u
	}
}

type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Next() (sse.Frame, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return sse.Frame{}, io.EOF
		}
		return sse.Frame{}, err
	}
	var env wsEnvelope
	if json.Unmarshal(msg, &env) == nil && env.Event != "" {
		return sse.Frame{Event: env.Event, Data: env.Data}, nil
	}
	return sse.Frame{Event: DefaultWebSocketEvent, Data: msg}, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
