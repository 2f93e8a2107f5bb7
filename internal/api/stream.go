package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runstream/runstream-go/internal/runs"
	"github.com/runstream/runstream-go/internal/sse"
	"github.com/runstream/runstream-go/internal/watch"
)

// sseStream tracks whether the response has been committed, so failures
// before the first write can still be reported with a status code.
type sseStream struct {
	w      http.ResponseWriter
	sw     *sse.Writer
	opened bool
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &sseStream{w: w, sw: sw}, nil
}

func (s *sseStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.opened = true
	return s.sw.Write(sse.Frame{Event: event, Data: data})
}

func (s *sseStream) comment(text string) error {
	s.opened = true
	return s.sw.Comment(text)
}

// fail reports err as a status code if nothing was written yet, otherwise as
// an error event.
func (s *sseStream) fail(err error) {
	if !s.opened {
		s.w.Header().Del("Cache-Control")
		s.w.Header().Del("Connection")
		writeError(s.w, statusFor(err), err.Error())
		return
	}
	_ = s.send(watch.EventError, watch.ErrorData{Message: err.Error()})
}

// handleStream serves update frames for a run until it reaches a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID, ok := decodeRunRequest(w, r)
	if !ok || !s.admit(w, r, "runs/stream") {
		return
	}
	st, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = watch.Poll(r.Context(), s.source, runID, s.cfg.Watch, func(run *runs.Run) error {
		return st.send(watch.EventUpdate, run)
	}, nil)
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("run stream failed", "run_id", runID, "error", err)
		st.fail(err)
	}
}

// handleWait serves a single result frame once the run is final. Polls that
// do not finish the run are sent as comments.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	runID, ok := decodeRunRequest(w, r)
	if !ok || !s.admit(w, r, "runs/wait") {
		return
	}
	st, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = watch.Poll(r.Context(), s.source, runID, s.cfg.Watch, func(run *runs.Run) error {
		if !run.Status.IsFinal() {
			return st.comment("status " + string(run.Status))
		}
		return st.send(watch.EventResult, run)
	}, func() error {
		return st.comment("waiting")
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("run wait failed", "run_id", runID, "error", err)
		st.fail(err)
	}
}

type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const wsWriteWait = 5 * time.Second

// handleWebSocket serves the same updates as handleStream over WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	if !s.admit(w, r, "runs/ws") {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	// The hijacked connection outlives r.Context(); a read error is the only
	// signal that the peer went away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(event string, v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(wsMessage{Event: event, Data: v})
	}

	err = watch.Poll(ctx, s.source, runID, s.cfg.Watch, func(run *runs.Run) error {
		return send(watch.EventUpdate, run)
	}, nil)
	if ctx.Err() != nil {
		return
	}
	closeCode, reason := websocket.CloseNormalClosure, "run finished"
	if err != nil {
		s.logger.Warn("run websocket failed", "run_id", runID, "error", err)
		_ = send(watch.EventError, watch.ErrorData{Message: err.Error()})
		closeCode, reason = websocket.CloseInternalServerErr, "run watch failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(wsWriteWait))
}
