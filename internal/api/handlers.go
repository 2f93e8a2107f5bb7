package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/runstream/runstream-go/internal/ratelimit"
	"github.com/runstream/runstream-go/internal/runs"
)

type runRequest struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}

	run, err := s.source.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decodeRunRequest reads the run ID from the body, writing a 400 on failure.
func decodeRunRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, "'run_id' field is required")
		return "", false
	}
	return body.RunID, true
}

// HeaderBudgetRemaining reports the opens a tenant has left on a route in the
// current budget window.
const HeaderBudgetRemaining = "X-Stream-Budget-Remaining"

// admit applies the per-tenant stream budget, writing a 429 when exhausted.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, route string) bool {
	tenant := tenantKey(r.Context())
	err := s.cfg.Budget.Allow(tenant, route)
	if left := s.cfg.Budget.Remaining(tenant, route); left >= 0 {
		w.Header().Set(HeaderBudgetRemaining, strconv.Itoa(left))
	}
	if err != nil {
		s.logger.Warn("stream budget exceeded", "tenant_id", tenant, "route", route)
		writeError(w, http.StatusTooManyRequests, err.Error())
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratelimit.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
