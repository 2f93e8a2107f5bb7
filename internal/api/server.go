// Package api is the development server that streams run updates over SSE
// and WebSocket. It is the reference peer for the streaming client.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"

	"github.com/runstream/runstream-go/internal/ratelimit"
	"github.com/runstream/runstream-go/internal/runs"
	"github.com/runstream/runstream-go/internal/watch"
)

// Config holds server settings.
type Config struct {
	CORSOrigins []string
	OIDC        OIDCConfig
	// APIKeys are accepted in X-API-Key when OIDC is not enabled.
	APIKeys []string
	Watch   watch.Config
	// Budget limits stream opens per tenant. Nil disables it.
	Budget *ratelimit.StreamBudget
	Logger *slog.Logger
}

// Server is the HTTP server for run streams.
type Server struct {
	source   runs.Source
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	handler  http.Handler
}

// New creates a Server reading runs from src. With OIDC enabled it performs
// issuer discovery using ctx.
func New(ctx context.Context, src runs.Source, cfg Config) (*Server, error) {
	if src == nil {
		return nil, errors.New("api: nil run source")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Watch.PollInterval <= 0 {
		cfg.Watch = watch.DefaultConfig()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		source: src,
		cfg:    cfg,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.CORSOrigins),
		},
	}
	s.routes()

	var inner http.Handler = s.mux
	switch {
	case cfg.OIDC.Enabled:
		provider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("api: oidc discovery: %w", err)
		}
		inner = oidcAuth(provider, cfg.OIDC.Audience)(inner)
	case len(cfg.APIKeys) > 0:
		inner = apiKeyAuth(cfg.APIKeys)(inner)
	default:
		s.logger.Warn("api: authentication disabled")
	}
	s.handler = requestID(logging(s.logger, cors(cfg.CORSOrigins, inner)))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/v1/runs/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/v1/runs/wait", s.handleWait)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}/ws", s.handleWebSocket)
}
