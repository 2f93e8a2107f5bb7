// Command streamd runs the development server that streams run updates over
// SSE and WebSocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.temporal.io/sdk/client"

	"github.com/runstream/runstream-go/internal/api"
	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/observability"
	"github.com/runstream/runstream-go/internal/ratelimit"
	"github.com/runstream/runstream-go/internal/runs"
	"github.com/runstream/runstream-go/internal/runs/memory"
	temporalruns "github.com/runstream/runstream-go/internal/runs/temporal"
	"github.com/runstream/runstream-go/internal/watch"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := observability.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		shutdown, err := observability.InitTracer(ctx, "streamd")
		if err != nil {
			logger.Error("otel init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	var src runs.Source
	switch cfg.Mode {
	case config.ModeProduction:
		c, err := client.Dial(client.Options{
			HostPort: cfg.TemporalHost,
			Logger:   observability.NewTemporalSlogAdapter(logger),
		})
		if err != nil {
			logger.Error("unable to create Temporal client", "error", err)
			os.Exit(1)
		}
		defer c.Close()
		src = temporalruns.New(c, logger)
	default:
		store := memory.NewStore()
		memory.SeedDemo(store, "demo-1")
		memory.SeedDemo(store, "demo-2")
		src = store
	}

	var budget *ratelimit.StreamBudget
	if cfg.StreamBudget > 0 {
		budget = ratelimit.NewStreamBudget(cfg.StreamBudget, time.Minute)
	}

	oidcCfg := api.OIDCConfig{
		IssuerURL: cfg.OIDCIssuer,
		Audience:  cfg.OIDCAudience,
		Enabled:   cfg.OIDCEnabled(),
	}
	srv, err := api.New(ctx, src, api.Config{
		CORSOrigins: cfg.CORSOrigins,
		OIDC:        oidcCfg,
		APIKeys:     cfg.APIKeys,
		Watch:       watch.Config{PollInterval: cfg.PollInterval, MaxDuration: 30 * time.Minute},
		Budget:      budget,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	var handler http.Handler = srv
	if cfg.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "streamd")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting stream server", "addr", httpSrv.Addr, "mode", cfg.Mode, "oidc_enabled", oidcCfg.Enabled)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
