// Command runstream waits on and watches runs through the streaming API.
//
// Usage:
//
//	runstream wait  --run ID [--timeout 5m]
//	runstream watch --run ID[,ID...] [--ws]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/runstream/runstream-go/internal/client"
	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/credentials"
	"github.com/runstream/runstream-go/internal/observability"
	"github.com/runstream/runstream-go/internal/runs"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := observability.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		shutdown, err := observability.InitTracer(ctx, "runstream")
		if err != nil {
			logger.Error("otel init failed", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	switch os.Args[1] {
	case "wait":
		err = cmdWait(ctx, cfg, os.Args[2:])
	case "watch":
		err = cmdWatch(ctx, cfg, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: runstream <wait|watch> [flags]")
	os.Exit(2)
}

// commonFlags registers flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet, cfg *config.Config) *string {
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "streaming API base URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key sent as X-API-Key")
	return fs.String("token", "", "bearer token; takes precedence over the API key")
}

func newClient(cfg config.Config, token string) (*client.Client, error) {
	opts := []client.Option{client.WithLogger(slog.Default())}
	if cfg.OTelEnabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithMetrics(m))
	}
	if token != "" {
		opts = append(opts, client.WithTokenSource(credentials.Static(token)))
	}
	return client.NewFromConfig(cfg, opts...)
}

func cmdWait(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	token := commonFlags(fs, &cfg)
	runID := fs.String("run", "", "run ID (required)")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 = no limit)")
	_ = fs.Parse(args)

	if *runID == "" {
		fs.Usage()
		os.Exit(2)
	}

	c, err := newClient(cfg, *token)
	if err != nil {
		return err
	}
	defer c.Close()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	run, err := client.PostStreamingCollectFirst[runs.Run](ctx, c, "/api/v1/runs/wait", map[string]string{"run_id": *runID})
	if err != nil {
		return err
	}
	if run.RunID == "" {
		return fmt.Errorf("run %s: no result before cancellation", *runID)
	}
	return printJSON(os.Stdout, run)
}

func cmdWatch(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	token := commonFlags(fs, &cfg)
	ids := fs.String("run", "", "comma-separated run IDs (required)")
	ws := fs.Bool("ws", false, "stream over WebSocket instead of SSE")
	_ = fs.Parse(args)

	var runIDs []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			runIDs = append(runIDs, id)
		}
	}
	if len(runIDs) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c, err := newClient(cfg, *token)
	if err != nil {
		return err
	}
	defer c.Close()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range runIDs {
		g.Go(func() error {
			path := "/api/v1/runs/stream"
			var body any = map[string]string{"run_id": id}
			var opts []client.CallOption
			if *ws {
				path = "/api/v1/runs/" + id + "/ws"
				body = nil
				opts = append(opts, client.OverWebSocket())
			}
			start := time.Now()
			err := client.PostStreamingSubscribe(gctx, c, path, body,
				func(_ context.Context, r runs.Run, _ string) (bool, error) {
					mu.Lock()
					defer mu.Unlock()
					return r.Status.IsFinal(), printJSON(os.Stdout, r)
				}, opts...)
			if err != nil {
				return fmt.Errorf("run %s: %w", id, err)
			}
			slog.Debug("watch finished", "run_id", id, "duration", time.Since(start))
			return nil
		})
	}
	return g.Wait()
}

func printJSON(f *os.File, v any) error {
	enc := json.NewEncoder(f)
	return enc.Encode(v)
}
