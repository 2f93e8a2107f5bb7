// Command worker-runstream runs a Temporal worker hosting the demo run
// workflow, so streamd in production mode has real executions to stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/observability"
	temporalruns "github.com/runstream/runstream-go/internal/runs/temporal"
)

func main() {
	start := flag.String("start", "", "start a demo run with this ID once the worker is up")
	failAt := flag.String("fail-at", "", "step at which the started demo run fails")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := observability.InitLogger(cfg.LogLevel)

	c, err := client.Dial(client.Options{
		HostPort: cfg.TemporalHost,
		Logger:   observability.NewTemporalSlogAdapter(logger),
	})
	if err != nil {
		logger.Error("unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, temporalruns.TaskQueue, worker.Options{})
	w.RegisterWorkflow(temporalruns.DemoRunWorkflow)

	if err := w.Start(); err != nil {
		logger.Error("worker start failed", "error", err)
		os.Exit(1)
	}
	defer w.Stop()

	if *start != "" {
		in := temporalruns.DefaultDemoInput()
		in.FailAt = *failAt
		run, err := c.ExecuteWorkflow(context.Background(), client.StartWorkflowOptions{
			ID:        *start,
			TaskQueue: temporalruns.TaskQueue,
		}, temporalruns.DemoRunWorkflow, in)
		if err != nil {
			logger.Error("failed to start demo run", "error", err)
			os.Exit(1)
		}
		logger.Info("started demo run", "run_id", run.GetID(), "execution_id", run.GetRunID())
	}

	logger.Info("worker started", "task_queue", temporalruns.TaskQueue)
	<-worker.InterruptCh()
}
