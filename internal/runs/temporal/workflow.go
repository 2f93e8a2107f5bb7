package temporal

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/runstream/runstream-go/internal/runs"
)

// TaskQueue is the queue the demo worker polls.
const TaskQueue = "runstream-demo"

// DemoInput configures DemoRunWorkflow.
type DemoInput struct {
	Steps        []string      `json:"steps"`
	StepDuration time.Duration `json:"step_duration"`
	// FailAt names a step that fails the run when reached.
	FailAt string `json:"fail_at,omitempty"`
}

// DemoResult is the output of a completed DemoRunWorkflow.
type DemoResult struct {
	Steps []string `json:"steps"`
}

// DefaultDemoInput walks three short steps.
func DefaultDemoInput() DemoInput {
	return DemoInput{Steps: []string{"fetch", "build", "publish"}, StepDuration: 2 * time.Second}
}

// DemoRunWorkflow steps through its input, answering the run_state query with
// the current step, so the Temporal source has something to stream.
func DemoRunWorkflow(ctx workflow.Context, in DemoInput) (DemoResult, error) {
	logger := workflow.GetLogger(ctx)
	state := runs.QueryState{}
	if err := workflow.SetQueryHandler(ctx, runs.StateQuery, func() (runs.QueryState, error) {
		return state, nil
	}); err != nil {
		return DemoResult{}, err
	}

	d := in.StepDuration
	if d <= 0 {
		d = time.Second
	}
	var done []string
	for _, step := range in.Steps {
		state.Step = step
		logger.Info("run step started", "step", step)
		if step == in.FailAt {
			return DemoResult{}, sdktemporal.NewNonRetryableApplicationError("step failed: "+step, "StepFailed", nil)
		}
		if err := workflow.Sleep(ctx, d); err != nil {
			return DemoResult{}, err
		}
		done = append(done, step)
	}
	return DemoResult{Steps: done}, nil
}
