// Package temporal reads run state from Temporal workflow executions. A run
// ID is a workflow ID; the latest execution of that workflow is used.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"github.com/runstream/runstream-go/internal/runs"
)

// WorkflowClient is the subset of client.Client the source needs.
type WorkflowClient interface {
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
	GetWorkflow(ctx context.Context, workflowID, runID string) client.WorkflowRun
}

var _ WorkflowClient = client.Client(nil)

// Source implements runs.Source using a Temporal client.
type Source struct {
	client WorkflowClient
	logger *slog.Logger
}

// New creates a Source.
func New(c WorkflowClient, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{client: c, logger: logger}
}

// Get describes the workflow and maps it to a run. Running workflows are
// asked for their current step; completed ones have their result attached.
func (s *Source) Get(ctx context.Context, runID string) (*runs.Run, error) {
	desc, err := s.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("temporal: %s: %w", runID, runs.ErrNotFound)
		}
		return nil, fmt.Errorf("describe workflow: %w", err)
	}

	info := desc.GetWorkflowExecutionInfo()
	r := &runs.Run{
		RunID:     runID,
		Status:    mapStatus(info.GetStatus()),
		UpdatedAt: time.Now().UTC(),
	}
	if ct := info.GetCloseTime(); ct != nil {
		r.UpdatedAt = ct.AsTime()
	}

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		resp, err := s.client.QueryWorkflow(ctx, runID, "", runs.StateQuery)
		if err != nil {
			// Workflows without the query handler still stream status changes.
			s.logger.Debug("run state query failed", "run_id", runID, "error", err)
			return r, nil
		}
		var st runs.QueryState
		if err := resp.Get(&st); err != nil {
			return nil, fmt.Errorf("decode run state: %w", err)
		}
		r.Step = st.Step
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		var out json.RawMessage
		if err := s.client.GetWorkflow(ctx, runID, "").Get(ctx, &out); err != nil {
			return nil, fmt.Errorf("get workflow result: %w", err)
		}
		r.Output = out
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		if err := s.client.GetWorkflow(ctx, runID, "").Get(ctx, nil); err != nil {
			r.Error = err.Error()
		}
	}
	return r, nil
}

func mapStatus(s enumspb.WorkflowExecutionStatus) runs.Status {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return runs.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return runs.StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return runs.StatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return runs.StatusCancelled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return runs.StatusTimedOut
	default:
		return runs.StatusQueued
	}
}
