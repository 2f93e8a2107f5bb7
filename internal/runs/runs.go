// Package runs defines the run-status model streamed by the dev server and
// the sources it reads run state from.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle position of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsFinal reports whether no further updates follow s.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by a Source for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Run is one snapshot of a run.
type Run struct {
	RunID     string          `json:"run_id"`
	Status    Status          `json:"status"`
	Step      string          `json:"step,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Changed reports whether r differs from prev in a way worth streaming.
func (r *Run) Changed(prev *Run) bool {
	if prev == nil {
		return true
	}
	return r.Status != prev.Status || r.Step != prev.Step
}

// Source reads the current state of a run.
type Source interface {
	Get(ctx context.Context, runID string) (*Run, error)
}

// StateQuery is the workflow query name a running workflow may answer with
// a QueryState describing its current step.
const StateQuery = "run_state"

// QueryState is the result of the StateQuery workflow query.
type QueryState struct {
	Step string `json:"step"`
}
