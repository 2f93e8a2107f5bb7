// Package memory is an in-process run Source driven by scripted state
// sequences. The dev server uses it in stub mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runstream/runstream-go/internal/runs"
)

type script struct {
	steps []runs.Run
	next  int
}

// Store serves scripted runs. Each Get advances a run one step through its
// script and then keeps returning the last step.
type Store struct {
	mu      sync.Mutex
	scripts map[string]*script

	// now is injectable for testing.
	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{scripts: make(map[string]*script), now: time.Now}
}

// Script replaces the step sequence for runID.
func (s *Store) Script(runID string, steps ...runs.Run) {
	cp := make([]runs.Run, len(steps))
	for i, st := range steps {
		st.RunID = runID
		cp[i] = st
	}
	s.mu.Lock()
	s.scripts[runID] = &script{steps: cp}
	s.mu.Unlock()
}

// Put sets runID to a single fixed state.
func (s *Store) Put(run runs.Run) {
	s.Script(run.RunID, run)
}

// Get returns the next scripted state of runID.
func (s *Store) Get(_ context.Context, runID string) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[runID]
	if !ok || len(sc.steps) == 0 {
		return nil, fmt.Errorf("memory: %s: %w", runID, runs.ErrNotFound)
	}
	r := sc.steps[sc.next]
	if sc.next < len(sc.steps)-1 {
		sc.next++
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now().UTC()
	}
	return &r, nil
}

// SeedDemo scripts a run that queues, works through two steps and completes.
func SeedDemo(s *Store, runID string) {
	s.Script(runID,
		runs.Run{Status: runs.StatusQueued},
		runs.Run{Status: runs.StatusRunning, Step: "fetch"},
		runs.Run{Status: runs.StatusRunning, Step: "fetch"},
		runs.Run{Status: runs.StatusRunning, Step: "build"},
		runs.Run{Status: runs.StatusCompleted, Step: "build", Output: []byte(`{"artifacts":2}`)},
	)
}
