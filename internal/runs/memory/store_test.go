package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstream/runstream-go/internal/runs"
)

func TestStore_ScriptAdvancesAndHolds(t *testing.T) {
	s := NewStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Script("r1",
		runs.Run{Status: runs.StatusQueued},
		runs.Run{Status: runs.StatusRunning, Step: "build"},
		runs.Run{Status: runs.StatusCompleted},
	)

	var got []runs.Status
	for range 5 {
		r, err := s.Get(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, "r1", r.RunID)
		assert.Equal(t, now, r.UpdatedAt)
		got = append(got, r.Status)
	}
	assert.Equal(t, []runs.Status{
		runs.StatusQueued, runs.StatusRunning, runs.StatusCompleted,
		runs.StatusCompleted, runs.StatusCompleted,
	}, got)
}

func TestStore_NotFound(t *testing.T) {
	s := NewStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

func TestStore_Put(t *testing.T) {
	s := NewStore()
	s.Put(runs.Run{RunID: "r2", Status: runs.StatusFailed, Error: "boom"})

	r, err := s.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, r.Status)
	assert.Equal(t, "boom", r.Error)
}

func TestSeedDemo_EndsCompleted(t *testing.T) {
	s := NewStore()
	SeedDemo(s, "demo")

	var last *runs.Run
	for range 10 {
		r, err := s.Get(context.Background(), "demo")
		require.NoError(t, err)
		last = r
	}
	assert.True(t, last.Status.IsFinal())
	assert.JSONEq(t, `{"artifacts":2}`, string(last.Output))
}
