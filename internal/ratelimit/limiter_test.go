package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLimiter_Wait(t *testing.T) {
	ol := NewOpenLimiter(OpenRates{"/api/v1/runs": 100})

	// Should not block at high rate.
	err := ol.Wait(context.Background(), "/api/v1/runs/stream")
	require.NoError(t, err)
}

func TestOpenLimiter_UnmatchedPath(t *testing.T) {
	ol := NewOpenLimiter(OpenRates{"/api/v1/runs": 0.001})

	// Unmatched paths pass through.
	for range 3 {
		assert.NoError(t, ol.Wait(context.Background(), "/api/v1/health"))
	}
}

func TestOpenLimiter_LongestPrefixWins(t *testing.T) {
	ol := NewOpenLimiter(OpenRates{"/": 1000, "/api/v1/runs/wait": 0.001})

	prefix, _ := ol.match("/api/v1/runs/wait")
	assert.Equal(t, "/api/v1/runs/wait", prefix)
	prefix, _ = ol.match("/api/v1/runs/stream")
	assert.Equal(t, "/", prefix)
}

func TestOpenLimiter_CancelledContext(t *testing.T) {
	// Create a very restrictive limiter.
	ol := NewOpenLimiter(OpenRates{"/": 0.001})

	// Consume the burst.
	_ = ol.Wait(context.Background(), "/runs")

	// Next call with cancelled context should error.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ol.Wait(ctx, "/runs")
	assert.Error(t, err)
}

func TestOpenLimiter_DeadlineWaitsInsteadOfFailingEarly(t *testing.T) {
	ol := NewOpenLimiter(OpenRates{"/": 0.1})
	require.NoError(t, ol.Wait(context.Background(), "/runs"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ol.Wait(ctx, "/runs")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Error(t, ctx.Err(), "Wait must not return before the deadline")
}

func TestOpenLimiter_Nil(t *testing.T) {
	var ol *OpenLimiter
	assert.NoError(t, ol.Wait(context.Background(), "/runs"))
	assert.Nil(t, DefaultOpenRates(0))
	assert.Equal(t, OpenRates{"/": 2}, DefaultOpenRates(2))
}
