// Package watch polls a run source and reports each change of a run until it
// reaches a terminal status. The dev server feeds it into SSE and WebSocket
// responses.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runstream/runstream-go/internal/runs"
)

// Event names written to streams.
const (
	EventUpdate = "update"
	EventResult = "result"
	EventError  = "error"
)

// Config controls polling behavior.
type Config struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		MaxDuration:  30 * time.Minute,
	}
}

// ErrMaxDuration is returned when a run is still not final after MaxDuration.
var ErrMaxDuration = errors.New("watch: max duration reached")

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// Poll reads runID from src every PollInterval and calls onChange with the
// first snapshot and every snapshot whose status or step changed. It returns
// nil after onChange has seen a terminal status or when ctx is cancelled.
// onTick, if non-nil, runs on polls that produced no change.
func Poll(ctx context.Context, src runs.Source, runID string, cfg Config, onChange func(*runs.Run) error, onTick func() error) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxDuration)
		defer cancel()
	}

	var last *runs.Run
	check := func() (bool, error) {
		r, err := src.Get(ctx, runID)
		if err != nil {
			return false, fmt.Errorf("watch %s: %w", runID, err)
		}
		if r.Changed(last) {
			if err := onChange(r); err != nil {
				return false, err
			}
			last = r
		} else if onTick != nil {
			if err := onTick(); err != nil {
				return false, err
			}
		}
		return r.Status.IsFinal(), nil
	}

	done, err := check()
	if err != nil || done {
		return err
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return stopped(ctx, cfg)
		case <-ticker.C:
			done, err := check()
			if err != nil {
				if ctx.Err() != nil {
					return stopped(ctx, cfg)
				}
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func stopped(ctx context.Context, cfg Config) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && cfg.MaxDuration > 0 {
		return ErrMaxDuration
	}
	return nil
}
