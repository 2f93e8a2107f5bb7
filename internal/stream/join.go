package stream

import (
	"context"
	"sync"
	"time"
)

// Join returns a context that is done as soon as parent or any of others is
// done. Cancellation causes propagate from whichever source fired first. The
// returned cancel must be called to release the watchers; its cause is
// recorded when it fires first.
func Join(parent context.Context, others ...context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stops := make([]func() bool, 0, len(others))
	for _, other := range others {
		if other == nil {
			continue
		}
		o := other
		stops = append(stops, context.AfterFunc(o, func() {
			cancel(context.Cause(o))
		}))
	}
	var once sync.Once
	return ctx, func(cause error) {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
		})
		cancel(cause)
	}
}

// idleTimer cancels with ErrIdleTimeout when not reset within d.
type idleTimer struct {
	timer *time.Timer
	d     time.Duration
}

func newIdleTimer(d time.Duration, cancel context.CancelCauseFunc) *idleTimer {
	if d <= 0 {
		return nil
	}
	return &idleTimer{
		d:     d,
		timer: time.AfterFunc(d, func() { cancel(ErrIdleTimeout) }),
	}
}

func (t *idleTimer) reset() {
	if t != nil {
		t.timer.Reset(t.d)
	}
}

func (t *idleTimer) stop() {
	if t != nil {
		t.timer.Stop()
	}
}
