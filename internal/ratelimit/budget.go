package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned when a tenant has used its stream budget.
var ErrBudgetExceeded = errors.New("stream budget exceeded")

// StreamBudget caps how many streams each tenant may open per time window.
type StreamBudget struct {
	mu     sync.Mutex
	counts map[string]*windowCounter

	maxPerWindow int
	windowSize   time.Duration
	now          func() time.Time
}

type windowCounter struct {
	count     int
	windowEnd time.Time
}

// NewStreamBudget creates a budget limiter.
// maxPerWindow limits opens per (tenantID, route) within windowSize.
func NewStreamBudget(maxPerWindow int, windowSize time.Duration) *StreamBudget {
	return &StreamBudget{
		counts:       make(map[string]*windowCounter),
		maxPerWindow: maxPerWindow,
		windowSize:   windowSize,
		now:          time.Now,
	}
}

func budgetKey(tenantID, route string) string {
	return tenantID + "|" + route
}

// Allow records an open for the tenant and reports an error wrapping
// ErrBudgetExceeded if it would exceed the window's budget. A non-positive
// budget never limits.
func (b *StreamBudget) Allow(tenantID, route string) error {
	if b == nil || b.maxPerWindow <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := budgetKey(tenantID, route)
	now := b.now()
	wc, ok := b.counts[key]
	if !ok || now.After(wc.windowEnd) {
		b.counts[key] = &windowCounter{count: 1, windowEnd: now.Add(b.windowSize)}
		return nil
	}
	if wc.count >= b.maxPerWindow {
		return fmt.Errorf("%w: tenant %s route %s (%d/%d in window)",
			ErrBudgetExceeded, tenantID, route, wc.count, b.maxPerWindow)
	}
	wc.count++
	return nil
}

// Remaining returns how many opens the tenant has left in the current window,
// or -1 when the budget does not limit.
func (b *StreamBudget) Remaining(tenantID, route string) int {
	if b == nil || b.maxPerWindow <= 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	wc, ok := b.counts[budgetKey(tenantID, route)]
	if !ok || b.now().After(wc.windowEnd) {
		return b.maxPerWindow
	}
	return max(b.maxPerWindow-wc.count, 0)
}
