// Package ratelimit provides the token-bucket limiter applied before opening
// streams and the per-tenant stream budget enforced by the dev server.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// OpenRates configures stream-open rates (opens per second) by path prefix.
// The longest matching prefix applies; paths with no match are unlimited.
type OpenRates map[string]float64

// DefaultOpenRates returns a single conservative limit for every path.
func DefaultOpenRates(perSecond float64) OpenRates {
	if perSecond <= 0 {
		return nil
	}
	return OpenRates{"/": perSecond}
}

// OpenLimiter rate-limits stream opens per path prefix using token buckets.
type OpenLimiter struct {
	mu       sync.RWMutex
	prefixes []string
	limiters map[string]*rate.Limiter
}

// NewOpenLimiter creates a limiter with the given per-prefix rates.
func NewOpenLimiter(rates OpenRates) *OpenLimiter {
	ol := &OpenLimiter{limiters: make(map[string]*rate.Limiter, len(rates))}
	for prefix, r := range rates {
		if r <= 0 {
			continue
		}
		burst := int(r)
		if burst < 1 {
			burst = 1
		}
		ol.limiters[prefix] = rate.NewLimiter(rate.Limit(r), burst)
		ol.prefixes = append(ol.prefixes, prefix)
	}
	sort.Slice(ol.prefixes, func(i, j int) bool { return len(ol.prefixes[i]) > len(ol.prefixes[j]) })
	return ol
}

func (ol *OpenLimiter) match(path string) (string, *rate.Limiter) {
	ol.mu.RLock()
	defer ol.mu.RUnlock()
	for _, p := range ol.prefixes {
		if strings.HasPrefix(path, p) {
			return p, ol.limiters[p]
		}
	}
	return "", nil
}

// Wait blocks until an open is allowed for path, or ctx is done. Unlike
// rate.Limiter.Wait it does not fail early when the delay would outlast the
// ctx deadline: it waits for the deadline, so the error is always ctx.Err().
func (ol *OpenLimiter) Wait(ctx context.Context, path string) error {
	if ol == nil {
		return nil
	}
	prefix, limiter := ol.match(path)
	if limiter == nil {
		return nil // unmatched path = no limit
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit %s: %w", prefix, err)
	}
	r := limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate limit %s: burst exceeded", prefix)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limit %s: %w", prefix, ctx.Err())
	}
}
