package credentials

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachingTokenSource reuses a token from an underlying source until shortly
// before it expires. Concurrent callers share a single refresh.
type CachingTokenSource struct {
	src TokenSource

	mu     sync.RWMutex
	cached *Token
	group  singleflight.Group

	// refreshBefore is how far ahead of expiry to refresh (default 1m).
	refreshBefore time.Duration

	// now is injectable for testing.
	now func() time.Time
}

// NewCachingTokenSource wraps src. A non-positive refreshBefore uses one minute.
func NewCachingTokenSource(src TokenSource, refreshBefore time.Duration) *CachingTokenSource {
	if refreshBefore <= 0 {
		refreshBefore = time.Minute
	}
	return &CachingTokenSource{src: src, refreshBefore: refreshBefore, now: time.Now}
}

func (c *CachingTokenSource) fresh(t *Token) bool {
	if t == nil {
		return false
	}
	return t.ExpiresAt.IsZero() || c.now().Before(t.ExpiresAt.Add(-c.refreshBefore))
}

// Token returns the cached token or fetches a new one.
func (c *CachingTokenSource) Token(ctx context.Context) (Token, error) {
	c.mu.RLock()
	if t := c.cached; c.fresh(t) {
		tok := *t
		c.mu.RUnlock()
		return tok, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		c.mu.RLock()
		if t := c.cached; c.fresh(t) {
			tok := *t
			c.mu.RUnlock()
			return tok, nil
		}
		c.mu.RUnlock()

		// The refresh outlives any single caller that joins it.
		tok, err := c.src.Token(context.WithoutCancel(ctx))
		if err != nil {
			return Token{}, err
		}
		c.mu.Lock()
		c.cached = &tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *CachingTokenSource) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
