package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/runstream/runstream-go/internal/stream"
)

// flight is one shared collect-first connection. It runs on a context
// detached from its callers and is cancelled when the last one leaves.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// coalesceKey identifies calls that may share a connection: same target,
// same body, same headers (including the resolved credential), same transport
// and event filter.
func coalesceKey(req *stream.Request, cfg callConfig) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.URL))
	h.Write([]byte{0})
	h.Write(req.Body)
	h.Write([]byte{0})
	// Every header takes part, credentials and per-call headers alike, so
	// calls that could be answered differently never share a connection.
	keys := slices.Sorted(maps.Keys(req.Header))
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{':'})
		for _, v := range req.Header[k] {
			h.Write([]byte(v))
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	events := slices.Clone(cfg.events)
	slices.Sort(events)
	h.Write([]byte(strings.Join(events, ",")))
	if cfg.websocket {
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// collectShared joins or starts the flight for req. It returns nil, nil when
// ctx or the client is cancelled.
func (c *Client) collectShared(ctx context.Context, path string, req *stream.Request, cfg callConfig) (json.RawMessage, error) {
	key := coalesceKey(req, cfg)
	d := c.dispatcher(cfg)
	for {
		c.mu.Lock()
		f, ok := c.flights[key]
		if ok {
			c.metrics.RecordCoalesced(ctx, path)
		} else {
			fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			f = &flight{ctx: fctx, cancel: cancel}
			c.flights[key] = f
		}
		f.refs++
		ch := c.group.DoChan(key, func() (any, error) {
			defer c.finish(key, f)
			return stream.CollectOne[json.RawMessage](f.ctx, d, req, cfg.streamOpts...)
		})
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.release(key, f)
			return nil, nil
		case res := <-ch:
			c.release(key, f)
			if res.Err != nil {
				return nil, res.Err
			}
			raw, _ := res.Val.(json.RawMessage)
			if raw != nil {
				return raw, nil
			}
			// The shared call was cancelled: either this caller or the client
			// is done, or every other waiter left just before we joined.
			if ctx.Err() != nil || c.closed() {
				return nil, nil
			}
			c.logger.Debug("shared collect cancelled, retrying", "path", path)
		}
	}
}

// release drops one reference and cancels the flight when none remain.
func (c *Client) release(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

// finish runs when the shared call returns.
func (c *Client) finish(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}
