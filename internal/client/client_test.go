package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/credentials"
	"github.com/runstream/runstream-go/internal/ratelimit"
	"github.com/runstream/runstream-go/internal/sse"
	"github.com/runstream/runstream-go/internal/stream"
)

type update struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type seenRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// testServer records each request and hands the SSE writer to fn.
func testServer(t *testing.T, fn func(w *sse.Writer, r *http.Request)) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []seenRequest
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, seenRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		mu.Unlock()
		sw, err := sse.NewWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fn(sw, r)
	}))
	t.Cleanup(ts.Close)
	return ts, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func updates(w *sse.Writer, statuses ...string) {
	for _, s := range statuses {
		data, _ := json.Marshal(update{RunID: "run-1", Status: s})
		_ = w.Write(sse.Frame{Event: "update", Data: data})
	}
}

func newClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(baseURL, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("not a url")
	assert.Error(t, err)
	_, err = New("http://localhost:8080")
	assert.NoError(t, err)
}

func TestSubscribe_RunUpdatesUntilCompleted(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, r *http.Request) {
		updates(w, "queued", "running", "completed")
		// A fourth frame after a pause must never be delivered.
		time.Sleep(100 * time.Millisecond)
		updates(w, "archived")
	})
	c := newClient(t, ts.URL, WithAPIKey("key-1"), WithClientName("tests"))

	var statuses []string
	err := PostStreamingSubscribe(t.Context(), c, "/api/v1/runs/stream", map[string]string{"run_id": "run-1"},
		func(_ context.Context, u update, event string) (bool, error) {
			assert.Equal(t, "update", event)
			statuses = append(statuses, u.Status)
			return u.Status == "completed", nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"queued", "running", "completed"}, statuses)

	reqs := seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/v1/runs/stream", reqs[0].Path)
	assert.JSONEq(t, `{"run_id":"run-1"}`, reqs[0].Body)
	assert.Equal(t, "text/event-stream", reqs[0].Header.Get("Accept"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "tests", reqs[0].Header.Get(HeaderClientName))
	assert.Equal(t, "key-1", reqs[0].Header.Get(credentials.HeaderAPIKey))
	assert.Empty(t, reqs[0].Header.Get(credentials.HeaderAuthorization))
}

func TestCredentialPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		call       []CallOption
		wantAuth   string
		wantAPIKey string
	}{
		{
			name:       "api key",
			opts:       []Option{WithAPIKey("key-1")},
			wantAPIKey: "key-1",
		},
		{
			name:     "token source wins",
			opts:     []Option{WithAPIKey("key-1"), WithTokenSource(credentials.Static("tok-1"))},
			wantAuth: "Bearer tok-1",
		},
		{
			name:       "per-call override",
			opts:       []Option{WithTokenSource(credentials.Static("tok-1"))},
			call:       []CallOption{WithCredentials(credentials.Credentials{APIKey: "key-2"})},
			wantAPIKey: "key-2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
				updates(w, "completed")
			})
			c := newClient(t, ts.URL, tt.opts...)

			_, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil, tt.call...)
			require.NoError(t, err)

			reqs := seen()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantAuth, reqs[0].Header.Get(credentials.HeaderAuthorization))
			assert.Equal(t, tt.wantAPIKey, reqs[0].Header.Get(credentials.HeaderAPIKey))
		})
	}
}

func TestCollectFirst(t *testing.T) {
	ts, _ := testServer(t, func(w *sse.Writer, _ *http.Request) {
		_ = w.Write(sse.Frame{Event: "result", Data: []byte(" ")})
		updates(w, "completed", "ignored")
	})
	c := newClient(t, ts.URL)

	got, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", map[string]string{"run_id": "run-1"})
	require.NoError(t, err)
	assert.Equal(t, update{RunID: "run-1", Status: "completed"}, got)
}

func TestCollectFirst_BaseURLPath(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		updates(w, "completed")
	})
	c := newClient(t, ts.URL+"/prefix/")

	_, err := PostStreamingCollectFirst[update](t.Context(), c, "runs/wait", nil)
	require.NoError(t, err)
	assert.Equal(t, "/prefix/runs/wait", seen()[0].Path)
}

func TestCollectFirst_DecodeIntoWrongType(t *testing.T) {
	ts, _ := testServer(t, func(w *sse.Writer, _ *http.Request) {
		_ = w.Write(sse.Frame{Data: []byte(`"a string"`)})
	})
	c := newClient(t, ts.URL)

	_, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	assert.True(t, stream.IsKind(err, stream.KindDecode))
}

func TestCollectFirst_Coalesces(t *testing.T) {
	release := make(chan struct{})
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		<-release
		updates(w, "completed")
	})
	c := newClient(t, ts.URL, WithAPIKey("key-1"))
	body := map[string]string{"run_id": "run-1"}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]update, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = PostStreamingCollectFirst[update](context.Background(), c, "/runs/wait", body)
		}()
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, f := range c.flights {
			return f.refs == callers
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "completed", results[i].Status)
	}
	assert.Len(t, seen(), 1)
}

func TestCollectFirst_CoalescedWaiterCancelDoesNotAffectOthers(t *testing.T) {
	release := make(chan struct{})
	ts, _ := testServer(t, func(w *sse.Writer, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		updates(w, "completed")
	})
	c := newClient(t, ts.URL)

	leaving, leave := context.WithCancel(context.Background())
	leftErr := make(chan error, 1)
	go func() {
		got, err := PostStreamingCollectFirst[update](leaving, c, "/runs/wait", nil)
		assert.Zero(t, got)
		leftErr <- err
	}()

	stayed := make(chan update, 1)
	go func() {
		got, err := PostStreamingCollectFirst[update](context.Background(), c, "/runs/wait", nil)
		assert.NoError(t, err)
		stayed <- got
	}()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, f := range c.flights {
			return f.refs == 2
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	leave()
	require.NoError(t, <-leftErr)
	close(release)

	select {
	case got := <-stayed:
		assert.Equal(t, "completed", got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("remaining waiter never resolved")
	}
}

func TestCollectFirst_DifferentCredentialsDoNotShare(t *testing.T) {
	req := func(key string) callConfig {
		return newCallConfig([]CallOption{WithCredentials(credentials.Credentials{APIKey: key})})
	}
	c := newClient(t, "http://localhost")
	a, err := c.newRequest(t.Context(), "/runs/wait", nil, req("a"))
	require.NoError(t, err)
	b, err := c.newRequest(t.Context(), "/runs/wait", nil, req("b"))
	require.NoError(t, err)

	assert.NotEqual(t, coalesceKey(a, req("a")), coalesceKey(b, req("b")))
	assert.Equal(t, coalesceKey(a, req("a")), coalesceKey(a, req("a")))
}

func TestCollectFirst_DifferentHeadersDoNotShare(t *testing.T) {
	release := make(chan struct{})
	ts, seen := testServer(t, func(w *sse.Writer, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		data, _ := json.Marshal(update{RunID: "tenant-" + r.Header.Get("X-Tenant"), Status: "completed"})
		_ = w.Write(sse.Frame{Event: "update", Data: data})
	})
	c := newClient(t, ts.URL, WithAPIKey("key-1"))
	body := map[string]string{"run_id": "run-1"}

	tenants := []string{"a", "b"}
	results := make([]update, len(tenants))
	errs := make([]error, len(tenants))
	var wg sync.WaitGroup
	for i, tenant := range tenants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = PostStreamingCollectFirst[update](context.Background(), c, "/runs/wait", body,
				WithHeader("X-Tenant", tenant))
		}()
	}

	require.Eventually(t, func() bool { return len(seen()) == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i, tenant := range tenants {
		require.NoError(t, errs[i])
		assert.Equal(t, "tenant-"+tenant, results[i].RunID)
	}
}

func TestPreCancelledMakesNoRequest(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		updates(w, "completed")
	})
	c := newClient(t, ts.URL)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	got, err := PostStreamingCollectFirst[update](ctx, c, "/runs/wait", nil)
	require.NoError(t, err)
	assert.Zero(t, got)

	err = PostStreamingSubscribe(ctx, c, "/runs/stream", nil, func(context.Context, update, string) (bool, error) {
		t.Fatal("handler must not run")
		return false, nil
	})
	require.NoError(t, err)
	assert.Empty(t, seen())
}

func TestClose_ResolvesOpenStreams(t *testing.T) {
	ts, _ := testServer(t, func(w *sse.Writer, r *http.Request) {
		updates(w, "running")
		<-r.Context().Done()
	})
	c := newClient(t, ts.URL)

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- PostStreamingSubscribe(context.Background(), c, "/runs/stream", nil,
			func(context.Context, update, string) (bool, error) {
				calls.Add(1)
				return false, nil
			})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after Close")
	}

	got, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	assert.NoError(t, err)
	assert.Zero(t, got)
}

func TestOpenLimiter_CancelWhileWaitingResolves(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		updates(w, "completed")
	})
	limiter := ratelimit.NewOpenLimiter(ratelimit.OpenRates{"/runs": 0.001})
	c := newClient(t, ts.URL, WithOpenLimiter(limiter), WithoutCoalescing())

	_, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	got, err := PostStreamingCollectFirst[update](ctx, c, "/runs/wait", nil)
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Error(t, ctx.Err())
	assert.Len(t, seen(), 1)
}

func TestTokenSourceFailure(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		updates(w, "completed")
	})
	failing := credentials.TokenFunc(func(context.Context) (credentials.Token, error) {
		return credentials.Token{}, assert.AnError
	})
	c := newClient(t, ts.URL, WithTokenSource(failing), WithAPIKey("key-1"))

	_, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.True(t, stream.IsKind(err, stream.KindConnection))
	assert.Empty(t, seen())
}

func TestNewFromConfig(t *testing.T) {
	ts, seen := testServer(t, func(w *sse.Writer, _ *http.Request) {
		updates(w, "completed")
	})
	cfg := config.Config{
		BaseURL:     ts.URL,
		APIKey:      "key-1",
		ClientName:  "from-config",
		IdleTimeout: time.Second,
		OpenRate:    100,
	}
	c, err := NewFromConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NotNil(t, c.limiter)

	_, err = PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	require.NoError(t, err)

	h := seen()[0].Header
	assert.Equal(t, "key-1", h.Get(credentials.HeaderAPIKey))
	assert.Equal(t, "from-config", h.Get(HeaderClientName))
}

func TestConnectTimeout_HeadersNeverSent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	c := newClient(t, ts.URL, WithConnectTimeout(50*time.Millisecond), WithoutCoalescing())

	start := time.Now()
	_, err := PostStreamingCollectFirst[update](t.Context(), c, "/runs/wait", nil)
	require.Error(t, err)
	assert.True(t, stream.IsKind(err, stream.KindConnection))
	assert.Less(t, time.Since(start), 5*time.Second)
}
