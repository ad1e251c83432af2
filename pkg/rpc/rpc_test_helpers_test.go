package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// reply is what a fake node answers for one request. Status 0 means 200.
type reply struct {
	status int
	result any
	err    *Error
	raw    string
}

// fakeNode is a scripted JSON-RPC node that counts calls per method.
type fakeNode struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(method string, params json.RawMessage) reply
}

func newFakeNode(handle func(method string, params json.RawMessage) reply) *fakeNode {
	return &fakeNode{calls: map[string]int{}, handle: handle}
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.calls[req.Method]++
	n.mu.Unlock()

	rep := n.handle(req.Method, req.Params)
	if rep.status == 0 {
		rep.status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	if rep.raw != "" {
		_, _ = w.Write([]byte(rep.raw))
		return
	}
	body := map[string]any{"jsonrpc": "2.0", "id": "relayx"}
	if rep.err != nil {
		body["error"] = rep.err
	} else {
		body["result"] = rep.result
	}
	_ = json.NewEncoder(w).Encode(body)
}

func ok(result any) reply { return reply{result: result} }

func down() reply { return reply{status: http.StatusBadGateway, raw: "bad gateway"} }

func causeErr(cause string) *Error {
	return &Error{Name: "HANDLER_ERROR", Cause: &ErrorCause{Name: cause}, Code: -32000, Message: "Server error"}
}

// newTestClient routes primary.test and fallback.test to the given handlers.
// A nil fallback leaves the client single-endpoint.
func newTestClient(t *testing.T, primary, fallback http.Handler, opts Opts) (*Client, *fakeClock) {
	t.Helper()
	httpClient := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			h := primary
			if req.URL.Host == "fallback.test" {
				h = fallback
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			resp := rec.Result()
			if resp.Body == nil {
				resp.Body = http.NoBody
			}
			return resp, nil
		}),
		Timeout: 5 * time.Second,
	}

	opts.PrimaryURL = "http://primary.test"
	if fallback != nil {
		opts.FallbackURL = "http://fallback.test"
	}
	opts.HTTPClient = httpClient
	opts.RPS = 10_000
	opts.Logger = zaptest.NewLogger(t)

	c, err := New(opts)
	require.NoError(t, err)
	clock := newFakeClock()
	c.now = clock.Now
	c.breaker.now = clock.Now
	return c, clock
}
