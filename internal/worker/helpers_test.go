package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crmshield/internal/cachestore"
)

var errConnRefused = errors.New("dial tcp: connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

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

// spyNetwork answers every request with "<path> #<n>" where n counts calls
// for that path, dated by the shared clock.
type spyNetwork struct {
	clock *fakeClock

	offline atomic.Bool
	noDate  atomic.Bool

	mu     sync.Mutex
	calls  map[string]int
	failOn map[string]bool
	status map[string]int
}

func newSpyNetwork(clock *fakeClock) *spyNetwork {
	return &spyNetwork{
		clock:  clock,
		calls:  map[string]int{},
		failOn: map[string]bool{},
		status: map[string]int{},
	}
}

func (n *spyNetwork) Fetch(_ context.Context, r *http.Request) (cachestore.Entry, error) {
	n.mu.Lock()
	n.calls[r.URL.Path]++
	count := n.calls[r.URL.Path]
	fail := n.failOn[r.URL.Path]
	status := n.status[r.URL.Path]
	n.mu.Unlock()

	if fail || n.offline.Load() {
		return cachestore.Entry{}, errConnRefused
	}
	if status == 0 {
		status = http.StatusOK
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	if !n.noDate.Load() {
		h.Set("Date", n.clock.Now().Format(http.TimeFormat))
	}
	return cachestore.Entry{
		Status: status,
		Header: h,
		Body:   []byte(fmt.Sprintf("%s #%d", r.URL.Path, count)),
	}, nil
}

func (n *spyNetwork) Calls(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *spyNetwork) FailOn(path string) {
	n.mu.Lock()
	n.failOn[path] = true
	n.mu.Unlock()
}

func (n *spyNetwork) SetStatus(path string, status int) {
	n.mu.Lock()
	n.status[path] = status
	n.mu.Unlock()
}

type testEnv struct {
	clock   *fakeClock
	network *spyNetwork
	store   *cachestore.MemoryStore
	metrics *Metrics
}

func newTestEnv() *testEnv {
	clock := newFakeClock()
	return &testEnv{
		clock:   clock,
		network: newSpyNetwork(clock),
		store:   cachestore.NewMemoryStore(),
		metrics: NewMetrics("crmshield"),
	}
}

func (e *testEnv) newWorker(opts Options) *Worker {
	return New(opts, e.store, e.network, WithClock(e.clock.Now), WithMetrics(e.metrics))
}

func (e *testEnv) installed(t *testing.T, opts Options) *Worker {
	t.Helper()
	w := e.newWorker(opts)
	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate(context.Background()))
	return w
}

func getRequest(path string, headers ...string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}
