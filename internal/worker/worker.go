// Package worker implements the request cache worker: a versioned,
// per-resource-class HTTP cache with an install/activate lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crmshield/internal/cachestore"
)

var tracer = otel.Tracer("crmshield/internal/worker")

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Worker is one version of the cache worker. Its generation is opened on
// install and kept for the worker's lifetime.
type Worker struct {
	id      string
	opts    Options
	router  *Router
	store   cachestore.Store
	network Network

	log      zerolog.Logger
	cacheLog *rateLimitedLogger
	metrics  *Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       State
	cache       cachestore.Cache
	skipWaiting bool

	// writeMu is held for reading across every cache write. closeWrites
	// takes it exclusively, so once it returns no write is in flight.
	writeMu      sync.RWMutex
	writesClosed bool

	bgSem chan struct{}
	wg    sync.WaitGroup
}

type Option func(*Worker)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) { w.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock replaces time.Now for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(opts Options, store cachestore.Store, network Network, options ...Option) *Worker {
	if opts.BackgroundConcurrency <= 0 {
		opts.BackgroundConcurrency = 32
	}
	w := &Worker{
		id:      uuid.NewString(),
		opts:    opts,
		router:  NewRouter(opts),
		store:   store,
		network: network,
		log:     zerolog.Nop(),
		now:     time.Now,
		bgSem:   make(chan struct{}, opts.BackgroundConcurrency),
	}
	for _, o := range options {
		o(w)
	}
	w.log = w.log.With().
		Str("component", "worker").
		Str("worker_id", w.id).
		Str("cache", opts.CacheName()).
		Logger()
	w.cacheLog = newRateLimitedLogger(w.log, time.Minute)
	return w
}

func (w *Worker) ID() string        { return w.id }
func (w *Worker) CacheName() string { return w.opts.CacheName() }
func (w *Worker) Version() int      { return w.opts.Version }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.metrics.observeState(s)
	w.log.Debug().Str("state", s.String()).Msg("worker state changed")
}

func (w *Worker) currentCache() cachestore.Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache
}

// SkipWaiting lets the worker activate without waiting for the previous
// worker to be released.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

func (w *Worker) SkipsWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// Install opens the generation and precaches the static assets. On success
// the worker skips waiting. On failure the worker still reaches the installed
// state but waits for an explicit skipWaiting.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info().Int("version", w.opts.Version).Msg("Installing worker")

	c, err := w.store.Open(ctx, w.opts.CacheName())
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("open cache %s: %w", w.opts.CacheName(), err)
	}
	w.mu.Lock()
	w.cache = c
	w.mu.Unlock()

	w.log.Info().Int("assets", len(w.opts.StaticAssets)).Msg("Caching static assets")
	if err := w.precache(ctx, c); err != nil {
		w.setState(StateInstalled)
		return err
	}

	w.log.Info().Msg("Skipping waiting")
	w.SkipWaiting()
	w.setState(StateInstalled)
	return nil
}

// precache stores every cacheable static asset or none of them.
func (w *Worker) precache(ctx context.Context, c cachestore.Cache) error {
	type fetched struct {
		key string
		ent cachestore.Entry
	}
	all := make([]fetched, 0, len(w.opts.StaticAssets))
	for _, p := range w.opts.StaticAssets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		ent, err := w.network.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if !ent.OK() {
			return fmt.Errorf("precache %s: unexpected status %d", p, ent.Status)
		}
		if !storable(ent.Header, false) {
			w.log.Warn().Str("path", p).Msg("Static asset is not cacheable, skipping")
			continue
		}
		ent = storedCopy(ent)
		if ent.StoredAt == 0 {
			ent.StoredAt = w.now().Unix()
		}
		all = append(all, fetched{key: RequestKey(req), ent: ent})
	}
	for _, f := range all {
		if err := c.Put(ctx, f.key, f.ent); err != nil {
			return fmt.Errorf("precache %s: %w", f.key, err)
		}
	}
	return nil
}

// Activate deletes every generation that shares the worker prefix except the
// worker's own. Deletion errors are returned but do not stop activation.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	w.log.Info().Int("version", w.opts.Version).Msg("Activating worker")

	current := w.opts.CacheName()
	names, err := w.store.Names(ctx)
	if err != nil {
		w.setState(StateActivated)
		return fmt.Errorf("list caches: %w", err)
	}

	var errs []error
	for _, name := range names {
		if !strings.HasPrefix(name, w.opts.CachePrefix) || name == current {
			continue
		}
		w.log.Info().Str("old_cache", name).Msg("Deleting old cache")
		if _, err := w.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
		}
	}
	w.setState(StateActivated)
	return errors.Join(errs...)
}

// HandleMessage applies a message addressed to this worker. skipWaiting is
// normally routed through the Registration, which also promotes the worker.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	w.metrics.observeMessage(msg.Type)
	switch msg.Type {
	case MsgSkipWaiting:
		w.SkipWaiting()
		return nil
	case MsgClearCache:
		if _, err := w.store.Delete(ctx, w.opts.CacheName()); err != nil {
			return fmt.Errorf("clear cache %s: %w", w.opts.CacheName(), err)
		}
		w.log.Info().Msg("Cache cleared")
		return nil
	case MsgRevalidate:
		w.log.Debug().Msg("revalidate hint received, ignoring")
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Fetch answers r if the worker intercepts it. ok is false when the request
// must go straight to the network.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (res Result, ok bool) {
	route := w.router.Classify(r)
	if !route.Intercepted() {
		return Result{Route: route}, false
	}

	ctx, span := tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("http.url", r.URL.RequestURI()),
		attribute.String("cache.class", string(route.Class)),
		attribute.String("cache.policy", route.Policy.String()),
	))
	defer span.End()

	if route.Policy == PolicyNavigate {
		res = w.navigate(ctx, r, route)
	} else {
		res = w.serve(ctx, r, route)
	}
	span.SetAttributes(
		attribute.String("cache.outcome", string(res.Outcome)),
		attribute.Int("http.status_code", res.Entry.Status),
	)
	w.metrics.observeRequest(route, res.Outcome)
	return res, true
}

// CachedKeys lists the keys in the worker's generation.
func (w *Worker) CachedKeys(ctx context.Context) ([]string, error) {
	c := w.currentCache()
	if c == nil {
		return nil, nil
	}
	return c.Keys(ctx)
}

// Wait blocks until background revalidations finish.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// closeWrites stops the worker from writing to its generation. Reads keep
// working so the worker can serve until it loses control.
func (w *Worker) closeWrites() {
	w.writeMu.Lock()
	w.writesClosed = true
	w.writeMu.Unlock()
}

func (w *Worker) retire() {
	w.closeWrites()
	w.setState(StateRedundant)
}
