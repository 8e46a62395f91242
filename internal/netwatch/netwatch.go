// Package netwatch tracks whether the origin is reachable and tells the cache
// worker when connectivity comes back.
package netwatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crmshield/internal/worker"
)

const (
	offlineNotice = "You are offline. Some features may be limited."
	onlineNotice  = "You are back online!"
)

// Messenger delivers host messages to the worker. *worker.Registration
// implements it.
type Messenger interface {
	PostMessage(ctx context.Context, msg worker.Message) error
}

// Status is the payload of an offline-status change.
type Status struct {
	Offline bool      `json:"isOffline"`
	At      time.Time `json:"at"`
}

type Options struct {
	// ProbeURL is requested with HEAD. Any HTTP answer counts as online.
	ProbeURL string
	Every    time.Duration
	Timeout  time.Duration
}

type Watcher struct {
	opts      Options
	client    *http.Client
	messenger Messenger
	log       zerolog.Logger

	mu      sync.Mutex
	known   bool
	offline bool

	subsMu sync.Mutex
	subs   map[int]func(Status)
	nextID int
}

func New(opts Options, messenger Messenger, logger zerolog.Logger) *Watcher {
	if opts.Every <= 0 {
		opts.Every = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Watcher{
		opts:      opts,
		client:    &http.Client{Timeout: opts.Timeout},
		messenger: messenger,
		log:       logger.With().Str("component", "netwatch").Logger(),
		subs:      map[int]func(Status){},
	}
}

// Subscribe registers fn for offline-status changes and returns a function
// that removes it.
func (w *Watcher) Subscribe(fn func(Status)) func() {
	w.subsMu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.subsMu.Unlock()
	return func() {
		w.subsMu.Lock()
		delete(w.subs, id)
		w.subsMu.Unlock()
	}
}

// Offline reports the last observed state. It is false before the first
// probe.
func (w *Watcher) Offline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offline
}

// Run probes once immediately and then every Options.Every until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Probe(ctx)
	t := time.NewTicker(w.opts.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Probe(ctx)
		}
	}
}

// Probe checks the origin once and reports the result as Observe would.
func (w *Watcher) Probe(ctx context.Context) bool {
	offline := !w.reachable(ctx)
	if ctx.Err() != nil {
		return w.Offline()
	}
	w.Observe(ctx, offline)
	return offline
}

func (w *Watcher) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.opts.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Debug().Err(err).Msg("probe failed")
		return false
	}
	resp.Body.Close()
	return true
}

// Observe records a connectivity reading. The first reading is announced only
// when offline; later ones only on change. Coming back online posts a
// revalidate message to the worker.
func (w *Watcher) Observe(ctx context.Context, offline bool) {
	w.mu.Lock()
	first := !w.known
	changed := first || w.offline != offline
	w.known = true
	w.offline = offline
	w.mu.Unlock()

	if !changed || (first && !offline) {
		return
	}

	if offline {
		w.log.Warn().Msg(offlineNotice)
	} else {
		w.log.Info().Msg(onlineNotice)
	}
	w.publish(Status{Offline: offline, At: time.Now()})

	if !offline && w.messenger != nil {
		if err := w.messenger.PostMessage(ctx, worker.Message{Type: worker.MsgRevalidate}); err != nil {
			w.log.Debug().Err(err).Msg("revalidate message not delivered")
		}
	}
}

func (w *Watcher) publish(s Status) {
	w.subsMu.Lock()
	fns := make([]func(Status), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.subsMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
