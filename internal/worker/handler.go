package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crmshield/internal/cachestore"
)

const (
	cacheHeader        = "X-Worker-Cache"
	maxMessageBytes    = 4 << 10
	DefaultControlPath = "/_worker/message"
	DefaultMetricsPath = "/_worker/metrics"
)

type HandlerOptions struct {
	// ControlPath receives host messages. Empty disables it.
	ControlPath string
	// MetricsPath exposes Prometheus metrics when Metrics is set.
	MetricsPath string
	Metrics     *Metrics
	Logger      zerolog.Logger
}

// Handler puts the registration's controller in front of the network: every
// request the controller intercepts is answered by it, everything else is
// forwarded as-is.
type Handler struct {
	reg     *Registration
	network Network
	opts    HandlerOptions
	log     zerolog.Logger
	stats   *statsCollector
}

func NewHandler(reg *Registration, network Network, opts HandlerOptions) *Handler {
	return &Handler{
		reg:     reg,
		network: network,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "handler").Logger(),
		stats:   newStatsCollector(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Str("path", r.URL.Path).
				Msg("request handling panicked")
			writeEntry(w, errorEntry(msgResourceNotAvail), string(OutcomeOffline))
		}
	}()

	path := r.URL.Path
	if h.opts.ControlPath != "" && path == h.opts.ControlPath {
		h.handleMessage(w, r)
		return
	}
	if h.opts.Metrics != nil && h.opts.MetricsPath != "" && path == h.opts.MetricsPath {
		h.opts.Metrics.Handler().ServeHTTP(w, r)
		return
	}

	ctrl := h.reg.Controller()
	if ctrl == nil {
		h.proxyPass(w, r)
		return
	}
	res, ok := ctrl.Fetch(r.Context(), r)
	if !ok {
		h.proxyPass(w, r)
		return
	}
	h.writeEntryWithStats(w, res.Entry, string(res.Outcome))
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeEntry(w, jsonError(http.StatusMethodNotAllowed, "method not allowed"), "")
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeEntry(w, jsonError(http.StatusBadRequest, "unreadable message"), "")
		return
	}
	msg, err := ParseMessage(b)
	if err != nil {
		writeEntry(w, jsonError(http.StatusBadRequest, err.Error()), "")
		return
	}

	// No response channel: the outcome is only logged.
	if err := h.reg.PostMessage(r.Context(), msg); err != nil {
		if errors.Is(err, ErrNoController) || errors.Is(err, ErrUnknownMessage) {
			h.log.Warn().Err(err).Str("type", msg.Type).Msg("message not delivered")
		} else {
			h.log.Error().Err(err).Str("type", msg.Type).Msg("message handling failed")
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) proxyPass(w http.ResponseWriter, r *http.Request) {
	ent, err := h.network.Fetch(r.Context(), r)
	if err != nil {
		h.opts.Metrics.observePassThrough("bad-gateway")
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	h.opts.Metrics.observePassThrough("ok")
	h.writeEntryWithStats(w, ent, "bypass")
}

func (h *Handler) writeEntryWithStats(w http.ResponseWriter, ent cachestore.Entry, outcome string) {
	writeEntry(w, ent, outcome)
	switch Outcome(outcome) {
	case OutcomeHit, OutcomeStale, OutcomeMiss, OutcomeFallback:
		h.stats.Observe(len(ent.Body))
	}
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func jsonError(status int, msg string) cachestore.Entry {
	ent := errorEntry(msg)
	ent.Status = status
	return ent
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(cacheHeader, outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// sizer is implemented by stores that track their footprint.
type sizer interface {
	TotalSize() int64
}

// RunStats logs a summary line every interval until ctx is done.
func (h *Handler) RunStats(ctx context.Context, every time.Duration, store cachestore.Store) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.logStats(ctx, store)
		}
	}
}

func (h *Handler) logStats(ctx context.Context, store cachestore.Store) {
	ss := h.stats.Snapshot()
	ev := h.log.Info().
		Uint64("responses", ss.TotalResponses).
		Str("resp_min", formatBytes(ss.MinRespBytes)).
		Str("resp_avg", formatBytes(ss.AvgRespBytes)).
		Str("resp_max", formatBytes(ss.MaxRespBytes))

	if ctrl := h.reg.Controller(); ctrl != nil {
		keys, err := ctrl.CachedKeys(ctx)
		if err == nil {
			ev = ev.Int("cached_keys", len(keys)).Str("cache", ctrl.CacheName())
		}
	}
	if s, ok := store.(sizer); ok {
		ev = ev.Str("store_usage", formatBytes(uint64(s.TotalSize())))
	}
	if mem, ok := processMemory(); ok {
		ev = ev.Str("rss", formatBytes(mem.RSS)).Str("rss_shared", formatBytes(mem.Shared))
	}
	ev.Msg(fmt.Sprintf("Cached responses served: %d", ss.TotalResponses))
}
