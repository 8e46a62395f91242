package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"crmshield/internal/cachestore"
)

type Outcome string

const (
	// OutcomeHit is a fresh cached entry served without a network call.
	OutcomeHit Outcome = "hit"
	// OutcomeStale is a cached entry served while a background fetch
	// refreshes it.
	OutcomeStale Outcome = "stale"
	// OutcomeMiss is a network response; it was stored if it was 2xx and
	// cacheable.
	OutcomeMiss Outcome = "miss"
	// OutcomeNetwork is a navigation answered by the network.
	OutcomeNetwork Outcome = "network"
	// OutcomeFallback is a cached entry served because the network failed.
	OutcomeFallback Outcome = "fallback"
	// OutcomeOffline is a synthesized 503.
	OutcomeOffline Outcome = "offline"
)

const (
	msgUnableToFetch     = "Unable to fetch resource."
	msgAPIUnavailable    = "API is currently unavailable. Please check your connection."
	msgBothFailed        = "Both network and cache failed."
	msgNetworkFailed     = "Network request failed"
	msgOffline           = "Offline. Please check your connection."
	msgResourceNotAvail  = "Resource not available."
	rootDocumentCacheKey = http.MethodGet + " /"
)

type Result struct {
	Entry   cachestore.Entry
	Route   Route
	Outcome Outcome
}

// serve runs the shared lookup/decide/fetch/store algorithm for the three
// caching policies. It never fails: the worst case is a synthesized 503.
func (w *Worker) serve(ctx context.Context, r *http.Request, route Route) Result {
	key, partitioned := w.router.CacheKey(r)
	res := Result{Route: route}

	var (
		cached    cachestore.Entry
		hasCached bool
	)
	if route.Policy != PolicyNetworkFirst {
		cached, hasCached = w.match(ctx, key)
		if hasCached && route.Policy == PolicyStaleWhileRevalidate {
			w.revalidateAsync(key, partitioned, r)
			res.Entry, res.Outcome = cached, OutcomeStale
			return res
		}
		if hasCached && isFresh(cached, route.MaxAge, w.now()) {
			res.Entry, res.Outcome = cached, OutcomeHit
			return res
		}
	}

	ent, err := w.fetchAndStore(ctx, key, partitioned, r)
	if err == nil {
		res.Entry, res.Outcome = ent, OutcomeMiss
		return res
	}
	w.log.Debug().Err(err).Str("key", key).Str("policy", route.Policy.String()).Msg("network fetch failed")

	if route.Policy == PolicyNetworkFirst {
		cached, hasCached = w.match(ctx, key)
	}
	if hasCached {
		res.Entry, res.Outcome = cached, OutcomeFallback
		return res
	}
	res.Entry, res.Outcome = errorEntry(offlineMessage(route)), OutcomeOffline
	return res
}

// navigate answers page loads from the network and, when that fails, from the
// cached root document. Navigation responses are not stored.
func (w *Worker) navigate(ctx context.Context, r *http.Request, route Route) Result {
	res := Result{Route: route}
	ent, err := w.network.Fetch(ctx, r)
	if err == nil {
		res.Entry, res.Outcome = ent, OutcomeNetwork
		return res
	}
	if root, ok := w.match(ctx, rootDocumentCacheKey); ok {
		res.Entry, res.Outcome = root, OutcomeFallback
		return res
	}
	res.Entry, res.Outcome = errorEntry(msgOffline), OutcomeOffline
	return res
}

func offlineMessage(route Route) string {
	switch route.Policy {
	case PolicyNetworkFirst:
		if route.Class == ClassAPI {
			return msgAPIUnavailable
		}
		return msgBothFailed
	case PolicyStaleWhileRevalidate:
		return msgNetworkFailed
	default:
		return msgUnableToFetch
	}
}

// isFresh treats an entry without a usable Date header as expired.
func isFresh(ent cachestore.Entry, maxAge time.Duration, now time.Time) bool {
	date, ok := ent.Date()
	if !ok {
		return false
	}
	return now.Sub(date) <= maxAge
}

func (w *Worker) fetchAndStore(ctx context.Context, key string, partitioned bool, r *http.Request) (cachestore.Entry, error) {
	ent, err := w.network.Fetch(ctx, r)
	if err != nil {
		return cachestore.Entry{}, err
	}
	if ent.OK() && storable(ent.Header, partitioned) {
		w.put(ctx, key, storedCopy(ent))
	}
	return ent, nil
}

// storable follows the response's Cache-Control. no-store and no-cache are
// never stored; private only inside the caller's own partition.
func storable(h http.Header, partitioned bool) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(name) {
			case "no-store", "no-cache":
				return false
			case "private":
				if !partitioned {
					return false
				}
			}
		}
	}
	return true
}

// storedCopy drops the headers that must only reach the caller that
// triggered the fetch.
func storedCopy(ent cachestore.Entry) cachestore.Entry {
	ent.Header = cachestore.CloneHeader(ent.Header)
	ent.Header.Del("Set-Cookie")
	ent.Header.Del("Set-Cookie2")
	return ent
}

// match treats every cache failure as a miss.
func (w *Worker) match(ctx context.Context, key string) (cachestore.Entry, bool) {
	c := w.currentCache()
	if c == nil {
		return cachestore.Entry{}, false
	}
	ent, err := c.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			w.metrics.observeCacheError("read")
			w.cacheLog.Warn(err, key, "cache read failed, treating as miss")
		}
		return cachestore.Entry{}, false
	}
	return ent, true
}

// put is a no-op once the worker is closed for writes, so a retired worker
// cannot recreate a generation that activation deleted.
func (w *Worker) put(ctx context.Context, key string, ent cachestore.Entry) {
	w.writeMu.RLock()
	defer w.writeMu.RUnlock()
	if w.writesClosed {
		return
	}
	c := w.currentCache()
	if c == nil {
		return
	}
	if ent.StoredAt == 0 {
		ent.StoredAt = w.now().Unix()
	}
	if err := c.Put(ctx, key, ent); err != nil {
		w.metrics.observeCacheError("write")
		w.cacheLog.Warn(err, key, "cache write failed")
	}
}

// revalidateAsync refreshes key in the background. The caller's request is
// cloned so the fetch outlives it. A full semaphore delays the fetch rather
// than dropping it.
func (w *Worker) revalidateAsync(key string, partitioned bool, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	req := r.Clone(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()

		select {
		case w.bgSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.bgSem }()

		if _, err := w.fetchAndStore(ctx, key, partitioned, req); err != nil {
			w.log.Debug().Err(err).Str("key", key).Msg("background revalidation failed")
		}
	}()
}

func errorEntry(msg string) cachestore.Entry {
	b, _ := json.Marshal(map[string]string{"error": msg})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return cachestore.Entry{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   b,
	}
}
