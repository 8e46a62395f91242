package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmshield/internal/cachestore"
)

func errorMessage(t *testing.T, res Result) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Entry.Body, &body))
	return body["error"]
}

func TestWorker_InstallPrecachesAndActivates(t *testing.T) {
	env := newTestEnv()
	w := env.newWorker(DefaultOptions())
	assert.Equal(t, StateParsed, w.State())

	require.NoError(t, w.Install(context.Background()))
	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, w.SkipsWaiting())

	keys, err := w.CachedKeys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"GET /", "GET /favicon.ico", "GET /manifest.json", "GET /login", "GET /dashboard",
	}, keys)

	require.NoError(t, w.Activate(context.Background()))
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, "crm-sales-cache-v2", w.CacheName())
}

func TestWorker_InstallIsAllOrNothing(t *testing.T) {
	env := newTestEnv()
	env.network.FailOn("/login")
	w := env.newWorker(DefaultOptions())

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/login")
	assert.False(t, w.SkipsWaiting())
	assert.Equal(t, StateInstalled, w.State())

	keys, err := w.CachedKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWorker_InstallRejectsNonOKAsset(t *testing.T) {
	env := newTestEnv()
	env.network.SetStatus("/manifest.json", http.StatusNotFound)
	w := env.newWorker(DefaultOptions())

	require.Error(t, w.Install(context.Background()))
	keys, err := w.CachedKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWorker_ActivateDeletesOtherGenerations(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	for _, name := range []string{"crm-sales-cache-v1", "crm-sales-cache-v0", "other-app-v1"} {
		_, err := env.store.Open(ctx, name)
		require.NoError(t, err)
	}

	env.installed(t, DefaultOptions())

	names, err := env.store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm-sales-cache-v2", "other-app-v1"}, names)
}

func TestWorker_CacheFirst(t *testing.T) {
	t.Run("fresh entry is served without network", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())
		env.clock.Advance(6 * day)

		res, ok := w.Fetch(context.Background(), getRequest("/favicon.ico"))
		require.True(t, ok)
		assert.Equal(t, OutcomeHit, res.Outcome)
		assert.Equal(t, "/favicon.ico #1", string(res.Entry.Body))
		assert.Equal(t, 1, env.network.Calls("/favicon.ico"))
	})

	t.Run("expired entry is refetched and stored", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())
		env.clock.Advance(7*day + time.Minute)

		res, ok := w.Fetch(context.Background(), getRequest("/favicon.ico"))
		require.True(t, ok)
		assert.Equal(t, OutcomeMiss, res.Outcome)
		assert.Equal(t, "/favicon.ico #2", string(res.Entry.Body))

		res, _ = w.Fetch(context.Background(), getRequest("/favicon.ico"))
		assert.Equal(t, OutcomeHit, res.Outcome)
		assert.Equal(t, "/favicon.ico #2", string(res.Entry.Body))
		assert.Equal(t, 2, env.network.Calls("/favicon.ico"))
	})

	t.Run("expired entry is served when offline", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())
		env.clock.Advance(30 * day)
		env.network.offline.Store(true)

		res, ok := w.Fetch(context.Background(), getRequest("/favicon.ico"))
		require.True(t, ok)
		assert.Equal(t, OutcomeFallback, res.Outcome)
		assert.Equal(t, "/favicon.ico #1", string(res.Entry.Body))
	})

	t.Run("missing Date header counts as expired", func(t *testing.T) {
		env := newTestEnv()
		env.network.noDate.Store(true)
		w := env.installed(t, DefaultOptions())

		res, _ := w.Fetch(context.Background(), getRequest("/favicon.ico"))
		assert.Equal(t, OutcomeMiss, res.Outcome)
		assert.Equal(t, 2, env.network.Calls("/favicon.ico"))
	})

	t.Run("uncached and offline yields 503", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())
		env.network.offline.Store(true)

		res, ok := w.Fetch(context.Background(), getRequest("/leads/42"))
		require.True(t, ok)
		assert.Equal(t, ClassPrewarmed, res.Route.Class)
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)
		assert.Equal(t, "application/json", res.Entry.Header.Get("Content-Type"))
		assert.Equal(t, "Unable to fetch resource.", errorMessage(t, res))
	})
}

func TestWorker_NetworkFirstAPI(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	ctx := context.Background()

	res, ok := w.Fetch(ctx, getRequest("/api/leads?page=1"))
	require.True(t, ok)
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "/api/leads #1", string(res.Entry.Body))

	// A fresh cached entry does not stop the network call.
	res, _ = w.Fetch(ctx, getRequest("/api/leads?page=1"))
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, "/api/leads #2", string(res.Entry.Body))
	assert.Equal(t, 2, env.network.Calls("/api/leads"))

	env.network.offline.Store(true)
	res, _ = w.Fetch(ctx, getRequest("/api/leads?page=1"))
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, "/api/leads #2", string(res.Entry.Body))

	res, _ = w.Fetch(ctx, getRequest("/api/leads?page=2"))
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, "API is currently unavailable. Please check your connection.", errorMessage(t, res))
}

func TestWorker_NetworkFirstDoesNotStoreErrors(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	ctx := context.Background()

	env.network.SetStatus("/api/contacts", http.StatusInternalServerError)
	res, _ := w.Fetch(ctx, getRequest("/api/contacts"))
	assert.Equal(t, OutcomeMiss, res.Outcome)
	assert.Equal(t, http.StatusInternalServerError, res.Entry.Status)

	env.network.offline.Store(true)
	res, _ = w.Fetch(ctx, getRequest("/api/contacts"))
	assert.Equal(t, OutcomeOffline, res.Outcome)
}

func TestWorker_StaleWhileRevalidate(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	ctx := context.Background()
	req := func() *http.Request { return getRequest("/static/app.js", "Sec-Fetch-Dest", "script") }

	res, ok := w.Fetch(ctx, req())
	require.True(t, ok)
	assert.Equal(t, OutcomeMiss, res.Outcome)

	res, _ = w.Fetch(ctx, req())
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, "/static/app.js #1", string(res.Entry.Body))
	w.Wait()
	assert.Equal(t, 2, env.network.Calls("/static/app.js"))

	res, _ = w.Fetch(ctx, req())
	assert.Equal(t, "/static/app.js #2", string(res.Entry.Body))
	w.Wait()
	assert.Equal(t, 3, env.network.Calls("/static/app.js"))
}

func TestWorker_StaleWhileRevalidateRunsEveryBackgroundFetch(t *testing.T) {
	env := newTestEnv()
	opts := DefaultOptions()
	opts.BackgroundConcurrency = 2
	w := env.installed(t, opts)
	ctx := context.Background()

	_, _ = w.Fetch(ctx, getRequest("/img/logo.png", "Sec-Fetch-Dest", "image"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := w.Fetch(ctx, getRequest("/img/logo.png", "Sec-Fetch-Dest", "image"))
			assert.Equal(t, OutcomeStale, res.Outcome)
		}()
	}
	wg.Wait()
	w.Wait()
	assert.Equal(t, 21, env.network.Calls("/img/logo.png"))
}

func TestWorker_StaleWhileRevalidateOffline(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	env.network.offline.Store(true)

	res, ok := w.Fetch(context.Background(), getRequest("/fonts/inter.woff2", "Sec-Fetch-Dest", "font"))
	require.True(t, ok)
	assert.Equal(t, OutcomeOffline, res.Outcome)
	assert.Equal(t, "Network request failed", errorMessage(t, res))
}

func TestWorker_Navigate(t *testing.T) {
	t.Run("network response is not stored", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())

		res, ok := w.Fetch(context.Background(), getRequest("/leads/42", "Sec-Fetch-Mode", "navigate"))
		require.True(t, ok)
		assert.Equal(t, ClassNavigation, res.Route.Class)
		assert.Equal(t, OutcomeNetwork, res.Outcome)
		assert.Equal(t, "/leads/42 #1", string(res.Entry.Body))

		keys, err := w.CachedKeys(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, keys, "GET /leads/42")
	})

	t.Run("offline falls back to cached root document", func(t *testing.T) {
		env := newTestEnv()
		w := env.installed(t, DefaultOptions())
		env.network.offline.Store(true)

		res, _ := w.Fetch(context.Background(), getRequest("/leads/42", "Sec-Fetch-Mode", "navigate"))
		assert.Equal(t, OutcomeFallback, res.Outcome)
		assert.Equal(t, "/ #1", string(res.Entry.Body))
	})

	t.Run("offline without root document yields 503", func(t *testing.T) {
		env := newTestEnv()
		opts := DefaultOptions()
		opts.StaticAssets = nil
		w := env.installed(t, opts)
		env.network.offline.Store(true)

		res, _ := w.Fetch(context.Background(), getRequest("/leads/42", "Sec-Fetch-Mode", "navigate"))
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, "Offline. Please check your connection.", errorMessage(t, res))
	})
}

func TestWorker_PassThrough(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())

	for _, r := range []*http.Request{
		getRequest("/api/auth/login"),
		getRequest("/robots.txt"),
	} {
		_, ok := w.Fetch(context.Background(), r)
		assert.False(t, ok, r.URL.Path)
	}
	assert.Zero(t, env.network.Calls("/api/auth/login"))
}

func TestWorker_ClearCacheMessage(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, w.HandleMessage(ctx, Message{Type: MsgClearCache}))
	ok, err := env.store.Has(ctx, w.CacheName())
	require.NoError(t, err)
	assert.False(t, ok)

	res, _ := w.Fetch(ctx, getRequest("/favicon.ico"))
	assert.Equal(t, OutcomeMiss, res.Outcome)

	res, _ = w.Fetch(ctx, getRequest("/favicon.ico"))
	assert.Equal(t, OutcomeHit, res.Outcome)
	assert.Equal(t, 2, env.network.Calls("/favicon.ico"))

	ok, err = env.store.Has(ctx, w.CacheName())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorker_HandleMessage(t *testing.T) {
	env := newTestEnv()
	w := env.newWorker(DefaultOptions())
	ctx := context.Background()

	assert.NoError(t, w.HandleMessage(ctx, Message{Type: MsgRevalidate}))
	assert.ErrorIs(t, w.HandleMessage(ctx, Message{Type: "reboot"}), ErrUnknownMessage)

	assert.False(t, w.SkipsWaiting())
	require.NoError(t, w.HandleMessage(ctx, Message{Type: MsgSkipWaiting}))
	assert.True(t, w.SkipsWaiting())

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.messages.WithLabelValues("reboot")))
}

func TestWorker_Metrics(t *testing.T) {
	env := newTestEnv()
	w := env.installed(t, DefaultOptions())
	ctx := context.Background()

	_, _ = w.Fetch(ctx, getRequest("/favicon.ico"))
	_, _ = w.Fetch(ctx, getRequest("/favicon.ico"))
	env.network.offline.Store(true)
	_, _ = w.Fetch(ctx, getRequest("/api/deals"))

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues("static", "cache-first", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues("api", "network-first", "offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.lifecycle.WithLabelValues("activated")))
}

// originWithCredentials echoes the caller's credentials in the body and hands
// out a session cookie, like the CRM API does.
func originWithCredentials(t *testing.T) (*httptest.Server, Network, *atomic.Bool) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := r.Header.Get("Authorization")
		if c, err := r.Cookie("sb-access-token"); err == nil {
			who = c.Value
		}
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Set-Cookie", "sid=session-of-"+strings.ReplaceAll(who, " ", "-"))
		switch r.URL.Path {
		case "/api/leads":
			w.Header().Set("Cache-Control", "private, no-store")
		case "/api/notes":
			w.Header().Set("Cache-Control", "private, max-age=60")
		case "/api/stages":
			w.Header().Set("Cache-Control", "no-cache")
		}
		fmt.Fprintf(w, "%s of %s", r.URL.Path, who)
	}))
	t.Cleanup(srv.Close)

	var down atomic.Bool
	origin := NewOriginClient(srv.URL, 5*time.Second)
	network := NetworkFunc(func(ctx context.Context, r *http.Request) (cachestore.Entry, error) {
		if down.Load() {
			return cachestore.Entry{}, errConnRefused
		}
		return origin.Fetch(ctx, r)
	})
	return srv, network, &down
}

func TestWorker_CachedEntriesStayWithTheirCaller(t *testing.T) {
	ctx := context.Background()
	alice := func(path string) *http.Request { return getRequest(path, "Authorization", "Bearer alice") }
	bob := func(path string) *http.Request { return getRequest(path, "Authorization", "Bearer bob") }

	newWorker := func(t *testing.T) (*Worker, *atomic.Bool) {
		_, network, down := originWithCredentials(t)
		opts := DefaultOptions()
		opts.StaticAssets = nil
		opts.IdentityCookies = []string{"sb-access-token"}
		w := New(opts, cachestore.NewMemoryStore(), network)
		require.NoError(t, w.Install(ctx))
		require.NoError(t, w.Activate(ctx))
		return w, down
	}

	t.Run("fallback never crosses callers and drops Set-Cookie", func(t *testing.T) {
		w, down := newWorker(t)

		res, _ := w.Fetch(ctx, alice("/api/deals"))
		assert.Equal(t, OutcomeMiss, res.Outcome)
		assert.Equal(t, "sid=session-of-Bearer-alice", res.Entry.Header.Get("Set-Cookie"))

		down.Store(true)
		res, _ = w.Fetch(ctx, bob("/api/deals"))
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, "API is currently unavailable. Please check your connection.", errorMessage(t, res))

		res, _ = w.Fetch(ctx, getRequest("/api/deals"))
		assert.Equal(t, OutcomeOffline, res.Outcome)

		res, _ = w.Fetch(ctx, alice("/api/deals"))
		assert.Equal(t, OutcomeFallback, res.Outcome)
		assert.Equal(t, "/api/deals of Bearer alice", string(res.Entry.Body))
		assert.Empty(t, res.Entry.Header.Values("Set-Cookie"))
	})

	t.Run("identity cookies partition like Authorization", func(t *testing.T) {
		w, down := newWorker(t)
		carol := getRequest("/api/deals")
		carol.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "carol"})
		_, _ = w.Fetch(ctx, carol)

		down.Store(true)
		dave := getRequest("/api/deals")
		dave.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "dave"})
		res, _ := w.Fetch(ctx, dave)
		assert.Equal(t, OutcomeOffline, res.Outcome)

		carol = getRequest("/api/deals")
		carol.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "carol"})
		res, _ = w.Fetch(ctx, carol)
		assert.Equal(t, OutcomeFallback, res.Outcome)
		assert.Equal(t, "/api/deals of carol", string(res.Entry.Body))
	})

	t.Run("Cache-Control decides what is stored", func(t *testing.T) {
		w, down := newWorker(t)
		_, _ = w.Fetch(ctx, alice("/api/leads"))
		_, _ = w.Fetch(ctx, alice("/api/stages"))
		_, _ = w.Fetch(ctx, alice("/api/notes"))
		_, _ = w.Fetch(ctx, getRequest("/api/notes"))

		keys, err := w.CachedKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.True(t, strings.HasPrefix(keys[0], "GET /api/notes @"), keys[0])

		down.Store(true)
		res, _ := w.Fetch(ctx, alice("/api/leads"))
		assert.Equal(t, OutcomeOffline, res.Outcome)
		res, _ = w.Fetch(ctx, alice("/api/notes"))
		assert.Equal(t, OutcomeFallback, res.Outcome)
		res, _ = w.Fetch(ctx, getRequest("/api/notes"))
		assert.Equal(t, OutcomeOffline, res.Outcome)
	})
}

func TestStorable(t *testing.T) {
	testCases := []struct {
		name         string
		cacheControl []string
		partitioned  bool
		want         bool
	}{
		{name: "no header", want: true},
		{name: "max-age", cacheControl: []string{"public, max-age=60"}, want: true},
		{name: "no-store", cacheControl: []string{"no-store"}, partitioned: true, want: false},
		{name: "no-cache mixed case", cacheControl: []string{"max-age=0, No-Cache"}, want: false},
		{name: "private anonymous", cacheControl: []string{"private"}, want: false},
		{name: "private partitioned", cacheControl: []string{"private, max-age=60"}, partitioned: true, want: true},
		{name: "second header line", cacheControl: []string{"max-age=60", "no-store"}, want: false},
		{name: "private field list", cacheControl: []string{`private="Set-Cookie"`}, want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tc.cacheControl {
				h.Add("Cache-Control", v)
			}
			assert.Equal(t, tc.want, storable(h, tc.partitioned))
		})
	}
}

// faultyCache fails the operations it has an error for and delegates the
// rest.
type faultyCache struct {
	cachestore.Cache
	matchErr error
	putErr   error
}

func (c *faultyCache) Match(ctx context.Context, key string) (cachestore.Entry, error) {
	if c.matchErr != nil {
		return cachestore.Entry{}, c.matchErr
	}
	return c.Cache.Match(ctx, key)
}

func (c *faultyCache) Put(ctx context.Context, key string, ent cachestore.Entry) error {
	if c.putErr != nil {
		return c.putErr
	}
	return c.Cache.Put(ctx, key, ent)
}

type faultyStore struct {
	cachestore.Store
	cache *faultyCache
}

func (s *faultyStore) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	c, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cache.Cache = c
	return s.cache, nil
}

func TestWorker_CacheFailuresAreMisses(t *testing.T) {
	newFaultyWorker := func(t *testing.T) (*testEnv, *Worker, *faultyCache, *bytes.Buffer) {
		env := newTestEnv()
		cache := &faultyCache{}
		var logs bytes.Buffer
		w := New(DefaultOptions(), &faultyStore{Store: env.store, cache: cache}, env.network,
			WithClock(env.clock.Now), WithMetrics(env.metrics), WithLogger(zerolog.New(&logs)))
		require.NoError(t, w.Install(context.Background()))
		require.NoError(t, w.Activate(context.Background()))
		return env, w, cache, &logs
	}

	t.Run("read failure goes to the network", func(t *testing.T) {
		env, w, cache, logs := newFaultyWorker(t)
		ctx := context.Background()
		cache.matchErr = errors.New("leveldb: corrupted block")

		res, ok := w.Fetch(ctx, getRequest("/favicon.ico"))
		require.True(t, ok)
		assert.Equal(t, OutcomeMiss, res.Outcome)
		assert.Equal(t, "/favicon.ico #2", string(res.Entry.Body))

		env.network.offline.Store(true)
		res, _ = w.Fetch(ctx, getRequest("/favicon.ico"))
		assert.Equal(t, OutcomeOffline, res.Outcome)
		assert.Equal(t, "Unable to fetch resource.", errorMessage(t, res))

		assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.cacheErrors.WithLabelValues("read")))
		assert.Equal(t, 1, strings.Count(logs.String(), "cache read failed"))
	})

	t.Run("quota exceeded still returns the network response", func(t *testing.T) {
		env, w, cache, logs := newFaultyWorker(t)
		ctx := context.Background()
		cache.putErr = cachestore.ErrQuotaExceeded

		for i := 1; i <= 3; i++ {
			res, ok := w.Fetch(ctx, getRequest("/api/leads"))
			require.True(t, ok)
			assert.Equal(t, OutcomeMiss, res.Outcome)
			assert.Equal(t, http.StatusOK, res.Entry.Status)
			assert.Equal(t, fmt.Sprintf("/api/leads #%d", i), string(res.Entry.Body))
		}

		env.network.offline.Store(true)
		res, _ := w.Fetch(ctx, getRequest("/api/leads"))
		assert.Equal(t, OutcomeOffline, res.Outcome)

		assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.cacheErrors.WithLabelValues("write")))
		assert.Equal(t, 1, strings.Count(logs.String(), "cache write failed"))
		assert.Contains(t, logs.String(), cachestore.ErrQuotaExceeded.Error())
	})
}
