package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmshield/internal/cachestore"
	"crmshield/internal/config"
	"crmshield/internal/netwatch"
	"crmshield/internal/session"
	"crmshield/internal/worker"
)

func TestTrackActivity(t *testing.T) {
	bus := session.NewActivityBus()
	var got []session.ActivityKind
	bus.Subscribe(func(k session.ActivityKind) { got = append(got, k) })

	h := trackActivity(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), bus)

	nav := httptest.NewRequest(http.MethodGet, "/leads", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	h.ServeHTTP(httptest.NewRecorder(), nav)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/leads", nil))

	assert.Equal(t, []session.ActivityKind{session.ActivityPointerDown}, got)
}

func TestWatchOrigin_UpdatesOfflineGauge(t *testing.T) {
	metrics := worker.NewMetrics("crmshield")
	reg := worker.NewRegistration(zerolog.Nop())
	nw := watchOrigin(netwatch.Options{ProbeURL: "http://127.0.0.1:1/"}, reg, metrics, zerolog.Nop())
	ctx := context.Background()

	gauge := func() string {
		rec := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_worker/metrics", nil))
		b, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		return string(b)
	}

	nw.Observe(ctx, true)
	assert.Contains(t, gauge(), "crmshield_netwatch_origin_offline 1")

	nw.Observe(ctx, false)
	assert.Contains(t, gauge(), "crmshield_netwatch_origin_offline 0")
}

func TestApp_ReloadRegistersNewVersion(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
		_, _ = w.Write([]byte("ok " + r.URL.Path))
	}))
	defer originSrv.Close()

	path := filepath.Join(t.TempDir(), "crmshield.yaml")
	writeConfig := func(version int) {
		body := "server:\n  origin: " + originSrv.URL + "\nstorage:\n  backend: memory\nworker:\n  version: " +
			strconv.Itoa(version) + "\n  staticAssets: [\"/\"]\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	writeConfig(2)
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	ctx := context.Background()
	reg := worker.NewRegistration(zerolog.Nop())
	defer reg.Close()
	a := &app{
		configPath: path,
		store:      cachestore.NewMemoryStore(),
		origin:     worker.NewOriginClient(cfg.Server.Origin, time.Second),
		reg:        reg,
		log:        zerolog.Nop(),
	}
	require.NoError(t, a.register(ctx, cfg))
	first := reg.Controller()
	require.NotNil(t, first)

	a.reload(ctx)
	assert.Same(t, first, reg.Controller(), "same version keeps the controller")

	writeConfig(3)
	a.reload(ctx)
	require.NotSame(t, first, reg.Controller())
	assert.Equal(t, "crm-sales-cache-v3", reg.Controller().CacheName())
}
