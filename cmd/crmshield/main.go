package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crmshield/internal/authstore"
	"crmshield/internal/cachestore"
	"crmshield/internal/config"
	"crmshield/internal/gotrue"
	"crmshield/internal/logging"
	"crmshield/internal/netwatch"
	"crmshield/internal/session"
	"crmshield/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("CRMSHIELD_CONFIG", "/crmshield.yaml"), "path to crmshield.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cachestore.New(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreOptions().Backend).Msg("open cache store")
	}
	defer store.Close()

	origin := worker.NewOriginClient(cfg.Server.Origin, cfg.OriginTimeout())
	metrics := worker.NewMetrics("crmshield")

	reg := worker.NewRegistration(logger)
	defer reg.Close()
	reg.OnControllerChange(func(ev worker.ControllerChange) {
		logger.Info().
			Str("previous", ev.PreviousID).
			Str("current", ev.CurrentID).
			Int("version", ev.Version).
			Msg("New service worker activated")
	})

	a := &app{
		configPath: configPath,
		store:      store,
		origin:     origin,
		metrics:    metrics,
		reg:        reg,
		log:        logger,
	}
	if err := a.register(ctx, cfg); err != nil {
		// The worker stays waiting; requests go straight to the origin.
		logger.Error().Err(err).Msg("ServiceWorker registration failed")
	}

	h := worker.NewHandler(reg, origin, worker.HandlerOptions{
		ControlPath: cfg.Server.ControlPath,
		MetricsPath: cfg.Server.MetricsPath,
		Metrics:     metrics,
		Logger:      logger,
	})
	var handler http.Handler = h

	if cfg.Session.Enabled {
		mgr, err := startSession(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("start session manager")
		}
		defer mgr.Stop()
		handler = trackActivity(handler, mgr.Activity())
	}

	if cfg.Netwatch.Enabled {
		nw := watchOrigin(cfg.NetwatchOptions(), reg, metrics, logger)
		go nw.Run(ctx)
	}

	if every := cfg.StatsEvery(); every > 0 {
		go h.RunStats(ctx, every, store)
	}

	go a.watchReload(ctx, cfg.ReloadEvery())

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("crmshield listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// app holds what a config reload needs to register a new worker version.
type app struct {
	configPath string
	store      cachestore.Store
	origin     worker.Network
	metrics    *worker.Metrics
	reg        *worker.Registration
	log        zerolog.Logger
}

func (a *app) register(ctx context.Context, cfg config.Config) error {
	w := worker.New(cfg.WorkerOptions(), a.store, a.origin,
		worker.WithLogger(a.log),
		worker.WithMetrics(a.metrics),
	)
	a.log.Info().Str("worker_id", w.ID()).Str("cache", w.CacheName()).Msg("New service worker installing...")
	return a.reg.Register(ctx, w)
}

// reload registers a new worker when the cache generation changed. Other
// settings need a restart.
func (a *app) reload(ctx context.Context) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		a.log.Error().Err(err).Msg("Error updating service worker")
		return
	}
	next := cfg.WorkerOptions().CacheName()
	if cur := a.reg.Controller(); cur != nil && cur.CacheName() == next {
		a.log.Debug().Str("cache", next).Msg("worker version unchanged")
		return
	}
	if w := a.reg.Waiting(); w != nil && w.CacheName() == next {
		a.log.Debug().Str("cache", next).Msg("worker version already waiting")
		return
	}
	if err := a.register(ctx, cfg); err != nil {
		a.log.Error().Err(err).Msg("ServiceWorker registration failed")
	}
}

func (a *app) watchReload(ctx context.Context, every time.Duration) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reload(ctx)
		case <-tick:
			a.reload(ctx)
		}
	}
}

func startSession(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*session.Manager, error) {
	client := gotrue.New(cfg.GoTrue(), gotrue.WithLogger(logger))
	auth := authstore.New()
	auth.Subscribe(func(s authstore.State) {
		ev := logger.Debug().Bool("authenticated", s.IsAuthenticated)
		if s.User != nil {
			ev = ev.Str("user_id", s.User.ID)
		}
		ev.Msg("auth state published")
	})

	mgr := session.NewManager(client, auth, session.NewActivityBus(), cfg.SessionOptions(),
		session.WithLogger(logger),
		session.WithNotifier(session.NotifierFunc(func(r session.Reason) {
			logger.Warn().Str("reason", string(r)).Msg(r.Message())
		})),
	)
	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	if cfg.Session.Email != "" {
		if _, err := mgr.SignInWithPassword(ctx, cfg.Session.Email, cfg.Session.Password); err != nil {
			mgr.Stop()
			return nil, err
		}
	}
	return mgr, nil
}

// trackActivity counts page navigations as user activity for the session.
// watchOrigin builds the connectivity watcher and feeds its offline-status
// changes into the origin_offline gauge.
func watchOrigin(opts netwatch.Options, reg *worker.Registration, metrics *worker.Metrics, logger zerolog.Logger) *netwatch.Watcher {
	nw := netwatch.New(opts, reg, logger)
	nw.Subscribe(func(s netwatch.Status) { metrics.SetOriginOffline(s.Offline) })
	return nw
}

func trackActivity(next http.Handler, bus *session.ActivityBus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
			bus.Emit(session.ActivityPointerDown)
		}
		next.ServeHTTP(w, r)
	})
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
