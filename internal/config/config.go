// Package config loads crmshield.yaml and applies CRMSHIELD_* environment
// overrides on top of it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"crmshield/internal/cachestore"
	"crmshield/internal/gotrue"
	"crmshield/internal/netwatch"
	"crmshield/internal/session"
	"crmshield/internal/worker"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port" env:"CRMSHIELD_PORT"`
		Origin        string `yaml:"origin" env:"CRMSHIELD_ORIGIN"`
		PublicURL     string `yaml:"publicURL" env:"CRMSHIELD_PUBLIC_URL"`
		OriginTimeout string `yaml:"originTimeout"`
		ControlPath   string `yaml:"controlPath"`
		MetricsPath   string `yaml:"metricsPath"`
		// ReloadEvery re-reads the config file periodically. Empty disables it;
		// SIGHUP always reloads.
		ReloadEvery string `yaml:"reloadEvery"`
	} `yaml:"server"`

	Worker struct {
		CachePrefix           string   `yaml:"cachePrefix"`
		Version               int      `yaml:"version" env:"CRMSHIELD_CACHE_VERSION"`
		StaticAssets          []string `yaml:"staticAssets"`
		PrewarmedAssets       []string `yaml:"prewarmedAssets"`
		BackgroundConcurrency int      `yaml:"backgroundConcurrency"`
		// IdentityCookies partition cached entries by caller, on top of the
		// Authorization header.
		IdentityCookies []string `yaml:"identityCookies" env:"CRMSHIELD_IDENTITY_COOKIES"`

		MaxAge struct {
			StaticAssets string `yaml:"staticAssets"`
			Images       string `yaml:"images"`
			Fonts        string `yaml:"fonts"`
			API          string `yaml:"api"`
		} `yaml:"maxAge"`
	} `yaml:"worker"`

	Rules []Rule `yaml:"rules"`

	Storage struct {
		Backend string `yaml:"backend" env:"CRMSHIELD_STORAGE_BACKEND"`
		LevelDB struct {
			Path string `yaml:"path" env:"CRMSHIELD_LEVELDB_PATH"`
			Max  string `yaml:"max"`
		} `yaml:"leveldb"`
		Redis struct {
			Addr     string `yaml:"addr" env:"CRMSHIELD_REDIS_ADDR"`
			Password string `yaml:"password" env:"CRMSHIELD_REDIS_PASSWORD"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Session struct {
		Enabled           bool   `yaml:"enabled" env:"CRMSHIELD_SESSION_ENABLED"`
		AuthURL           string `yaml:"authURL" env:"CRMSHIELD_AUTH_URL"`
		APIKey            string `yaml:"apiKey" env:"CRMSHIELD_AUTH_API_KEY"`
		Email             string `yaml:"email" env:"CRMSHIELD_AUTH_EMAIL"`
		Password          string `yaml:"password" env:"CRMSHIELD_AUTH_PASSWORD"`
		Timeout           string `yaml:"timeout"`
		CheckInterval     string `yaml:"checkInterval"`
		InactivityTimeout string `yaml:"inactivityTimeout"`
		RefreshThreshold  string `yaml:"refreshThreshold"`
	} `yaml:"session"`

	Netwatch struct {
		Enabled   bool   `yaml:"enabled"`
		ProbePath string `yaml:"probePath"`
		Every     string `yaml:"every"`
	} `yaml:"netwatch"`

	Logging struct {
		Level      string `yaml:"level" env:"CRMSHIELD_LOG_LEVEL"`
		Format     string `yaml:"format" env:"CRMSHIELD_LOG_FORMAT"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	scope         *url.URL
	maxAge        worker.MaxAge
	rules         []worker.Rule
	levelDBMax    int64
	originTimeout time.Duration
	reloadEvery   time.Duration
	authTimeout   time.Duration
	sessionOpts   session.Options
	probeEvery    time.Duration
	statsEvery    time.Duration
}

// Rule keeps matching paths away from the cache worker. Rules apply in
// ascending Priority.
type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	def := worker.DefaultOptions()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPath == "" {
		cfg.Server.ControlPath = worker.DefaultControlPath
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = worker.DefaultMetricsPath
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("server.publicURL: invalid url %q", cfg.Server.PublicURL)
		}
		cfg.scope = u
	}

	var err error
	if cfg.originTimeout, err = duration("server.originTimeout", cfg.Server.OriginTimeout, 30*time.Second); err != nil {
		return err
	}
	if cfg.reloadEvery, err = duration("server.reloadEvery", cfg.Server.ReloadEvery, 0); err != nil {
		return err
	}

	if cfg.Worker.CachePrefix == "" {
		cfg.Worker.CachePrefix = def.CachePrefix
	}
	if cfg.Worker.Version == 0 {
		cfg.Worker.Version = def.Version
	}
	if cfg.Worker.Version < 0 {
		return fmt.Errorf("worker.version must be positive")
	}
	if cfg.Worker.StaticAssets == nil {
		cfg.Worker.StaticAssets = def.StaticAssets
	}
	if cfg.Worker.PrewarmedAssets == nil {
		cfg.Worker.PrewarmedAssets = def.PrewarmedAssets
	}
	for i, p := range cfg.Worker.StaticAssets {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("worker.staticAssets[%d]: path must start with /", i)
		}
	}
	if cfg.Worker.BackgroundConcurrency == 0 {
		cfg.Worker.BackgroundConcurrency = def.BackgroundConcurrency
	}

	ma := cfg.Worker.MaxAge
	if cfg.maxAge.StaticAssets, err = duration("worker.maxAge.staticAssets", ma.StaticAssets, def.MaxAge.StaticAssets); err != nil {
		return err
	}
	if cfg.maxAge.Images, err = duration("worker.maxAge.images", ma.Images, def.MaxAge.Images); err != nil {
		return err
	}
	if cfg.maxAge.Fonts, err = duration("worker.maxAge.fonts", ma.Fonts, def.MaxAge.Fonts); err != nil {
		return err
	}
	if cfg.maxAge.API, err = duration("worker.maxAge.api", ma.API, def.MaxAge.API); err != nil {
		return err
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	cfg.rules = make([]worker.Rule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		wr, err := worker.ParseRule(r.Match, r.BypassWhenCookies)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		cfg.rules = append(cfg.rules, wr)
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = cachestore.BackendLevelDB
	case cachestore.BackendLevelDB, cachestore.BackendMemory, cachestore.BackendRedis:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == cachestore.BackendLevelDB && cfg.Storage.LevelDB.Path == "" {
		cfg.Storage.LevelDB.Path = "/var/lib/crmshield/cache"
	}
	if cfg.Storage.Backend == cachestore.BackendRedis && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}
	if cfg.Storage.LevelDB.Max != "" {
		if cfg.levelDBMax, err = ParseBytes(cfg.Storage.LevelDB.Max); err != nil {
			return fmt.Errorf("storage.leveldb.max: %w", err)
		}
	}

	ss := &cfg.Session
	if ss.Enabled && ss.AuthURL == "" {
		return fmt.Errorf("session.authURL is required when session is enabled")
	}
	sdef := session.DefaultOptions()
	if cfg.authTimeout, err = duration("session.timeout", ss.Timeout, 15*time.Second); err != nil {
		return err
	}
	if cfg.sessionOpts.CheckInterval, err = duration("session.checkInterval", ss.CheckInterval, sdef.CheckInterval); err != nil {
		return err
	}
	if cfg.sessionOpts.InactivityTimeout, err = duration("session.inactivityTimeout", ss.InactivityTimeout, sdef.InactivityTimeout); err != nil {
		return err
	}
	if cfg.sessionOpts.RefreshThreshold, err = duration("session.refreshThreshold", ss.RefreshThreshold, sdef.RefreshThreshold); err != nil {
		return err
	}

	if cfg.Netwatch.ProbePath == "" {
		cfg.Netwatch.ProbePath = "/"
	}
	if cfg.probeEvery, err = duration("netwatch.every", cfg.Netwatch.Every, 30*time.Second); err != nil {
		return err
	}
	if cfg.statsEvery, err = duration("logging.statsEvery", cfg.Logging.StatsEvery, 0); err != nil {
		return err
	}
	return nil
}

func duration(field, v string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", field)
	}
	return d, nil
}

func (cfg Config) WorkerOptions() worker.Options {
	return worker.Options{
		CachePrefix:           cfg.Worker.CachePrefix,
		Version:               cfg.Worker.Version,
		Scope:                 cfg.scope,
		StaticAssets:          append([]string(nil), cfg.Worker.StaticAssets...),
		PrewarmedAssets:       append([]string(nil), cfg.Worker.PrewarmedAssets...),
		MaxAge:                cfg.maxAge,
		Rules:                 append([]worker.Rule(nil), cfg.rules...),
		BackgroundConcurrency: cfg.Worker.BackgroundConcurrency,
		IdentityCookies:       append([]string(nil), cfg.Worker.IdentityCookies...),
	}
}

func (cfg Config) StoreOptions() cachestore.Options {
	return cachestore.Options{
		Backend:         cfg.Storage.Backend,
		LevelDBPath:     cfg.Storage.LevelDB.Path,
		LevelDBMaxBytes: cfg.levelDBMax,
		Redis: cachestore.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		},
	}
}

func (cfg Config) GoTrue() gotrue.Config {
	return gotrue.Config{
		URL:     cfg.Session.AuthURL,
		APIKey:  cfg.Session.APIKey,
		Timeout: cfg.authTimeout,
	}
}

func (cfg Config) SessionOptions() session.Options { return cfg.sessionOpts }

func (cfg Config) NetwatchOptions() netwatch.Options {
	return netwatch.Options{
		ProbeURL: cfg.Server.Origin + cfg.Netwatch.ProbePath,
		Every:    cfg.probeEvery,
	}
}

func (cfg Config) OriginTimeout() time.Duration { return cfg.originTimeout }
func (cfg Config) ReloadEvery() time.Duration   { return cfg.reloadEvery }
func (cfg Config) StatsEvery() time.Duration    { return cfg.statsEvery }
func (cfg Config) Addr() string                 { return fmt.Sprintf(":%d", cfg.Server.Port) }
