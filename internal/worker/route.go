package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResourceClass is the bucket a request falls into. It is computed per
// request and never stored.
type ResourceClass string

const (
	ClassStatic     ResourceClass = "static"
	ClassAPI        ResourceClass = "api"
	ClassNavigation ResourceClass = "navigation"
	ClassAsset      ResourceClass = "asset"
	ClassPrewarmed  ResourceClass = "prewarmed"
	ClassOther      ResourceClass = "other"
)

type Policy int

const (
	// PolicyPassThrough leaves the request to the network untouched.
	PolicyPassThrough Policy = iota
	PolicyCacheFirst
	PolicyNetworkFirst
	PolicyStaleWhileRevalidate
	// PolicyNavigate tries the network and falls back to the cached root
	// document.
	PolicyNavigate
)

func (p Policy) String() string {
	switch p {
	case PolicyPassThrough:
		return "pass-through"
	case PolicyCacheFirst:
		return "cache-first"
	case PolicyNetworkFirst:
		return "network-first"
	case PolicyStaleWhileRevalidate:
		return "stale-while-revalidate"
	case PolicyNavigate:
		return "navigate"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type Route struct {
	Class  ResourceClass
	Policy Policy
	MaxAge time.Duration
}

func (r Route) Intercepted() bool { return r.Policy != PolicyPassThrough }

type MaxAge struct {
	StaticAssets time.Duration
	Images       time.Duration
	Fonts        time.Duration
	API          time.Duration
}

const (
	day = 24 * time.Hour

	apiPrefix = "/api/"
	authPart  = "/auth/"
)

func DefaultMaxAge() MaxAge {
	return MaxAge{
		StaticAssets: 7 * day,
		Images:       3 * day,
		Fonts:        30 * day,
		API:          5 * time.Minute,
	}
}

// Options configure one worker version.
type Options struct {
	// CachePrefix is shared by every generation this worker family creates.
	CachePrefix string
	Version     int

	// Scope is the public origin the worker serves. Absolute request URLs
	// for any other host are cross-origin and never intercepted.
	Scope *url.URL

	// StaticAssets are precached on install and matched by exact path.
	StaticAssets []string
	// PrewarmedAssets are cached as they are used and matched by prefix.
	PrewarmedAssets []string

	MaxAge MaxAge
	Rules  []Rule

	// IdentityCookies name the cookies that identify a caller. Together with
	// the Authorization header their values partition the cache, so entries
	// stored for one caller are never served to another.
	IdentityCookies []string

	// BackgroundConcurrency bounds concurrent revalidation fetches.
	BackgroundConcurrency int
}

func DefaultOptions() Options {
	return Options{
		CachePrefix:           "crm-sales-cache-",
		Version:               2,
		StaticAssets:          []string{"/", "/favicon.ico", "/manifest.json", "/login", "/dashboard"},
		PrewarmedAssets:       []string{"/dashboard", "/leads", "/leads-sources", "/contact", "/analytics", "/notifications"},
		MaxAge:                DefaultMaxAge(),
		BackgroundConcurrency: 32,
	}
}

// CacheName is the generation identifier, e.g. "crm-sales-cache-v2".
func (o Options) CacheName() string {
	return fmt.Sprintf("%sv%d", o.CachePrefix, o.Version)
}

// Router classifies requests. The ordering of the checks in Classify is the
// single source of truth for which policy applies.
type Router struct {
	opts      Options
	static    map[string]struct{}
	prewarmed map[string]struct{}
}

func NewRouter(opts Options) *Router {
	rt := &Router{
		opts:      opts,
		static:    make(map[string]struct{}, len(opts.StaticAssets)),
		prewarmed: make(map[string]struct{}, len(opts.PrewarmedAssets)),
	}
	for _, p := range opts.StaticAssets {
		rt.static[p] = struct{}{}
	}
	for _, p := range opts.PrewarmedAssets {
		rt.prewarmed[p] = struct{}{}
	}
	return rt
}

var passThrough = Route{Class: ClassOther, Policy: PolicyPassThrough}

func (rt *Router) Classify(r *http.Request) Route {
	if r.Method != http.MethodGet {
		return passThrough
	}
	if !rt.sameOrigin(r) {
		return passThrough
	}
	for i := range rt.opts.Rules {
		if rt.opts.Rules[i].Bypasses(r) {
			return passThrough
		}
	}

	path := r.URL.Path
	if _, ok := rt.static[path]; ok {
		return Route{Class: ClassStatic, Policy: PolicyCacheFirst, MaxAge: rt.maxAge(r)}
	}
	if strings.HasPrefix(path, apiPrefix) {
		if strings.Contains(path, authPart) {
			return Route{Class: ClassAPI, Policy: PolicyPassThrough}
		}
		return Route{Class: ClassAPI, Policy: PolicyNetworkFirst, MaxAge: rt.opts.MaxAge.API}
	}
	if fetchMode(r) == "navigate" {
		return Route{Class: ClassNavigation, Policy: PolicyNavigate}
	}
	switch fetchDest(r) {
	case "image", "style", "script", "font":
		return Route{Class: ClassAsset, Policy: PolicyStaleWhileRevalidate, MaxAge: rt.maxAge(r)}
	}
	for _, p := range rt.opts.PrewarmedAssets {
		if strings.HasPrefix(path, p) {
			return Route{Class: ClassPrewarmed, Policy: PolicyCacheFirst, MaxAge: rt.maxAge(r)}
		}
	}
	return passThrough
}

func (rt *Router) maxAge(r *http.Request) time.Duration {
	path := r.URL.Path
	if strings.HasPrefix(path, apiPrefix) {
		return rt.opts.MaxAge.API
	}
	if _, ok := rt.static[path]; ok {
		return rt.opts.MaxAge.StaticAssets
	}
	if _, ok := rt.prewarmed[path]; ok {
		return rt.opts.MaxAge.StaticAssets
	}
	switch fetchDest(r) {
	case "image":
		return rt.opts.MaxAge.Images
	case "font":
		return rt.opts.MaxAge.Fonts
	}
	return rt.opts.MaxAge.StaticAssets
}

func (rt *Router) sameOrigin(r *http.Request) bool {
	if r.URL.Host == "" {
		return true
	}
	host := r.Host
	if rt.opts.Scope != nil {
		host = rt.opts.Scope.Host
	}
	return strings.EqualFold(r.URL.Host, host)
}

// fetchMode and fetchDest read the Fetch Metadata request headers browsers
// attach to every request.
func fetchMode(r *http.Request) string {
	return strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))
}

func fetchDest(r *http.Request) string {
	return strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
}

// RequestKey is the cache identity of a GET request: method plus
// origin-relative URL.
func RequestKey(r *http.Request) string {
	return http.MethodGet + " " + r.URL.RequestURI()
}

// CacheKey is RequestKey followed by the caller's partition, if the request
// carries credentials. partitioned reports whether it does.
func (rt *Router) CacheKey(r *http.Request) (key string, partitioned bool) {
	key = RequestKey(r)
	if p := rt.partition(r); p != "" {
		return key + " " + p, true
	}
	return key, false
}

// partition hashes the request credentials. Empty means anonymous.
func (rt *Router) partition(r *http.Request) string {
	h := sha256.New()
	found := false
	if v := r.Header.Get("Authorization"); v != "" {
		fmt.Fprintf(h, "authorization=%s\x00", v)
		found = true
	}
	for _, name := range rt.opts.IdentityCookies {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			continue
		}
		fmt.Fprintf(h, "%s=%s\x00", name, c.Value)
		found = true
	}
	if !found {
		return ""
	}
	return "@" + hex.EncodeToString(h.Sum(nil)[:12])
}
