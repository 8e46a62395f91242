// Package cachestore keeps named cache generations of HTTP responses. The API
// follows the browser CacheStorage model: a Store holds generations by name,
// and a Cache is a handle onto one generation.
package cachestore

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned by Cache.Match when no entry is stored for a key.
	ErrNotFound = errors.New("cachestore: entry not found")
	// ErrQuotaExceeded is returned by Cache.Put when storing the entry would
	// exceed the configured storage budget.
	ErrQuotaExceeded = errors.New("cachestore: quota exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cachestore: store closed")
)

type Entry struct {
	Status int
	Header http.Header
	Body   []byte

	// StoredAt is the time the entry was written, unix seconds.
	StoredAt int64
}

// Date returns the parsed Date response header.
func (e Entry) Date() (time.Time, bool) {
	v := e.Header.Get("Date")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// OK reports whether the status is in the 2xx range.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e Entry) Clone() Entry {
	out := Entry{
		Status:   e.Status,
		Header:   CloneHeader(e.Header),
		StoredAt: e.StoredAt,
	}
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// Store holds cache generations by name.
type Store interface {
	// Open returns a handle for the named generation, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named generation exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names lists existing generations in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Delete drops a generation and every entry in it. It reports whether the
	// generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache is a handle onto one generation. Handles resolve the generation on
// every call, so a handle whose generation was deleted keeps working and
// recreates the generation on the next Put.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, ent Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}
