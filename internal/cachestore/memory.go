package cachestore

import (
	"context"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps each generation in its own go-cache instance. Entries
// never expire on their own; freshness is decided by the reader.
type MemoryStore struct {
	mu     sync.Mutex
	gens   map[string]*cache.Cache
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{gens: map[string]*cache.Cache{}}
}

func (s *MemoryStore) generation(name string, create bool) (*cache.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	g, ok := s.gens[name]
	if !ok && create {
		g = cache.New(cache.NoExpiration, 0)
		s.gens[name] = g
	}
	return g, nil
}

func (s *MemoryStore) Open(_ context.Context, name string) (Cache, error) {
	if _, err := s.generation(name, true); err != nil {
		return nil, err
	}
	return &memoryCache{store: s, name: name}, nil
}

func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	g, err := s.generation(name, false)
	return g != nil, err
}

func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.gens))
	for k := range s.gens {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	g, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	g.Flush()
	delete(s.gens, name)
	return true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.gens = map[string]*cache.Cache{}
	return nil
}

type memoryCache struct {
	store *MemoryStore
	name  string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key string) (Entry, error) {
	g, err := c.store.generation(c.name, false)
	if err != nil {
		return Entry{}, err
	}
	if g == nil {
		return Entry{}, ErrNotFound
	}
	v, ok := g.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return v.(Entry).Clone(), nil
}

func (c *memoryCache) Put(_ context.Context, key string, ent Entry) error {
	g, err := c.store.generation(c.name, true)
	if err != nil {
		return err
	}
	g.Set(key, ent.Clone(), cache.NoExpiration)
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	g, err := c.store.generation(c.name, false)
	if err != nil || g == nil {
		return false, err
	}
	if _, ok := g.Get(key); !ok {
		return false, nil
	}
	g.Delete(key)
	return true, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	g, err := c.store.generation(c.name, false)
	if err != nil || g == nil {
		return nil, err
	}
	items := g.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
