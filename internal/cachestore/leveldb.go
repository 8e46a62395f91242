package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<generation>            -> gob(generationMeta)
//	e:<generation>\x00<key>   -> gob(Entry)
const (
	nameKeyPrefix  = "n:"
	entryKeyPrefix = "e:"
	keySep         = "\x00"
)

type generationMeta struct {
	CreatedAt int64
}

// LevelDBStore persists generations in a single leveldb database. Entry sizes
// are tracked in memory so that Put can enforce maxBytes without scanning.
type LevelDBStore struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	sizes     map[string]int64 // full db key -> encoded size
	totalSize int64
	closed    bool
}

// OpenLevelDB opens (or creates) the database at path. maxBytes <= 0 disables
// the quota.
func OpenLevelDB(path string, maxBytes int64) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newLevelDBStore(db, maxBytes)
}

// OpenLevelDBMemory opens a store backed by leveldb's in-memory storage.
func OpenLevelDBMemory(maxBytes int64) (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelDBStore(db, maxBytes)
}

func newLevelDBStore(db *leveldb.DB, maxBytes int64) (*LevelDBStore, error) {
	s := &LevelDBStore{
		maxBytes: maxBytes,
		db:       db,
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelDBStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryKeyPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]int64{}
	for it.Next() {
		n := int64(len(it.Value()))
		idx[string(it.Key())] = n
		total += n
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// TotalSize returns the encoded size of all stored entries.
func (s *LevelDBStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *LevelDBStore) Open(_ context.Context, name string) (Cache, error) {
	if err := s.ensureGeneration(name); err != nil {
		return nil, err
	}
	return &levelDBCache{store: s, name: name}, nil
}

func (s *LevelDBStore) ensureGeneration(name string) error {
	if s.isClosed() {
		return ErrClosed
	}
	key := []byte(nameKeyPrefix + name)
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	b, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return s.db.Put(key, b, nil)
}

func (s *LevelDBStore) Has(_ context.Context, name string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	return s.db.Has([]byte(nameKeyPrefix+name), nil)
}

func (s *LevelDBStore) Names(_ context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(nameKeyPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(nameKeyPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStore) Delete(_ context.Context, name string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	nameKey := []byte(nameKeyPrefix + name)
	existed, err := s.db.Has(nameKey, nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey)

	prefix := []byte(entryKeyPrefix + name + keySep)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	var dropped []string
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		dropped = append(dropped, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}

	s.mu.Lock()
	for _, k := range dropped {
		s.totalSize -= s.sizes[k]
		delete(s.sizes, k)
	}
	s.mu.Unlock()

	return existed || len(dropped) > 0, nil
}

func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *LevelDBStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func entryKey(name, key string) []byte {
	return []byte(entryKeyPrefix + name + keySep + key)
}

type levelDBCache struct {
	store *LevelDBStore
	name  string
}

func (c *levelDBCache) Name() string { return c.name }

func (c *levelDBCache) Match(_ context.Context, key string) (Entry, error) {
	if c.store.isClosed() {
		return Entry{}, ErrClosed
	}
	b, err := c.store.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent, nil
}

func (c *levelDBCache) Put(_ context.Context, key string, ent Entry) error {
	s := c.store
	if s.isClosed() {
		return ErrClosed
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	k := entryKey(c.name, key)
	size := int64(len(b))

	// Reserve the space before writing so concurrent puts cannot both pass
	// the quota check.
	s.mu.Lock()
	old, had := s.sizes[string(k)]
	if s.maxBytes > 0 && s.totalSize-old+size > s.maxBytes {
		s.mu.Unlock()
		return ErrQuotaExceeded
	}
	s.totalSize += size - old
	s.sizes[string(k)] = size
	s.mu.Unlock()

	if err := c.write(k, b); err != nil {
		s.mu.Lock()
		if s.sizes[string(k)] == size {
			s.totalSize -= size - old
			if had {
				s.sizes[string(k)] = old
			} else {
				delete(s.sizes, string(k))
			}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (c *levelDBCache) write(k, b []byte) error {
	meta, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	nameKey := []byte(nameKeyPrefix + c.name)
	if ok, _ := c.store.db.Has(nameKey, nil); !ok {
		batch.Put(nameKey, meta)
	}
	batch.Put(k, b)
	return c.store.db.Write(batch, nil)
}

func (c *levelDBCache) Delete(_ context.Context, key string) (bool, error) {
	s := c.store
	if s.isClosed() {
		return false, ErrClosed
	}
	k := entryKey(c.name, key)
	ok, err := s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := s.db.Delete(k, nil); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.totalSize -= s.sizes[string(k)]
	delete(s.sizes, string(k))
	s.mu.Unlock()
	return true, nil
}

func (c *levelDBCache) Keys(_ context.Context) ([]string, error) {
	if c.store.isClosed() {
		return nil, ErrClosed
	}
	prefix := []byte(entryKeyPrefix + c.name + keySep)
	it := c.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
