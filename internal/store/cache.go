package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// CacheConfig configures the on-disk chunk cache.
type CacheConfig struct {
	// Dir holds the database files. Empty means an in-memory cache.
	Dir string
	// MaxMemoryMB bounds the memtable and block caches. 0 uses 64 MB.
	MaxMemoryMB int64
	// TTL expires cached objects. 0 keeps them until evicted by compaction.
	TTL time.Duration
}

// ChunkCache keeps fetched objects in a local BadgerDB so that repeated runs
// over the same stores do not refetch every chunk from the bucket.
type ChunkCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// OpenChunkCache opens (or creates) the cache database.
func OpenChunkCache(cfg CacheConfig, logger *slog.Logger) (*ChunkCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	mem := cfg.MaxMemoryMB
	if mem <= 0 {
		mem = 64
	}
	memTable := mem * 1024 * 1024 / 3
	opts = opts.
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTable).
		WithNumMemtables(2).
		WithBlockCacheSize(memTable / 2).
		WithIndexCacheSize(memTable / 4).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk cache: %w", err)
	}
	return &ChunkCache{db: db, ttl: cfg.TTL, logger: logger}, nil
}

// Close flushes and closes the database.
func (c *ChunkCache) Close() error {
	return c.db.Close()
}

// Stats returns cache hits and misses since open.
func (c *ChunkCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ChunkCache) get(key string) ([]byte, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *ChunkCache) set(key string, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *ChunkCache) drop(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Wrap returns an ObjectStore that serves reads through the cache. namespace
// separates buckets sharing one cache.
func (c *ChunkCache) Wrap(namespace string, inner ObjectStore) ObjectStore {
	return &cachedStore{cache: c, namespace: namespace, inner: inner}
}

type cachedStore struct {
	cache     *ChunkCache
	namespace string
	inner     ObjectStore
}

func (s *cachedStore) cacheKey(key string) string {
	return s.namespace + "\x00" + key
}

// Get implements ObjectStore. Cache failures degrade to a direct read.
func (s *cachedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ck := s.cacheKey(key)
	data, ok, err := s.cache.get(ck)
	if err != nil {
		s.cache.logger.WarnContext(ctx, "chunk cache read failed", "key", key, "error", err)
	}
	if ok {
		s.cache.hits.Add(1)
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	s.cache.misses.Add(1)

	data, err = ReadAll(ctx, s.inner, key)
	if err != nil {
		return nil, err
	}
	if err := s.cache.set(ck, data); err != nil {
		s.cache.logger.WarnContext(ctx, "chunk cache write failed", "key", key, "error", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements ObjectStore and invalidates the cached copy.
func (s *cachedStore) Put(ctx context.Context, key string, body io.Reader) error {
	if err := s.inner.Put(ctx, key, body); err != nil {
		return err
	}
	if err := s.cache.drop(s.cacheKey(key)); err != nil {
		s.cache.logger.WarnContext(ctx, "chunk cache invalidation failed", "key", key, "error", err)
	}
	return nil
}
