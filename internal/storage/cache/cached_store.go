package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"blobkeeper/internal/binarydata"
)

type Config struct {
	MaxEntries int
	// MaxBytes bounds the total cached payload size. Payloads larger than
	// MaxBytes are never cached.
	MaxBytes int64
}

func DefaultConfig() Config {
	return Config{
		MaxEntries: 1024,
		MaxBytes:   64 * 1024 * 1024, // 64MiB
	}
}

type MetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type metrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a read-through payload cache in front of another backend.
// Payloads are immutable per key, so entries only leave the cache on
// eviction, Delete or MarkForDeletion. Keys marked through this store are
// still read from the origin until reclaimed but are never cached again.
// Marks made by other processes are not seen.
type CachedStore struct {
	origin     binarydata.Backend
	blobs      *lru.Cache[string, []byte]
	marked     *lru.Cache[string, struct{}]
	maxBytes   int64
	totalBytes atomic.Int64
	metrics    metrics
}

var _ binarydata.Backend = (*CachedStore)(nil)

func NewCachedStore(origin binarydata.Backend, cfg Config) (*CachedStore, error) {
	if origin == nil {
		return nil, fmt.Errorf("cache origin is nil")
	}
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	s := &CachedStore{origin: origin, maxBytes: cfg.MaxBytes}
	blobs, err := lru.NewWithEvict[string, []byte](cfg.MaxEntries, func(_ string, v []byte) {
		s.totalBytes.Add(-int64(len(v)))
	})
	if err != nil {
		return nil, err
	}
	s.blobs = blobs
	if s.marked, err = lru.New[string, struct{}](cfg.MaxEntries); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CachedStore) Init(ctx context.Context) error {
	return s.origin.Init(ctx)
}

func (s *CachedStore) Store(ctx context.Context, content []byte) (string, error) {
	s.metrics.originWrites.Add(1)
	key, err := s.origin.Store(ctx, content)
	if err != nil {
		s.metrics.originWriteErr.Add(1)
		return "", err
	}
	s.set(key, content)
	return key, nil
}

func (s *CachedStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if raw, ok := s.blobs.Get(key); ok {
		s.metrics.hits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	raw, err := s.origin.Retrieve(ctx, key)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	if !s.marked.Contains(key) {
		s.set(key, raw)
	}
	return raw, nil
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	s.blobs.Remove(key)
	s.marked.Remove(key)
	return s.origin.Delete(ctx, key)
}

func (s *CachedStore) Duplicate(ctx context.Context, key string) (string, error) {
	s.metrics.originWrites.Add(1)
	newKey, err := s.origin.Duplicate(ctx, key)
	if err != nil {
		s.metrics.originWriteErr.Add(1)
		return "", err
	}
	if raw, ok := s.blobs.Peek(key); ok {
		s.set(newKey, raw)
	}
	return newKey, nil
}

func (s *CachedStore) MarkForDeletion(ctx context.Context, keys []string) error {
	for _, key := range keys {
		s.marked.Add(key, struct{}{})
		s.blobs.Remove(key)
	}
	return s.origin.MarkForDeletion(ctx, keys)
}

func (s *CachedStore) Close() error {
	s.blobs.Purge()
	s.marked.Purge()
	return s.origin.Close()
}

// Origin returns the wrapped backend.
func (s *CachedStore) Origin() binarydata.Backend {
	return s.origin
}

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.snapshot()
}

func (s *CachedStore) set(key string, raw []byte) {
	size := int64(len(raw))
	if size > s.maxBytes {
		return
	}
	copied := append([]byte(nil), raw...)
	if ok, _ := s.blobs.ContainsOrAdd(key, copied); ok {
		return
	}
	s.totalBytes.Add(size)
	for s.totalBytes.Load() > s.maxBytes && s.blobs.Len() > 0 {
		s.blobs.RemoveOldest()
	}
}
