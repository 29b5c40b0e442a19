package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"blobkeeper/internal/binarydata"
)

// Mode is the mode name this backend is registered under.
const Mode = "redis"

type Config struct {
	URL    string
	Prefix string
	// PersistedTTL is the expiry applied to marked keys; redis reclaims them.
	PersistedTTL time.Duration
}

// Store keeps payloads as plain redis strings. Marked keys get an expiry and
// are reclaimed by redis itself.
type Store struct {
	client       *goredis.Client
	prefix       string
	persistedTTL time.Duration
}

var _ binarydata.Backend = (*Store)(nil)

func NewStore(cfg Config) (*Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewStoreWithClient(goredis.NewClient(opts), cfg), nil
}

func NewStoreWithClient(client *goredis.Client, cfg Config) *Store {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "binary-data"
	}
	ttl := cfg.PersistedTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Store{client: client, prefix: prefix, persistedTTL: ttl}
}

// Init checks the server is reachable.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, content []byte) (string, error) {
	key := uuid.NewString()
	if err := s.client.Set(ctx, s.redisKey(key), content, 0).Err(); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Retrieve(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, binarydata.ErrNotFound
	}
	return raw, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// Duplicate uses COPY so the payload never leaves the server. COPY carries
// the source expiry over, so the copy is persisted in the same transaction:
// duplicating a marked key must not schedule the copy for deletion.
func (s *Store) Duplicate(ctx context.Context, key string) (string, error) {
	newKey := uuid.NewString()
	dst := s.redisKey(newKey)
	var copied *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		copied = pipe.Copy(ctx, s.redisKey(key), dst, 0, false)
		pipe.Persist(ctx, dst)
		return nil
	})
	if err != nil {
		return "", err
	}
	if copied.Val() == 0 {
		return "", binarydata.ErrNotFound
	}
	return newKey, nil
}

func (s *Store) MarkForDeletion(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, key := range keys {
			pipe.Expire(ctx, s.redisKey(key), s.persistedTTL)
		}
		return nil
	})
	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) redisKey(key string) string {
	return s.prefix + ":" + strings.TrimSpace(key)
}
