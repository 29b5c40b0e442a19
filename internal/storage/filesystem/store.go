package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blobkeeper/internal/binarydata"
	"blobkeeper/internal/logger"
)

// Mode is the mode name this backend is registered under.
const Mode = "filesystem"

const metaDir = "meta"

type Config struct {
	Root string
	// SweepInterval is how often marked payloads are reclaimed. Zero or
	// negative disables the background sweeper.
	SweepInterval time.Duration
	// PersistedTTL is how long a marked payload survives before it can be
	// reclaimed.
	PersistedTTL time.Duration
	// MainProcess enables reclamation on Init and the background sweeper.
	// Worker processes sharing the same root leave both to the main one.
	MainProcess bool
	Logger      logger.Logger
}

// Store keeps one file per payload under Root. Keys are random UUIDs.
type Store struct {
	root         string
	sweepEvery   time.Duration
	persistedTTL time.Duration
	main         bool
	logger       logger.Logger
	now          func() time.Time

	index *deletionIndex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ binarydata.Backend = (*Store)(nil)

func NewStore(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("filesystem storage root is required")
	}
	l := cfg.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Store{
		root:         root,
		sweepEvery:   cfg.SweepInterval,
		persistedTTL: cfg.PersistedTTL,
		main:         cfg.MainProcess,
		logger:       l.With(zap.String("backend", Mode)),
		now:          time.Now,
		index:        newDeletionIndex(filepath.Join(root, metaDir, marksDir)),
		stop:         make(chan struct{}),
	}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if err := s.index.init(); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	if !s.main {
		return nil
	}
	if _, err := s.Sweep(ctx); err != nil {
		return err
	}
	if s.sweepEvery > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return nil
}

func (s *Store) Store(_ context.Context, content []byte) (string, error) {
	key := uuid.NewString()
	path, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Retrieve(_ context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, binarydata.ErrNotFound
	}
	return raw, err
}

func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return s.index.remove(key)
}

func (s *Store) Duplicate(_ context.Context, key string) (string, error) {
	src, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", binarydata.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	defer in.Close()

	newKey := uuid.NewString()
	dst, err := s.pathFor(newKey)
	if err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return newKey, nil
}

// MarkForDeletion schedules the keys for reclamation once PersistedTTL has
// passed. Payloads stay readable until the sweeper removes them.
func (s *Store) MarkForDeletion(_ context.Context, keys []string) error {
	for _, key := range keys {
		if _, err := s.pathFor(key); err != nil {
			return err
		}
	}
	return s.index.mark(keys, s.now().Add(s.persistedTTL))
}

// Sweep removes every marked payload whose deadline has passed and returns
// how many were reclaimed.
func (s *Store) Sweep(_ context.Context) (int, error) {
	due, err := s.index.due(s.now())
	if err != nil {
		return 0, err
	}
	removed := make([]string, 0, len(due))
	for _, key := range due {
		path, err := s.pathFor(key)
		if err != nil {
			s.logger.Warn("dropping invalid key from deletion index", zap.String("key", key))
			removed = append(removed, key)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reclaim binary data failed", zap.String("key", key), zap.Error(err))
			continue
		}
		removed = append(removed, key)
	}
	if err := s.index.remove(removed...); err != nil {
		return len(removed), err
	}
	if len(removed) > 0 {
		s.logger.Debug("reclaimed binary data", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("binary data sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}

func (s *Store) pathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("binary data key is required")
	}
	if key == metaDir || strings.HasPrefix(key, ".") || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`+binarydata.IDSeparator) || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid binary data key: %s", key)
	}
	return filepath.Join(s.root, key), nil
}
