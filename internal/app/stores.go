package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"blobkeeper/internal/binarydata"
	"blobkeeper/internal/config"
	"blobkeeper/internal/logger"
	"blobkeeper/internal/storage/cache"
	"blobkeeper/internal/storage/filesystem"
	"blobkeeper/internal/storage/memory"
	"blobkeeper/internal/storage/redis"
	"blobkeeper/internal/storage/s3"
)

// newRegistry registers a factory for every backend this binary ships. The
// manager only calls the factories of enabled modes.
func newRegistry(cfg *config.Config, l logger.Logger) *binarydata.Registry {
	reg := binarydata.NewRegistry()
	reg.Register(memory.Mode, cached(cfg, l, memory.Mode, func(context.Context) (binarydata.Backend, error) {
		return memory.NewStore(), nil
	}))
	reg.Register(filesystem.Mode, cached(cfg, l, filesystem.Mode, newFilesystemFactory(cfg, l)))
	reg.Register(s3.Mode, cached(cfg, l, s3.Mode, newS3Factory(cfg, l)))
	reg.Register(redis.Mode, cached(cfg, l, redis.Mode, newRedisFactory(cfg)))
	return reg
}

func newFilesystemFactory(cfg *config.Config, l logger.Logger) binarydata.Factory {
	return func(context.Context) (binarydata.Backend, error) {
		s, err := filesystem.NewStore(filesystem.Config{
			Root:          cfg.BinaryData.LocalStoragePath,
			SweepInterval: cfg.BinaryData.TTL,
			PersistedTTL:  cfg.BinaryData.PersistedTTL,
			MainProcess:   cfg.BinaryData.MainProcess,
			Logger:        l,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize filesystem store: %w", err)
		}
		l.Info("binary data store", zap.String("mode", filesystem.Mode), zap.String("root", cfg.BinaryData.LocalStoragePath))
		return s, nil
	}
}

func newS3Factory(cfg *config.Config, l logger.Logger) binarydata.Factory {
	return func(context.Context) (binarydata.Backend, error) {
		s, err := s3.NewStore(s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
			Logger:    l,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 store: %w", err)
		}
		l.Info("binary data store", zap.String("mode", s3.Mode), zap.String("bucket", cfg.S3.Bucket), zap.String("endpoint", cfg.S3.Endpoint))
		return s, nil
	}
}

func newRedisFactory(cfg *config.Config) binarydata.Factory {
	return func(context.Context) (binarydata.Backend, error) {
		s, err := redis.NewStore(redis.Config{
			URL:          cfg.Redis.URL,
			Prefix:       cfg.Redis.Prefix,
			PersistedTTL: cfg.BinaryData.PersistedTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return s, nil
	}
}

// cached wraps a factory with the LRU payload cache when it is enabled.
func cached(cfg *config.Config, l logger.Logger, mode string, f binarydata.Factory) binarydata.Factory {
	if !cfg.BinaryData.Cache.Enabled {
		return f
	}
	return func(ctx context.Context) (binarydata.Backend, error) {
		origin, err := f(ctx)
		if err != nil {
			return nil, err
		}
		s, err := cache.NewCachedStore(origin, cache.Config{
			MaxEntries: cfg.BinaryData.Cache.MaxEntries,
			MaxBytes:   cfg.BinaryData.Cache.MaxBytes,
		})
		if err != nil {
			_ = origin.Close()
			return nil, fmt.Errorf("failed to initialize %s cache: %w", mode, err)
		}
		l.Debug("binary data cache enabled", zap.String("mode", mode))
		return s, nil
	}
}

// Sweeper is implemented by backends that reclaim marked payloads themselves.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweeperFor returns the sweeper behind mode, looking through the cache.
func SweeperFor(m *binarydata.Manager, mode string) (Sweeper, bool) {
	b, ok := m.Backend(mode)
	if !ok {
		return nil, false
	}
	if c, isCache := b.(*cache.CachedStore); isCache {
		b = c.Origin()
	}
	sw, ok := b.(Sweeper)
	return sw, ok
}
