package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Version(ctx context.Context, key string) (int64, error)
	SetIfVersion(ctx context.Context, key string, version int64, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// CacheService wraps the case detail cache with metrics. Failures never
// block a request; they are logged and treated as misses.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get attempts to retrieve a cached entry. It returns true on a hit.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) bool {
	if !s.Enabled() {
		return false
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

// Version reads the invalidation counter of key. Read it before loading the
// value to cache; ok is false when nothing should be cached.
func (s *CacheService) Version(ctx context.Context, key string) (version int64, ok bool) {
	if !s.Enabled() {
		return 0, false
	}
	version, err := s.repo.Version(ctx, key)
	if err != nil {
		s.logger.Warn("cache version failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return version, true
}

// SetIfVersion stores the value using the default TTL unless key was
// invalidated after version was read.
func (s *CacheService) SetIfVersion(ctx context.Context, key string, version int64, value interface{}) {
	if !s.Enabled() {
		return
	}
	start := time.Now()
	written, err := s.repo.SetIfVersion(ctx, key, version, value, s.defaultTTL)
	s.metrics.ObserveCacheWrite(time.Since(start))
	switch {
	case err != nil:
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	case !written:
		s.logger.Debug("cache set skipped, key invalidated during load", zap.String("key", key))
	}
}

// Invalidate removes the given keys and voids in-flight loads of them.
func (s *CacheService) Invalidate(ctx context.Context, keys ...string) {
	if !s.Enabled() || len(keys) == 0 {
		return
	}
	if err := s.repo.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
