package locks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// CacheLocker holds keys in a shared cache with SET NX PX so that several
// replicas serialise on the same correlation key. The TTL bounds how long a
// crashed holder can block others.
type CacheLocker struct {
	provider cache.Provider
	prefix   string
	ttl      time.Duration
	retry    time.Duration
	logger   *slog.Logger
}

// NewCacheLocker constructs a CacheLocker. Zero durations fall back to 30s TTL and 25ms polling.
func NewCacheLocker(provider cache.Provider, prefix string, ttl, retry time.Duration, logger *slog.Logger) *CacheLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	if prefix == "" {
		prefix = "mirador:incidents:lock:"
	}
	return &CacheLocker{provider: provider, prefix: prefix, ttl: ttl, retry: retry, logger: utils.Component(logger, "locks")}
}

// Acquire implements Locker.
func (l *CacheLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if l.provider == nil {
		return nil, errors.New("cache locker has no provider")
	}
	cacheKey := l.prefix + key
	token := []byte(uuid.NewString())

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.provider.SetNX(ctx, cacheKey, token, l.ttl)
		if err != nil {
			return nil, utils.Unavailable("locks.acquire", "lock backend failed", err)
		}
		if ok {
			var once sync.Once
			return func() { once.Do(func() { l.release(key, cacheKey, token) }) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, utils.Unavailable("locks.acquire", "timed out waiting for key "+key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release deletes the key only while it still carries token, so a holder whose
// TTL lapsed cannot free a lock another replica has since taken.
func (l *CacheLocker) release(key, cacheKey string, token []byte) {
	// Detached so a cancelled caller still frees the key.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var err error
	if cad, ok := l.provider.(cache.CompareAndDeleter); ok {
		var deleted bool
		deleted, err = cad.CompareAndDelete(ctx, cacheKey, token)
		if err == nil && !deleted {
			l.logger.Warn("distributed lock expired before release", slog.String("key", key))
		}
	} else {
		err = l.provider.Del(ctx, cacheKey)
	}
	if err != nil {
		l.logger.Warn("release distributed lock", slog.String("key", key), slog.Any("error", err))
	}
}
