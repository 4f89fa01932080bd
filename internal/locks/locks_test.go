package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-incidents/internal/cache"
	"github.com/miradorstack/mirador-incidents/internal/utils"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Acquire(ctx, "checkout|E1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, km.Held(), "idle keys must be dropped")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	relA, err := km.Acquire(ctx, "a")
	require.NoError(t, err)
	defer relA()

	ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	relB, err := km.Acquire(ctxB, "b")
	require.NoError(t, err)
	relB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	release, err := km.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(ctx, "a")
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))

	release()
	release()
	assert.Zero(t, km.Held())
}

func TestCacheLockerExcludesAcrossHolders(t *testing.T) {
	provider := cache.NewMemoryProvider()
	a := NewCacheLocker(provider, "", time.Minute, 5*time.Millisecond, nil)
	b := NewCacheLocker(provider, "", time.Minute, 5*time.Millisecond, nil)

	release, err := a.Acquire(context.Background(), "checkout|E1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "checkout|E1")
	assert.Error(t, err)

	release()
	releaseB, err := b.Acquire(context.Background(), "checkout|E1")
	require.NoError(t, err)
	releaseB()
}

func TestChainReleasesInReverse(t *testing.T) {
	provider := cache.NewMemoryProvider()
	chain := Chain{NewKeyedMutex(), NewCacheLocker(provider, "", time.Minute, time.Millisecond, nil)}

	release, err := chain.Acquire(context.Background(), "k")
	require.NoError(t, err)
	_, err = provider.Get(context.Background(), "mirador:incidents:lock:k")
	require.NoError(t, err)

	release()
	_, err = provider.Get(context.Background(), "mirador:incidents:lock:k")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
