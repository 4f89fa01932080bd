// Package locks provides per-correlation-key mutual exclusion shared by the
// correlation engine, the auto-resolution sweep and operator updates.
package locks

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-incidents/internal/utils"
)

// Release unlocks a previously acquired key. It is safe to call once.
type Release func()

// Locker serialises work per key. Acquire blocks until the key is free or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// KeyedMutex is an in-process Locker. Unrelated keys never contend, and idle
// keys are dropped from the map once their last waiter leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Acquire implements Locker.
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (Release, error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.sem
				k.drop(key, s)
			})
		}, nil
	case <-ctx.Done():
		k.drop(key, s)
		return nil, utils.Unavailable("locks.acquire", "timed out waiting for key "+key, ctx.Err())
	}
}

func (k *KeyedMutex) drop(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Held returns how many keys currently have a holder or waiter.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// Chain acquires each locker in order and releases in reverse.
type Chain []Locker

// Acquire implements Locker.
func (c Chain) Acquire(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		rel, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
