package cache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider with per-key expiry, used when no
// Valkey endpoint is configured and in tests.
type MemoryProvider struct {
	mu   sync.Mutex
	data map[string]item
	now  func() time.Time
}

type item struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]item), now: time.Now}
}

// live returns the unexpired entry for key, evicting it if stale. Callers hold m.mu.
func (m *MemoryProvider) live(key string) (item, bool) {
	it, ok := m.data[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && m.now().After(it.expiresAt) {
		delete(m.data, key)
		return item{}, false
	}
	return it, true
}

func (m *MemoryProvider) put(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.data[key] = item{value: append([]byte(nil), value...), expiresAt: expires}
}

// Get implements Provider.
func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set implements Provider.
func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl)
	return nil
}

// SetNX implements Provider.
func (m *MemoryProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

// Del implements Provider.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// CompareAndDelete implements CompareAndDeleter.
func (m *MemoryProvider) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || !bytes.Equal(it.value, value) {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

// Close implements Provider.
func (m *MemoryProvider) Close() error { return nil }
