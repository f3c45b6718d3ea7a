package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type item struct {
	val []byte
	exp time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.exp.IsZero() && now.After(i.exp)
}

// Memory is an in-process Backend.
type Memory struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]item), now: time.Now}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok || v.expired(m.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.val...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := item{val: append([]byte(nil), value...)}
	if ttl > 0 {
		it.exp = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []string
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) && !v.expired(now) {
			out = append(out, k)
		}
	}
	return out, nil
}
