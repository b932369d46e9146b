package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory es el backend in-process (una sola central o tests).
type Memory struct {
	prefix string
	items  *gocache.Cache
}

// NewMemory barre entradas vencidas cada minuto.
func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, items: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *Memory) Kind() string { return KindMemory }

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.items.Get(prefixed(m.prefix, key))
	if !ok {
		observe(KindMemory, ErrMiss)
		return nil, ErrMiss
	}
	observe(KindMemory, nil)
	b := v.([]byte)
	return append([]byte(nil), b...), nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.items.Set(prefixed(m.prefix, key), append([]byte(nil), val...), ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.items.Delete(prefixed(m.prefix, k))
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}

// Len cuenta las entradas vivas.
func (m *Memory) Len() int { return m.items.ItemCount() }
