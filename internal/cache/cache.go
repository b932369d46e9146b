// Package cache guarda lecturas calientes de la central (nodos por server_id)
// en memoria o en Redis cuando corren varias réplicas. Nunca guarda material
// secreto en claro.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/edgesync/internal/metrics"
)

// ErrMiss se devuelve cuando la key no está (o expiró).
var ErrMiss = errors.New("cache: miss")

// Client es el contrato común de ambos backends.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set con ttl ≤0 no expira.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
	Kind() string
}

const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

type Config struct {
	Kind     string
	Addr     string // host:port (redis)
	Password string
	DB       int
	Prefix   string
	// DialTimeout acota el ping inicial a Redis (default 5s).
	DialTimeout time.Duration
}

// Open crea el backend configurado. Redis se valida con un ping.
func Open(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Kind {
	case KindRedis:
		return NewRedis(ctx, cfg)
	case KindMemory, "":
		return NewMemory(cfg.Prefix), nil
	}
	return nil, fmt.Errorf("cache: unknown kind %q", cfg.Kind)
}

// GetJSON lee y decodifica key. Un valor corrupto cuenta como miss.
func GetJSON[T any](ctx context.Context, c Client, key string) (*T, error) {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		_ = c.Delete(ctx, key)
		return nil, ErrMiss
	}
	return &v, nil
}

// SetJSON codifica v y lo guarda.
func SetJSON(ctx context.Context, c Client, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, b, ttl)
}

func observe(kind string, err error) {
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
	case errors.Is(err, ErrMiss):
		metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
	}
}

func prefixed(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + k
}
