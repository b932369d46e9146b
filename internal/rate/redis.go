package rate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/edgesync/internal/clock"
)

// RedisLimiter cuenta intentos en ventanas fijas alineadas a Window. Todas las
// réplicas que comparten Redis ven el mismo contador.
type RedisLimiter struct {
	client rdb.Cmdable
	prefix string
	max    int
	window time.Duration
	clock  clock.Clock
}

func NewRedisLimiter(client rdb.Cmdable, prefix string, max int, window time.Duration) *RedisLimiter {
	max, window = normalize(max, window)
	return &RedisLimiter{client: client, prefix: prefix, max: max, window: window, clock: clock.Real{}}
}

// windowKey: <prefix><key>@<inicio de ventana en unix>
func (l *RedisLimiter) windowKey(key string, start time.Time) string {
	var b strings.Builder
	b.WriteString(l.prefix)
	b.WriteString(strings.ReplaceAll(key, " ", "_"))
	b.WriteByte('@')
	b.WriteString(strconv.FormatInt(start.Unix(), 10))
	return b.String()
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	start := now.Truncate(l.window)
	k := l.windowKey(key, start)

	var hits *rdb.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p rdb.Pipeliner) error {
		hits = p.Incr(ctx, k)
		// la key vive lo que la ventana; ExpireNX no pisa el TTL ya puesto
		p.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate: redis: %w", err)
	}

	reset := start.Add(l.window).Sub(now)
	n := int(hits.Val())
	d := Decision{Allowed: n <= l.max, Remaining: max(l.max-n, 0), ResetIn: reset}
	if !d.Allowed {
		d.RetryIn = reset
	}
	return d, nil
}
