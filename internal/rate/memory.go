package rate

import (
	"context"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	gocache "github.com/patrickmn/go-cache"
	xrate "golang.org/x/time/rate"
)

// MemoryLimiter: token bucket por clave (x/time/rate). Max eventos por Window con
// ráfaga Max. Las claves inactivas expiran del cache tras 2×Window.
type MemoryLimiter struct {
	max    int
	window time.Duration
	clock  clock.Clock
	keys   *gocache.Cache
}

func NewMemoryLimiter(max int, window time.Duration, clk clock.Clock) *MemoryLimiter {
	max, window = normalize(max, window)
	return &MemoryLimiter{
		max:    max,
		window: window,
		clock:  clock.OrReal(clk),
		keys:   gocache.New(2*window, window),
	}
}

func (l *MemoryLimiter) bucket(key string) *xrate.Limiter {
	if v, ok := l.keys.Get(key); ok {
		l.keys.SetDefault(key, v)
		return v.(*xrate.Limiter)
	}
	every := l.window / time.Duration(l.max)
	lim := xrate.NewLimiter(xrate.Every(every), l.max)
	if err := l.keys.Add(key, lim, gocache.DefaultExpiration); err != nil {
		// otra goroutine lo creó primero
		if v, ok := l.keys.Get(key); ok {
			return v.(*xrate.Limiter)
		}
	}
	return lim
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.clock.Now()
	lim := l.bucket(key)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryIn: l.window, ResetIn: l.window}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryIn: delay, ResetIn: l.window}, nil
	}
	left := int(lim.TokensAt(now))
	// tiempo hasta rellenar el bucket completo
	reset := time.Duration(l.max-left) * (l.window / time.Duration(l.max))
	return Decision{Allowed: true, Remaining: max(left, 0), ResetIn: reset}, nil
}
