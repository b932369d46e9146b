package middlewares

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dropDatabas3/edgesync/internal/http/errors"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/rate"
)

// RateKeyFunc arma la clave de rate limit; no debe leer el body.
type RateKeyFunc func(r *http.Request) string

// RegisterRateKey limita por IP y, si viene, por server id declarado.
func RegisterRateKey(r *http.Request) string {
	key := "register|" + ClientIP(r)
	if sid := r.Header.Get(HeaderServerID); sid != "" {
		key += "|" + sid
	}
	return key
}

type RateLimitConfig struct {
	Limiter rate.Limiter
	KeyFunc RateKeyFunc
}

// WithRateLimit responde 429 con Retry-After cuando el limiter rechaza.
// Un error del limiter (Redis caído) deja pasar la request.
func WithRateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		return nil
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RegisterRateKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.ResetIn > 0 {
				h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetIn)))
			}
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(ceilSeconds(d.RetryIn)))
				errors.WriteError(w, errors.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
