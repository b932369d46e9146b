package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/rate"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (rate.Decision, error) {
	return rate.Decision{}, errors.New("redis down")
}

func registerReq(serverID string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/sync/register", nil)
	r.RemoteAddr = "10.1.1.1:5555"
	r.Header.Set(HeaderServerID, serverID)
	return r
}

func TestWithRateLimit_RejectsAfterBudget(t *testing.T) {
	clk := clock.NewManual(now)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), WithRateLimit(RateLimitConfig{Limiter: rate.NewMemoryLimiter(2, time.Minute, clk)}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, registerReq("edge-1"))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, registerReq("edge-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// otro server id desde la misma IP tiene su propio cupo
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, registerReq("edge-2"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWithRateLimit_FailsOpen(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), WithRateLimit(RateLimitConfig{Limiter: brokenLimiter{}}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, registerReq("edge-1"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWithRateLimit_NilLimiterIsNoop(t *testing.T) {
	assert.Nil(t, WithRateLimit(RateLimitConfig{}))
}
