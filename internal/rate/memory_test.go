package rate

import (
	"context"
	"testing"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(3, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i)
	}
	res, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryIn, time.Duration(0))
	assert.Zero(t, res.Remaining)

	// otra clave tiene su propio bucket
	res, err = l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiter_Refill(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(2, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _ := l.Allow(ctx, "k")
		require.True(t, res.Allowed)
	}
	res, _ := l.Allow(ctx, "k")
	require.False(t, res.Allowed)

	// un token cada 30s
	clk.Advance(31 * time.Second)
	res, _ = l.Allow(ctx, "k")
	assert.True(t, res.Allowed)
}
