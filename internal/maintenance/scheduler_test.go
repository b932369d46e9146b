package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/clock"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestRunOnce(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)))
	var calls int32
	s.Add(Job{Name: "count", Interval: time.Minute, Run: func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}})
	s.Add(Job{Name: "boom", Interval: time.Minute, Run: func(context.Context) error {
		panic("kaboom")
	}})
	s.Add(Job{Name: "no-interval", Run: func(context.Context) error { return nil }})

	assert.Equal(t, []string{"count", "boom"}, s.Jobs())
	require.NoError(t, s.RunOnce(context.Background(), "count"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	err := s.RunOnce(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	assert.ErrorIs(t, s.RunOnce(context.Background(), "missing"), ErrUnknownJob)
}

func TestRunOnce_Timeout(t *testing.T) {
	s := New(WithLogger(zaptest.NewLogger(t)), WithJobTimeout(20*time.Millisecond))
	s.Add(Job{Name: "slow", Interval: time.Minute, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	err := s.RunOnce(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_TicksWithClock(t *testing.T) {
	clk := clock.NewManual(t0)
	s := New(WithLogger(zaptest.NewLogger(t)), WithClock(clk))
	var calls int32
	s.Add(Job{Name: "tick", Interval: time.Minute, RunOnStart: true, Run: func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("errors do not stop the loop")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(time.Minute)
		return atomic.LoadInt32(&calls) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
