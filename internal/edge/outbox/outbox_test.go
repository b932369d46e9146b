package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	db, err := localdb.Open(context.Background(), filepath.Join(t.TempDir(), "edge.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clk := clock.NewManual(t0)
	return New(db, Config{MaxRetries: 3}, clk, zaptest.NewLogger(t)), clk
}

func TestEnqueue_AssignsSeqAndDefaults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.Enqueue(ctx, "create", "user", "u1", json.RawMessage(`{"n":1}`), 0)
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, "update", "user", "u1", json.RawMessage(`{"n":2}`), 42)
	require.NoError(t, err)

	assert.Equal(t, DefaultPriority, a.Priority)
	assert.Equal(t, MaxPriority, b.Priority)
	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 3, got.MaxRetries)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(t0))
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	_, err = s.Enqueue(ctx, "upsert", "user", "u1", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestSeqSurvivesPurge(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	a, err := s.Enqueue(ctx, "create", "user", "u1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, a.ID))
	clk.Advance(time.Hour)
	n, err := s.PurgeCompleted(ctx, clk.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	b, err := s.Enqueue(ctx, "create", "user", "u2", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Seq)
}

func TestClaimBatch_OrderAndSchedule(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	low, err := s.Enqueue(ctx, "create", "user", "low", nil, 9)
	require.NoError(t, err)
	clk.Advance(time.Second)
	high, err := s.Enqueue(ctx, "create", "user", "high", nil, 1)
	require.NoError(t, err)
	mid, err := s.Enqueue(ctx, "create", "user", "mid", nil, 5)
	require.NoError(t, err)

	batch, err := s.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, high.ID, batch[0].ID)
	assert.Equal(t, mid.ID, batch[1].ID)

	// las filas processing no se vuelven a reclamar
	batch, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, low.ID, batch[0].ID)

	batch, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkRetry_BackoffThenDead(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	e, err := s.Enqueue(ctx, "create", "user", "u1", nil, 0)
	require.NoError(t, err)

	for n := 1; n < 3; n++ {
		batch, err := s.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		failedAt := clk.Now()
		st, err := s.MarkRetry(ctx, e.ID, "timeout")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, st)

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.Retries)
		require.NotNil(t, got.ScheduledAt)
		assert.Equal(t, time.Duration(1<<n)*time.Minute, got.ScheduledAt.Sub(failedAt))

		// antes del backoff no se reclama
		batch, err = s.ClaimBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, batch)
		clk.Advance(time.Duration(1<<n) * time.Minute)
	}

	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	st, err := s.MarkRetry(ctx, e.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusDead, st)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Equal(t, 3, got.Retries)
	assert.Nil(t, got.ScheduledAt)

	dead, err := s.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, s.Retry(ctx, e.ID))
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Retries)

	assert.ErrorIs(t, s.Retry(ctx, e.ID), ErrNotRetryable)
	assert.ErrorIs(t, s.Retry(ctx, 999), ErrNotFound)
}

func TestMarkFailedAndDepth(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.Enqueue(ctx, "create", "user", "a", nil, 0)
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, "create", "user", "b", nil, 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "create", "user", "c", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, a.ID, "invalid"))
	require.NoError(t, s.MarkCompleted(ctx, b.ID))
	assert.ErrorIs(t, s.MarkFailed(ctx, 999, "x"), ErrNotFound)

	depth, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[StatusFailed])
	assert.Equal(t, 1, depth[StatusCompleted])
	assert.Equal(t, 1, depth[StatusPending])
	assert.Equal(t, 0, depth[StatusDead])

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRequeueStale(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	_, err := s.Enqueue(ctx, "create", "user", "a", nil, 0)
	require.NoError(t, err)
	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n, err := s.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(11 * time.Minute)
	n, err = s.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	batch, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestRelease_KeepsRetries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e, err := s.Enqueue(ctx, "update", "user", "a", nil, 0)
	require.NoError(t, err)
	_, err = s.ClaimBatch(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "sync secret rotated", e.ID))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Retries)

	// sin backoff: se puede reclamar en la misma pasada de reloj
	batch, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, s.Release(ctx, "noop"))
}

func TestBackoff(t *testing.T) {
	s := New(nil, Config{}, nil, nil)
	assert.Equal(t, time.Minute, s.Backoff(0))
	assert.Equal(t, 2*time.Minute, s.Backoff(1))
	assert.Equal(t, 8*time.Minute, s.Backoff(3))
	assert.Equal(t, s.Backoff(20), s.Backoff(50))
}

// ─── Error paths (sqlmock) ───

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, Config{}, clock.NewManual(t0), zaptest.NewLogger(t)), mock
}

func TestEnqueue_SeqFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT value FROM edge_state`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := s.Enqueue(context.Background(), "create", "user", "u1", nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next seq")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_UpdateFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "operation", "entity", "entity_id", "payload", "priority", "status", "retries",
		"max_retries", "scheduled_at", "error", "source_ts", "seq", "created_at", "updated_at", "completed_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "create", "user", "u1", nil, 5, "pending", 0, 3, t0, "", t0, 1, t0, t0, nil))
	mock.ExpectExec(`UPDATE outbox SET status = 'processing'`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := s.ClaimBatch(context.Background(), 10)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRetry_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT retries, max_retries FROM outbox`).WillReturnRows(sqlmock.NewRows([]string{"retries", "max_retries"}))
	mock.ExpectRollback()

	_, err := s.MarkRetry(context.Background(), 7, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
