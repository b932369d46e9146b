package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/cache"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/store/adapters/sqlite"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	reg    *Registry
	conn   *sqlite.Connection
	clock  *clock.Manual
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "central.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := sqlite.New(db)
	_, err = conn.Migrate(context.Background())
	require.NoError(t, err)

	f := &fixture{conn: conn, clock: clock.NewManual(t0), events: &notify.Recorder{}}
	f.reg, err = New(Deps{
		Nodes:      conn.Nodes(),
		Heartbeats: conn.Heartbeats(),
		Commands:   conn.Commands(),
		Cache:      cache.NewMemory("test:"),
		Notifier:   f.events,
		Clock:      f.clock,
		Logger:     zaptest.NewLogger(t),
	}, Config{})
	require.NoError(t, err)
	return f
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.reg.Create(ctx, Registration{ServerID: "edge-1", GeoID: "geo-1", Endpoint: "http://edge-1"})
	require.NoError(t, err)
	assert.True(t, n.NeedsFullSync)
	assert.Equal(t, repository.DefaultHeartbeatInterval, n.HeartbeatIntervalSeconds)

	got, err := f.reg.Lookup(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, n.InstanceID, got.InstanceID)

	// segunda lectura sale del cache
	got, err = f.reg.Lookup(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, "geo-1", got.GeoID)

	_, err = f.reg.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.reg.Create(ctx, Registration{ServerID: "", GeoID: "geo-1"})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestReregister_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, err := f.reg.Create(ctx, Registration{ServerID: "edge-1", GeoID: "geo-1"})
	require.NoError(t, err)
	_, err = f.reg.Lookup(ctx, "edge-1")
	require.NoError(t, err)

	_, err = f.reg.Reregister(ctx, n, Registration{ServerID: "edge-1", GeoID: "geo-2", Endpoint: "http://new", HeartbeatInterval: 60})
	require.NoError(t, err)

	got, err := f.reg.Lookup(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, "geo-2", got.GeoID)
	assert.Equal(t, 60, got.HeartbeatIntervalSeconds)
}

func TestRecordHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, err := f.reg.Create(ctx, Registration{ServerID: "edge-1", GeoID: "geo-1"})
	require.NoError(t, err)

	_, err = f.reg.SendCommand(ctx, n.InstanceID, "full_resync", json.RawMessage(`{"why":"test"}`))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	ack, err := f.reg.RecordHeartbeat(ctx, n, Heartbeat{
		CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 70, QueueSize: 3,
		ReportedAt: t0.Add(500 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.True(t, ack.NeedsFullSync)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, "full_resync", ack.Commands[0].Command)

	stored, err := f.reg.Get(ctx, n.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSeen)
	assert.True(t, stored.LastSeen.Equal(t0.Add(time.Second)))
	assert.Equal(t, 3, stored.SyncQueueSize)
	assert.InDelta(t, 12.5, stored.CPUPercent, 0.001)

	hist, err := f.reg.History(ctx, n.InstanceID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.EqualValues(t, 500, hist[0].ResponseTimeMs)

	// los comandos se entregan una sola vez
	ack, err = f.reg.RecordHeartbeat(ctx, n, Heartbeat{})
	require.NoError(t, err)
	assert.Empty(t, ack.Commands)
}

func TestDetectOffline_Boundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale, err := f.reg.Create(ctx, Registration{ServerID: "edge-stale", GeoID: "geo-1", HeartbeatInterval: 300})
	require.NoError(t, err)
	fresh, err := f.reg.Create(ctx, Registration{ServerID: "edge-fresh", GeoID: "geo-1", HeartbeatInterval: 300})
	require.NoError(t, err)

	now := t0.Add(time.Hour)
	f.clock.Set(now.Add(-601 * time.Second))
	_, err = f.reg.RecordHeartbeat(ctx, stale, Heartbeat{})
	require.NoError(t, err)
	f.clock.Set(now.Add(-599 * time.Second))
	_, err = f.reg.RecordHeartbeat(ctx, fresh, Heartbeat{})
	require.NoError(t, err)

	f.clock.Set(now)
	offline, err := f.reg.DetectOffline(ctx)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "edge-stale", offline[0].ServerID)
	assert.Equal(t, 1, f.events.Count(notify.NodeOffline))

	got, err := f.reg.Get(ctx, stale.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, repository.NodeInactive, got.Status)
	got, err = f.reg.Get(ctx, fresh.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, repository.NodeActive, got.Status)

	// un heartbeat posterior reactiva al nodo
	stale, err = f.reg.Lookup(ctx, "edge-stale")
	require.NoError(t, err)
	_, err = f.reg.RecordHeartbeat(ctx, stale, Heartbeat{})
	require.NoError(t, err)
	got, err = f.reg.Get(ctx, stale.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, repository.NodeActive, got.Status)
}

func TestIsOnline(t *testing.T) {
	now := t0
	seen := now.Add(-601 * time.Second)
	n := &repository.EdgeNode{HeartbeatIntervalSeconds: 300, LastSeen: &seen}
	assert.False(t, n.IsOnline(now))

	seen = now.Add(-599 * time.Second)
	assert.True(t, n.IsOnline(now))

	n.LastSeen = nil
	assert.False(t, n.IsOnline(now))
}
