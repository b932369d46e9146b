package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/audit"
	"github.com/dropDatabas3/edgesync/internal/cache"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/registry"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"github.com/dropDatabas3/edgesync/internal/security/regtoken"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
	"github.com/dropDatabas3/edgesync/internal/store/adapters/sqlite"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svcs    Services
	conn    *sqlite.Connection
	clock   *clock.Manual
	reg     *registry.Registry
	secrets *secrets.Service
	tokens  *regtoken.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "central.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := sqlite.New(db)
	_, err = conn.Migrate(ctx)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	f := &fixture{conn: conn, clock: clock.NewManual(t0)}

	f.reg, err = registry.New(registry.Deps{
		Nodes:      conn.Nodes(),
		Heartbeats: conn.Heartbeats(),
		Commands:   conn.Commands(),
		Cache:      cache.NewMemory("test:"),
		Clock:      f.clock,
		Logger:     log,
	}, registry.Config{})
	require.NoError(t, err)

	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	f.secrets, err = secrets.NewService(key, secrets.Deps{
		Repo:     conn.Secrets(),
		Trail:    audit.NewTrail(conn.Audit(), f.clock, log),
		Notifier: &notify.Recorder{},
		Clock:    f.clock,
		Logger:   log,
	}, secrets.Config{})
	require.NoError(t, err)
	t.Cleanup(f.secrets.Close)

	f.tokens, err = regtoken.New([]byte("registration-signing-key-0123456789"), f.clock.Now)
	require.NoError(t, err)

	f.svcs = NewServices(Deps{
		Registry: f.reg,
		Secrets:  f.secrets,
		Records:  conn.Records(),
		Tokens:   f.tokens,
		Clock:    f.clock,
	}, Config{MaxClockSkew: time.Minute, PullLimit: 2})
	return f
}

func (f *fixture) register(t *testing.T, serverID, geoID string) (*repository.EdgeNode, *dto.RegisterResponse) {
	t.Helper()
	ctx := context.Background()
	tok, _, err := f.tokens.Issue(serverID, geoID, time.Hour)
	require.NoError(t, err)
	resp, err := f.svcs.Register.Register(ctx, tok, "", dto.RegisterRequest{ServerID: serverID, GeoID: geoID})
	require.NoError(t, err)
	n, err := f.reg.Lookup(ctx, serverID)
	require.NoError(t, err)
	return n, resp
}

func change(id string, ts time.Time, seq int64, data string) dto.Change {
	return dto.Change{Operation: dto.OpUpdate, ID: id, Data: json.RawMessage(data), Timestamp: ts, Seq: seq}
}

func TestPush_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")

	req := dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		change("g1", t0.Add(-time.Minute), 1, `{"name": "a"}`),
		change("g2", t0.Add(-time.Minute), 2, `{"name":"b"}`),
	}}
	first, err := f.svcs.Sync.Push(ctx, n, req)
	require.NoError(t, err)
	for _, r := range first.Results {
		assert.True(t, r.Accepted)
		assert.True(t, r.Applied)
		assert.Equal(t, dto.ReasonApplied, r.Reason)
	}
	assert.Positive(t, first.Cursor)

	max1, err := f.conn.Records().MaxSeq(ctx)
	require.NoError(t, err)

	// re-entrega del mismo batch: aceptado, sin efecto
	second, err := f.svcs.Sync.Push(ctx, n, req)
	require.NoError(t, err)
	for _, r := range second.Results {
		assert.True(t, r.Accepted)
		assert.False(t, r.Applied)
		assert.Equal(t, dto.ReasonDuplicate, r.Reason)
	}
	assert.Zero(t, second.Cursor)

	max2, err := f.conn.Records().MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, max1, max2)

	rec, err := f.conn.Records().Get(ctx, "guard", "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(rec.Payload))
	assert.Equal(t, "geo-1", rec.GeoID)
	assert.Equal(t, "edge-1", rec.SourceNode)
}

func TestPush_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")
	other, _ := f.register(t, "edge-2", "geo-1")

	base := t0.Add(-time.Hour)
	_, err := f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard", Changes: []dto.Change{change("g1", base, 5, `{"v":1}`)}})
	require.NoError(t, err)

	resp, err := f.svcs.Sync.Push(ctx, other, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		change("g1", base.Add(-time.Second), 1, `{"v":0}`),
	}})
	require.NoError(t, err)
	assert.Equal(t, dto.ReasonStale, resp.Results[0].Reason)
	assert.True(t, resp.Results[0].Accepted)
	assert.False(t, resp.Results[0].Applied)

	// mismo timestamp: desempata el origen (edge-2 > edge-1)
	resp, err = f.svcs.Sync.Push(ctx, other, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		change("g1", base, 1, `{"v":2}`),
	}})
	require.NoError(t, err)
	assert.True(t, resp.Results[0].Applied)

	rec, err := f.conn.Records().Get(ctx, "guard", "g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(rec.Payload))

	// delete más nuevo deja tombstone
	resp, err = f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		{Operation: dto.OpDelete, ID: "g1", Timestamp: base.Add(time.Minute), Seq: 6},
	}})
	require.NoError(t, err)
	assert.True(t, resp.Results[0].Applied)
	rec, err = f.conn.Records().Get(ctx, "guard", "g1")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
}

func TestPush_RejectsClockSkewAndInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")

	resp, err := f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		change("future", t0.Add(2*time.Minute), 1, `{}`),
		change("edge", t0.Add(time.Minute), 2, `{}`),
		{Operation: "merge", ID: "bad-op", Timestamp: t0},
		change("bad-json", t0, 3, `{nope`),
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)

	assert.Equal(t, dto.ReasonClockSkew, resp.Results[0].Reason)
	assert.False(t, resp.Results[0].Accepted)
	assert.True(t, resp.Results[1].Applied)
	assert.Equal(t, dto.ReasonInvalid, resp.Results[2].Reason)
	assert.Equal(t, dto.ReasonInvalid, resp.Results[3].Reason)

	_, err = f.conn.Records().Get(ctx, "guard", "future")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPush_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")

	_, err := f.svcs.Sync.Push(ctx, n, dto.PushRequest{Changes: []dto.Change{change("x", t0, 1, `{}`)}})
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard"})
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard", GeoID: "geo-9", Changes: []dto.Change{change("x", t0, 1, `{}`)}})
	assert.ErrorIs(t, err, ErrGeoMismatch)
}

func TestItem_Conflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")

	item := dto.ItemRequest{Operation: dto.OpCreate, Entity: "incident", ID: "i1", Data: json.RawMessage(`{"a":1}`), Timestamp: t0, Seq: 1}
	resp, err := f.svcs.Sync.Item(ctx, n, item)
	require.NoError(t, err)
	assert.True(t, resp.Applied)

	// replay idéntico: no-op
	resp, err = f.svcs.Sync.Item(ctx, n, item)
	require.NoError(t, err)
	assert.False(t, resp.Applied)

	same := item
	same.Data = json.RawMessage(`{"a":2}`)
	_, err = f.svcs.Sync.Item(ctx, n, same)
	assert.ErrorIs(t, err, repository.ErrConflict)

	older := item
	older.Timestamp = t0.Add(-time.Second)
	_, err = f.svcs.Sync.Item(ctx, n, older)
	assert.ErrorIs(t, err, repository.ErrConflict)

	newer := same
	newer.Timestamp = t0.Add(time.Second)
	resp, err = f.svcs.Sync.Item(ctx, n, newer)
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.JSONEq(t, `{"a":2}`, string(resp.Record.Data))

	future := item
	future.Timestamp = t0.Add(time.Hour)
	_, err = f.svcs.Sync.Item(ctx, n, future)
	assert.ErrorIs(t, err, ErrClockSkew)
}

func TestChanges_PaginatesAndScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n1, _ := f.register(t, "edge-1", "geo-1")
	n2, _ := f.register(t, "edge-2", "geo-2")

	for i, id := range []string{"a", "b", "c"} {
		_, err := f.svcs.Sync.Push(ctx, n1, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
			change(id, t0.Add(-time.Duration(10-i)*time.Second), int64(i+1), `{}`),
		}})
		require.NoError(t, err)
	}
	_, err := f.svcs.Sync.Push(ctx, n2, dto.PushRequest{Entity: "guard", Changes: []dto.Change{change("z", t0, 1, `{}`)}})
	require.NoError(t, err)

	page, err := f.svcs.Sync.Changes(ctx, n1, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Changes, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "a", page.Changes[0].ID)

	page, err = f.svcs.Sync.Changes(ctx, n1, page.Cursor, 0)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "c", page.Changes[0].ID)

	stored, err := f.reg.Get(ctx, n1.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, page.Cursor, stored.LastCursor)

	// sin cambios nuevos el cursor no retrocede
	empty, err := f.svcs.Sync.Changes(ctx, n1, page.Cursor, 0)
	require.NoError(t, err)
	assert.Empty(t, empty.Changes)
	assert.Equal(t, page.Cursor, empty.Cursor)
}

func TestFullSync_ClearsFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")
	require.True(t, n.NeedsFullSync)

	_, err := f.svcs.Sync.Push(ctx, n, dto.PushRequest{Entity: "guard", Changes: []dto.Change{
		change("g1", t0, 1, `{}`),
		{Operation: dto.OpDelete, ID: "g2", Timestamp: t0, Seq: 2},
	}})
	require.NoError(t, err)

	resp, err := f.svcs.Sync.FullSync(ctx, n, dto.FullSyncRequest{Entities: []string{"guard"}})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "g1", resp.Records[0].ID)
	assert.Positive(t, resp.Cursor)

	n, err = f.reg.Lookup(ctx, "edge-1")
	require.NoError(t, err)
	assert.False(t, n.NeedsFullSync)
	require.NotNil(t, n.LastFullSync)

	hb, err := f.svcs.Sync.Heartbeat(ctx, n, dto.HeartbeatRequest{QueueSize: 2})
	require.NoError(t, err)
	assert.False(t, hb.NeedsFullSync)
}

func TestStatus_ReportsSecretExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, _ := f.register(t, "edge-1", "geo-1")

	st, err := f.svcs.Sync.Status(ctx, n)
	require.NoError(t, err)
	require.NotNil(t, st.SecretExpiresAt)
	assert.Equal(t, string(secrets.ClassHealthy), st.SecretExpiryRisk)
	assert.Equal(t, "edge-1", st.ServerID)
}

func TestRegister_FlowAndReregistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, first := f.register(t, "edge-1", "geo-1")
	assert.Equal(t, n.InstanceID, first.InstanceID)
	assert.Len(t, first.Secrets.NodeAuth, 64)
	assert.Len(t, first.Secrets.Sync, 64)

	tok, _, err := f.tokens.Issue("edge-1", "geo-1", time.Hour)
	require.NoError(t, err)
	req := dto.RegisterRequest{ServerID: "edge-1", GeoID: "geo-1", Endpoint: "http://new"}

	// nodo conocido sin secreto de nodo
	_, err = f.svcs.Register.Register(ctx, tok, "", req)
	assert.ErrorIs(t, err, ErrInvalidNodeSecret)
	_, err = f.svcs.Register.Register(ctx, tok, "wrong", req)
	assert.ErrorIs(t, err, ErrInvalidNodeSecret)

	again, err := f.svcs.Register.Register(ctx, tok, first.Secrets.NodeAuth, req)
	require.NoError(t, err)
	assert.True(t, again.Reregistered)
	assert.Equal(t, first.InstanceID, again.InstanceID)
	assert.NotEqual(t, first.Secrets.Sync, again.Secrets.Sync)
	assert.Empty(t, again.Secrets.NodeAuth)

	key, _, err := f.secrets.ActiveSecret(ctx, repository.SecretTypeSync, n.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, again.Secrets.Sync, string(key))

	// token para otro server_id
	_, err = f.svcs.Register.Register(ctx, tok, "", dto.RegisterRequest{ServerID: "edge-9", GeoID: "geo-1"})
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svcs.Register.Register(ctx, "", "", req)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRekey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, reg := f.register(t, "edge-1", "geo-1")

	resp, err := f.svcs.Register.Rekey(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, reg.Secrets.Sync, resp.Sync)

	rot, err := f.secrets.RotateSecret(ctx, repository.SecretTypeSync, n.InstanceID, "operator", repository.ReasonScheduled)
	require.NoError(t, err)
	resp, err = f.svcs.Register.Rekey(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, rot.Plaintext, resp.Sync)
	assert.Equal(t, rot.NewSecretID, resp.SecretID)
}

func TestNodeAuth_FollowsRotationAndReissues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n, reg := f.register(t, "edge-1", "geo-1")
	require.NotEmpty(t, reg.NodeAuthSecretID)

	hb, err := f.svcs.Sync.Heartbeat(ctx, n, dto.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, reg.NodeAuthSecretID, hb.NodeAuthSecretID)

	// rotación programada: el heartbeat anuncia el id nuevo y /node-auth lo entrega
	rot, err := f.secrets.RotateSecret(ctx, repository.SecretTypeNodeAuth, n.InstanceID, secrets.ActorSystem, repository.ReasonScheduled)
	require.NoError(t, err)
	hb, err = f.svcs.Sync.Heartbeat(ctx, n, dto.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, rot.NewSecretID, hb.NodeAuthSecretID)

	got, err := f.svcs.Register.NodeAuth(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, rot.NewSecretID, got.SecretID)
	assert.Equal(t, rot.Plaintext, got.NodeAuth)

	f.secrets.Close()
	sec, err := f.conn.Secrets().GetByID(ctx, rot.NewSecretID)
	require.NoError(t, err)
	assert.NotNil(t, sec.LastUsedAt, "delivery counts as use")

	// vencido: el heartbeat no anuncia id y la entrega reemite
	require.NoError(t, f.secrets.ExpireSecret(ctx, rot.NewSecretID, secrets.ActorSystem))
	hb, err = f.svcs.Sync.Heartbeat(ctx, n, dto.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Empty(t, hb.NodeAuthSecretID)

	got, err = f.svcs.Register.NodeAuth(ctx, n)
	require.NoError(t, err)
	assert.NotEqual(t, rot.NewSecretID, got.SecretID)
	ok, err := f.secrets.ValidateSecret(ctx, repository.SecretTypeNodeAuth, []byte(got.NodeAuth), n.InstanceID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVersionCompare(t *testing.T) {
	a := version{ts: t0, node: "a", seq: 1}
	assert.Equal(t, 0, a.compare(a))
	assert.Equal(t, -1, a.compare(version{ts: t0.Add(time.Nanosecond), node: "a", seq: 0}))
	assert.Equal(t, 1, a.compare(version{ts: t0, node: "a", seq: 0}))
	assert.Equal(t, -1, a.compare(version{ts: t0, node: "b", seq: 0}))
}

func TestPayloadHash_IgnoresWhitespace(t *testing.T) {
	h1, err := payloadHash(json.RawMessage(`{"a": 1}`), false)
	require.NoError(t, err)
	h2, err := payloadHash(json.RawMessage(`{"a":1}`), false)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := payloadHash(nil, true)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	_, err = payloadHash(json.RawMessage(`{`), false)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
