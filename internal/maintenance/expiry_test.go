package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/audit"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
	"github.com/dropDatabas3/edgesync/internal/store/adapters/sqlite"
	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

const day = 24 * time.Hour

// secretsEnv levanta el servicio de secretos real sobre sqlite.
type secretsEnv struct {
	svc    *secrets.Service
	clock  *clock.Manual
	events *notify.Recorder
	node   string
}

func newSecretsEnv(t *testing.T) *secretsEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "central.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := sqlite.New(db)
	_, err = conn.Migrate(ctx)
	require.NoError(t, err)
	key, err := secretbox.GenerateKey()
	require.NoError(t, err)

	env := &secretsEnv{clock: clock.NewManual(t0), events: &notify.Recorder{}}
	log := zaptest.NewLogger(t)
	env.svc, err = secrets.NewService(key, secrets.Deps{
		Repo:     conn.Secrets(),
		Trail:    audit.NewTrail(conn.Audit(), env.clock, log),
		Notifier: env.events,
		Clock:    env.clock,
		Logger:   log,
	}, secrets.Config{})
	require.NoError(t, err)
	t.Cleanup(env.svc.Close)

	n := &repository.EdgeNode{
		InstanceID:               uuid.NewString(),
		ServerID:                 "edge-1",
		GeoID:                    "geo-1",
		Status:                   repository.NodeActive,
		HeartbeatIntervalSeconds: repository.DefaultHeartbeatInterval,
		SyncStatus:               repository.SyncPending,
		CreatedAt:                t0,
		UpdatedAt:                t0,
	}
	require.NoError(t, conn.Nodes().Create(ctx, n))
	env.node = n.InstanceID
	_, err = env.svc.RegisterEdgeNode(ctx, env.node, "geo-1")
	require.NoError(t, err)
	return env
}

func (e *secretsEnv) activeID(t *testing.T, st repository.SecretType) string {
	t.Helper()
	_, sec, err := e.svc.ActiveSecret(context.Background(), st, e.node)
	require.NoError(t, err)
	return sec.ID
}

func TestSecretExpiryJob_ExpiredEmitsOnce(t *testing.T) {
	ctx := context.Background()
	env := newSecretsEnv(t)
	env.clock.Advance(366 * day)

	run := SecretExpiryJob(env.svc, env.events, env.clock, ExpiryConfig{})
	require.NoError(t, run(ctx))

	var expired []notify.Event
	for _, ev := range env.events.Events() {
		if ev.Kind == notify.SecretExpired {
			expired = append(expired, ev)
		}
	}
	// un evento por secreto vencido (node_auth y sync), todos críticos
	require.Len(t, expired, 2)
	for _, ev := range expired {
		assert.Equal(t, notify.Critical, ev.Severity)
	}
	assert.NotEqual(t, expired[0].SecretID, expired[1].SecretID)
}

func TestSecretExpiryJob_RotatesOneSecretPerNodeUntilDelivered(t *testing.T) {
	ctx := context.Background()
	env := newSecretsEnv(t)
	syncBefore := env.activeID(t, repository.SecretTypeSync)
	authBefore := env.activeID(t, repository.SecretTypeNodeAuth)

	env.clock.Advance(352 * day)
	run := SecretExpiryJob(env.svc, env.events, env.clock, ExpiryConfig{})
	require.NoError(t, run(ctx))

	changed := func() []repository.SecretType {
		var out []repository.SecretType
		if env.activeID(t, repository.SecretTypeSync) != syncBefore {
			out = append(out, repository.SecretTypeSync)
		}
		if env.activeID(t, repository.SecretTypeNodeAuth) != authBefore {
			out = append(out, repository.SecretTypeNodeAuth)
		}
		return out
	}
	first := changed()
	require.Len(t, first, 1)

	// el reemplazo no fue entregado: la pasada siguiente no toca al hermano
	require.NoError(t, run(ctx))
	assert.Equal(t, first, changed())

	// la entrega al edge habilita la rotación del hermano
	_, _, err := env.svc.RevealActive(ctx, first[0], env.node, "edge")
	require.NoError(t, err)
	env.svc.Close()

	require.NoError(t, run(ctx))
	assert.Len(t, changed(), 2)
}
