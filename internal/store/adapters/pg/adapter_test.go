package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/store"
)

// Requiere un Postgres descartable: EDGESYNC_TEST_PG_DSN=postgres://...
func newTestConn(t *testing.T) store.AdapterConnection {
	t.Helper()
	dsn := os.Getenv("EDGESYNC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("EDGESYNC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	conn, err := store.OpenAdapter(ctx, store.AdapterConfig{Name: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Migrate(ctx)
	require.NoError(t, err)
	return conn
}

func TestPG_RotateKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	conn := newTestConn(t)
	now := time.Now().UTC()

	node := &repository.EdgeNode{
		InstanceID: uuid.NewString(), ServerID: "pg-test-" + uuid.NewString()[:8],
		Status: repository.NodeActive, SyncStatus: repository.SyncPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, conn.Nodes().Create(ctx, node))

	mk := func() *repository.SharedSecret {
		return &repository.SharedSecret{
			ID: uuid.NewString(), Type: repository.SecretTypeSync, EdgeNodeID: repository.NodeRef(node.InstanceID),
			EncryptedValue: "enc", ValueHash: "hash", Status: repository.SecretPending,
			ExpiresAt: now.Add(time.Hour), RotationReason: repository.ReasonInitial, CreatedAt: now,
		}
	}

	first := mk()
	require.NoError(t, conn.Secrets().Insert(ctx, first))
	_, err := conn.Secrets().Activate(ctx, first.ID, now)
	require.NoError(t, err)

	second := mk()
	prev, err := conn.Secrets().Rotate(ctx, second, repository.SecretInactive, now)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first.ID, prev.ID)

	active, err := conn.Secrets().List(ctx, repository.SecretFilter{
		EdgeNodeID: node.InstanceID, Status: repository.SecretActive,
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestPG_AdapterRegistered(t *testing.T) {
	_, ok := store.GetAdapter("postgres")
	assert.True(t, ok)
}
