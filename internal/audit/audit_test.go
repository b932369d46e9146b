package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

type memAudit struct {
	entries []*repository.SecretAuditEntry
	err     error
}

func (m *memAudit) Append(_ context.Context, e *repository.SecretAuditEntry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) ListBySecret(_ context.Context, id string) ([]*repository.SecretAuditEntry, error) {
	var out []*repository.SecretAuditEntry
	for _, e := range m.entries {
		if e.SecretID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) PurgeBefore(_ context.Context, before time.Time) (int64, error) {
	var keep []*repository.SecretAuditEntry
	var n int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		keep = append(keep, e)
	}
	m.entries = keep
	return n, nil
}

func TestTrail_RecordAndHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	repo := &memAudit{}
	tr := NewTrail(repo, clock.NewManual(now), zaptest.NewLogger(t))

	node := "node-42"
	s := &repository.SharedSecret{ID: "s1", Type: repository.SecretTypeSync, EdgeNodeID: &node}
	tr.Record(ctx, s, repository.AuditGenerated, "admin", "initial")
	tr.Record(ctx, s, repository.AuditActivated, "admin", "")

	h, err := tr.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, repository.AuditGenerated, h[0].Action)
	assert.Equal(t, "node-42", h[0].EdgeNodeID)
	assert.True(t, h[0].CreatedAt.Equal(now))

	n, err := tr.Purge(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestTrail_PersistFailureIsSwallowed(t *testing.T) {
	tr := NewTrail(&memAudit{err: errors.New("db down")}, nil, zaptest.NewLogger(t))
	assert.NotPanics(t, func() {
		tr.Record(context.Background(), &repository.SharedSecret{ID: "s1"}, repository.AuditExpired, "system", "")
	})
}

func TestTrail_NilSafe(t *testing.T) {
	var tr *Trail
	tr.Record(context.Background(), &repository.SharedSecret{ID: "s1"}, repository.AuditExpired, "", "")
	_, err := tr.History(context.Background(), "s1")
	assert.ErrorIs(t, err, repository.ErrNoDatabase)
}

func TestLog(t *testing.T) {
	assert.NotPanics(t, func() {
		Log(context.Background(), "node_registered", map[string]any{"server_id": "edge-1"})
	})
}
