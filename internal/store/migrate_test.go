package store

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/edgesync/internal/store/sqlitedb"
)

func TestMigrator_RunAndSkip(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0001_init.sql": {Data: []byte(`CREATE TABLE a (id INTEGER PRIMARY KEY);`)},
		"m/0002_more.sql": {Data: []byte(`CREATE TABLE b (id INTEGER PRIMARY KEY); CREATE TABLE c (id INTEGER);`)},
		"m/README.md":     {Data: []byte(`ignored`)},
		"m/bad_name.sql":  {Data: []byte(`ignored`)},
	}
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "m.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	m := NewMigrator(fsys, "m")
	migs, err := m.ParseMigrations()
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, "init", migs[0].Name)

	ctx := context.Background()
	pending, err := m.HasPending(ctx, db, "sqlite")
	require.NoError(t, err)
	assert.True(t, pending)

	res, err := m.Run(ctx, db, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Applied)

	res, err = m.Run(ctx, db, "sqlite")
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, []int{1, 2}, res.Skipped)

	pending, err = m.HasPending(ctx, db, "sqlite")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMigrator_FailureRollsBack(t *testing.T) {
	fsys := fstest.MapFS{
		"m/0001_ok.sql":  {Data: []byte(`CREATE TABLE ok (id INTEGER);`)},
		"m/0002_bad.sql": {Data: []byte(`CREATE TABLE broken (;`)},
	}
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "m.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	res, err := NewMigrator(fsys, "m").Run(context.Background(), db, "sqlite")
	require.Error(t, err)
	require.NotNil(t, res.Failed)
	assert.Equal(t, 2, *res.Failed)
	assert.Equal(t, []int{1}, res.Applied)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}
