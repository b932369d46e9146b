package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "sqlite", c.Storage.Driver)
	assert.Equal(t, 5*time.Minute, c.Security.TimestampWindow)
	assert.Equal(t, 365*24*time.Hour, c.Secrets.Lifetime)
	assert.Equal(t, 30, c.Secrets.Thresholds.WarningDays)
	assert.Equal(t, 14, c.Secrets.Thresholds.AutoRotateDays)
	assert.Equal(t, 7, c.Secrets.Thresholds.CriticalDays)
	assert.Equal(t, 24*time.Hour, c.Secrets.StuckAfter)
	assert.Equal(t, 300*time.Second, c.Edge.HeartbeatInterval)
	assert.Equal(t, 3, c.Edge.MaxRetries)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	p := writeYAML(t, `
storage:
  driver: postgres
  dsn: postgres://localhost/edgesync
security:
  timestamp_window: 2m
edge:
  db_path: data/edge.db
  entities: [guards, sites]
`)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("SECRETS_CRITICAL_DAYS", "3")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "postgres", c.Storage.Driver)
	assert.Equal(t, 2*time.Minute, c.Security.TimestampWindow)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 3, c.Secrets.Thresholds.CriticalDays)
	assert.Equal(t, []string{"guards", "sites"}, c.Edge.Entities)
	assert.Equal(t, filepath.Join(filepath.Dir(p), "data", "edge.db"), c.Edge.DBPath)
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	c.Storage.Driver = "mongo"
	assert.Error(t, c.Validate())

	c = Default()
	c.Secrets.Thresholds.CriticalDays = 20
	assert.Error(t, c.Validate())

	c = Default()
	c.Cache.Kind = "redis"
	assert.Error(t, c.Validate())
	c.Cache.Redis.Addr = "localhost:6379"
	assert.NoError(t, c.Validate())
}

func TestValidateRoles(t *testing.T) {
	c := Default()
	assert.Error(t, c.ValidateCenter())
	c.Storage.DSN = "file:center.db"
	c.Security.MasterKey = "k"
	assert.NoError(t, c.ValidateCenter())

	err := Default().ValidateEdge()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edge.center_url")

	c.Edge.CenterURL = "http://center"
	c.Edge.ServerID = "srv-1"
	c.Edge.GeoID = "geo-1"
	assert.NoError(t, c.ValidateEdge())
}
