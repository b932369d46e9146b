package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	SyncAuthRejections.WithLabelValues("bad_signature").Inc()
	EdgeNodesOnline.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["sync_auth_rejections_total"])
	assert.True(t, names["edge_nodes_online"])
}

func TestPGPoolCollector_NilPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterCollector(reg, NewPGPoolCollector(nil)))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
