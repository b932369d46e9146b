package store

import (
	"context"
	"testing"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Connect(ctx context.Context, cfg AdapterConfig) (AdapterConnection, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	RegisterAdapter(&fakeAdapter{name: "fake-registry-test"})

	a, ok := GetAdapter("fake-registry-test")
	require.True(t, ok)
	assert.Equal(t, "fake-registry-test", a.Name())
	assert.Contains(t, ListAdapters(), "fake-registry-test")

	assert.Panics(t, func() { RegisterAdapter(&fakeAdapter{name: "fake-registry-test"}) })

	_, err := OpenAdapter(context.Background(), AdapterConfig{Name: "nope"})
	assert.ErrorContains(t, err, "not registered")

	_, err = OpenAdapter(context.Background(), AdapterConfig{})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	_, err = OpenAdapter(context.Background(), AdapterConfig{Name: "fake-registry-test"})
	assert.ErrorContains(t, err, "no connection")
}
