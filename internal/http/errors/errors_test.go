package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

func TestWriteError_Body(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrBadSignature)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "bad_signature", body["error"])
}

func TestFromError_DomainSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", repository.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", repository.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", repository.ErrInvalidInput), http.StatusBadRequest},
		{repository.ErrNoDatabase, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", ErrConflict), http.StatusConflict},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, FromError(tc.err).HTTPStatus, tc.err.Error())
	}
}

func TestWithDetail_DoesNotMutateBase(t *testing.T) {
	e := ErrMissingFields.WithDetail("entity")
	assert.Equal(t, "entity", e.Detail)
	assert.Empty(t, ErrMissingFields.Detail)
}
