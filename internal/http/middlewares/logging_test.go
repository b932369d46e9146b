package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithLogging_LevelByStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/push":
			w.WriteHeader(http.StatusUnauthorized)
		case "/sync/full":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}), WithRequestID(), WithLogging(zap.New(core), "/sync/heartbeat"))

	for _, p := range []string{"/sync/heartbeat", "/sync/changes", "/sync/push", "/sync/full"} {
		req := httptest.NewRequest(http.MethodPost, p, nil)
		req.Header.Set(HeaderServerID, "edge-1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)

	ctx := entries[1].ContextMap()
	assert.Equal(t, "/sync/changes", ctx["path"])
	assert.Equal(t, "edge-1", ctx["server_id"])
	assert.NotEmpty(t, ctx["request_id"])
}
