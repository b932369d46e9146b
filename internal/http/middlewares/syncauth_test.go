package middlewares

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/security/signing"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeNodes map[string]*repository.EdgeNode

func (f fakeNodes) Lookup(_ context.Context, serverID string) (*repository.EdgeNode, error) {
	if n, ok := f[serverID]; ok {
		return n, nil
	}
	return nil, repository.ErrNotFound
}

type fakeSecrets struct {
	mu   sync.Mutex
	keys map[string][]byte // tipo|nodo
	used []string
}

func (f *fakeSecrets) ActiveSecret(_ context.Context, t repository.SecretType, nodeID string) ([]byte, *repository.SharedSecret, error) {
	k, ok := f.keys[string(t)+"|"+nodeID]
	if !ok {
		return nil, nil, repository.ErrNotFound
	}
	return k, &repository.SharedSecret{ID: "sec-" + string(t), Type: t}, nil
}

func (f *fakeSecrets) MarkUsed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = append(f.used, id)
}

type gateFixture struct {
	handler http.Handler
	secrets *fakeSecrets
	syncKey []byte
	authKey []byte
	got     []byte
	node    *repository.EdgeNode
}

func newGate(t *testing.T, secretType repository.SecretType) *gateFixture {
	t.Helper()
	f := &gateFixture{
		syncKey: []byte("sync-secret-material"),
		authKey: []byte("node-auth-material"),
	}
	node := &repository.EdgeNode{InstanceID: "inst-1", ServerID: "edge-1", GeoID: "geo-1"}
	f.secrets = &fakeSecrets{keys: map[string][]byte{
		"sync|inst-1":      f.syncKey,
		"node_auth|inst-1": f.authKey,
	}}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.node = GetNode(r.Context())
		f.got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	f.handler = SyncAuth(SyncAuthConfig{
		Nodes:      fakeNodes{"edge-1": node},
		Secrets:    f.secrets,
		Clock:      clock.NewManual(now),
		SecretType: secretType,
	})(inner)
	return f
}

func signedRequest(key []byte, method, target, serverID, geoID string, ts time.Time, body []byte) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	tsRaw := ts.Format(time.RFC3339Nano)
	r.Header.Set(HeaderServerID, serverID)
	r.Header.Set(HeaderGeoID, geoID)
	r.Header.Set(HeaderTimestamp, tsRaw)
	r.Header.Set(HeaderSignature, signing.Sign(key, signing.Canonical(method, r.URL.RequestURI(), tsRaw, body)))
	return r
}

func serve(h http.Handler, r *http.Request) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec.Code, body.Error
}

func TestSyncAuth_Admits(t *testing.T) {
	f := newGate(t, "")
	body := []byte(`{"entity":"guards","changes":[]}`)
	code, _ := serve(f.handler, signedRequest(f.syncKey, http.MethodPost, "/sync/push", "edge-1", "geo-1", now, body))

	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, body, f.got, "body must be restored for the handler")
	require.NotNil(t, f.node)
	assert.Equal(t, "inst-1", f.node.InstanceID)
	assert.Equal(t, []string{"sec-sync"}, f.secrets.used)
}

func TestSyncAuth_QueryIsSigned(t *testing.T) {
	f := newGate(t, "")
	r := signedRequest(f.syncKey, http.MethodGet, "/sync/changes?since=10&limit=5", "edge-1", "geo-1", now, nil)
	code, _ := serve(f.handler, r)
	assert.Equal(t, http.StatusNoContent, code)

	// misma firma con otra query
	tampered := httptest.NewRequest(http.MethodGet, "/sync/changes?since=0&limit=5", nil)
	tampered.Header = r.Header.Clone()
	code, reason := serve(f.handler, tampered)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "bad_signature", reason)
}

func TestSyncAuth_TimestampWindowBoundary(t *testing.T) {
	f := newGate(t, "")
	cases := []struct {
		name string
		ts   time.Time
		ok   bool
	}{
		{"exactly 5m old", now.Add(-5 * time.Minute), true},
		{"5m1s old", now.Add(-5*time.Minute - time.Second), false},
		{"exactly 5m ahead", now.Add(5 * time.Minute), true},
		{"5m1s ahead", now.Add(5*time.Minute + time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, reason := serve(f.handler, signedRequest(f.syncKey, http.MethodPost, "/sync/heartbeat", "edge-1", "geo-1", tc.ts, []byte(`{}`)))
			if tc.ok {
				assert.Equal(t, http.StatusNoContent, code)
				return
			}
			assert.Equal(t, http.StatusUnauthorized, code)
			assert.Equal(t, "stale_timestamp", reason)
		})
	}
}

func TestSyncAuth_Rejections(t *testing.T) {
	f := newGate(t, "")
	body := []byte(`{}`)

	missing := httptest.NewRequest(http.MethodPost, "/sync/push", bytes.NewReader(body))
	code, reason := serve(f.handler, missing)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing_headers", reason)

	code, reason = serve(f.handler, signedRequest(f.syncKey, http.MethodPost, "/sync/push", "edge-9", "geo-1", now, body))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unknown_node", reason)

	code, reason = serve(f.handler, signedRequest(f.syncKey, http.MethodPost, "/sync/push", "edge-1", "geo-2", now, body))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unknown_node", reason)

	code, reason = serve(f.handler, signedRequest([]byte("wrong"), http.MethodPost, "/sync/push", "edge-1", "geo-1", now, body))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "bad_signature", reason)

	// body alterado tras firmar
	r := signedRequest(f.syncKey, http.MethodPost, "/sync/push", "edge-1", "geo-1", now, body)
	r.Body = io.NopCloser(bytes.NewReader([]byte(`{"x":1}`)))
	code, reason = serve(f.handler, r)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "bad_signature", reason)

	r = signedRequest(f.syncKey, http.MethodPost, "/sync/push", "edge-1", "geo-1", now, body)
	r.Header.Set(HeaderTimestamp, "yesterday")
	code, reason = serve(f.handler, r)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "stale_timestamp", reason)

	assert.Empty(t, f.secrets.used)
}

func TestSyncAuth_NodeAuthSecretType(t *testing.T) {
	f := newGate(t, repository.SecretTypeNodeAuth)

	code, reason := serve(f.handler, signedRequest(f.syncKey, http.MethodPost, "/sync/rekey", "edge-1", "geo-1", now, nil))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "bad_signature", reason)

	code, _ = serve(f.handler, signedRequest(f.authKey, http.MethodPost, "/sync/rekey", "edge-1", "geo-1", now, nil))
	assert.Equal(t, http.StatusNoContent, code)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/sync/push", normalizePath("/sync/push"))
	assert.Equal(t, "/nodes/:param", normalizePath("/nodes/0b5f6f4e-8f7a-4a8e-9f1c-2f6d3c1e9a11"))
	assert.Equal(t, "/", normalizePath(""))
}
