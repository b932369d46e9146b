package middlewares

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/http/errors"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"github.com/dropDatabas3/edgesync/internal/security/signing"
)

// Headers del protocolo de sincronización.
const (
	HeaderServerID  = "X-Server-ID"
	HeaderGeoID     = "X-Geo-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// DefaultTimestampWindow es la tolerancia |now - X-Timestamp|.
const DefaultTimestampWindow = 5 * time.Minute

// NodeLookup resuelve un edge node por server_id.
type NodeLookup interface {
	Lookup(ctx context.Context, serverID string) (*repository.EdgeNode, error)
}

// SecretSource entrega el material activo para verificar la firma.
type SecretSource interface {
	ActiveSecret(ctx context.Context, t repository.SecretType, edgeNodeID string) ([]byte, *repository.SharedSecret, error)
	MarkUsed(secretID string)
}

type SyncAuthConfig struct {
	Nodes   NodeLookup
	Secrets SecretSource
	Clock   clock.Clock
	// Window default 5m. El borde exacto se acepta.
	Window time.Duration
	// SecretType con el que se verifica (default sync; node_auth para /sync/rekey).
	SecretType   repository.SecretType
	MaxBodyBytes int64
}

// SyncAuth autentica cada request de sync:
//
//	headers → nodo conocido (geo coincide) → timestamp en ventana → HMAC con el secreto activo
//
// No hay fallback a secretos anteriores. Todo rechazo es 401 {success:false, error:<motivo>}.
func SyncAuth(cfg SyncAuthConfig) Middleware {
	clk := clock.OrReal(cfg.Clock)
	if cfg.Window <= 0 {
		cfg.Window = DefaultTimestampWindow
	}
	if cfg.SecretType == "" {
		cfg.SecretType = repository.SecretTypeSync
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := logger.From(ctx)
			reject := func(e *errors.AppError, fields ...zap.Field) {
				metrics.SyncAuthRejections.WithLabelValues(e.Code).Inc()
				log.Warn("sync auth rejected", append(fields, logger.Reason(e.Code))...)
				errors.WriteError(w, e)
			}

			serverID := strings.TrimSpace(r.Header.Get(HeaderServerID))
			geoID := strings.TrimSpace(r.Header.Get(HeaderGeoID))
			tsRaw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
			sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
			if serverID == "" || geoID == "" || tsRaw == "" || sig == "" {
				reject(errors.ErrMissingHeaders)
				return
			}

			node, err := cfg.Nodes.Lookup(ctx, serverID)
			if err != nil {
				if repository.IsNotFound(err) {
					reject(errors.ErrUnknownNode, logger.ServerID(serverID))
					return
				}
				errors.WriteErrorLogged(w, r, err)
				return
			}
			if node.GeoID != geoID {
				reject(errors.ErrUnknownNode, logger.ServerID(serverID), logger.GeoID(geoID))
				return
			}

			ts, err := ParseTimestamp(tsRaw)
			if err != nil {
				reject(errors.ErrStaleTimestamp.WithDetail("unparseable timestamp"), logger.ServerID(serverID))
				return
			}
			if skew := clk.Now().Sub(ts); skew > cfg.Window || skew < -cfg.Window {
				reject(errors.ErrStaleTimestamp, logger.ServerID(serverID), logger.Duration(skew))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if stderrors.As(err, &tooLarge) {
					errors.WriteError(w, errors.ErrBodyTooLarge)
					return
				}
				errors.WriteError(w, errors.ErrBadRequest.WithCause(err))
				return
			}
			_ = r.Body.Close()

			key, secret, err := cfg.Secrets.ActiveSecret(ctx, cfg.SecretType, node.InstanceID)
			if err != nil {
				if repository.IsNotFound(err) || stderrors.Is(err, secrets.ErrSecretExpired) {
					reject(errors.ErrBadSignature.WithDetail("no usable secret"), logger.ServerID(serverID))
					return
				}
				errors.WriteErrorLogged(w, r, err)
				return
			}
			payload := signing.Canonical(r.Method, r.URL.RequestURI(), tsRaw, body)
			if !signing.Verify(key, payload, sig) {
				reject(errors.ErrBadSignature, logger.ServerID(serverID), logger.SecretID(secret.ID))
				return
			}
			cfg.Secrets.MarkUsed(secret.ID)

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx = WithNode(ctx, node)
			ctx = context.WithValue(ctx, ctxSecretKey, secret)
			ctx = logger.ToContext(ctx, log.With(logger.ServerID(serverID), logger.InstanceID(node.InstanceID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseTimestamp acepta RFC3339 / RFC3339Nano (ISO-8601 con zona).
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
