// Package sync contiene los controllers HTTP del protocolo central/edge.
package sync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	httperrors "github.com/dropDatabas3/edgesync/internal/http/errors"
	svc "github.com/dropDatabas3/edgesync/internal/http/services/sync"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"go.uber.org/zap"
)

// Controllers agrupa todos los controllers del dominio sync.
type Controllers struct {
	Sync     *SyncController
	Register *RegisterController
}

// NewControllers crea el agregador de controllers sync.
func NewControllers(s svc.Services, maxBody int64) *Controllers {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Controllers{
		Sync:     NewSyncController(s.Sync, maxBody),
		Register: NewRegisterController(s.Register),
	}
}

const defaultMaxBody = 4 << 20 // 4MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON lee el body con límite. Un body vacío deja v en su valor cero.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return httperrors.ErrBodyTooLarge
	}
	return httperrors.ErrInvalidJSON.WithCause(err)
}

// handleServiceError traduce los errores del service a AppError.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, log *zap.Logger) {
	var appErr *httperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, svc.ErrMissingFields):
		appErr = httperrors.ErrMissingFields.WithDetail(err.Error())
	case errors.Is(err, svc.ErrInvalidOperation), errors.Is(err, svc.ErrInvalidPayload),
		errors.Is(err, svc.ErrGeoMismatch), errors.Is(err, svc.ErrTooManyChanges):
		appErr = httperrors.ErrBadRequest.WithDetail(err.Error())
	case errors.Is(err, svc.ErrClockSkew):
		appErr = httperrors.ErrClockSkew
	case errors.Is(err, svc.ErrInvalidToken):
		appErr = httperrors.ErrInvalidRegistrationToken
	case errors.Is(err, svc.ErrInvalidNodeSecret):
		appErr = httperrors.ErrInvalidNodeSecret
	case errors.Is(err, secrets.ErrSecretExpired):
		appErr = httperrors.ErrUnauthorized.WithCause(err)
	case errors.Is(err, repository.ErrConflict):
		appErr = httperrors.ErrConflict.WithDetail(err.Error())
	default:
		appErr = httperrors.FromError(err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		log.Error("service error", logger.String("code", appErr.Code), logger.Err(err))
	}
	httperrors.WriteError(w, appErr)
}
