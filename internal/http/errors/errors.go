// Package errors define los errores HTTP de la central y su serialización.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// errorResponse controla exactamente qué campos se envían al cliente.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// WriteError escribe {success:false, error:<code>} con el status del AppError.
func WriteError(w http.ResponseWriter, err error) {
	appErr := FromError(err)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}

// WriteErrorLogged escribe el error y loguea la causa si es un 5xx.
func WriteErrorLogged(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("request failed", logger.String("code", appErr.Code), logger.Err(appErr.Err))
	}
	WriteError(w, appErr)
}
