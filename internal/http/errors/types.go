package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// AppError define la estructura estándar de errores HTTP de la central.
// Code viaja como "error" en el body y es estable (los edge nodes lo interpretan).
type AppError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"` // No se serializa, usado para el header
	Err        error  `json:"-"` // Error original (causa), sólo para logs
}

// Error implementa la interfaz error
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap permite acceder al error original
func (e *AppError) Unwrap() error {
	return e.Err
}

// New crea un nuevo AppError
func New(status int, code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
	}
}

// Wrap crea un AppError envolviendo un error existente
func Wrap(err error, status int, code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
		Err:        err,
	}
}

// FromError convierte un error de otra capa en AppError.
// Los sentinels del dominio se mapean a su status; el resto es 500.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	switch {
	case stderrors.Is(err, repository.ErrNotFound):
		return ErrNotFound.WithCause(err)
	case stderrors.Is(err, repository.ErrConflict):
		return ErrConflict.WithCause(err)
	case stderrors.Is(err, repository.ErrInvalidInput):
		return ErrBadRequest.WithCause(err).WithDetail(err.Error())
	case stderrors.Is(err, repository.ErrNoDatabase):
		return ErrServiceUnavailable.WithCause(err)
	}
	return ErrInternalServerError.WithCause(err)
}

// WithDetail agrega detalles adicionales al error.
// Devuelve una COPIA del error para no mutar las variables globales base
func (e *AppError) WithDetail(detail string) *AppError {
	newErr := *e
	newErr.Detail = detail
	return &newErr
}

// WithCause agrega el error original (causa). Devuelve una COPIA del error
func (e *AppError) WithCause(err error) *AppError {
	newErr := *e
	newErr.Err = err
	return &newErr
}

// =================================================================================
// LISTA DE ERRORES PREDEFINIDOS
// =================================================================================

// ---------------------------------------------------------------------------------
// 400 Bad Request - Validación
// ---------------------------------------------------------------------------------

var (
	ErrBadRequest = &AppError{
		Code:       "bad_request",
		Message:    "La solicitud contiene sintaxis inválida o parámetros faltantes.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidJSON = &AppError{
		Code:       "invalid_json",
		Message:    "El cuerpo de la solicitud no es un JSON válido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingFields = &AppError{
		Code:       "missing_fields",
		Message:    "Faltan campos requeridos en la solicitud.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidParameter = &AppError{
		Code:       "invalid_parameter",
		Message:    "Uno de los parámetros de la URL o Query String es inválido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrClockSkew = &AppError{
		Code:       "clock_skew",
		Message:    "El timestamp del cambio está demasiado adelantado respecto de la central.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMethodNotAllowed = &AppError{
		Code:       "method_not_allowed",
		Message:    "Método HTTP no permitido para este recurso.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrBodyTooLarge = &AppError{
		Code:       "body_too_large",
		Message:    "El cuerpo de la solicitud excede el tamaño máximo permitido.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
)

// ---------------------------------------------------------------------------------
// 401 Unauthorized - Gate de sincronización y registro
// ---------------------------------------------------------------------------------

var (
	ErrUnauthorized = &AppError{
		Code:       "unauthorized",
		Message:    "No autorizado.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrMissingHeaders = &AppError{
		Code:       "missing_headers",
		Message:    "Faltan headers de autenticación de sincronización.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrUnknownNode = &AppError{
		Code:       "unknown_node",
		Message:    "El nodo no está registrado o no corresponde a la geo indicada.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrStaleTimestamp = &AppError{
		Code:       "stale_timestamp",
		Message:    "El timestamp de la solicitud está fuera de la ventana permitida.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrBadSignature = &AppError{
		Code:       "bad_signature",
		Message:    "La firma de la solicitud es inválida.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidRegistrationToken = &AppError{
		Code:       "invalid_registration_token",
		Message:    "El token de registro es inválido o expiró.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidNodeSecret = &AppError{
		Code:       "invalid_node_secret",
		Message:    "El re-registro requiere el secreto node_auth vigente.",
		HTTPStatus: http.StatusUnauthorized,
	}
)

// ---------------------------------------------------------------------------------
// 404 / 409 / 429
// ---------------------------------------------------------------------------------

var (
	ErrNotFound = &AppError{
		Code:       "not_found",
		Message:    "El recurso solicitado no fue encontrado.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrConflict = &AppError{
		Code:       "conflict",
		Message:    "El cambio entra en conflicto con una versión más reciente.",
		HTTPStatus: http.StatusConflict,
	}

	ErrRateLimitExceeded = &AppError{
		Code:       "rate_limited",
		Message:    "Demasiadas solicitudes. Intente nuevamente más tarde.",
		HTTPStatus: http.StatusTooManyRequests,
	}
)

// ---------------------------------------------------------------------------------
// 5xx
// ---------------------------------------------------------------------------------

var (
	ErrInternalServerError = &AppError{
		Code:       "internal_error",
		Message:    "Error interno del servidor.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "service_unavailable",
		Message:    "El servicio no está disponible temporalmente.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
