package middlewares

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// =================================================================================
// STATUS RECORDER
// =================================================================================

// statusRecorder captura el status code y bytes escritos de la respuesta.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.status = http.StatusOK
		s.wroteHeader = true
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// =================================================================================
// LOGGING MIDDLEWARE
// =================================================================================

// WithLogging loguea cada request de sync e inyecta en el contexto un logger
// scoped (request_id, method, path, ip). Nivel por status: 5xx error, 4xx warn.
// Los 2xx de quietPaths (ej: /sync/heartbeat, uno por nodo cada pocos segundos)
// bajan a debug.
func WithLogging(base *zap.Logger, quietPaths ...string) Middleware {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rid := GetRequestID(r.Context())
			if rid == "" {
				rid = w.Header().Get(HeaderRequestID)
			}
			reqLog := logger.OrNamed(base, "http").With(
				logger.RequestID(rid),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.ClientIP(ClientIP(r)),
			)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(logger.ToContext(r.Context(), reqLog)))

			fields := []zap.Field{
				logger.Status(rec.status),
				logger.Bytes(rec.bytes),
				logger.DurationMs(time.Since(start).Milliseconds()),
			}
			// tal como lo envió el edge; el gate es quien lo valida
			if sid := r.Header.Get(HeaderServerID); sid != "" {
				fields = append(fields, logger.ServerID(sid))
			}

			_, isQuiet := quiet[r.URL.Path]
			switch {
			case rec.status >= 500:
				reqLog.Error("sync request failed", fields...)
			case rec.status >= 400:
				reqLog.Warn("sync request rejected", fields...)
			case isQuiet:
				reqLog.Debug("sync request", fields...)
			default:
				reqLog.Info("sync request", fields...)
			}
		})
	}
}
