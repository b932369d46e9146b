package middlewares

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

type ctxKey int

const (
	ctxRequestIDKey ctxKey = iota
	ctxNodeKey
	ctxSecretKey
)

// setRequestID inyecta el request ID en el contexto (interno)
func setRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestIDKey, requestID)
}

// GetRequestID obtiene el request ID del contexto.
// Retorna cadena vacía si no hay request ID.
func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxRequestIDKey).(string); ok {
		return s
	}
	return ""
}

// WithNode inyecta el edge node autenticado por el gate.
func WithNode(ctx context.Context, n *repository.EdgeNode) context.Context {
	return context.WithValue(ctx, ctxNodeKey, n)
}

// GetNode obtiene el edge node autenticado. nil si el gate no corrió.
func GetNode(ctx context.Context) *repository.EdgeNode {
	if n, ok := ctx.Value(ctxNodeKey).(*repository.EdgeNode); ok {
		return n
	}
	return nil
}

// GetSecret obtiene el secreto con el que se verificó la firma.
func GetSecret(ctx context.Context) *repository.SharedSecret {
	if s, ok := ctx.Value(ctxSecretKey).(*repository.SharedSecret); ok {
		return s
	}
	return nil
}

// ClientIP extrae la IP del cliente, considerando proxies.
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
