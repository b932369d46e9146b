package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func DurationMs(v int64) zap.Field { return zap.Int64("duration_ms", v) }

func Bytes(v int) zap.Field { return zap.Int("bytes", v) }

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field { return zap.String("client_ip", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SYNC
// =================================================================================

// ServerID identifica al nodo edge por su server_id estable.
func ServerID(v string) zap.Field { return zap.String("server_id", v) }

// InstanceID es el id interno (uuid) del registro EdgeNode.
func InstanceID(v string) zap.Field { return zap.String("instance_id", v) }

// GeoID es la clave de ubicación que delimita el scope de datos del nodo.
func GeoID(v string) zap.Field { return zap.String("geo_id", v) }

func Entity(v string) zap.Field { return zap.String("entity", v) }

func EntityID(v string) zap.Field { return zap.String("entity_id", v) }

func Cursor(v int64) zap.Field { return zap.Int64("cursor", v) }

// Reason se usa para rechazos de auth y motivos de rotación.
func Reason(v string) zap.Field { return zap.String("reason", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SECRETOS
// =================================================================================

// SecretID nunca debe acompañarse del material del secreto.
func SecretID(v string) zap.Field { return zap.String("secret_id", v) }

func SecretType(v string) zap.Field { return zap.String("secret_type", v) }

func Actor(v string) zap.Field { return zap.String("actor", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

func Component(v string) zap.Field { return zap.String("component", v) }

// Layer: controller | service | repository | job
func Layer(v string) zap.Field { return zap.String("layer", v) }

func Op(v string) zap.Field { return zap.String("op", v) }

func Job(v string) zap.Field { return zap.String("job", v) }

func Err(err error) zap.Field { return zap.Error(err) }

func Count(v int) zap.Field { return zap.Int("count", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func Any(key string, v any) zap.Field { return zap.Any(key, v) }

func String(key, v string) zap.Field { return zap.String(key, v) }

func Int(key string, v int) zap.Field { return zap.Int(key, v) }

func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
