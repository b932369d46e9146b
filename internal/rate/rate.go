// Package rate limita el alta de nodos (/sync/register) por clave: ventana fija
// en Redis cuando hay varias réplicas de la central, token bucket en memoria si no.
package rate

import (
	"context"
	"time"
)

// Decision es la respuesta de un Limiter para un intento.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryIn es la espera sugerida cuando Allowed es false.
	RetryIn time.Duration
	// ResetIn es cuánto falta para recuperar el cupo completo.
	ResetIn time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func normalize(max int, window time.Duration) (int, time.Duration) {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return max, window
}
