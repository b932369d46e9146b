// Package clock abstrae el tiempo para que servicios y tests compartan una fuente controlable.
package clock

import "time"

// Clock abstrae las funciones de tiempo que usan los servicios.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implementa Clock con la stdlib (siempre UTC).
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrReal devuelve c o Real{} si c es nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
