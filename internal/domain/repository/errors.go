package repository

import "errors"

// Sentinels que devuelven los adapters; los services los envuelven con %w.
var (
	ErrNotFound = errors.New("not found")

	// ErrConflict: unique violada, transición de estado inválida o escritura
	// concurrente sobre la misma tupla.
	ErrConflict = errors.New("conflict")

	ErrInvalidInput = errors.New("invalid input")

	// ErrNoDatabase: el componente se construyó sin repositorio.
	ErrNoDatabase = errors.New("no database configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
