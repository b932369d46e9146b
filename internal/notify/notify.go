// Package notify entrega eventos operativos (secretos, nodos, outbox) a
// destinos configurados. Los componentes reciben un Notifier por constructor;
// no hay bus global.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind identifica el tipo de evento.
type Kind string

const (
	SecretCompromised Kind = "secret_compromised"
	SecretCritical    Kind = "secret_critical"
	SecretExpired     Kind = "secret_expired"
	RotationStuck     Kind = "rotation_stuck"
	NodeOffline       Kind = "node_offline"
	OutboxDead        Kind = "outbox_dead"
)

// Severity ordena los eventos para filtrar destinos.
type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity acepta "info" | "warning" | "critical" (default critical).
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return Info
	case "warning":
		return Warning
	default:
		return Critical
	}
}

// Event es un evento operativo.
type Event struct {
	Kind       Kind
	Severity   Severity
	Message    string
	SecretID   string
	SecretType string
	EdgeNodeID string
	ServerID   string
	At         time.Time
	Fields     map[string]any
}

// Notifier entrega un evento. Las implementaciones no deben bloquear indefinidamente.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapta una función a Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop descarta todos los eventos.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// OrNop devuelve n o Nop{} si n es nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop{}
	}
	return n
}

// Multi reparte cada evento a todos los destinos y junta los errores.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder guarda los eventos recibidos (tests y diagnóstico).
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events devuelve una copia de los eventos recibidos.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count cuenta los eventos de un tipo.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}
