package localdb

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
)

// Claves conocidas de edge_state.
const (
	KeyInstanceID   = "instance_id"
	KeyCursor       = "cursor"
	KeyLastFullSync = "last_full_sync"
	KeyNodeAuth     = "secret.node_auth"
	KeyNodeAuthID   = "secret.node_auth_id"
	KeySync         = "secret.sync"
	KeySecretExpiry = "secret.expires_at"
	// KeyOutboxSeq es el contador del seq por nodo (lo incrementa el outbox).
	KeyOutboxSeq = "outbox_seq"
)

// State es el key/value local del edge. Los secretos se guardan cifrados con
// una clave derivada de la master key local (purpose edge-state).
type State struct {
	db    *sql.DB
	box   *secretbox.Box
	clock clock.Clock
}

// NewState crea el store. box puede ser nil si el nodo no guarda secretos
// (en ese caso GetSecret/SetSecret fallan con ErrNoBox).
func NewState(db *sql.DB, box *secretbox.Box, clk clock.Clock) *State {
	return &State{db: db, box: box, clock: clock.OrReal(clk)}
}

// ErrNoBox: se pidió un secreto sin master key local configurada.
var ErrNoBox = errors.New("localdb: edge master key not configured")

// Get devuelve el valor o repository.ErrNotFound.
func (s *State) Get(ctx context.Context, key string) (string, error) {
	return getState(ctx, s.db, key)
}

// Set hace upsert de key.
func (s *State) Set(ctx context.Context, key, value string) error {
	return setState(ctx, s.db, key, value, s.clock.Now())
}

func getState(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM edge_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	return v, err
}

func setState(ctx context.Context, q querier, key, value string, at time.Time) error {
	_, err := q.ExecContext(ctx, `INSERT INTO edge_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, at.UTC())
	return err
}

// Cursor devuelve el último cursor de pull (0 si nunca se sincronizó).
func (s *State) Cursor(ctx context.Context) (int64, error) {
	v, err := s.Get(ctx, KeyCursor)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// SetCursor persiste el cursor. Nunca retrocede.
func (s *State) SetCursor(ctx context.Context, cursor int64) error {
	cur, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if cursor < cur {
		return nil
	}
	return s.Set(ctx, KeyCursor, strconv.FormatInt(cursor, 10))
}

// ResetCursor fuerza el cursor (full sync).
func (s *State) ResetCursor(ctx context.Context, cursor int64) error {
	if err := s.Set(ctx, KeyCursor, strconv.FormatInt(cursor, 10)); err != nil {
		return err
	}
	return s.Set(ctx, KeyLastFullSync, s.clock.Now().Format(time.RFC3339Nano))
}

// GetSecret descifra un secreto guardado.
func (s *State) GetSecret(ctx context.Context, key string) (string, error) {
	if s.box == nil {
		return "", ErrNoBox
	}
	blob, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	pt, err := s.box.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SetSecret cifra y guarda un secreto.
func (s *State) SetSecret(ctx context.Context, key, plaintext string) error {
	if s.box == nil {
		return ErrNoBox
	}
	blob, err := s.box.Encrypt([]byte(plaintext))
	if err != nil {
		return err
	}
	return s.Set(ctx, key, blob)
}
