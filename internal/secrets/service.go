// Package secrets implementa el ciclo de vida de los shared secrets entre la central
// y los edge nodes: generación, activación, rotación, validación y expiración.
//
// Invariante: a lo sumo un secreto activo por (secret_type, edge_node_id). Se
// sostiene con un mutex por tupla, una transacción que bloquea la tupla en el
// store y un índice único parcial.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/edgesync/internal/audit"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
	"github.com/dropDatabas3/edgesync/internal/security/signing"
)

var (
	// ErrMasterKeyMissing: sin master key válida el servicio no puede arrancar.
	ErrMasterKeyMissing = errors.New("secrets: master key missing or invalid")
	// ErrSecretExpired: el secreto activo ya pasó su expires_at.
	ErrSecretExpired = errors.New("secrets: active secret expired")
)

// ActorSystem identifica operaciones disparadas por la propia central.
const ActorSystem = "system"

// GeneratedSecret es el resultado de GenerateSecret. Plaintext sólo existe en memoria.
type GeneratedSecret struct {
	SecretID  string
	Type      repository.SecretType
	Plaintext string
	ExpiresAt time.Time
}

// RotationResult es el resultado de RotateSecret.
type RotationResult struct {
	NewSecretID      string
	Plaintext        string
	PreviousSecretID string
	ExpiresAt        time.Time
}

type Config struct {
	// Lifetime de un secreto nuevo (default 365 días).
	Lifetime time.Duration
	// CacheTTL del secreto activo descifrado (default 30s).
	CacheTTL time.Duration
	// TouchTimeout acota la escritura async de access_count.
	TouchTimeout time.Duration
	// FillTimeout acota la lectura compartida del secreto activo (default 5s).
	FillTimeout time.Duration
}

type Deps struct {
	Repo     repository.SecretRepository
	Trail    *audit.Trail
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

type Service struct {
	repo     repository.SecretRepository
	box      *secretbox.Box
	trail    *audit.Trail
	notifier notify.Notifier
	clock    clock.Clock
	log      *zap.Logger
	cfg      Config

	locks  keyedMutex
	active *gocache.Cache
	group  singleflight.Group
	wg     sync.WaitGroup
}

type activeEntry struct {
	key    []byte
	secret *repository.SharedSecret
}

// NewService construye el servicio. masterKey es base64 o hex de 32 bytes;
// si falta o es inválida devuelve ErrMasterKeyMissing.
func NewService(masterKey string, d Deps, cfg Config) (*Service, error) {
	if d.Repo == nil {
		return nil, fmt.Errorf("secrets: %w", repository.ErrNoDatabase)
	}
	if masterKey == "" {
		return nil, ErrMasterKeyMissing
	}
	box, err := secretbox.NewFromString(masterKey, secretbox.PurposeSecretMaterial)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMasterKeyMissing, err)
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 365 * day
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = 5 * time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 5 * time.Second
	}
	clk := clock.OrReal(d.Clock)
	return &Service{
		repo:     d.Repo,
		box:      box,
		trail:    d.Trail,
		notifier: notify.OrNop(d.Notifier),
		clock:    clk,
		log:      logger.OrNamed(d.Logger, "secrets"),
		cfg:      cfg,
		active:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}, nil
}

// Close espera a que terminen las escrituras async de uso.
func (s *Service) Close() {
	s.wg.Wait()
}

func tupleKey(t repository.SecretType, edgeNodeID string) string {
	return string(t) + "|" + edgeNodeID
}

func validateTuple(t repository.SecretType, edgeNodeID string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: secret type %q", repository.ErrInvalidInput, t)
	}
	if t == repository.SecretTypeAPI && edgeNodeID != "" {
		return fmt.Errorf("%w: api secrets are global", repository.ErrInvalidInput)
	}
	if t != repository.SecretTypeAPI && edgeNodeID == "" {
		return fmt.Errorf("%w: %s secrets require an edge node", repository.ErrInvalidInput, t)
	}
	return nil
}

// newMaterial genera plaintext + blob cifrado + hash.
func (s *Service) newMaterial() (plain, enc, hash string, err error) {
	if plain, err = signing.NewKey(); err != nil {
		return "", "", "", err
	}
	enc, err = s.box.Encrypt([]byte(plain))
	if err != nil {
		return "", "", "", &signing.CryptoError{Op: "encrypt", Err: err}
	}
	return plain, enc, signing.SHA256Hex([]byte(plain)), nil
}

// ─── Generación / activación ───

// GenerateSecret crea un secreto pending para la tupla.
func (s *Service) GenerateSecret(ctx context.Context, t repository.SecretType, edgeNodeID string, reason repository.RotationReason, actor string) (*GeneratedSecret, error) {
	if err := validateTuple(t, edgeNodeID); err != nil {
		return nil, err
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: rotation reason %q", repository.ErrInvalidInput, reason)
	}
	plain, enc, hash, err := s.newMaterial()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sec := &repository.SharedSecret{
		ID:             uuid.NewString(),
		Type:           t,
		EdgeNodeID:     repository.NodeRef(edgeNodeID),
		EncryptedValue: enc,
		ValueHash:      hash,
		Status:         repository.SecretPending,
		ExpiresAt:      now.Add(s.cfg.Lifetime),
		RotationReason: reason,
		CreatedBy:      actor,
		CreatedAt:      now,
	}
	if err := s.repo.Insert(ctx, sec); err != nil {
		return nil, fmt.Errorf("secrets: insert: %w", err)
	}
	s.trail.Record(ctx, sec, repository.AuditGenerated, actor, string(reason))
	return &GeneratedSecret{SecretID: sec.ID, Type: t, Plaintext: plain, ExpiresAt: sec.ExpiresAt}, nil
}

// ActivateSecret activa secretID y desactiva el activo previo de su tupla.
func (s *Service) ActivateSecret(ctx context.Context, secretID, actor string) error {
	sec, err := s.repo.GetByID(ctx, secretID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(tupleKey(sec.Type, sec.NodeKey()))
	defer unlock()

	res, err := s.repo.Activate(ctx, secretID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("secrets: activate %s: %w", secretID, err)
	}
	s.invalidate(sec.Type, sec.NodeKey())

	s.trail.Record(ctx, res.Secret, repository.AuditActivated, actor, "")
	for _, id := range res.Deactivated {
		s.trail.Record(ctx, &repository.SharedSecret{ID: id, Type: sec.Type, EdgeNodeID: sec.EdgeNodeID},
			repository.AuditDeactivated, actor, "superseded by "+secretID)
	}
	return nil
}

// RotateSecret emite un secreto nuevo activo para la tupla en una transacción.
// reason=compromise marca al anterior compromised y emite una notificación crítica.
func (s *Service) RotateSecret(ctx context.Context, t repository.SecretType, edgeNodeID, actor string, reason repository.RotationReason) (*RotationResult, error) {
	if err := validateTuple(t, edgeNodeID); err != nil {
		return nil, err
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: rotation reason %q", repository.ErrInvalidInput, reason)
	}
	plain, enc, hash, err := s.newMaterial()
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(tupleKey(t, edgeNodeID))
	defer unlock()

	now := s.clock.Now()
	next := &repository.SharedSecret{
		ID:             uuid.NewString(),
		Type:           t,
		EdgeNodeID:     repository.NodeRef(edgeNodeID),
		EncryptedValue: enc,
		ValueHash:      hash,
		Status:         repository.SecretActive,
		ActivatedAt:    &now,
		ExpiresAt:      now.Add(s.cfg.Lifetime),
		RotationReason: reason,
		CreatedBy:      actor,
		CreatedAt:      now,
	}
	prevStatus := repository.SecretInactive
	if reason == repository.ReasonCompromise {
		prevStatus = repository.SecretCompromised
	}
	prev, err := s.repo.Rotate(ctx, next, prevStatus, now)
	if err != nil {
		return nil, fmt.Errorf("secrets: rotate %s: %w", tupleKey(t, edgeNodeID), err)
	}
	s.invalidate(t, edgeNodeID)
	metrics.SecretRotations.WithLabelValues(string(reason)).Inc()

	res := &RotationResult{NewSecretID: next.ID, Plaintext: plain, ExpiresAt: next.ExpiresAt}
	s.trail.Record(ctx, next, repository.AuditGenerated, actor, string(reason))
	s.trail.Record(ctx, next, repository.AuditActivated, actor, string(reason))
	if prev != nil {
		res.PreviousSecretID = prev.ID
		action := repository.AuditRotated
		if prevStatus == repository.SecretCompromised {
			action = repository.AuditCompromised
		}
		s.trail.Record(ctx, prev, action, actor, "superseded by "+next.ID)
	}

	s.log.Info("secret rotated",
		logger.SecretType(string(t)),
		logger.InstanceID(edgeNodeID),
		logger.SecretID(next.ID),
		logger.Reason(string(reason)),
		logger.Actor(actor),
	)

	if reason == repository.ReasonCompromise {
		ev := notify.Event{
			Kind:       notify.SecretCompromised,
			Severity:   notify.Critical,
			Message:    fmt.Sprintf("%s secret for node %q compromised and rotated", t, edgeNodeID),
			SecretID:   res.PreviousSecretID,
			SecretType: string(t),
			EdgeNodeID: edgeNodeID,
			At:         now,
			Fields:     map[string]any{"new_secret_id": next.ID, "actor": actor},
		}
		s.emit(ctx, ev)
	}
	return res, nil
}

// RegisterEdgeNode emite y activa los secretos node_auth y sync de un nodo nuevo.
func (s *Service) RegisterEdgeNode(ctx context.Context, edgeNodeID, geoID string) (map[repository.SecretType]*GeneratedSecret, error) {
	out := make(map[repository.SecretType]*GeneratedSecret, 2)
	for _, t := range []repository.SecretType{repository.SecretTypeNodeAuth, repository.SecretTypeSync} {
		gen, err := s.GenerateSecret(ctx, t, edgeNodeID, repository.ReasonNodeRegistration, ActorSystem)
		if err != nil {
			return nil, err
		}
		if err := s.ActivateSecret(ctx, gen.SecretID, ActorSystem); err != nil {
			return nil, err
		}
		out[t] = gen
	}
	s.log.Info("edge node secrets issued", logger.InstanceID(edgeNodeID), logger.GeoID(geoID))
	return out, nil
}

// ─── Validación / lectura ───

// ValidateSecret compara sha256(candidate) con el hash del secreto activo en tiempo constante.
// Un secreto vencido no valida. En éxito actualiza el uso en background.
func (s *Service) ValidateSecret(ctx context.Context, t repository.SecretType, candidate []byte, edgeNodeID string) (bool, error) {
	sec, err := s.repo.GetActive(ctx, t, edgeNodeID)
	if err != nil {
		if repository.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	ok := signing.ConstantTimeEqual(signing.SHA256Hex(candidate), sec.ValueHash)
	if ok && !sec.ExpiresAt.After(s.clock.Now()) {
		ok = false
	}
	if !ok {
		s.trail.Record(ctx, sec, repository.AuditValidationFailed, "", "hash mismatch or expired")
		return false, nil
	}
	s.MarkUsed(sec.ID)
	return true, nil
}

// MarkUsed incrementa access_count en background con timeout acotado.
func (s *Service) MarkUsed(secretID string) {
	at := s.clock.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TouchTimeout)
		defer cancel()
		if err := s.repo.TouchUsage(ctx, secretID, at); err != nil {
			s.log.Debug("touch usage failed", logger.SecretID(secretID), logger.Err(err))
		}
	}()
}

// ActiveSecret devuelve el material descifrado del secreto activo de la tupla.
// El resultado se cachea CacheTTL y se invalida en cada cambio de la tupla.
func (s *Service) ActiveSecret(ctx context.Context, t repository.SecretType, edgeNodeID string) ([]byte, *repository.SharedSecret, error) {
	key := tupleKey(t, edgeNodeID)
	var entry *activeEntry
	if v, ok := s.active.Get(key); ok {
		entry = v.(*activeEntry)
	} else {
		v, err, _ := s.group.Do(key, func() (any, error) {
			// el llenado lo comparten todos los que esperan: no hereda la
			// cancelación del primero
			fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FillTimeout)
			defer cancel()
			sec, err := s.repo.GetActive(fillCtx, t, edgeNodeID)
			if err != nil {
				return nil, err
			}
			plain, err := s.box.Decrypt(sec.EncryptedValue)
			if err != nil {
				return nil, &signing.CryptoError{Op: "decrypt", Err: err}
			}
			e := &activeEntry{key: plain, secret: sec}
			s.active.SetDefault(key, e)
			return e, nil
		})
		if err != nil {
			return nil, nil, err
		}
		entry = v.(*activeEntry)
	}
	if !entry.secret.ExpiresAt.After(s.clock.Now()) {
		return nil, entry.secret, ErrSecretExpired
	}
	return entry.key, entry.secret, nil
}

// RevealActive devuelve el plaintext activo y deja constancia en auditoría.
func (s *Service) RevealActive(ctx context.Context, t repository.SecretType, edgeNodeID, actor string) (string, *repository.SharedSecret, error) {
	key, sec, err := s.ActiveSecret(ctx, t, edgeNodeID)
	if err != nil {
		return "", nil, err
	}
	s.trail.Record(ctx, sec, repository.AuditRevealed, actor, "")
	// entregar el plaintext cuenta como uso: habilita rotar el secreto hermano
	s.MarkUsed(sec.ID)
	return string(key), sec, nil
}

func (s *Service) invalidate(t repository.SecretType, edgeNodeID string) {
	s.active.Delete(tupleKey(t, edgeNodeID))
}

// ─── Estados terminales ───

// MarkCompromised marca secretID compromised sin emitir reemplazo.
func (s *Service) MarkCompromised(ctx context.Context, secretID, actor string) error {
	sec, err := s.setTerminal(ctx, secretID, repository.SecretCompromised, repository.AuditCompromised, actor)
	if err != nil {
		return err
	}
	s.emit(ctx, notify.Event{
		Kind:       notify.SecretCompromised,
		Severity:   notify.Critical,
		Message:    fmt.Sprintf("%s secret %s marked compromised", sec.Type, sec.ID),
		SecretID:   sec.ID,
		SecretType: string(sec.Type),
		EdgeNodeID: sec.NodeKey(),
		At:         s.clock.Now(),
		Fields:     map[string]any{"actor": actor},
	})
	return nil
}

// ExpireSecret marca secretID expired.
func (s *Service) ExpireSecret(ctx context.Context, secretID, actor string) error {
	sec, err := s.setTerminal(ctx, secretID, repository.SecretExpired, repository.AuditExpired, actor)
	if err != nil {
		return err
	}
	s.emit(ctx, notify.Event{
		Kind:       notify.SecretExpired,
		Severity:   notify.Critical,
		Message:    fmt.Sprintf("%s secret %s expired", sec.Type, sec.ID),
		SecretID:   sec.ID,
		SecretType: string(sec.Type),
		EdgeNodeID: sec.NodeKey(),
		At:         s.clock.Now(),
	})
	return nil
}

func (s *Service) setTerminal(ctx context.Context, secretID string, status repository.SecretStatus, action repository.AuditAction, actor string) (*repository.SharedSecret, error) {
	sec, err := s.repo.GetByID(ctx, secretID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(tupleKey(sec.Type, sec.NodeKey()))
	defer unlock()

	if err := s.repo.SetStatus(ctx, secretID, status, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("secrets: set %s %s: %w", status, secretID, err)
	}
	s.invalidate(sec.Type, sec.NodeKey())
	s.trail.Record(ctx, sec, action, actor, "")
	sec.Status = status
	return sec, nil
}

// ─── Consultas ───

func (s *Service) ListSecrets(ctx context.Context, f repository.SecretFilter) ([]*repository.SharedSecret, error) {
	return s.repo.List(ctx, f)
}

// maxChainDepth corta cadenas corruptas (ciclos).
const maxChainDepth = 1000

// RotationChain recorre previous_secret_id desde secretID hacia atrás (más nuevo primero).
func (s *Service) RotationChain(ctx context.Context, secretID string) ([]*repository.SharedSecret, error) {
	var chain []*repository.SharedSecret
	seen := make(map[string]bool)
	id := secretID
	for id != "" && len(chain) < maxChainDepth {
		if seen[id] {
			return chain, fmt.Errorf("secrets: rotation chain cycle at %s", id)
		}
		seen[id] = true
		sec, err := s.repo.GetByID(ctx, id)
		if err != nil {
			if len(chain) > 0 && repository.IsNotFound(err) {
				break
			}
			return nil, err
		}
		chain = append(chain, sec)
		if sec.PreviousSecretID == nil {
			break
		}
		id = *sec.PreviousSecretID
	}
	return chain, nil
}

// StuckSecrets devuelve los secretos pending creados hace más de olderThan.
func (s *Service) StuckSecrets(ctx context.Context, olderThan time.Duration) ([]*repository.SharedSecret, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	return s.repo.List(ctx, repository.SecretFilter{Status: repository.SecretPending, CreatedBefore: &cutoff})
}

// CheckExpirations clasifica cada secreto activo. Devuelve todos, incluidos los healthy.
func (s *Service) CheckExpirations(ctx context.Context, th Thresholds) ([]ExpiryWarning, error) {
	list, err := s.repo.List(ctx, repository.SecretFilter{Status: repository.SecretActive})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]ExpiryWarning, 0, len(list))
	for _, sec := range list {
		class, days := Classify(sec.ExpiresAt, now, th)
		out = append(out, ExpiryWarning{Secret: sec, DaysLeft: days, Class: class})
	}
	return out, nil
}

// Notify reenvía un evento al notifier configurado (lo usa el scheduler).
func (s *Service) Notify(ctx context.Context, ev notify.Event) {
	s.emit(ctx, ev)
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("notify failed", zap.String("kind", string(ev.Kind)), logger.Err(err))
	}
}
