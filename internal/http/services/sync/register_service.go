package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/sync"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/registry"
	"github.com/dropDatabas3/edgesync/internal/secrets"
)

// RegisterService define el alta de nodos y la entrega de secretos.
type RegisterService interface {
	// Register da de alta (o re-registra) un nodo. nodeSecret solo se exige si el nodo ya existe.
	Register(ctx context.Context, token, nodeSecret string, req dto.RegisterRequest) (*dto.RegisterResponse, error)
	// Rekey devuelve el secreto sync activo a un nodo autenticado con node_auth.
	Rekey(ctx context.Context, n *repository.EdgeNode) (*dto.RekeyResponse, error)
	// NodeAuth devuelve el node_auth activo a un nodo autenticado con sync.
	NodeAuth(ctx context.Context, n *repository.EdgeNode) (*dto.NodeAuthResponse, error)
}

type registerService struct {
	deps Deps
}

// NewRegisterService crea el service de registro.
func NewRegisterService(d Deps) RegisterService {
	return &registerService{deps: d}
}

const componentRegister = "register"

func (s *registerService) Register(ctx context.Context, token, nodeSecret string, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component(componentRegister), logger.Op("Register"))

	req.ServerID = strings.TrimSpace(req.ServerID)
	req.GeoID = strings.TrimSpace(req.GeoID)
	if req.ServerID == "" || req.GeoID == "" {
		return nil, fmt.Errorf("%w: serverId and geoId", ErrMissingFields)
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	if _, err := s.deps.Tokens.Verify(token, req.ServerID, req.GeoID); err != nil {
		log.Warn("registration token rejected", logger.ServerID(req.ServerID), logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	reg := registry.Registration{
		ServerID:          req.ServerID,
		GeoID:             req.GeoID,
		Endpoint:          req.Endpoint,
		HeartbeatInterval: req.HeartbeatInterval,
		Version:           req.Version,
	}

	existing, err := s.deps.Registry.Lookup(ctx, req.ServerID)
	switch {
	case err == nil:
		return s.reregister(ctx, existing, nodeSecret, reg)
	case !repository.IsNotFound(err):
		return nil, err
	}

	n, err := s.deps.Registry.Create(ctx, reg)
	if err != nil {
		return nil, err
	}
	resp, err := s.issue(ctx, n)
	if err != nil {
		return nil, err
	}
	log.Info("edge node registered", logger.ServerID(n.ServerID), logger.InstanceID(n.InstanceID), logger.GeoID(n.GeoID))
	return resp, nil
}

// issue emite node_auth + sync para un nodo sin secretos.
func (s *registerService) issue(ctx context.Context, n *repository.EdgeNode) (*dto.RegisterResponse, error) {
	issued, err := s.deps.Secrets.RegisterEdgeNode(ctx, n.InstanceID, n.GeoID)
	if err != nil {
		return nil, fmt.Errorf("issue secrets: %w", err)
	}
	syncSecret := issued[repository.SecretTypeSync]
	nodeAuth := issued[repository.SecretTypeNodeAuth]
	return &dto.RegisterResponse{
		Success:    true,
		InstanceID: n.InstanceID,
		Secrets: dto.RegisterSecrets{
			NodeAuth: nodeAuth.Plaintext,
			Sync:     syncSecret.Plaintext,
		},
		ExpiresAt:        syncSecret.ExpiresAt,
		NodeAuthSecretID: nodeAuth.SecretID,
	}, nil
}

// reregister exige el secreto node_auth vigente y rota el secreto sync.
// Un nodo creado cuyo alta de secretos falló (sin node_auth activo) recibe secretos nuevos.
func (s *registerService) reregister(ctx context.Context, n *repository.EdgeNode, nodeSecret string, reg registry.Registration) (*dto.RegisterResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component(componentRegister), logger.Op("Reregister"),
		logger.ServerID(n.ServerID))

	_, _, err := s.deps.Secrets.ActiveSecret(ctx, repository.SecretTypeNodeAuth, n.InstanceID)
	if repository.IsNotFound(err) {
		log.Warn("node without node_auth secret, issuing new set")
		if n, err = s.deps.Registry.Reregister(ctx, n, reg); err != nil {
			return nil, err
		}
		resp, err := s.issue(ctx, n)
		if err != nil {
			return nil, err
		}
		resp.Reregistered = true
		return resp, nil
	}

	if strings.TrimSpace(nodeSecret) == "" {
		return nil, fmt.Errorf("%w: node already registered", ErrInvalidNodeSecret)
	}
	ok, err := s.deps.Secrets.ValidateSecret(ctx, repository.SecretTypeNodeAuth, []byte(nodeSecret), n.InstanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn("re-registration with invalid node secret")
		return nil, ErrInvalidNodeSecret
	}

	if n, err = s.deps.Registry.Reregister(ctx, n, reg); err != nil {
		return nil, err
	}
	rot, err := s.deps.Secrets.RotateSecret(ctx, repository.SecretTypeSync, n.InstanceID, n.ServerID, repository.ReasonManual)
	if err != nil {
		return nil, fmt.Errorf("rotate sync secret: %w", err)
	}
	s.deps.Secrets.MarkUsed(rot.NewSecretID)
	log.Info("edge node re-registered", logger.InstanceID(n.InstanceID), logger.SecretID(rot.NewSecretID))
	return &dto.RegisterResponse{
		Success:      true,
		InstanceID:   n.InstanceID,
		Secrets:      dto.RegisterSecrets{Sync: rot.Plaintext},
		ExpiresAt:    rot.ExpiresAt,
		Reregistered: true,
	}, nil
}

func (s *registerService) Rekey(ctx context.Context, n *repository.EdgeNode) (*dto.RekeyResponse, error) {
	d, err := s.deliver(ctx, n, repository.SecretTypeSync, "Rekey")
	if err != nil {
		return nil, err
	}
	return &dto.RekeyResponse{Success: true, SecretID: d.id, Sync: d.plain, ExpiresAt: d.expiresAt}, nil
}

func (s *registerService) NodeAuth(ctx context.Context, n *repository.EdgeNode) (*dto.NodeAuthResponse, error) {
	d, err := s.deliver(ctx, n, repository.SecretTypeNodeAuth, "NodeAuth")
	if err != nil {
		return nil, err
	}
	return &dto.NodeAuthResponse{Success: true, SecretID: d.id, NodeAuth: d.plain, ExpiresAt: d.expiresAt}, nil
}

type delivery struct {
	id        string
	plain     string
	expiresAt time.Time
}

// deliver revela el secreto activo de tipo t para el nodo. Sin uno vigente
// emite un reemplazo en lugar de dejar al nodo sin canal.
func (s *registerService) deliver(ctx context.Context, n *repository.EdgeNode, t repository.SecretType, op string) (*delivery, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component(componentRegister), logger.Op(op),
		logger.SecretType(string(t)))

	plain, sec, err := s.deps.Secrets.RevealActive(ctx, t, n.InstanceID, n.ServerID)
	if errors.Is(err, secrets.ErrSecretExpired) || repository.IsNotFound(err) {
		rot, rerr := s.deps.Secrets.RotateSecret(ctx, t, n.InstanceID, n.ServerID, repository.ReasonManual)
		if rerr != nil {
			return nil, fmt.Errorf("rotate %s secret: %w", t, rerr)
		}
		s.deps.Secrets.MarkUsed(rot.NewSecretID)
		log.Info("secret reissued on delivery", logger.SecretID(rot.NewSecretID))
		return &delivery{id: rot.NewSecretID, plain: rot.Plaintext, expiresAt: rot.ExpiresAt}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("secret delivered", logger.SecretID(sec.ID))
	return &delivery{id: sec.ID, plain: plain, expiresAt: sec.ExpiresAt}, nil
}
