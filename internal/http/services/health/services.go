// Package health contiene el service de health checks.
package health

import (
	"context"
	"fmt"

	"github.com/dropDatabas3/edgesync/internal/clock"
	dto "github.com/dropDatabas3/edgesync/internal/http/dto/health"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// HealthService define las operaciones de health check.
type HealthService interface {
	Check(ctx context.Context) dto.HealthResponse
}

// Check es una verificación de un componente. Critical marca la instancia
// como unavailable si falla; el resto solo la degrada.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// Deps contiene las dependencias inyectables para el health service.
type Deps struct {
	Checks  []Check
	Version string
	Role    string
	Clock   clock.Clock
}

type healthService struct {
	deps Deps
}

// NewHealthService crea un nuevo service de health check.
func NewHealthService(deps Deps) HealthService {
	deps.Clock = clock.OrReal(deps.Clock)
	return &healthService{deps: deps}
}

// Services agrupa todos los services del dominio health.
type Services struct {
	Health HealthService
}

// NewServices crea el agregador de services health.
func NewServices(d Deps) Services {
	return Services{Health: NewHealthService(d)}
}

const componentHealth = "health"

func (s *healthService) Check(ctx context.Context) dto.HealthResponse {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component(componentHealth),
		logger.Op("Check"),
	)

	response := dto.HealthResponse{
		Components: make(map[string]dto.HealthStatus, len(s.deps.Checks)),
		Version:    s.deps.Version,
		Role:       s.deps.Role,
		Timestamp:  s.deps.Clock.Now(),
	}

	hasErrors, hasCritical := false, false
	for _, c := range s.deps.Checks {
		if c.Run == nil {
			response.Components[c.Name] = dto.HealthStatus{Status: "disabled"}
			continue
		}
		if err := c.Run(ctx); err != nil {
			response.Components[c.Name] = dto.HealthStatus{Status: "error", Message: fmt.Sprintf("unavailable: %v", err)}
			hasErrors = true
			if c.Critical {
				hasCritical = true
				log.Error("critical component unavailable", logger.Component(c.Name), logger.Err(err))
			} else {
				log.Warn("component degraded", logger.Component(c.Name), logger.Err(err))
			}
			continue
		}
		response.Components[c.Name] = dto.HealthStatus{Status: "ok"}
	}

	switch {
	case hasCritical:
		response.Status = "unavailable"
	case hasErrors:
		response.Status = "degraded"
	default:
		response.Status = "ready"
	}
	return response
}
