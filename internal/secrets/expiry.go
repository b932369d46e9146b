package secrets

import (
	"time"

	"github.com/dropDatabas3/edgesync/internal/domain/repository"
)

// Classification es el bucket de expiración de un secreto activo.
type Classification string

const (
	ClassHealthy    Classification = "healthy"
	ClassWarning    Classification = "warning"
	ClassAutoRotate Classification = "auto_rotate"
	ClassCritical   Classification = "critical"
	ClassExpired    Classification = "expired"
)

// Thresholds en días restantes. Se evalúan del más estricto al más laxo.
type Thresholds struct {
	WarningDays    int
	AutoRotateDays int
	CriticalDays   int
}

// DefaultThresholds: 30 / 14 / 7 días.
var DefaultThresholds = Thresholds{WarningDays: 30, AutoRotateDays: 14, CriticalDays: 7}

func (t Thresholds) orDefault() Thresholds {
	if t.WarningDays == 0 && t.AutoRotateDays == 0 && t.CriticalDays == 0 {
		return DefaultThresholds
	}
	return t
}

// ExpiryWarning es la clasificación de un secreto activo en un instante.
type ExpiryWarning struct {
	Secret   *repository.SharedSecret
	DaysLeft float64
	Class    Classification
}

const day = 24 * time.Hour

// Classify ubica expiresAt respecto de now.
//
//	≤0d expired > ≤critical > ≤auto_rotate > ≤warning > healthy
func Classify(expiresAt, now time.Time, th Thresholds) (Classification, float64) {
	th = th.orDefault()
	left := expiresAt.Sub(now)
	days := left.Hours() / 24
	switch {
	case left <= 0:
		return ClassExpired, days
	case left <= time.Duration(th.CriticalDays)*day:
		return ClassCritical, days
	case left <= time.Duration(th.AutoRotateDays)*day:
		return ClassAutoRotate, days
	case left <= time.Duration(th.WarningDays)*day:
		return ClassWarning, days
	}
	return ClassHealthy, days
}
