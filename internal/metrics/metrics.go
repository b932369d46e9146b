package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del dominio de sincronización. Viven en un paquete propio para que
// middlewares, servicios y scheduler las usen sin ciclos de import.

var (
	SyncAuthRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_auth_rejections_total",
		Help: "Requests de sync rechazadas por el gate HMAC, por motivo",
	}, []string{"reason"})

	SyncPushItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_items_total",
		Help: "Items recibidos por push, por resultado (applied|duplicate|stale|conflict|clock_skew|invalid)",
	}, []string{"result"})

	SecretRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secret_rotations_total",
		Help: "Rotaciones de secretos por motivo",
	}, []string{"reason"})

	EdgeNodesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_nodes_online",
		Help: "Edge nodes activos que cumplen la regla de liveness",
	})

	MaintenanceJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maintenance_job_runs_total",
		Help: "Ejecuciones de jobs de mantenimiento por resultado",
	}, []string{"job", "result"})

	MaintenanceJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maintenance_job_duration_seconds",
		Help:    "Duración de los jobs de mantenimiento",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
	}, []string{"job"})

	OutboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_outbox_depth",
		Help: "Filas del outbox local por estado",
	}, []string{"status"})

	OutboxPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_outbox_push_total",
		Help: "Intentos de push del outbox por resultado (ok|retry|failed)",
	}, []string{"result"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Lecturas del cache de la central por backend y resultado (hit|miss|error)",
	}, []string{"kind", "result"})
)

// Register registra las métricas en el registry indicado (o el default si es nil).
// Ignora duplicados para que tests y procesos con varios componentes no fallen.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		SyncAuthRejections,
		SyncPushItems,
		SecretRotations,
		EdgeNodesOnline,
		MaintenanceJobRuns,
		MaintenanceJobDuration,
		OutboxDepth,
		OutboxPushes,
		CacheLookups,
	} {
		if err := RegisterCollector(reg, c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCollector registra el collector en el registry indicado, ignorando duplicados.
func RegisterCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}
