package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/config"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	"github.com/dropDatabas3/edgesync/internal/edge/agent"
	"github.com/dropDatabas3/edgesync/internal/edge/client"
	"github.com/dropDatabas3/edgesync/internal/edge/localdb"
	"github.com/dropDatabas3/edgesync/internal/edge/outbox"
	"github.com/dropDatabas3/edgesync/internal/edge/pusher"
	httpserver "github.com/dropDatabas3/edgesync/internal/http"
	"github.com/dropDatabas3/edgesync/internal/maintenance"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/security/secretbox"
)

// Edge es el proceso edge armado.
type Edge struct {
	DB        *sql.DB
	State     *localdb.State
	Replica   *localdb.Replica
	Outbox    *outbox.Store
	Client    *client.Client
	Agent     *agent.Agent
	Pusher    *pusher.Pusher
	Scheduler *maintenance.Scheduler

	metricsAddr string
	log         *zap.Logger
}

// OpenEdgeStore abre la base local sin armar el agente (CLI de outbox).
func OpenEdgeStore(ctx context.Context, cfg *config.Config, d Deps) (*sql.DB, *outbox.Store, error) {
	log := logger.OrNamed(d.Logger, "edge")
	db, err := localdb.Open(ctx, cfg.Edge.DBPath, log.Sugar())
	if err != nil {
		return nil, nil, err
	}
	ob := outbox.New(db, outbox.Config{MaxRetries: cfg.Edge.MaxRetries}, d.Clock, log)
	return db, ob, nil
}

// BuildEdge arma base local, cliente, agente, pusher y scheduler.
func BuildEdge(ctx context.Context, cfg *config.Config, d Deps) (*Edge, error) {
	if err := cfg.ValidateEdge(); err != nil {
		return nil, err
	}
	clk := clock.OrReal(d.Clock)
	log := logger.OrNamed(d.Logger, "edge")

	box, err := secretbox.NewFromString(cfg.Security.MasterKey, secretbox.PurposeEdgeState)
	if err != nil {
		return nil, fmt.Errorf("edge master key: %w", err)
	}
	db, ob, err := OpenEdgeStore(ctx, cfg, Deps{Clock: clk, Logger: log})
	if err != nil {
		return nil, err
	}
	if err := metrics.RegisterCollector(prometheus.DefaultRegisterer, metrics.NewSQLStatsCollector(db, "edge")); err != nil {
		db.Close()
		return nil, err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		db.Close()
		return nil, err
	}

	e := &Edge{
		DB:      db,
		State:   localdb.NewState(db, box, clk),
		Replica: localdb.NewReplica(db, clk),
		Outbox:  ob,

		metricsAddr: cfg.Edge.MetricsAddr,
		log:         log,
	}

	// el cliente toma los secretos del agente; el agente usa el cliente como central.
	var ag *agent.Agent
	secretsFn := secretProviderFunc(func(ctx context.Context, t repository.SecretType) (string, error) {
		return ag.Secret(ctx, t)
	})
	e.Client, err = client.New(client.Config{
		BaseURL:  cfg.Edge.CenterURL,
		ServerID: cfg.Edge.ServerID,
		GeoID:    cfg.Edge.GeoID,
		Timeout:  cfg.Edge.RequestTimeout,
		Version:  cfg.Edge.Version,
	}, secretsFn, clk, nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	notifier := notify.Multi{notify.NewLog(log)}

	m := cfg.Maintenance
	e.Scheduler = maintenance.New(
		maintenance.WithClock(clk),
		maintenance.WithLogger(log),
		maintenance.WithJobTimeout(m.JobTimeout),
	)
	e.Scheduler.Add(
		maintenance.Job{
			Name:     "outbox_retention",
			Interval: m.OutboxRetentionInterval,
			Run:      maintenance.OutboxRetentionJob(ob, clk, m.OutboxRetention),
		},
		maintenance.Job{
			Name:       "outbox_requeue",
			Interval:   m.OutboxRequeueInterval,
			RunOnStart: true,
			Run:        maintenance.OutboxRequeueJob(ob, m.OutboxRequeueAfter),
		},
	)

	rekey := rekeyerFunc(func(ctx context.Context) error { return ag.Rekey(ctx) })
	e.Pusher = pusher.New(pusher.Deps{
		Queue:    ob,
		Central:  e.Client,
		Rekeyer:  rekey,
		Notifier: notifier,
		Clock:    clk,
		Logger:   log,
	}, pusher.Config{
		Interval:  cfg.Edge.PushInterval,
		BatchSize: cfg.Edge.BatchSize,
		GeoID:     cfg.Edge.GeoID,
		ServerID:  cfg.Edge.ServerID,
	})

	ag = agent.New(agent.Deps{
		State:   e.State,
		Replica: e.Replica,
		Outbox:  ob,
		Central: e.Client,
		Sampler: agent.SystemSampler{DiskPath: filepath.Dir(cfg.Edge.DBPath)},
		Clock:   clk,
		Logger:  log,
		Runners: []agent.Runner{e.Pusher, e.Scheduler},
	}, agent.Config{
		ServerID:          cfg.Edge.ServerID,
		GeoID:             cfg.Edge.GeoID,
		Endpoint:          cfg.Edge.Endpoint,
		Version:           cfg.Edge.Version,
		RegistrationToken: cfg.Edge.RegistrationToken,
		Entities:          cfg.Edge.Entities,
		HeartbeatInterval: cfg.Edge.HeartbeatInterval,
		PullInterval:      cfg.Edge.PullInterval,
		PullLimit:         cfg.Edge.PullLimit,
	})
	e.Agent = ag
	return e, nil
}

// Run corre el agente (registro, heartbeat, pull, push y mantenimiento) y,
// si hay metrics_addr, un listener con /metrics.
func (e *Edge) Run(ctx context.Context) error {
	if e.metricsAddr == "" {
		return e.Agent.Run(ctx)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Agent.Run(ctx) })
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return httpserver.Start(ctx, httpserver.ServerConfig{Addr: e.metricsAddr}, mux, nil, e.log)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Edge) Close() error { return e.DB.Close() }

type secretProviderFunc func(ctx context.Context, t repository.SecretType) (string, error)

func (f secretProviderFunc) Secret(ctx context.Context, t repository.SecretType) (string, error) {
	return f(ctx, t)
}

type rekeyerFunc func(ctx context.Context) error

func (f rekeyerFunc) Rekey(ctx context.Context) error { return f(ctx) }
