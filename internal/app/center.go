// Package app arma los procesos central y edge a partir de la config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/edgesync/internal/audit"
	"github.com/dropDatabas3/edgesync/internal/cache"
	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/config"
	"github.com/dropDatabas3/edgesync/internal/domain/repository"
	httpserver "github.com/dropDatabas3/edgesync/internal/http"
	healthctrl "github.com/dropDatabas3/edgesync/internal/http/controllers/health"
	syncctrl "github.com/dropDatabas3/edgesync/internal/http/controllers/sync"
	mw "github.com/dropDatabas3/edgesync/internal/http/middlewares"
	"github.com/dropDatabas3/edgesync/internal/http/router"
	healthsvc "github.com/dropDatabas3/edgesync/internal/http/services/health"
	syncsvc "github.com/dropDatabas3/edgesync/internal/http/services/sync"
	"github.com/dropDatabas3/edgesync/internal/maintenance"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/notify"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
	"github.com/dropDatabas3/edgesync/internal/rate"
	"github.com/dropDatabas3/edgesync/internal/registry"
	"github.com/dropDatabas3/edgesync/internal/secrets"
	"github.com/dropDatabas3/edgesync/internal/security/regtoken"
	"github.com/dropDatabas3/edgesync/internal/store"

	// registran los adapters vía init()
	_ "github.com/dropDatabas3/edgesync/internal/store/adapters/pg"
	_ "github.com/dropDatabas3/edgesync/internal/store/adapters/sqlite"
)

// Deps son las dependencias externas del armado (tests inyectan reloj).
type Deps struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Version string
}

// ─── Core ───

// Core es lo que comparten el servidor central y los comandos de administración.
type Core struct {
	Conn     store.AdapterConnection
	Notifier notify.Notifier
	Trail    *audit.Trail
	Secrets  *secrets.Service
	Registry *registry.Registry
	Tokens   *regtoken.Issuer
	Cache    cache.Client
	Clock    clock.Clock
	Log      *zap.Logger
	Version  string
}

// OpenCore conecta storage y cache, aplica migraciones y construye los servicios.
func OpenCore(ctx context.Context, cfg *config.Config, d Deps) (*Core, error) {
	if err := cfg.ValidateCenter(); err != nil {
		return nil, err
	}
	clk := clock.OrReal(d.Clock)
	log := logger.OrNamed(d.Logger, "central")

	conn, err := store.OpenAdapter(ctx, store.AdapterConfig{
		Name:         cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		MaxIdleConns: cfg.Storage.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	c := &Core{Conn: conn, Clock: clk, Log: log, Version: d.Version}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	res, err := conn.Migrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if res != nil && len(res.Applied) > 0 {
		log.Info("migrations applied", logger.Count(len(res.Applied)))
	}

	if c.Cache, err = openCache(ctx, cfg); err != nil {
		return nil, err
	}
	c.Notifier = buildNotifier(cfg, log)
	c.Trail = audit.NewTrail(conn.Audit(), clk, log)

	c.Secrets, err = secrets.NewService(cfg.Security.MasterKey, secrets.Deps{
		Repo:     conn.Secrets(),
		Trail:    c.Trail,
		Notifier: c.Notifier,
		Clock:    clk,
		Logger:   log,
	}, secrets.Config{
		Lifetime: cfg.Secrets.Lifetime,
		CacheTTL: cfg.Secrets.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	c.Registry, err = registry.New(registry.Deps{
		Nodes:      conn.Nodes(),
		Heartbeats: conn.Heartbeats(),
		Commands:   conn.Commands(),
		Cache:      c.Cache,
		Notifier:   c.Notifier,
		Clock:      clk,
		Logger:     log,
	}, registry.Config{NodeCacheTTL: cfg.Cache.Memory.DefaultTTL})
	if err != nil {
		return nil, err
	}

	// sin registration key el core sirve a la CLI pero no acepta registros
	if cfg.Security.RegistrationKey != "" {
		if c.Tokens, err = NewTokenIssuer(cfg, clk); err != nil {
			return nil, err
		}
	}
	ok = true
	return c, nil
}

// Close libera secretos en vuelo, cache y storage.
func (c *Core) Close() error {
	if c.Secrets != nil {
		c.Secrets.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Client, error) {
	return cache.Open(ctx, cache.Config{
		Kind:     cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
}

func buildNotifier(cfg *config.Config, log *zap.Logger) notify.Notifier {
	out := notify.Multi{notify.NewLog(log)}
	if strings.TrimSpace(cfg.SMTP.Host) != "" && len(cfg.SMTP.To) > 0 {
		out = append(out, notify.NewMail(notify.MailConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			From:               cfg.SMTP.From,
			User:               cfg.SMTP.Username,
			Pass:               cfg.SMTP.Password,
			TLSMode:            cfg.SMTP.TLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			To:                 cfg.SMTP.To,
			MinSeverity:        notify.ParseSeverity(cfg.SMTP.MinSeverity),
		}))
	}
	return out
}

// ─── Center ───

// Center es el proceso central armado.
type Center struct {
	*Core
	Handler   http.Handler
	Scheduler *maintenance.Scheduler
	Metrics   *prometheus.Registry

	server httpserver.ServerConfig
}

// BuildCenter arma core, HTTP y scheduler de mantenimiento.
func BuildCenter(ctx context.Context, cfg *config.Config, d Deps) (*Center, error) {
	core, err := OpenCore(ctx, cfg, d)
	if err != nil {
		return nil, err
	}
	if core.Tokens == nil {
		core.Close()
		return nil, fmt.Errorf("security.registration_key (REGISTRATION_SIGNING_KEY): %w", regtoken.ErrNoKey)
	}
	c := &Center{
		Core: core,
		server: httpserver.ServerConfig{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
	}

	c.Metrics = prometheus.NewRegistry()
	httpMetrics := mw.NewHTTPMetrics()
	if err := registerMetrics(c.Metrics, core.Conn, httpMetrics); err != nil {
		core.Close()
		return nil, err
	}

	c.Handler = buildHandler(cfg, core, httpMetrics, c.Metrics)
	c.Scheduler = centerScheduler(cfg, core)
	return c, nil
}

func registerMetrics(reg *prometheus.Registry, conn store.AdapterConnection, httpMetrics *mw.HTTPMetrics) error {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}
	for _, col := range httpMetrics.Collectors() {
		if err := metrics.RegisterCollector(reg, col); err != nil {
			return err
		}
	}
	if p, ok := conn.(interface{ Collector() prometheus.Collector }); ok {
		if err := metrics.RegisterCollector(reg, p.Collector()); err != nil {
			return err
		}
	}
	return nil
}

func buildHandler(cfg *config.Config, core *Core, httpMetrics *mw.HTTPMetrics, reg *prometheus.Registry) http.Handler {
	syncServices := syncsvc.NewServices(syncsvc.Deps{
		Registry: core.Registry,
		Secrets:  core.Secrets,
		Records:  core.Conn.Records(),
		Tokens:   core.Tokens,
		Clock:    core.Clock,
	}, syncsvc.Config{
		MaxClockSkew: cfg.Security.MaxClockSkew,
		PullLimit:    cfg.Edge.PullLimit,
		Thresholds:   thresholds(cfg),
	})

	checks := []healthsvc.Check{
		{Name: "db", Critical: true, Run: core.Conn.Ping},
		{Name: "cache", Run: core.Cache.Ping},
	}
	healthServices := healthsvc.NewServices(healthsvc.Deps{
		Checks:  checks,
		Version: core.Version,
		Role:    "central",
		Clock:   core.Clock,
	})

	gate := func(t repository.SecretType) mw.Middleware {
		return mw.SyncAuth(mw.SyncAuthConfig{
			Nodes:        core.Registry,
			Secrets:      core.Secrets,
			Clock:        core.Clock,
			Window:       cfg.Security.TimestampWindow,
			SecretType:   t,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		})
	}

	var registerRate mw.Middleware
	if cfg.Rate.Enabled {
		registerRate = mw.WithRateLimit(mw.RateLimitConfig{Limiter: buildLimiter(cfg, core)})
	}

	return router.New(router.Deps{
		Logger:         core.Log,
		Sync:           syncctrl.NewControllers(syncServices, cfg.Server.MaxBodyBytes),
		Health:         healthctrl.NewControllers(healthServices),
		SyncGate:       gate(repository.SecretTypeSync),
		NodeAuthGate:   gate(repository.SecretTypeNodeAuth),
		RegisterRate:   registerRate,
		Metrics:        httpMetrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
}

func buildLimiter(cfg *config.Config, core *Core) rate.Limiter {
	max, window := cfg.Rate.Register.Limit, cfg.Rate.Register.Window
	if r, ok := core.Cache.(interface{ Cmdable() rdb.Cmdable }); ok {
		return rate.NewRedisLimiter(r.Cmdable(), cfg.Cache.Redis.Prefix+"rl:", max, window)
	}
	return rate.NewMemoryLimiter(max, window, core.Clock)
}

func thresholds(cfg *config.Config) secrets.Thresholds {
	th := cfg.Secrets.Thresholds
	return secrets.Thresholds{
		WarningDays:    th.WarningDays,
		AutoRotateDays: th.AutoRotateDays,
		CriticalDays:   th.CriticalDays,
	}
}

func centerScheduler(cfg *config.Config, core *Core) *maintenance.Scheduler {
	m := cfg.Maintenance
	s := maintenance.New(
		maintenance.WithClock(core.Clock),
		maintenance.WithLogger(core.Log),
		maintenance.WithJobTimeout(m.JobTimeout),
	)
	s.Add(
		maintenance.Job{
			Name:       "secret_expiry",
			Interval:   m.ExpiryInterval,
			RunOnStart: true,
			Run: maintenance.SecretExpiryJob(core.Secrets, core.Notifier, core.Clock, maintenance.ExpiryConfig{
				Thresholds:        thresholds(cfg),
				AutoRotateExpired: cfg.Secrets.AutoRotateExpired,
			}),
		},
		maintenance.Job{
			Name:     "stuck_rotation",
			Interval: m.StuckInterval,
			Run:      maintenance.StuckRotationJob(core.Secrets, core.Notifier, core.Clock, cfg.Secrets.StuckAfter),
		},
		maintenance.Job{
			Name:     "offline_nodes",
			Interval: m.OfflineInterval,
			Run:      maintenance.OfflineNodesJob(core.Registry),
		},
		maintenance.Job{
			Name:     "retention",
			Interval: m.RetentionInterval,
			Run: maintenance.RetentionJob(core.Clock,
				maintenance.Retention{Name: "edge_heartbeats", Keep: m.HeartbeatRetention, Purger: core.Conn.Heartbeats()},
				maintenance.Retention{Name: "secret_audit_log", Keep: m.AuditRetention, Purger: maintenance.PurgerFunc(core.Trail.Purge)},
				maintenance.Retention{Name: "node_commands", Keep: m.CommandRetention, Purger: maintenance.PurgerFunc(core.Conn.Commands().PurgeDeliveredBefore)},
			),
		},
	)
	return s
}

// Run sirve HTTP y corre el scheduler hasta que ctx se cancele.
func (c *Center) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Start(ctx, c.server, c.Handler, nil, c.Log)
	})
	g.Go(func() error {
		return c.Scheduler.Run(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve es Run sobre un listener propio (tests de integración).
func (c *Center) Serve(ctx context.Context, ln net.Listener) error {
	return httpserver.Start(ctx, c.server, c.Handler, ln, c.Log)
}

const defaultTokenTTL = 24 * time.Hour

// NewTokenIssuer construye el emisor de registration tokens (no necesita storage).
func NewTokenIssuer(cfg *config.Config, clk clock.Clock) (*regtoken.Issuer, error) {
	i, err := regtoken.New([]byte(cfg.Security.RegistrationKey), clock.OrReal(clk).Now)
	if err != nil {
		return nil, fmt.Errorf("registration key: %w", err)
	}
	return i, nil
}

// IssueToken emite un registration token para un nodo.
func (c *Core) IssueToken(serverID, geoID string, ttl time.Duration) (string, time.Time, error) {
	if c.Tokens == nil {
		return "", time.Time{}, regtoken.ErrNoKey
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return c.Tokens.Issue(serverID, geoID, ttl)
}
