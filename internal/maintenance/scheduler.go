// Package maintenance corre jobs periódicos (expiración de secretos, nodos
// offline, retención, outbox) con timeout, recover, logging y métricas.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/edgesync/internal/clock"
	"github.com/dropDatabas3/edgesync/internal/metrics"
	"github.com/dropDatabas3/edgesync/internal/observability/logger"
)

// Job es una tarea periódica con nombre.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout por ejecución; 0 usa el default del scheduler.
	Timeout time.Duration
	// RunOnStart ejecuta el job al arrancar además de en cada intervalo.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// ErrUnknownJob se devuelve al pedir un job no registrado.
var ErrUnknownJob = errors.New("maintenance: unknown job")

// Scheduler ejecuta jobs en su propio loop; un job no se superpone consigo mismo.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	clock   clock.Clock
	log     *zap.Logger
	timeout time.Duration
}

// Option configura el Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithJobTimeout fija el timeout por defecto de cada ejecución.
func WithJobTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

const defaultJobTimeout = 2 * time.Minute

// New crea un scheduler vacío.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{timeout: defaultJobTimeout}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	s.log = logger.OrNamed(s.log, "maintenance")
	if s.timeout <= 0 {
		s.timeout = defaultJobTimeout
	}
	return s
}

// Add registra jobs. Los jobs sin Run o sin intervalo se ignoran con un warning.
func (s *Scheduler) Add(jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.Run == nil || j.Interval <= 0 || j.Name == "" {
			s.log.Warn("job ignored", logger.Job(j.Name), logger.Duration(j.Interval))
			continue
		}
		s.jobs = append(s.jobs, j)
	}
}

// Jobs devuelve los nombres registrados.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Name)
	}
	return out
}

// Run bloquea hasta que ctx se cancela. Los errores de jobs no detienen el scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	s.log.Info("maintenance scheduler started", logger.Count(len(jobs)))
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	err := g.Wait()
	s.log.Info("maintenance scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.RunOnStart {
		_ = s.execute(ctx, j)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(j.Interval):
			_ = s.execute(ctx, j)
		}
	}
}

// RunOnce ejecuta un job por nombre de forma sincrónica (CLI, tests).
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			j := s.jobs[i]
			found = &j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, *found)
}

// execute corre una vez con timeout y recover, y registra resultado y duración.
func (s *Scheduler) execute(ctx context.Context, j Job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.log.With(logger.Job(j.Name))
	runCtx = logger.ToContext(runCtx, log)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("maintenance: job %s panicked: %v", j.Name, rec)
			log.Error("job panicked", logger.Any("panic", rec), logger.String("stack", string(debug.Stack())))
		}
		elapsed := time.Since(start)
		metrics.MaintenanceJobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			if !errors.Is(err, context.Canceled) {
				log.Warn("job failed", logger.Err(err), logger.Duration(elapsed))
			}
		} else {
			log.Debug("job completed", logger.Duration(elapsed))
		}
		metrics.MaintenanceJobRuns.WithLabelValues(j.Name, result).Inc()
	}()

	return j.Run(runCtx)
}
