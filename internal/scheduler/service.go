package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/lease"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
	"ledgerflow/internal/worker"
)

const DefaultRunners = 5

type Config struct {
	Interval time.Duration
	Runners  int
}

// Service lists due jobs on every tick and fans them out to a fixed pool
// of runners.
type Service struct {
	repo     store.JobStore
	leases   *lease.Manager
	runners  []*worker.Runner
	metrics  metrics.Sink
	log      zerolog.Logger
	now      func() time.Time
	stop     chan struct{}
	interval time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m metrics.Sink) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(repo store.JobStore, leases *lease.Manager, tasks *task.Registry, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		leases:   leases,
		metrics:  metrics.NewNoopSink(),
		log:      zerolog.Nop(),
		now:      time.Now,
		stop:     make(chan struct{}),
		interval: cfg.Interval,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()

	n := cfg.Runners
	if n <= 0 {
		n = DefaultRunners
	}
	for i := 0; i < n; i++ {
		s.runners = append(s.runners, worker.NewRunner(
			fmt.Sprintf("runner-%d", i), repo, leases, tasks, s,
			worker.WithClock(s.now),
			worker.WithMetrics(s.metrics),
			worker.WithLogger(s.log),
		))
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Int("runners", len(s.runners)).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Stop ends the tick loop. Running jobs are not interrupted; use Wait to
// drain them.
func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) Wait() {
	for _, r := range s.runners {
		r.Wait()
	}
}

// Tick offers every pending job to the runners in order until one accepts.
// Jobs no runner accepts stay pending for the next tick. It returns the
// number of jobs started.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	started := time.Now()
	jobs, err := s.repo.ListPending(ctx, now, s.leases.Grace())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list pending jobs")
		s.metrics.TickCompleted(time.Since(started), 0, err)
		return 0
	}

	accepted := 0
	for _, job := range jobs {
		if s.offer(ctx, job) {
			accepted++
		}
	}
	if len(jobs) > 0 {
		s.log.Debug().Int("pending", len(jobs)).Int("started", accepted).Msg("tick")
	}
	s.metrics.TickCompleted(time.Since(started), len(jobs), nil)
	return accepted
}

func (s *Service) offer(ctx context.Context, job domain.Job) bool {
	for _, r := range s.runners {
		if !r.TryAcquire(ctx, job) {
			continue
		}
		afterTimeout := job.LockTimeout != nil
		if afterTimeout {
			s.log.Warn().
				Str("job_id", job.ID).
				Str("job_type", job.Type).
				Time("lock_timeout", *job.LockTimeout).
				Str("runner", r.Name()).
				Msg("acquired after timeout")
		}
		s.metrics.JobAcquired(job.Type, afterTimeout)
		return true
	}
	return false
}

// Reschedule persists the next execution instant of a job. Tasks reach it
// through their JobContext.
func (s *Service) Reschedule(ctx context.Context, jobID string, at time.Time) error {
	if err := s.repo.SetNextExecution(ctx, jobID, at); err != nil {
		return errors.Wrapf(err, "set next execution of job %s", jobID)
	}
	return nil
}

// Busy returns the number of runners currently holding a job.
func (s *Service) Busy() int {
	n := 0
	for _, r := range s.runners {
		if r.Busy() {
			n++
		}
	}
	return n
}

var _ task.Rescheduler = (*Service)(nil)
