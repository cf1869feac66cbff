package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/lease"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

// state is either idle or *running.
type state interface{ isState() }

type idle struct{}

// running is the snapshot of one execution. Identity matters: every
// transition back to idle compares against the snapshot pointer, so an
// activity that outlived its snapshot cannot clobber a newer acquisition.
type running struct {
	job   domain.Job
	task  task.Task
	jc    *task.JobContext
	lease time.Time // guarded by Runner.mu
	done  chan struct{}
	beat  chan struct{} // closed when the heartbeat has returned
}

func (idle) isState()     {}
func (*running) isState() {}

// Runner executes at most one job at a time.
type Runner struct {
	name    string
	store   store.JobStore
	leases  *lease.Manager
	tasks   *task.Registry
	resched task.Rescheduler
	metrics metrics.Sink
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state state
	wg    sync.WaitGroup
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithMetrics(m metrics.Sink) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

func NewRunner(name string, s store.JobStore, leases *lease.Manager, tasks *task.Registry, resched task.Rescheduler, opts ...Option) *Runner {
	r := &Runner{
		name:    name,
		store:   s,
		leases:  leases,
		tasks:   tasks,
		resched: resched,
		metrics: metrics.NewNoopSink(),
		log:     zerolog.Nop(),
		now:     time.Now,
		state:   idle{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With().Str("runner", name).Logger()
	return r
}

func (r *Runner) Name() string { return r.name }

// Busy reports whether the runner currently holds a job.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.state.(*running)
	return ok
}

// IsActive reports whether jc belongs to the execution this runner is
// currently tracking.
func (r *Runner) IsActive(jc *task.JobContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.(*running)
	return ok && jc != nil && s.jc == jc
}

// Wait blocks until every execution and heartbeat started by this runner
// has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// TryAcquire claims job for this runner and starts executing it. It returns
// false without touching the store when the runner is busy, and false when
// the lease could not be taken or the job cannot be executed.
func (r *Runner) TryAcquire(ctx context.Context, job domain.Job) bool {
	tentative := &running{job: job}
	if !r.swap(idle{}, tentative) {
		return false
	}

	log := r.log.With().Str("job_id", job.ID).Str("job_type", job.Type).Logger()
	now := r.now()

	ok, err := r.leases.Acquire(ctx, job, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire lease")
		r.swap(tentative, idle{})
		return false
	}
	if !ok {
		r.swap(tentative, idle{})
		return false
	}

	t, cfg, err := r.prepare(job)
	if err != nil {
		log.Error().Err(err).Msg("cannot execute job")
		if err := r.leases.Release(context.WithoutCancel(ctx), job.ID, now); err != nil {
			log.Error().Err(err).Msg("failed to release lease")
		}
		r.metrics.JobFailed(job.Type)
		r.swap(tentative, idle{})
		return false
	}

	jc := task.NewJobContext(job, cfg, log.With().Str("task", t.ID()).Logger(), r.resched, r.now)
	snap := &running{job: job, task: t, jc: jc, lease: now, done: make(chan struct{}), beat: make(chan struct{})}
	jc.Bind(func() bool { return r.IsActive(jc) })

	r.swap(tentative, snap)
	r.wg.Add(2)
	go r.execute(ctx, snap, log)
	go r.heartbeat(ctx, snap, log)
	return true
}

func (r *Runner) prepare(job domain.Job) (task.Task, any, error) {
	t, ok := r.tasks.Find(job.Type)
	if !ok {
		return nil, nil, errors.Wrapf(task.ErrUnknownTask, "%q", job.Type)
	}
	cfg, err := r.tasks.DecodeConfig(t, job.Config)
	if err != nil {
		return nil, nil, err
	}
	return t, cfg, nil
}

func (r *Runner) execute(ctx context.Context, snap *running, log zerolog.Logger) {
	defer r.wg.Done()

	started := r.now()
	err := invoke(ctx, snap)
	close(snap.done)
	// A renewal may be in flight; the release below must see its lease.
	<-snap.beat

	// The task may have outlived ctx. Finishing the bookkeeping keeps the
	// job from waiting out the grace window after a shutdown.
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := r.store.MarkSucceeded(storeCtx, snap.job.ID, r.now()); err != nil {
			log.Error().Err(err).Msg("failed to mark job succeeded")
		} else {
			r.metrics.JobSucceeded(snap.job.Type, r.now().Sub(started))
			log.Info().Dur("took", r.now().Sub(started)).Msg("job succeeded")
		}
		r.swap(snap, idle{})
		return
	}

	log.Error().Err(err).Msg("job failed")
	r.metrics.JobFailed(snap.job.Type)
	if err := r.leases.Release(storeCtx, snap.job.ID, r.leaseOf(snap)); err != nil {
		log.Error().Err(err).Msg("failed to release lease")
	}
	r.swap(snap, idle{})
}

func invoke(ctx context.Context, snap *running) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("task panicked: %s", fmt.Sprint(p))
		}
	}()
	return snap.task.Execute(ctx, snap.jc)
}

func (r *Runner) heartbeat(ctx context.Context, snap *running, log zerolog.Logger) {
	defer r.wg.Done()
	defer close(snap.beat)

	timer := time.NewTimer(r.leases.RenewEvery())
	defer timer.Stop()

	for {
		select {
		case <-snap.done:
			return
		case <-timer.C:
		}
		if !r.current(snap) {
			return
		}

		expected := r.leaseOf(snap)
		now := r.now()
		ok, err := r.leases.Extend(context.WithoutCancel(ctx), snap.job.ID, expected, now)
		if err == nil && ok {
			r.mu.Lock()
			if r.state == state(snap) {
				snap.lease = now
			}
			r.mu.Unlock()
			timer.Reset(r.leases.RenewEvery())
			continue
		}

		select {
		case <-snap.done:
			// Completion cleared the lease under us.
			return
		default:
		}
		ev := log.Warn()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("lost lease")
		r.metrics.LeaseLost(snap.job.Type)
		r.swap(snap, idle{})
		return
	}
}

// swap replaces the state with next if it is currently from.
func (r *Runner) swap(from, next state) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = next
	return true
}

func (r *Runner) current(snap *running) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == state(snap)
}

func (r *Runner) leaseOf(snap *running) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snap.lease
}
