package task

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ledgerflow/internal/cron"
	"ledgerflow/internal/domain"
)

// Rescheduler persists the next execution instant of a job.
type Rescheduler interface {
	Reschedule(ctx context.Context, jobID string, at time.Time) error
}

// JobContext is handed to a task for one execution of one job.
type JobContext struct {
	Job    domain.Job
	Config any
	Logger zerolog.Logger

	rescheduler Rescheduler
	now         func() time.Time

	mu     sync.Mutex
	active func() bool
}

func NewJobContext(job domain.Job, cfg any, logger zerolog.Logger, r Rescheduler, now func() time.Time) *JobContext {
	if now == nil {
		now = time.Now
	}
	return &JobContext{Job: job, Config: cfg, Logger: logger, rescheduler: r, now: now}
}

func (jc *JobContext) WorkspaceID() string { return jc.Job.WorkspaceID }

// Bind installs the liveness check used by IsActive.
func (jc *JobContext) Bind(active func() bool) {
	jc.mu.Lock()
	jc.active = active
	jc.mu.Unlock()
}

// IsActive reports whether the runner that started this execution still
// holds the job's lease. Long running tasks may poll it and stop early.
func (jc *JobContext) IsActive() bool {
	jc.mu.Lock()
	active := jc.active
	jc.mu.Unlock()
	return active == nil || active()
}

func (jc *JobContext) RescheduleAt(ctx context.Context, at time.Time) error {
	if jc.rescheduler == nil {
		return errors.New("job context has no rescheduler")
	}
	if err := jc.rescheduler.Reschedule(ctx, jc.Job.ID, at); err != nil {
		return errors.Wrapf(err, "reschedule job %s", jc.Job.ID)
	}
	jc.Logger.Debug().Time("next", at).Msg("job rescheduled")
	return nil
}

func (jc *JobContext) RescheduleIn(ctx context.Context, d time.Duration) error {
	return jc.RescheduleAt(ctx, jc.now().Add(d))
}

func (jc *JobContext) RescheduleCron(ctx context.Context, expr string) error {
	next, ok, err := cron.NextExecution(expr, jc.now())
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("cron %q has no future execution", expr)
	}
	return jc.RescheduleAt(ctx, next)
}

// Config returns the decoded configuration of jc as *T.
func Config[T any](jc *JobContext) (*T, error) {
	cfg, ok := jc.Config.(*T)
	if !ok || cfg == nil {
		return nil, errors.Mark(errors.Newf("unexpected config type %T", jc.Config), ErrInvalidConfig)
	}
	return cfg, nil
}
