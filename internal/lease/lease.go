// Package lease composes the job store's conditional updates into
// time-bounded exclusive claims on jobs.
package lease

import (
	"context"
	"time"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/store"
)

const (
	// GraceWindow is how long after its last renewal a lease still counts as held.
	GraceWindow = 5 * time.Minute
	// RenewInterval must stay a small fraction of GraceWindow so that a single
	// missed renewal does not let another worker reclaim the job.
	RenewInterval = time.Minute
)

type Manager struct {
	store store.JobStore
	grace time.Duration
	renew time.Duration
}

func NewManager(s store.JobStore) *Manager {
	return &Manager{store: s, grace: GraceWindow, renew: RenewInterval}
}

// WithTimings overrides the grace window and renewal cadence.
func (m *Manager) WithTimings(grace, renew time.Duration) *Manager {
	m.grace = grace
	m.renew = renew
	return m
}

func (m *Manager) Grace() time.Duration { return m.grace }

func (m *Manager) RenewEvery() time.Duration { return m.renew }

// Acquire claims job at now. A lease left behind by a crashed runner is taken
// over by extending it with the recorded value as the expected one.
func (m *Manager) Acquire(ctx context.Context, job domain.Job, now time.Time) (bool, error) {
	if job.LockTimeout == nil {
		return m.store.TryAcquireLease(ctx, job.ID, now)
	}
	return m.store.TryExtendLease(ctx, job.ID, *job.LockTimeout, now)
}

// Extend renews a held lease. It fails when the stored value is no longer
// expected, meaning the lease was released or taken over.
func (m *Manager) Extend(ctx context.Context, jobID string, expected, now time.Time) (bool, error) {
	return m.store.TryExtendLease(ctx, jobID, expected, now)
}

func (m *Manager) Release(ctx context.Context, jobID string, expected time.Time) error {
	return m.store.ReleaseLease(ctx, jobID, expected)
}
