// Package store persists jobs, recurring payments and their generated
// transactions.
//
// Every lease operation on JobStore is a single conditional row update; the
// scheduling engine relies on that atomicity and never on in-process locks.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"ledgerflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write against a row that changed since it was read.
	ErrConflict = errors.New("conflict")
)

// JobStore is the persistence boundary of the scheduling engine.
type JobStore interface {
	// ListPending returns jobs that are due and not held by a live lease.
	ListPending(ctx context.Context, now time.Time, grace time.Duration) ([]domain.Job, error)
	FindJob(ctx context.Context, id string) (domain.Job, error)
	// TryAcquireLease sets the lease to now only if no lease is stored.
	TryAcquireLease(ctx context.Context, id string, now time.Time) (bool, error)
	// TryExtendLease sets the lease to now only if the stored lease equals expected.
	TryExtendLease(ctx context.Context, id string, expected, now time.Time) (bool, error)
	// ReleaseLease clears the lease if it still equals expected.
	ReleaseLease(ctx context.Context, id string, expected time.Time) error
	MarkSucceeded(ctx context.Context, id string, now time.Time) error
	SetNextExecution(ctx context.Context, id string, at time.Time) error
}

// JobAdmin backs the admin surface for jobs.
type JobAdmin interface {
	CreateJob(ctx context.Context, j domain.Job) (string, error)
	// UpdateJob writes type, config, next execution and notes. Lease and
	// last success are owned by the engine and left untouched.
	UpdateJob(ctx context.Context, j domain.Job) error
	ListJobs(ctx context.Context, workspaceID string) ([]domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

type PaymentStore interface {
	CreateRecurring(ctx context.Context, rp domain.RecurringPayment) (string, error)
	GetRecurring(ctx context.Context, id string) (domain.RecurringPayment, error)
	// UpdateRecurring writes the user editable fields and bumps the revision.
	// The high-water mark belongs to projections and is left untouched.
	UpdateRecurring(ctx context.Context, rp domain.RecurringPayment) error
	// ListRecurring lists a workspace's recurring payments; an empty status
	// matches all of them.
	ListRecurring(ctx context.Context, workspaceID string, status domain.PaymentStatus) ([]domain.RecurringPayment, error)
	// DeleteRecurring removes the payment, its open unbooked generated
	// transactions, and detaches the remaining ones.
	DeleteRecurring(ctx context.Context, id string) error

	// ListPendingGenerated returns transactions generated by src, dated after
	// now and without booked amounts.
	ListPendingGenerated(ctx context.Context, src domain.SourceRef, now time.Time) ([]domain.Transaction, error)
	// ApplyProjection deletes, inserts and stores the payment's status and
	// high-water mark as one batch, provided the stored revision still equals
	// rp.Revision. Otherwise nothing is written and ErrConflict is returned.
	ApplyProjection(ctx context.Context, rp domain.RecurringPayment, deleteIDs []string, create []domain.Transaction) error

	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx domain.Transaction) error
	ListTransactions(ctx context.Context, workspaceID string) ([]domain.Transaction, error)
	BookAmount(ctx context.Context, b domain.BookedAmount) (string, error)
}

type RateStore interface {
	UpsertRates(ctx context.Context, rates []domain.ExchangeRate) (int, error)
}

// Store is everything the application needs from persistence.
type Store interface {
	JobStore
	JobAdmin
	PaymentStore
	RateStore
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
