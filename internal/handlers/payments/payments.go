// Package payments advances the recurring payments of a workspace.
package payments

import (
	"context"

	"github.com/cockroachdb/errors"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/recurring"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

const (
	TaskID   = "update_recurring_payments"
	schedule = "0 0 1 * * *"
)

// UpdateRecurring expires finished payments and projects the active ones of
// the job's workspace, then runs again the next night.
type UpdateRecurring struct {
	payments  store.PaymentStore
	projector *recurring.Projector
}

func NewUpdateRecurring(s store.PaymentStore, p *recurring.Projector) *UpdateRecurring {
	return &UpdateRecurring{payments: s, projector: p}
}

func (u *UpdateRecurring) ID() string     { return TaskID }
func (u *UpdateRecurring) NewConfig() any { return nil }

func (u *UpdateRecurring) Execute(ctx context.Context, jc *task.JobContext) error {
	active, err := u.payments.ListRecurring(ctx, jc.WorkspaceID(), domain.PaymentActive)
	if err != nil {
		return errors.Wrap(err, "list active recurring payments")
	}

	var created, expired int
	for i := range active {
		if !jc.IsActive() {
			return errors.New("lease lost, stopping")
		}
		n, exp, err := u.projector.Advance(ctx, &active[i])
		if err != nil {
			return err
		}
		created += n
		if exp {
			expired++
		}
	}
	jc.Logger.Info().
		Int("payments", len(active)).
		Int("created", created).
		Int("expired", expired).
		Msg("recurring payments updated")

	return jc.RescheduleCron(ctx, schedule)
}

var _ task.Task = (*UpdateRecurring)(nil)
