// Package recurring projects recurring payments into future transactions and
// reconciles the projection with previously generated, possibly edited ones.
package recurring

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ledgerflow/internal/cron"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/store"
)

const (
	// Horizon caps how far ahead transactions are generated.
	Horizon = 365 * 24 * time.Hour

	notBeforeLead = time.Minute
)

func windowStart(rp *domain.RecurringPayment, now time.Time) time.Time {
	if rp.NotBefore != nil && rp.NotBefore.After(now) {
		return rp.NotBefore.Add(-notBeforeLead)
	}
	if rp.LastTransactionDate != nil {
		return *rp.LastTransactionDate
	}
	return now
}

func windowEnd(rp *domain.RecurringPayment, now time.Time) time.Time {
	limit := now.Add(Horizon)
	if rp.NotAfter != nil && rp.NotAfter.Before(limit) {
		return *rp.NotAfter
	}
	return limit
}

func halted(s domain.PaymentStatus) bool {
	return s == domain.PaymentSuspended || s == domain.PaymentCancelled
}

// Draft returns an unsaved transaction cloned from rp and dated at.
func Draft(rp *domain.RecurringPayment, at time.Time) domain.Transaction {
	src := rp.Source()
	return domain.Transaction{
		WorkspaceID: rp.WorkspaceID,
		Name:        rp.Name,
		Type:        rp.Type,
		Amount:      rp.Amount,
		AssetID:     rp.AssetID,
		WalletID:    rp.WalletID,
		PartnerID:   rp.PartnerID,
		Date:        at,
		Status:      domain.TransactionOpen,
		Source:      &src,
	}
}

// GeneratePayments returns one draft transaction per cron instant in the
// window (start, end]. Suspended and cancelled payments yield nothing. With
// updateHighWaterMark set, rp.LastTransactionDate advances to the latest
// generated date; it never moves backwards.
func GeneratePayments(rp *domain.RecurringPayment, now time.Time, updateHighWaterMark bool) ([]domain.Transaction, error) {
	if halted(rp.Status) {
		return nil, nil
	}
	sched, err := cron.Parse(rp.CronSchedule)
	if err != nil {
		return nil, errors.Wrapf(err, "recurring payment %s", rp.ID)
	}

	end := windowEnd(rp, now)
	cursor := windowStart(rp, now)
	var out []domain.Transaction
	for {
		next, ok := sched.Next(cursor)
		if !ok || next.After(end) {
			break
		}
		out = append(out, Draft(rp, next))
		cursor = next
	}

	if updateHighWaterMark && len(out) > 0 {
		last := out[len(out)-1].Date
		if rp.LastTransactionDate == nil || last.After(*rp.LastTransactionDate) {
			rp.LastTransactionDate = &last
		}
	}
	return out, nil
}

type UpdateResult struct {
	Delete []domain.Transaction
	Create []domain.Transaction
}

// UpdatePayments reconciles the pending generated transactions of rp with a
// fresh projection. Without force, user modified transactions are kept and
// their dates are not generated again. rp.LastTransactionDate is reset and
// re-derived from the fresh projection.
func UpdatePayments(rp *domain.RecurringPayment, pending []domain.Transaction, now time.Time, force bool) (UpdateResult, error) {
	retained := make(map[int64]struct{})
	var purge []domain.Transaction
	if force {
		purge = pending
	} else {
		for _, tx := range pending {
			if tx.UserModified() {
				retained[tx.Date.UnixNano()] = struct{}{}
				continue
			}
			purge = append(purge, tx)
		}
	}

	rp.LastTransactionDate = nil
	fresh, err := GeneratePayments(rp, now, true)
	if err != nil {
		return UpdateResult{}, err
	}

	var create []domain.Transaction
	for _, tx := range fresh {
		if _, ok := retained[tx.Date.UnixNano()]; ok {
			continue
		}
		create = append(create, tx)
	}
	return UpdateResult{Delete: purge, Create: create}, nil
}

// NextPaymentDate returns the next cron instant after now, or nil when it
// falls outside the payment's bounds.
func NextPaymentDate(rp *domain.RecurringPayment, now time.Time) (*time.Time, error) {
	next, ok, err := cron.NextExecution(rp.CronSchedule, now)
	if err != nil || !ok {
		return nil, err
	}
	if rp.NotBefore != nil && next.Before(*rp.NotBefore) {
		return nil, nil
	}
	if rp.NotAfter != nil && next.After(*rp.NotAfter) {
		return nil, nil
	}
	return &next, nil
}

// ExpireIfDue flips an active payment whose notAfter has passed to expired.
func ExpireIfDue(rp *domain.RecurringPayment, now time.Time) bool {
	if rp.Status != domain.PaymentActive || rp.NotAfter == nil || !now.After(*rp.NotAfter) {
		return false
	}
	rp.Status = domain.PaymentExpired
	return true
}

// Projector applies projections to a PaymentStore.
type Projector struct {
	store store.PaymentStore
	now   func() time.Time
	log   zerolog.Logger
}

func NewProjector(s store.PaymentStore, log zerolog.Logger) *Projector {
	return &Projector{store: s, now: time.Now, log: log.With().Str("component", "projector").Logger()}
}

// WithClock overrides the time source.
func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// conflictAttempts bounds how often a projection is recomputed after the
// payment changed underneath it.
const conflictAttempts = 5

// retry runs fn against rp and, when the stored payment moved on in the
// meantime, reloads rp and runs fn again.
func (p *Projector) retry(ctx context.Context, rp *domain.RecurringPayment, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrConflict) || attempt == conflictAttempts {
			return err
		}
		p.log.Debug().Str("recurring_payment_id", rp.ID).Int("attempt", attempt).Msg("recurring payment changed, recomputing")
		fresh, err := p.store.GetRecurring(ctx, rp.ID)
		if err != nil {
			return err
		}
		*rp = fresh
	}
}

// Project generates transactions past the payment's high-water mark and
// persists them. It returns the number created.
func (p *Projector) Project(ctx context.Context, rp *domain.RecurringPayment) (int, error) {
	var created int
	err := p.retry(ctx, rp, func() (err error) {
		created, err = p.project(ctx, rp)
		return err
	})
	return created, err
}

func (p *Projector) project(ctx context.Context, rp *domain.RecurringPayment) (int, error) {
	next := *rp
	txs, err := GeneratePayments(&next, p.now(), true)
	if err != nil {
		return 0, err
	}
	if err := p.store.ApplyProjection(ctx, next, nil, txs); err != nil {
		return 0, errors.Wrapf(err, "project recurring payment %s", rp.ID)
	}
	next.Revision++
	*rp = next
	return len(txs), nil
}

// Advance expires rp when its notAfter has passed and otherwise projects it
// forward from its high-water mark. rp may be stale; the stored payment wins.
func (p *Projector) Advance(ctx context.Context, rp *domain.RecurringPayment) (created int, expired bool, err error) {
	err = p.retry(ctx, rp, func() error {
		created, expired = 0, false
		next := *rp
		if ExpireIfDue(&next, p.now()) {
			if err := p.store.ApplyProjection(ctx, next, nil, nil); err != nil {
				return errors.Wrapf(err, "expire recurring payment %s", rp.ID)
			}
			next.Revision++
			*rp = next
			expired = true
			return nil
		}
		n, perr := p.project(ctx, rp)
		created = n
		return perr
	})
	return created, expired, err
}

// Update reconciles the stored pending transactions of payment id and
// applies the result.
func (p *Projector) Update(ctx context.Context, id string, force bool) (UpdateResult, error) {
	rp, err := p.store.GetRecurring(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	var res UpdateResult
	err = p.retry(ctx, &rp, func() error {
		now := p.now()
		pending, err := p.store.ListPendingGenerated(ctx, rp.Source(), now)
		if err != nil {
			return errors.Wrapf(err, "list pending transactions of %s", id)
		}
		next := rp
		if res, err = UpdatePayments(&next, pending, now, force); err != nil {
			return err
		}
		if err := p.Apply(ctx, &next, pending, res); err != nil {
			return err
		}
		rp = next
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	p.log.Info().
		Str("recurring_payment_id", id).
		Bool("force", force).
		Int("deleted", len(res.Delete)).
		Int("created", len(res.Create)).
		Msg("recurring payment updated")
	return res, nil
}

// Apply persists res as one batch against rp.Revision and advances it on
// success. Retained pending transactions may lie past the fresh projection,
// so the high-water mark becomes the latest date of either.
func (p *Projector) Apply(ctx context.Context, rp *domain.RecurringPayment, pending []domain.Transaction, res UpdateResult) error {
	deleted := make(map[string]struct{}, len(res.Delete))
	ids := make([]string, 0, len(res.Delete))
	for _, tx := range res.Delete {
		deleted[tx.ID] = struct{}{}
		ids = append(ids, tx.ID)
	}
	for _, tx := range pending {
		if _, ok := deleted[tx.ID]; ok {
			continue
		}
		if rp.LastTransactionDate == nil || tx.Date.After(*rp.LastTransactionDate) {
			d := tx.Date
			rp.LastTransactionDate = &d
		}
	}
	if err := p.store.ApplyProjection(ctx, *rp, ids, res.Create); err != nil {
		return errors.Wrapf(err, "apply projection of recurring payment %s", rp.ID)
	}
	rp.Revision++
	return nil
}
