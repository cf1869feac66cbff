package payments

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/recurring"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

type rescheduler struct{ at time.Time }

func (r *rescheduler) Reschedule(_ context.Context, _ string, at time.Time) error {
	r.at = at
	return nil
}

func create(t *testing.T, s *store.MemoryStore, ws string, status domain.PaymentStatus, notAfter *time.Time) string {
	t.Helper()
	id, err := s.CreateRecurring(context.Background(), domain.RecurringPayment{
		WorkspaceID:  ws,
		Name:         "Gym",
		Type:         domain.TransactionExpense,
		Amount:       decimal.NewFromInt(30),
		AssetID:      "EUR",
		WalletID:     "checking",
		CronSchedule: "0 0 0 1 * *",
		NotAfter:     notAfter,
		Status:       status,
	})
	require.NoError(t, err)
	return id
}

func TestUpdateRecurringPayments(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	s := store.NewMemoryStore()
	ctx := context.Background()

	ended := now.Add(-24 * time.Hour)
	activeID := create(t, s, "ws", domain.PaymentActive, nil)
	expiredID := create(t, s, "ws", domain.PaymentActive, &ended)
	create(t, s, "ws", domain.PaymentSuspended, nil)
	create(t, s, "other", domain.PaymentActive, nil)

	u := NewUpdateRecurring(s, recurring.NewProjector(s, zerolog.Nop()).WithClock(clock))
	rs := &rescheduler{}
	jc := task.NewJobContext(domain.Job{ID: "job_rcp", WorkspaceID: "ws"}, nil, zerolog.Nop(), rs, clock)

	require.NoError(t, u.Execute(ctx, jc))

	txs, err := s.ListTransactions(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, txs, 12)
	for _, tx := range txs {
		assert.Equal(t, activeID, tx.Source.ID)
	}

	other, err := s.ListTransactions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)

	rp, err := s.GetRecurring(ctx, expiredID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentExpired, rp.Status)

	assert.True(t, rs.at.Equal(time.Date(2026, 1, 1, 1, 0, 0, 0, time.Local)))

	// A second run the same night finds nothing new.
	require.NoError(t, u.Execute(ctx, jc))
	txs, err = s.ListTransactions(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, txs, 12)
}

func TestUpdateRecurringStopsWhenLeaseLost(t *testing.T) {
	s := store.NewMemoryStore()
	create(t, s, "ws", domain.PaymentActive, nil)
	u := NewUpdateRecurring(s, recurring.NewProjector(s, zerolog.Nop()))
	rs := &rescheduler{}
	jc := task.NewJobContext(domain.Job{ID: "job_rcp", WorkspaceID: "ws"}, nil, zerolog.Nop(), rs, nil)
	jc.Bind(func() bool { return false })

	assert.Error(t, u.Execute(context.Background(), jc))
	assert.True(t, rs.at.IsZero())
}
