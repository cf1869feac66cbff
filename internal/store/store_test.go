package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"ledgerflow/internal/domain"
)

const grace = 5 * time.Minute

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db, SQLite))
	return NewSQLStore(db, SQLite)
}

// forEachStore runs the same contract against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func at(t time.Time) *time.Time { return &t }

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		id, err := s.CreateJob(ctx, domain.Job{WorkspaceID: "ws", Type: "hello_world", Config: []byte(`{}`), NextScheduledExecution: at(now)})
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.TryAcquireLease(ctx, id, now.Add(time.Duration(i)*time.Millisecond))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestExtendRequiresExpectedLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		id, err := s.CreateJob(ctx, domain.Job{WorkspaceID: "ws", Type: "t", Config: []byte(`{}`)})
		require.NoError(t, err)

		ok, err := s.TryAcquireLease(ctx, id, now)
		require.NoError(t, err)
		require.True(t, ok)

		later := now.Add(time.Minute)
		ok, err = s.TryExtendLease(ctx, id, now.Add(-time.Second), later)
		require.NoError(t, err)
		assert.False(t, ok, "stale expected value must not extend")

		ok, err = s.TryExtendLease(ctx, id, now, later)
		require.NoError(t, err)
		assert.True(t, ok)

		// The lease moved on; the old value is now stale.
		ok, err = s.TryExtendLease(ctx, id, now, later.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		j, err := s.FindJob(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, j.LockTimeout)
		assert.True(t, j.LockTimeout.Equal(later))
	})
}

func TestReleaseIsConditional(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		id, err := s.CreateJob(ctx, domain.Job{WorkspaceID: "ws", Type: "t", Config: []byte(`{}`)})
		require.NoError(t, err)
		ok, err := s.TryAcquireLease(ctx, id, now)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.ReleaseLease(ctx, id, now.Add(time.Second)))
		j, err := s.FindJob(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, j.LockTimeout, "mismatched release is a no-op")

		require.NoError(t, s.ReleaseLease(ctx, id, now))
		j, err = s.FindJob(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, j.LockTimeout)
	})
}

func TestMarkSucceededClearsLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		id, err := s.CreateJob(ctx, domain.Job{WorkspaceID: "ws", Type: "t", Config: []byte(`{}`), NextScheduledExecution: at(now.Add(-time.Minute))})
		require.NoError(t, err)
		ok, err := s.TryAcquireLease(ctx, id, now)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.MarkSucceeded(ctx, id, now.Add(time.Second)))
		j, err := s.FindJob(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, j.LockTimeout)
		require.NotNil(t, j.LastSuccessfulExecution)
		assert.True(t, j.LastSuccessfulExecution.Equal(now.Add(time.Second)))

		pending, err := s.ListPending(ctx, now.Add(time.Minute), grace)
		require.NoError(t, err)
		assert.Empty(t, pending, "succeeded job waits for a reschedule")

		require.NoError(t, s.SetNextExecution(ctx, id, now.Add(30*time.Second)))
		pending, err = s.ListPending(ctx, now.Add(time.Minute), grace)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestListPendingPredicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		jobs := map[string]domain.Job{
			"due":          {NextScheduledExecution: at(now.Add(-time.Minute))},
			"due-now":      {NextScheduledExecution: at(now)},
			"future":       {NextScheduledExecution: at(now.Add(time.Minute))},
			"unscheduled":  {},
			"live-lease":   {NextScheduledExecution: at(now.Add(-time.Hour)), LockTimeout: at(now.Add(-time.Minute))},
			"stale-lease":  {NextScheduledExecution: at(now.Add(-time.Hour)), LockTimeout: at(now.Add(-10 * time.Minute))},
			"already-done": {NextScheduledExecution: at(now.Add(-time.Hour)), LastSuccessfulExecution: at(now.Add(-time.Minute))},
			"rescheduled":  {NextScheduledExecution: at(now.Add(-time.Minute)), LastSuccessfulExecution: at(now.Add(-time.Hour))},
		}
		for id, j := range jobs {
			j.ID, j.WorkspaceID, j.Type, j.Config = id, "ws", "t", []byte(`{}`)
			_, err := s.CreateJob(ctx, j)
			require.NoError(t, err)
		}

		pending, err := s.ListPending(ctx, now, grace)
		require.NoError(t, err)
		var ids []string
		for _, j := range pending {
			ids = append(ids, j.ID)
			assert.True(t, j.IsPending(now, grace), j.ID)
		}
		assert.ElementsMatch(t, []string{"due", "due-now", "stale-lease", "rescheduled"}, ids)
	})
}

func TestJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.FindJob(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.SetNextExecution(ctx, "missing", time.Now()), ErrNotFound))
		assert.True(t, errors.Is(s.DeleteJob(ctx, "missing"), ErrNotFound))
	})
}

func generated(rp domain.RecurringPayment, date time.Time) domain.Transaction {
	src := rp.Source()
	return domain.Transaction{
		WorkspaceID: rp.WorkspaceID, Name: rp.Name, Type: rp.Type, Amount: rp.Amount,
		AssetID: rp.AssetID, WalletID: rp.WalletID, Date: date, Status: domain.TransactionOpen, Source: &src,
	}
}

func TestPendingGeneratedTransactions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rp := domain.RecurringPayment{
			WorkspaceID: "ws", Name: "Rent", Type: domain.TransactionExpense, Amount: decimal.RequireFromString("1234.50"),
			AssetID: "eur", WalletID: "main", CronSchedule: "0 0 0 1 * *", Status: domain.PaymentActive,
		}
		id, err := s.CreateRecurring(ctx, rp)
		require.NoError(t, err)
		rp.ID = id

		past := generated(rp, now.AddDate(0, -1, 0))
		booked := generated(rp, now.AddDate(0, 1, 0))
		booked.ID = "txn_booked"
		open := generated(rp, now.AddDate(0, 2, 0))
		open.SetUserModified(true)
		rp.LastTransactionDate = at(open.Date)
		require.NoError(t, s.ApplyProjection(ctx, rp, nil, []domain.Transaction{past, booked, open}))

		_, err = s.BookAmount(ctx, domain.BookedAmount{TransactionID: "txn_booked", Amount: decimal.NewFromInt(10), Date: now})
		require.NoError(t, err)

		pending, err := s.ListPendingGenerated(ctx, rp.Source(), now)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.True(t, pending[0].Date.Equal(open.Date))
		assert.True(t, pending[0].UserModified())
		assert.True(t, pending[0].Amount.Equal(rp.Amount))

		stored, err := s.GetRecurring(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, stored.LastTransactionDate)
		assert.True(t, stored.LastTransactionDate.Equal(open.Date))

		assert.Equal(t, int64(1), stored.Revision)

		require.NoError(t, s.ApplyProjection(ctx, stored, []string{pending[0].ID}, nil))
		pending, err = s.ListPendingGenerated(ctx, rp.Source(), now)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestDeleteRecurringDetachesBookedTransactions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rp := domain.RecurringPayment{
			WorkspaceID: "ws", Name: "Gym", Type: domain.TransactionExpense, Amount: decimal.NewFromInt(30),
			AssetID: "eur", WalletID: "main", CronSchedule: "0 0 0 1 * *", Status: domain.PaymentActive,
		}
		id, err := s.CreateRecurring(ctx, rp)
		require.NoError(t, err)
		rp.ID = id

		keep := generated(rp, now.AddDate(0, 1, 0))
		keep.ID = "txn_keep"
		drop := generated(rp, now.AddDate(0, 2, 0))
		drop.ID = "txn_drop"
		require.NoError(t, s.ApplyProjection(ctx, rp, nil, []domain.Transaction{keep, drop}))
		_, err = s.BookAmount(ctx, domain.BookedAmount{TransactionID: "txn_keep", Amount: decimal.NewFromInt(30), Date: now})
		require.NoError(t, err)

		require.NoError(t, s.DeleteRecurring(ctx, id))

		_, err = s.GetRecurring(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetTransaction(ctx, "txn_drop")
		assert.True(t, errors.Is(err, ErrNotFound))
		kept, err := s.GetTransaction(ctx, "txn_keep")
		require.NoError(t, err)
		assert.Nil(t, kept.Source)
	})
}

func TestApplyProjectionRejectsStaleRevision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		rp := domain.RecurringPayment{
			WorkspaceID: "ws", Name: "Rent", Type: domain.TransactionExpense, Amount: decimal.NewFromInt(950),
			AssetID: "eur", WalletID: "main", CronSchedule: "0 0 0 1 * *", Status: domain.PaymentActive,
		}
		id, err := s.CreateRecurring(ctx, rp)
		require.NoError(t, err)
		snapshot, err := s.GetRecurring(ctx, id)
		require.NoError(t, err)

		first := generated(snapshot, now.AddDate(0, 1, 0))
		snapshot.LastTransactionDate = at(first.Date)
		require.NoError(t, s.ApplyProjection(ctx, snapshot, nil, []domain.Transaction{first}))

		second := generated(snapshot, now.AddDate(0, 1, 0))
		err = s.ApplyProjection(ctx, snapshot, nil, []domain.Transaction{second})
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		pending, err := s.ListPendingGenerated(ctx, snapshot.Source(), now)
		require.NoError(t, err)
		assert.Len(t, pending, 1, "a rejected batch writes nothing")

		missing := snapshot
		missing.ID = "rcp_missing"
		err = s.ApplyProjection(ctx, missing, nil, nil)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})
}

func TestUpdateRecurringKeepsProjectionState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mark := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
		rp := domain.RecurringPayment{
			WorkspaceID: "ws", Name: "Rent", Type: domain.TransactionExpense, Amount: decimal.NewFromInt(950),
			AssetID: "eur", WalletID: "main", CronSchedule: "0 0 0 1 * *", Status: domain.PaymentActive,
		}
		id, err := s.CreateRecurring(ctx, rp)
		require.NoError(t, err)
		rp, err = s.GetRecurring(ctx, id)
		require.NoError(t, err)
		rp.LastTransactionDate = at(mark)
		require.NoError(t, s.ApplyProjection(ctx, rp, nil, nil))

		edit := rp
		edit.Status = domain.PaymentSuspended
		edit.LastTransactionDate = nil
		require.NoError(t, s.UpdateRecurring(ctx, edit))

		stored, err := s.GetRecurring(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentSuspended, stored.Status)
		require.NotNil(t, stored.LastTransactionDate)
		assert.True(t, stored.LastTransactionDate.Equal(mark))
		assert.Equal(t, int64(2), stored.Revision)

		// A projection computed before the edit must not write ACTIVE back.
		err = s.ApplyProjection(ctx, rp, nil, nil)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
	})
}

func TestUpsertRates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
		n, err := s.UpsertRates(ctx, []domain.ExchangeRate{{Base: "EUR", Quote: "USD", Rate: 1.03, Date: day}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.UpsertRates(ctx, []domain.ExchangeRate{{Base: "EUR", Quote: "USD", Rate: 1.04, Date: day}})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
