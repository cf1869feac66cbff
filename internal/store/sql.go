package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"ledgerflow/internal/domain"
)

// SQLStore implements Store on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// DB returns the underlying database connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q(query string) string { return rebind(s.dialect, query) }

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}

// ---- jobs ----

const jobColumns = `id,workspace_id,type,config,next_scheduled_execution,last_successful_execution,lock_timeout,notes`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var config string
	var next, last, lock sql.NullInt64
	if err := row.Scan(&j.ID, &j.WorkspaceID, &j.Type, &config, &next, &last, &lock, &j.Notes); err != nil {
		return domain.Job{}, err
	}
	j.Config = json.RawMessage(config)
	j.NextScheduledExecution = fromNanos(next)
	j.LastSuccessfulExecution = fromNanos(last)
	j.LockTimeout = fromNanos(lock)
	return j, nil
}

func (s *SQLStore) ListPending(ctx context.Context, now time.Time, grace time.Duration) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+jobColumns+` FROM jobs
WHERE next_scheduled_execution IS NOT NULL AND next_scheduled_execution <= ?
  AND (lock_timeout IS NULL OR lock_timeout <= ?)
  AND (last_successful_execution IS NULL OR last_successful_execution <= next_scheduled_execution)
ORDER BY next_scheduled_execution`), nanos(now), nanos(now.Add(-grace)))
	if err != nil {
		return nil, errors.Wrap(err, "list pending jobs")
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) FindJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "find job %s", id)
	}
	return j, nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE jobs SET lock_timeout = ? WHERE id = ? AND lock_timeout IS NULL`, nanos(now), id)
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease on job %s", id)
	}
	return n > 0, nil
}

func (s *SQLStore) TryExtendLease(ctx context.Context, id string, expected, now time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE jobs SET lock_timeout = ? WHERE id = ? AND lock_timeout = ?`, nanos(now), id, nanos(expected))
	if err != nil {
		return false, errors.Wrapf(err, "extend lease on job %s", id)
	}
	return n > 0, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, id string, expected time.Time) error {
	if _, err := s.exec(ctx, `UPDATE jobs SET lock_timeout = NULL WHERE id = ? AND lock_timeout = ?`, id, nanos(expected)); err != nil {
		return errors.Wrapf(err, "release lease on job %s", id)
	}
	return nil
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, now time.Time) error {
	n, err := s.exec(ctx, `UPDATE jobs SET last_successful_execution = ?, lock_timeout = NULL WHERE id = ?`, nanos(now), id)
	if err != nil {
		return errors.Wrapf(err, "mark job %s succeeded", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *SQLStore) SetNextExecution(ctx context.Context, id string, at time.Time) error {
	n, err := s.exec(ctx, `UPDATE jobs SET next_scheduled_execution = ? WHERE id = ?`, nanos(at), id)
	if err != nil {
		return errors.Wrapf(err, "reschedule job %s", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *SQLStore) CreateJob(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = newID("job")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?)`),
		id, j.WorkspaceID, j.Type, string(j.Config),
		nullNanos(j.NextScheduledExecution), nullNanos(j.LastSuccessfulExecution), nullNanos(j.LockTimeout), j.Notes)
	if err != nil {
		return "", errors.Wrap(err, "create job")
	}
	return id, nil
}

func (s *SQLStore) UpdateJob(ctx context.Context, j domain.Job) error {
	n, err := s.exec(ctx, `
UPDATE jobs SET type = ?, config = ?, next_scheduled_execution = ?, notes = ? WHERE id = ?`,
		j.Type, string(j.Config), nullNanos(j.NextScheduledExecution), j.Notes, j.ID)
	if err != nil {
		return errors.Wrapf(err, "update job %s", j.ID)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", j.ID)
	}
	return nil
}

func (s *SQLStore) ListJobs(ctx context.Context, workspaceID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE workspace_id = ? ORDER BY id`), workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	n, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

// ---- recurring payments ----

const recurringColumns = `id,workspace_id,name,type,amount,asset_id,wallet_id,partner_id,notes,cron_schedule,not_before,not_after,status,last_transaction_date,revision`

func scanRecurring(row scanner) (domain.RecurringPayment, error) {
	var rp domain.RecurringPayment
	var notBefore, notAfter, last sql.NullInt64
	if err := row.Scan(&rp.ID, &rp.WorkspaceID, &rp.Name, &rp.Type, &rp.Amount, &rp.AssetID, &rp.WalletID,
		&rp.PartnerID, &rp.Notes, &rp.CronSchedule, &notBefore, &notAfter, &rp.Status, &last, &rp.Revision); err != nil {
		return domain.RecurringPayment{}, err
	}
	rp.NotBefore = fromNanos(notBefore)
	rp.NotAfter = fromNanos(notAfter)
	rp.LastTransactionDate = fromNanos(last)
	return rp, nil
}

func (s *SQLStore) CreateRecurring(ctx context.Context, rp domain.RecurringPayment) (string, error) {
	id := rp.ID
	if id == "" {
		id = newID("rcp")
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO recurring_payments (`+recurringColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,0)`),
		id, rp.WorkspaceID, rp.Name, string(rp.Type), rp.Amount.String(), rp.AssetID, rp.WalletID, rp.PartnerID, rp.Notes,
		rp.CronSchedule, nullNanos(rp.NotBefore), nullNanos(rp.NotAfter), string(rp.Status), nullNanos(rp.LastTransactionDate))
	if err != nil {
		return "", errors.Wrap(err, "create recurring payment")
	}
	return id, nil
}

func (s *SQLStore) GetRecurring(ctx context.Context, id string) (domain.RecurringPayment, error) {
	rp, err := scanRecurring(s.db.QueryRowContext(ctx, s.q(`SELECT `+recurringColumns+` FROM recurring_payments WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurringPayment{}, errors.Wrapf(ErrNotFound, "recurring payment %s", id)
	}
	if err != nil {
		return domain.RecurringPayment{}, errors.Wrapf(err, "get recurring payment %s", id)
	}
	return rp, nil
}

func (s *SQLStore) UpdateRecurring(ctx context.Context, rp domain.RecurringPayment) error {
	n, err := s.exec(ctx, `
UPDATE recurring_payments
SET name = ?, type = ?, amount = ?, asset_id = ?, wallet_id = ?, partner_id = ?, notes = ?,
    cron_schedule = ?, not_before = ?, not_after = ?, status = ?, revision = revision + 1
WHERE id = ?`,
		rp.Name, string(rp.Type), rp.Amount.String(), rp.AssetID, rp.WalletID, rp.PartnerID, rp.Notes,
		rp.CronSchedule, nullNanos(rp.NotBefore), nullNanos(rp.NotAfter), string(rp.Status), rp.ID)
	if err != nil {
		return errors.Wrapf(err, "update recurring payment %s", rp.ID)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "recurring payment %s", rp.ID)
	}
	return nil
}

func (s *SQLStore) ListRecurring(ctx context.Context, workspaceID string, status domain.PaymentStatus) ([]domain.RecurringPayment, error) {
	query := `SELECT ` + recurringColumns + ` FROM recurring_payments WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY name, id`), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list recurring payments")
	}
	defer rows.Close()

	var out []domain.RecurringPayment
	for rows.Next() {
		rp, err := scanRecurring(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan recurring payment")
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteRecurring(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
DELETE FROM transactions
WHERE source_discriminator = ? AND source_id = ? AND status = ?
  AND NOT EXISTS (SELECT 1 FROM booked_amounts b WHERE b.transaction_id = transactions.id)`),
			domain.SourceRecurringPayment, id, string(domain.TransactionOpen)); err != nil {
			return errors.Wrap(err, "delete open generated transactions")
		}
		if _, err := tx.ExecContext(ctx, s.q(`
UPDATE transactions SET source_discriminator = NULL, source_id = NULL
WHERE source_discriminator = ? AND source_id = ?`), domain.SourceRecurringPayment, id); err != nil {
			return errors.Wrap(err, "detach generated transactions")
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM recurring_payments WHERE id = ?`), id)
		if err != nil {
			return errors.Wrapf(err, "delete recurring payment %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "recurring payment %s", id)
		}
		return nil
	})
}

// ---- transactions ----

const transactionColumns = `id,workspace_id,name,type,amount,asset_id,wallet_id,partner_id,notes,date,status,source_discriminator,source_id,components`

func scanTransaction(row scanner) (domain.Transaction, error) {
	var t domain.Transaction
	var date int64
	var disc sql.NullInt64
	var srcID sql.NullString
	var components string
	if err := row.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.Type, &t.Amount, &t.AssetID, &t.WalletID, &t.PartnerID,
		&t.Notes, &date, &t.Status, &disc, &srcID, &components); err != nil {
		return domain.Transaction{}, err
	}
	t.Date = time.Unix(0, date).UTC()
	if disc.Valid && srcID.Valid {
		t.Source = &domain.SourceRef{Discriminator: int(disc.Int64), ID: srcID.String}
	}
	if components != "" {
		if err := json.Unmarshal([]byte(components), &t.Components); err != nil {
			return domain.Transaction{}, errors.Wrapf(err, "decode components of transaction %s", t.ID)
		}
	}
	return t, nil
}

func transactionArgs(t domain.Transaction) []any {
	var disc, srcID any
	if t.Source != nil {
		disc, srcID = t.Source.Discriminator, t.Source.ID
	}
	components := "{}"
	if len(t.Components) > 0 {
		b, _ := json.Marshal(t.Components)
		components = string(b)
	}
	return []any{t.WorkspaceID, t.Name, string(t.Type), t.Amount.String(), t.AssetID, t.WalletID, t.PartnerID,
		t.Notes, nanos(t.Date), string(t.Status), disc, srcID, components}
}

func (s *SQLStore) insertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	id := t.ID
	if id == "" {
		id = newID("txn")
	}
	args := append([]any{id}, transactionArgs(t)...)
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO transactions (`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`), args...)
	return err
}

func (s *SQLStore) ListPendingGenerated(ctx context.Context, src domain.SourceRef, now time.Time) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+transactionColumns+` FROM transactions t
WHERE t.source_discriminator = ? AND t.source_id = ? AND t.date > ?
  AND NOT EXISTS (SELECT 1 FROM booked_amounts b WHERE b.transaction_id = t.id)
ORDER BY t.date`), src.Discriminator, src.ID, nanos(now))
	if err != nil {
		return nil, errors.Wrap(err, "list pending generated transactions")
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) ApplyProjection(ctx context.Context, rp domain.RecurringPayment, deleteIDs []string, create []domain.Transaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// The guarded update runs first so that it holds the row for the rest
		// of the batch.
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE recurring_payments SET status = ?, last_transaction_date = ?, revision = revision + 1
WHERE id = ? AND revision = ?`),
			string(rp.Status), nullNanos(rp.LastTransactionDate), rp.ID, rp.Revision)
		if err != nil {
			return errors.Wrapf(err, "update recurring payment %s", rp.ID)
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrapf(err, "update recurring payment %s", rp.ID)
		} else if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM recurring_payments WHERE id = ?`), rp.ID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return errors.Wrapf(ErrNotFound, "recurring payment %s", rp.ID)
			}
			if err != nil {
				return errors.Wrapf(err, "get recurring payment %s", rp.ID)
			}
			return errors.Wrapf(ErrConflict, "recurring payment %s changed since revision %d", rp.ID, rp.Revision)
		}

		for _, id := range deleteIDs {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM transactions WHERE id = ?`), id); err != nil {
				return errors.Wrapf(err, "delete transaction %s", id)
			}
		}
		for _, t := range create {
			if err := s.insertTransaction(ctx, tx, t); err != nil {
				return errors.Wrap(err, "insert generated transaction")
			}
		}
		return nil
	})
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, errors.Wrapf(ErrNotFound, "transaction %s", id)
	}
	if err != nil {
		return domain.Transaction{}, errors.Wrapf(err, "get transaction %s", id)
	}
	return t, nil
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, t domain.Transaction) error {
	args := append(transactionArgs(t), t.ID)
	n, err := s.exec(ctx, `
UPDATE transactions
SET workspace_id = ?, name = ?, type = ?, amount = ?, asset_id = ?, wallet_id = ?, partner_id = ?, notes = ?,
    date = ?, status = ?, source_discriminator = ?, source_id = ?, components = ?
WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrapf(err, "update transaction %s", t.ID)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "transaction %s", t.ID)
	}
	return nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, workspaceID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions WHERE workspace_id = ? ORDER BY date, id`), workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *SQLStore) BookAmount(ctx context.Context, b domain.BookedAmount) (string, error) {
	id := b.ID
	if id == "" {
		id = newID("bka")
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO booked_amounts (id,transaction_id,amount,date) VALUES (?,?,?,?)`),
		id, b.TransactionID, b.Amount.String(), nanos(b.Date))
	if err != nil {
		return "", errors.Wrapf(err, "book amount on transaction %s", b.TransactionID)
	}
	return id, nil
}

// ---- exchange rates ----

func (s *SQLStore) UpsertRates(ctx context.Context, rates []domain.ExchangeRate) (int, error) {
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rates {
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO exchange_rates (base, quote, date, rate) VALUES (?,?,?,?)
ON CONFLICT (base, quote, date) DO UPDATE SET rate = excluded.rate`),
				r.Base, r.Quote, nanos(r.Date), r.Rate); err != nil {
				return errors.Wrapf(err, "upsert rate %s/%s", r.Base, r.Quote)
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

var _ Store = (*SQLStore)(nil)
