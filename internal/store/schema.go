package store

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Timestamps are stored as unix nanoseconds so lease values compare exactly.
const baseSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  type TEXT NOT NULL,
  config TEXT NOT NULL,
  next_scheduled_execution BIGINT,
  last_successful_execution BIGINT,
  lock_timeout BIGINT,
  notes TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_next ON jobs(next_scheduled_execution);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id);
CREATE TABLE IF NOT EXISTS recurring_payments (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  amount TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  wallet_id TEXT NOT NULL,
  partner_id TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  cron_schedule TEXT NOT NULL,
  not_before BIGINT,
  not_after BIGINT,
  status TEXT NOT NULL CHECK(status IN ('ACTIVE','EXPIRED','SUSPENDED','CANCELLED')),
  last_transaction_date BIGINT,
  revision BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_recurring_workspace ON recurring_payments(workspace_id, status);
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  workspace_id TEXT NOT NULL,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  amount TEXT NOT NULL,
  asset_id TEXT NOT NULL,
  wallet_id TEXT NOT NULL,
  partner_id TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  date BIGINT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('OPEN','CLOSED')),
  source_discriminator INTEGER,
  source_id TEXT,
  components TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions(source_discriminator, source_id, date);
CREATE TABLE IF NOT EXISTS booked_amounts (
  id TEXT PRIMARY KEY,
  transaction_id TEXT NOT NULL REFERENCES transactions(id),
  amount TEXT NOT NULL,
  date BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_booked_transaction ON booked_amounts(transaction_id);
CREATE TABLE IF NOT EXISTS exchange_rates (
  base TEXT NOT NULL,
  quote TEXT NOT NULL,
  date BIGINT NOT NULL,
  rate DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (base, quote, date)
);
`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB, d Dialect) error {
	schema := baseSchema
	if d == SQLite {
		schema = "PRAGMA journal_mode=WAL;\n" + schema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "ensure schema (%s)", d)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
