package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// JobState is derived from a job's timestamps and never stored.
type JobState string

const (
	JobNotScheduled JobState = "NOT_SCHEDULED"
	JobScheduled    JobState = "SCHEDULED"
	JobPending      JobState = "PENDING"
	JobRunning      JobState = "RUNNING"
)

type Job struct {
	ID                      string          `json:"id"`
	WorkspaceID             string          `json:"workspace_id"`
	Type                    string          `json:"type"`
	Config                  json.RawMessage `json:"config"`
	NextScheduledExecution  *time.Time      `json:"next_scheduled_execution,omitempty"`
	LastSuccessfulExecution *time.Time      `json:"last_successful_execution,omitempty"`
	LockTimeout             *time.Time      `json:"-"`
	Notes                   string          `json:"notes,omitempty"`
}

// IsPending reports whether the job is due and not held by a live lease.
func (j Job) IsPending(now time.Time, grace time.Duration) bool {
	if j.NextScheduledExecution == nil || j.NextScheduledExecution.After(now) {
		return false
	}
	if j.LockTimeout != nil && j.LockTimeout.After(now.Add(-grace)) {
		return false
	}
	return j.LastSuccessfulExecution == nil || !j.LastSuccessfulExecution.After(*j.NextScheduledExecution)
}

// IsRunning reports whether the job holds a lease that is still within the grace window.
func (j Job) IsRunning(now time.Time, grace time.Duration) bool {
	if j.LockTimeout == nil || !j.LockTimeout.After(now.Add(-grace)) {
		return false
	}
	return j.LastSuccessfulExecution == nil || j.LockTimeout.After(*j.LastSuccessfulExecution)
}

func (j Job) State(now time.Time, grace time.Duration) JobState {
	switch {
	case j.IsRunning(now, grace):
		return JobRunning
	case j.NextScheduledExecution == nil:
		return JobNotScheduled
	case j.LastSuccessfulExecution != nil && j.LastSuccessfulExecution.After(*j.NextScheduledExecution):
		return JobNotScheduled
	case j.IsPending(now, grace):
		return JobPending
	default:
		return JobScheduled
	}
}

type PaymentStatus string

const (
	// PaymentActive generates transactions until notAfter passes.
	PaymentActive PaymentStatus = "ACTIVE"
	// PaymentExpired means notAfter has passed.
	PaymentExpired PaymentStatus = "EXPIRED"
	// PaymentSuspended pauses generation until the status changes.
	PaymentSuspended PaymentStatus = "SUSPENDED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentActive, PaymentExpired, PaymentSuspended, PaymentCancelled:
		return true
	}
	return false
}

type TransactionType string

const (
	TransactionIncome   TransactionType = "INCOME"
	TransactionExpense  TransactionType = "EXPENSE"
	TransactionTransfer TransactionType = "TRANSFER"
)

type TransactionStatus string

const (
	TransactionOpen   TransactionStatus = "OPEN"
	TransactionClosed TransactionStatus = "CLOSED"
)

// Source discriminators for generated entities.
const (
	SourceRecurringPayment = 1
)

type SourceRef struct {
	Discriminator int    `json:"discriminator"`
	ID            string `json:"id"`
}

// ComponentUserModified marks a generated transaction that a user edited.
const ComponentUserModified = "user_modified"

// Components is an extensible bag of out-of-band values attached to a transaction.
type Components map[string]json.RawMessage

func (c Components) Bool(key string) bool {
	raw, ok := c[key]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

func (c Components) SetBool(key string, v bool) {
	if v {
		c[key] = json.RawMessage("true")
		return
	}
	c[key] = json.RawMessage("false")
}

type RecurringPayment struct {
	ID                  string          `json:"id"`
	WorkspaceID         string          `json:"workspace_id"`
	Name                string          `json:"name"`
	Type                TransactionType `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	AssetID             string          `json:"asset_id"`
	WalletID            string          `json:"wallet_id"`
	PartnerID           string          `json:"partner_id,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	CronSchedule        string          `json:"cron_schedule"`
	NotBefore           *time.Time      `json:"not_before,omitempty"`
	NotAfter            *time.Time      `json:"not_after,omitempty"`
	Status              PaymentStatus   `json:"status"`
	LastTransactionDate *time.Time      `json:"-"`
	// Revision increases with every stored change. Projections are written
	// only against the revision they were computed from.
	Revision int64 `json:"-"`
}

func (rp RecurringPayment) Source() SourceRef {
	return SourceRef{Discriminator: SourceRecurringPayment, ID: rp.ID}
}

type Transaction struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	AssetID     string            `json:"asset_id"`
	WalletID    string            `json:"wallet_id"`
	PartnerID   string            `json:"partner_id,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Date        time.Time         `json:"date"`
	Status      TransactionStatus `json:"status"`
	Source      *SourceRef        `json:"source,omitempty"`
	Components  Components        `json:"components,omitempty"`
}

func (t Transaction) UserModified() bool {
	return t.Components.Bool(ComponentUserModified)
}

func (t *Transaction) SetUserModified(v bool) {
	if t.Components == nil {
		t.Components = Components{}
	}
	t.Components.SetBool(ComponentUserModified, v)
}

type BookedAmount struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
}

type ExchangeRate struct {
	Base  string    `json:"base"`
	Quote string    `json:"quote"`
	Rate  float64   `json:"rate"`
	Date  time.Time `json:"date"`
}
