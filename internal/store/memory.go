package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"ledgerflow/internal/domain"
)

// MemoryStore keeps everything in process memory. Each method holds the
// mutex for its whole duration, which gives it the same per-row atomicity as
// the SQL conditional updates.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[string]domain.Job
	recurring    map[string]domain.RecurringPayment
	transactions map[string]domain.Transaction
	booked       map[string]domain.BookedAmount
	rates        map[string]domain.ExchangeRate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]domain.Job),
		recurring:    make(map[string]domain.RecurringPayment),
		transactions: make(map[string]domain.Transaction),
		booked:       make(map[string]domain.BookedAmount),
		rates:        make(map[string]domain.ExchangeRate),
	}
}

func ptr(t time.Time) *time.Time { return &t }

func (m *MemoryStore) ListPending(_ context.Context, now time.Time, grace time.Duration) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Job
	for _, j := range m.jobs {
		if j.IsPending(now, grace) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].NextScheduledExecution.Before(*out[b].NextScheduledExecution)
	})
	return out, nil
}

func (m *MemoryStore) FindJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j, nil
}

func (m *MemoryStore) TryAcquireLease(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.LockTimeout != nil {
		return false, nil
	}
	j.LockTimeout = ptr(now)
	m.jobs[id] = j
	return true, nil
}

func (m *MemoryStore) TryExtendLease(_ context.Context, id string, expected, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.LockTimeout == nil || !j.LockTimeout.Equal(expected) {
		return false, nil
	}
	j.LockTimeout = ptr(now)
	m.jobs[id] = j
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, id string, expected time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if ok && j.LockTimeout != nil && j.LockTimeout.Equal(expected) {
		j.LockTimeout = nil
		m.jobs[id] = j
	}
	return nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.LastSuccessfulExecution = ptr(now)
	j.LockTimeout = nil
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) SetNextExecution(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	j.NextScheduledExecution = ptr(at)
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, j domain.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = newID("job")
	}
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", j.ID)
	}
	cur.Type = j.Type
	cur.Config = j.Config
	cur.NextScheduledExecution = j.NextScheduledExecution
	cur.Notes = j.Notes
	m.jobs[j.ID] = cur
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, workspaceID string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Job
	for _, j := range m.jobs {
		if j.WorkspaceID == workspaceID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) CreateRecurring(_ context.Context, rp domain.RecurringPayment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rp.ID == "" {
		rp.ID = newID("rcp")
	}
	rp.Revision = 0
	m.recurring[rp.ID] = rp
	return rp.ID, nil
}

func (m *MemoryStore) GetRecurring(_ context.Context, id string) (domain.RecurringPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rp, ok := m.recurring[id]
	if !ok {
		return domain.RecurringPayment{}, errors.Wrapf(ErrNotFound, "recurring payment %s", id)
	}
	return rp, nil
}

func (m *MemoryStore) UpdateRecurring(_ context.Context, rp domain.RecurringPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.recurring[rp.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "recurring payment %s", rp.ID)
	}
	rp.WorkspaceID = cur.WorkspaceID
	rp.LastTransactionDate = cur.LastTransactionDate
	rp.Revision = cur.Revision + 1
	m.recurring[rp.ID] = rp
	return nil
}

func (m *MemoryStore) ListRecurring(_ context.Context, workspaceID string, status domain.PaymentStatus) ([]domain.RecurringPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.RecurringPayment
	for _, rp := range m.recurring {
		if rp.WorkspaceID == workspaceID && (status == "" || rp.Status == status) {
			out = append(out, rp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name != out[b].Name {
			return out[a].Name < out[b].Name
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *MemoryStore) isBooked(txID string) bool {
	for _, b := range m.booked {
		if b.TransactionID == txID {
			return true
		}
	}
	return false
}

func generatedBy(t domain.Transaction, src domain.SourceRef) bool {
	return t.Source != nil && *t.Source == src
}

func (m *MemoryStore) DeleteRecurring(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rp, ok := m.recurring[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "recurring payment %s", id)
	}
	src := rp.Source()
	for txID, t := range m.transactions {
		if !generatedBy(t, src) {
			continue
		}
		if t.Status == domain.TransactionOpen && !m.isBooked(txID) {
			delete(m.transactions, txID)
			continue
		}
		t.Source = nil
		m.transactions[txID] = t
	}
	delete(m.recurring, id)
	return nil
}

func (m *MemoryStore) ListPendingGenerated(_ context.Context, src domain.SourceRef, now time.Time) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for id, t := range m.transactions {
		if generatedBy(t, src) && t.Date.After(now) && !m.isBooked(id) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Date.Before(out[b].Date) })
	return out, nil
}

func (m *MemoryStore) ApplyProjection(_ context.Context, rp domain.RecurringPayment, deleteIDs []string, create []domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.recurring[rp.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "recurring payment %s", rp.ID)
	}
	if cur.Revision != rp.Revision {
		return errors.Wrapf(ErrConflict, "recurring payment %s changed since revision %d", rp.ID, rp.Revision)
	}
	for _, id := range deleteIDs {
		delete(m.transactions, id)
	}
	for _, t := range create {
		if t.ID == "" {
			t.ID = newID("txn")
		}
		m.transactions[t.ID] = t
	}
	cur.Status = rp.Status
	cur.LastTransactionDate = rp.LastTransactionDate
	cur.Revision++
	m.recurring[rp.ID] = cur
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return domain.Transaction{}, errors.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return t, nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, t domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[t.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "transaction %s", t.ID)
	}
	m.transactions[t.ID] = t
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, workspaceID string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.WorkspaceID == workspaceID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].Date.Equal(out[b].Date) {
			return out[a].Date.Before(out[b].Date)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *MemoryStore) BookAmount(_ context.Context, b domain.BookedAmount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[b.TransactionID]; !ok {
		return "", errors.Wrapf(ErrNotFound, "transaction %s", b.TransactionID)
	}
	if b.ID == "" {
		b.ID = newID("bka")
	}
	m.booked[b.ID] = b
	return b.ID, nil
}

func (m *MemoryStore) UpsertRates(_ context.Context, rates []domain.ExchangeRate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rates {
		m.rates[r.Base+"/"+r.Quote+"@"+r.Date.Format(time.DateOnly)] = r
	}
	return len(rates), nil
}

var _ Store = (*MemoryStore)(nil)
