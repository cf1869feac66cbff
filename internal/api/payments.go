package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ledgerflow/internal/cron"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/recurring"
)

type recurringResp struct {
	domain.RecurringPayment
	NextPaymentDate *time.Time `json:"next_payment_date"`
}

func (s *Server) recurringView(rp domain.RecurringPayment) recurringResp {
	next, err := recurring.NextPaymentDate(&rp, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("recurring_payment_id", rp.ID).Msg("cannot compute next payment date")
	}
	return recurringResp{RecurringPayment: rp, NextPaymentDate: next}
}

func validateRecurring(rp *domain.RecurringPayment) string {
	switch {
	case rp.WorkspaceID == "":
		return "workspace_id is required"
	case rp.Name == "":
		return "name is required"
	case rp.AssetID == "" || rp.WalletID == "":
		return "asset_id and wallet_id are required"
	case !rp.Status.Valid():
		return "invalid status"
	case rp.NotBefore != nil && rp.NotAfter != nil && rp.NotAfter.Before(*rp.NotBefore):
		return "not_after must not precede not_before"
	}
	if err := cron.Validate(rp.CronSchedule); err != nil {
		return err.Error()
	}
	return ""
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var rp domain.RecurringPayment
	if !decode(w, r, &rp) {
		return
	}
	if rp.Status == "" {
		rp.Status = domain.PaymentActive
	}
	if msg := validateRecurring(&rp); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	rp.ID = ""
	rp.LastTransactionDate = nil

	id, err := s.store.CreateRecurring(r.Context(), rp)
	if err != nil {
		s.fail(w, err)
		return
	}
	rp.ID = id

	n, err := s.projector.Project(r.Context(), &rp)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Str("recurring_payment_id", id).Int("created", n).Msg("recurring payment created")
	writeJSON(w, http.StatusCreated, s.recurringView(rp))
}

func (s *Server) updateRecurring(w http.ResponseWriter, r *http.Request) {
	var req domain.RecurringPayment
	if !decode(w, r, &req) {
		return
	}
	cur, err := s.store.GetRecurring(r.Context(), req.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	req.WorkspaceID = cur.WorkspaceID
	if msg := validateRecurring(&req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	req.LastTransactionDate = cur.LastTransactionDate

	if err := s.store.UpdateRecurring(r.Context(), req); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recurringView(req))
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	status := domain.PaymentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	list, err := s.store.ListRecurring(r.Context(), chi.URLParam(r, "workspace_id"), status)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]recurringResp, 0, len(list))
	for _, rp := range list {
		out = append(out, s.recurringView(rp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRecurring(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updatePaymentsResp struct {
	Deleted int `json:"deleted"`
	Created int `json:"created"`
}

func (s *Server) updatePayments(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("overwriteModified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "overwriteModified must be a boolean", http.StatusBadRequest)
			return
		}
		force = b
	}
	res, err := s.projector.Update(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updatePaymentsResp{Deleted: len(res.Delete), Created: len(res.Create)})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.ListTransactions(r.Context(), chi.URLParam(r, "workspace_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type transactionReq struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Type      domain.TransactionType   `json:"type"`
	Amount    decimal.Decimal          `json:"amount"`
	AssetID   string                   `json:"asset_id"`
	WalletID  string                   `json:"wallet_id"`
	PartnerID string                   `json:"partner_id"`
	Notes     string                   `json:"notes"`
	Date      time.Time                `json:"date"`
	Status    domain.TransactionStatus `json:"status"`
}

// updateTransaction replaces the editable fields. Generated transactions are
// flagged as user modified so reconciliation keeps them.
func (s *Server) updateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionReq
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.store.GetTransaction(r.Context(), req.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Date.IsZero() {
		http.Error(w, "date is required", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = tx.Status
	}

	tx.Name, tx.Type, tx.Amount = req.Name, req.Type, req.Amount
	tx.AssetID, tx.WalletID, tx.PartnerID = req.AssetID, req.WalletID, req.PartnerID
	tx.Notes, tx.Date, tx.Status = req.Notes, req.Date.UTC(), req.Status
	if tx.Source != nil {
		tx.SetUserModified(true)
	}
	if err := s.store.UpdateTransaction(r.Context(), tx); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type bookReq struct {
	Amount decimal.Decimal `json:"amount"`
	Date   *time.Time      `json:"date"`
}

func (s *Server) bookAmount(w http.ResponseWriter, r *http.Request) {
	var req bookReq
	if !decode(w, r, &req) {
		return
	}
	date := s.now().UTC()
	if req.Date != nil {
		date = req.Date.UTC()
	}
	id, err := s.store.BookAmount(r.Context(), domain.BookedAmount{
		TransactionID: chi.URLParam(r, "id"),
		Amount:        req.Amount,
		Date:          date,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}
