package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ledgerflow/internal/cron"
	"ledgerflow/internal/lease"
	"ledgerflow/internal/recurring"
	"ledgerflow/internal/store"
	"ledgerflow/internal/task"
)

type Options struct {
	// Metrics is mounted at /metrics when set.
	Metrics     http.Handler
	EnableDebug bool
	Grace       time.Duration
	Now         func() time.Time
	Logger      zerolog.Logger
}

type Server struct {
	r         *chi.Mux
	store     store.Store
	tasks     *task.Registry
	projector *recurring.Projector
	grace     time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewServer(s store.Store, tasks *task.Registry, projector *recurring.Projector, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	srv := &Server{
		r:         r,
		store:     s,
		tasks:     tasks,
		projector: projector,
		grace:     opts.Grace,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "api").Logger(),
	}
	if srv.grace <= 0 {
		srv.grace = lease.GraceWindow
	}
	if srv.now == nil {
		srv.now = time.Now
	}

	r.Get("/health", srv.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api/v2", func(r chi.Router) {
		r.Get("/task", srv.listTasks)
		r.Get("/cron/next", srv.cronNext)

		r.Post("/job", srv.createJob)
		r.Patch("/job", srv.updateJob)
		r.Get("/job/{workspace_id}", srv.listJobs)
		r.Delete("/job/{id}", srv.deleteJob)

		r.Post("/recurring", srv.createRecurring)
		r.Put("/recurring", srv.updateRecurring)
		r.Get("/recurring/{workspace_id}", srv.listRecurring)
		r.Delete("/recurring/{id}", srv.deleteRecurring)
		r.Post("/recurring/{id}/updatePayments", srv.updatePayments)

		r.Get("/transaction/{workspace_id}", srv.listTransactions)
		r.Patch("/transaction", srv.updateTransaction)
		r.Post("/transaction/{id}/book", srv.bookAmount)
	})

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.IDs())
}

type cronNextResp struct {
	Next *time.Time `json:"next"`
}

func (s *Server) cronNext(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	if expr == "" {
		http.Error(w, "expr is required", http.StatusBadRequest)
		return
	}
	next, ok, err := cron.NextExecution(expr, s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, cronNextResp{})
		return
	}
	writeJSON(w, http.StatusOK, cronNextResp{Next: &next})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, task.ErrUnknownTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, task.ErrInvalidConfig), errors.Is(err, cron.ErrInvalidExpression):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type idResp struct {
	ID string `json:"id"`
}
