package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ledgerflow/internal/domain"
)

type jobReq struct {
	ID                     string          `json:"id"`
	WorkspaceID            string          `json:"workspace_id"`
	Type                   string          `json:"type"`
	Config                 json.RawMessage `json:"config"`
	NextScheduledExecution *time.Time      `json:"next_scheduled_execution"`
	Notes                  string          `json:"notes"`
}

type jobResp struct {
	domain.Job
	State domain.JobState `json:"state"`
}

func (s *Server) view(j domain.Job) jobResp {
	if j.Config == nil {
		j.Config = json.RawMessage("{}")
	}
	return jobResp{Job: j, State: j.State(s.now(), s.grace)}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if !decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}
	if err := s.tasks.Validate(req.Type, req.Config); err != nil {
		s.fail(w, err)
		return
	}

	job := domain.Job{
		WorkspaceID:            req.WorkspaceID,
		Type:                   req.Type,
		Config:                 req.Config,
		NextScheduledExecution: utc(req.NextScheduledExecution),
		Notes:                  req.Notes,
	}
	id, err := s.store.CreateJob(r.Context(), job)
	if err != nil {
		s.fail(w, err)
		return
	}
	job.ID = id
	s.log.Info().Str("job_id", id).Str("job_type", job.Type).Msg("job created")
	writeJSON(w, http.StatusCreated, s.view(job))
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if !decode(w, r, &req) {
		return
	}
	job, err := s.store.FindJob(r.Context(), req.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.tasks.Validate(req.Type, req.Config); err != nil {
		s.fail(w, err)
		return
	}

	job.Type = req.Type
	job.Config = req.Config
	job.NextScheduledExecution = utc(req.NextScheduledExecution)
	job.Notes = req.Notes
	if err := s.store.UpdateJob(r.Context(), job); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), chi.URLParam(r, "workspace_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.view(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
