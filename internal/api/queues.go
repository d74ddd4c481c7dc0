package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leo-guinan/loveops-world-model/internal/model"
	"github.com/leo-guinan/loveops-world-model/internal/queue"
)

type queueStats struct {
	Name   string              `json:"name"`
	Counts map[model.State]int `json:"counts"`
}

type enqueueRequest struct {
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
}

type enqueueResponse struct {
	ID    string      `json:"id"`
	State model.State `json:"state"`
}

func (srv *Server) store(w http.ResponseWriter, r *http.Request) (*queue.Store, bool) {
	name := chi.URLParam(r, "name")
	s, ok := srv.stores[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue: "+name)
	}
	return s, ok
}

func (srv *Server) listQueues(w http.ResponseWriter, _ *http.Request) {
	out := make([]queueStats, 0, len(srv.names))
	for _, name := range srv.names {
		counts, err := srv.stores[name].Stats()
		if err != nil {
			srv.log.Error("queue stats", "queue", name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		out = append(out, queueStats{Name: name, Counts: counts})
	}
	writeJSON(w, http.StatusOK, out)
}

func (srv *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	s, ok := srv.store(w, r)
	if !ok {
		return
	}
	st := model.StateReady
	if raw := r.URL.Query().Get("state"); raw != "" {
		parsed, err := model.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st = parsed
	}
	jobs, err := s.List(st)
	if err != nil {
		srv.log.Error("list jobs", "queue", s.Name(), "state", st, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (srv *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	s, ok := srv.store(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	id, err := s.Enqueue(req.Payload, req.ScheduledFor)
	if err != nil {
		srv.log.Error("enqueue", "queue", s.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	st := model.StateReady
	if req.ScheduledFor != nil {
		st = model.StateScheduled
	}
	srv.log.Info("job enqueued", "queue", s.Name(), "job_id", id, "state", st)
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id, State: st})
}

func (srv *Server) retryDead(w http.ResponseWriter, r *http.Request) {
	s, ok := srv.store(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.RetryDead(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		srv.log.Error("retry dead job", "queue", s.Name(), "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{ID: id, State: model.StateReady})
}
