package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/metrics"
	"github.com/zeroveil/realtime-core/internal/session"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type analysisRequest struct {
	JobID    string `json:"job_id"`
	Username string `json:"username"`
	Repo     string `json:"repository"`
}

// runAnalysis handles POST /v1/analyses. It runs the analysis to completion
// and returns the terminal state. When the job is already running the request
// degrades to returning the current state instead of starting a duplicate.
func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.JobID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "generate job id")
			return
		}
		req.JobID = id
	}

	st, err := s.sessions.Run(r.Context(), req.JobID, req.Username, req.Repo)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			current, pollErr := s.sessions.Poll(r.Context(), req.JobID)
			if pollErr != nil {
				writeError(w, http.StatusConflict, "job is already running")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"job":             current,
				"already_running": true,
			})
			return
		}
		metrics.ObserveSession("error")
		s.logger.Info("analysis request failed",
			zap.String("job_id", req.JobID),
			zap.Error(err),
		)
		writeError(w, statusForError(err), err.Error())
		return
	}
	metrics.ObserveSession("success")
	writeJSON(w, http.StatusOK, map[string]any{"job": st})
}

// listJobs handles GET /v1/jobs?limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.sessions.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	st, err := s.sessions.Poll(r.Context(), jobID)
	if err != nil {
		var nf *session.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": st})
}

// analyzerHealth handles GET /v1/analyzer/health with a bounded probe.
func (s *Server) analyzerHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "analyzer backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusForError(err error) int {
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var nf *session.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
