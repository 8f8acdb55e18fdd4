package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/calyptra/flowjobs/errors"
	"github.com/calyptra/flowjobs/jobs"
)

// createJobRequest is the POST /api/jobs body. Task references a
// registered task name; RunAt is optional RFC3339.
type createJobRequest struct {
	Name   string                 `json:"name"`
	Task   string                 `json:"task"`
	RunAt  string                 `json:"run_at,omitempty"`
	Args   []interface{}          `json:"args,omitempty"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`
	FlowID string                 `json:"flow_id,omitempty"`
	UserID string                 `json:"user_id,omitempty"`
}

// handleJobs handles requests to /api/jobs
// POST: Create a job from a registered task
// GET: List the requesting user's jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJob handles requests to /api/jobs/{id}
// GET: Job details
// DELETE: Cancel the job
// Sub-resource: /api/jobs/stats
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}

	if pathParts[0] == "stats" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleJobStats(w, r)
		return
	}

	jobID := pathParts[0]
	switch r.Method {
	case http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	task := s.registry.Get(req.Task)
	if task == nil {
		writeError(w, http.StatusBadRequest, "Unknown task: "+req.Task)
		return
	}

	var runAt *time.Time
	if req.RunAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid run_at, expected RFC3339")
			return
		}
		runAt = &parsed
	}

	id, err := s.svc.CreateJob(r.Context(), jobs.CreateJobRequest{
		Name:     req.Name,
		FlowID:   req.FlowID,
		UserID:   req.UserID,
		TaskName: req.Task,
		Task:     task,
		RunAt:    runAt,
		Args:     req.Args,
		Kwargs:   req.Kwargs,
	})
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorw("Failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	s.logger.Infow("Job created via API", "job_id", shortID(id), "task", req.Task)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("user_id")

	var status *jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !jobs.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "Invalid status: "+raw)
			return
		}
		st := jobs.Status(raw)
		status = &st
	}

	var pending bool
	if raw := r.URL.Query().Get("pending"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid pending value: "+raw)
			return
		}
		pending = parsed
	}

	list, err := s.svc.ListJobs(r.Context(), owner, pending, status)
	if err != nil {
		if errors.IsInvalidRequestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var owner *string
	if o := r.URL.Query().Get("user_id"); o != "" {
		owner = &o
	}

	job, err := s.svc.GetJob(r.Context(), jobID, owner)
	if err != nil {
		s.logger.Errorw("Failed to get job", "job_id", shortID(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var owner *string
	if o := r.URL.Query().Get("user_id"); o != "" {
		owner = &o
	}

	ok, err := s.svc.CancelJob(r.Context(), jobID, owner)
	if err != nil {
		s.logger.Errorw("Failed to cancel job", "job_id", shortID(jobID), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}

	s.logger.Infow("Job cancelled via API", "job_id", shortID(jobID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to get job stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}
