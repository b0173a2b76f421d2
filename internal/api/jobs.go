package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/models"
	"github.com/robfig/cron/v3"
)

type jobRequest struct {
	Name      string           `json:"name" validate:"required,min=1,max=128"`
	Target    models.JobTarget `json:"target"`
	Schedule  string           `json:"schedule"`
	Enabled   bool             `json:"enabled"`
	TimeoutMS int              `json:"timeout_ms" validate:"gte=0"`
}

// validateJob checks the target and schedule constraints that struct tags
// cannot express. A false return means the error response was written.
func (h *Handlers) validateJob(w http.ResponseWriter, r *http.Request, req jobRequest) bool {
	if req.Target.DeviceID == nil && len(req.Target.TagIDs) == 0 {
		h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED",
			"Job target needs a device_id or at least one tag id", nil)
		return false
	}
	if req.Target.DeviceID != nil && len(req.Target.TagIDs) > 0 {
		h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED",
			"Job target is either a device_id or tag_ids, not both", nil)
		return false
	}
	if req.Schedule != "" {
		if _, err := cron.ParseStandard(req.Schedule); err != nil {
			h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED",
				"Invalid cron schedule expression", map[string]string{"schedule": err.Error()})
			return false
		}
	}
	return true
}

// reloadSchedules re-syncs the scheduler after a job mutation. Failures are
// logged, not surfaced: the mutation itself already committed.
func (h *Handlers) reloadSchedules(r *http.Request) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Reload(r.Context()); err != nil {
		h.requestLogger(r).Error("scheduler reload failed", "error", err)
	}
}

// CreateJob creates a job definition.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if !h.validateJob(w, r, req) {
		return
	}

	created, err := h.store.CreateJob(r.Context(), models.Job{
		Name:      req.Name,
		Target:    req.Target,
		Schedule:  req.Schedule,
		Enabled:   req.Enabled,
		TimeoutMS: req.TimeoutMS,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.reloadSchedules(r)
	h.respondJSON(w, http.StatusCreated, created)
}

// GetJob fetches one job definition.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs returns all job definitions.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// UpdateJob updates a job definition.
func (h *Handlers) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req jobRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if !h.validateJob(w, r, req) {
		return
	}

	updated, err := h.store.UpdateJob(r.Context(), models.Job{
		ID:        id,
		Name:      req.Name,
		Target:    req.Target,
		Schedule:  req.Schedule,
		Enabled:   req.Enabled,
		TimeoutMS: req.TimeoutMS,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.reloadSchedules(r)
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteJob soft-deletes a job definition.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteJob(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.reloadSchedules(r)
	h.respondJSON(w, http.StatusNoContent, nil)
}

// RunJob queues an immediate run of a job. The run executes asynchronously;
// poll the runs endpoint for the result.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}

	// Reject unknown jobs up front rather than queueing a doomed request.
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	select {
	case h.events.JobRequest <- channels.JobRequestEvent{
		JobID:       job.ID,
		RequestedAt: time.Now(),
		Source:      "api",
	}:
		h.requestLogger(r).Info("job run queued", "job_id", job.ID, "name", job.Name)
		h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"queued": true,
		})
	default:
		h.respondError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL",
			"Job queue is full, retry later", nil)
	}
}

// ListJobRuns returns recent runs of a job, newest first.
func (h *Handlers) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	runs, err := h.store.ListRunsForJob(r.Context(), id, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// GetRun fetches a run with its per-device outcomes.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}
