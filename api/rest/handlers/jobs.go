package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/models"
	"hpc-bridge/core/monitoring"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/spec"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxWaitTimeout = 10 * time.Minute

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	controller *monitoring.Controller
}

// NewJobHandler creates a new job handler
func NewJobHandler(controller *monitoring.Controller) *JobHandler {
	return &JobHandler{controller: controller}
}

// SubmitJobRequest represents the request to submit a job: either a YAML spec or the fields directly
type SubmitJobRequest struct {
	SpecYAML    string `json:"spec_yaml"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Command     string `json:"command"`
	Priority    int    `json:"priority"`
	Image       string `json:"image"`
	ShmGB       int    `json:"shm_gb"`
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id"`
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	submit := models.SubmitRequest{
		Name:        req.Name,
		Resource:    req.Resource,
		Command:     req.Command,
		Priority:    req.Priority,
		Image:       req.Image,
		ShmGB:       req.ShmGB,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
	}
	if req.SpecYAML != "" {
		parsed, err := spec.ParseJobSpec([]byte(req.SpecYAML), h.controller.Defaults())
		if err != nil {
			http.Error(w, "Invalid job spec: "+err.Error(), http.StatusBadRequest)
			return
		}
		submit = parsed
		if req.Name != "" {
			submit.Name = req.Name
		}
	}

	entry, err := h.controller.Submit(r.Context(), submit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobView(entry))
}

// GetJob handles GET /v1/jobs/{id}; ?refresh=true polls the bridge first
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var entry models.CacheEntry
	var err error
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		entry, err = h.controller.Refresh(r.Context(), jobID)
		if err != nil && entry.ID != "" && common.IsKind(err, common.KindBridgeUnreachable) {
			// the committed state is still meaningful
			logrus.WithField("job_id", jobID).Warnf("Refresh failed: %v", err)
			err = nil
		}
	} else {
		entry, err = h.controller.Get(jobID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(entry))
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := h.controller.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		items[i] = jobView(job)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// RemoveJob handles DELETE /v1/jobs/{id}
func (h *JobHandler) RemoveJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	removed, err := h.controller.Remove(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WaitJob handles POST /v1/jobs/{id}/wait?timeout=5m&interval=10s
func (h *JobHandler) WaitJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	interval, err := durationParam(r, "interval", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout, err := durationParam(r, "timeout", time.Minute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if timeout <= 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	entry, err := h.controller.Wait(r.Context(), jobID, interval, timeout)
	switch {
	case errors.Is(err, common.ErrWaitTimeout):
		resp := jobView(entry)
		resp["timed_out"] = true
		writeJSON(w, http.StatusAccepted, resp)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, jobView(entry))
	}
}

// GetJobLogs handles GET /v1/jobs/{id}/logs?tail=100&refresh=true
func (h *JobHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	reset, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	res, err := h.controller.FetchLogs(r.Context(), jobID, tail, reset)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Log-Offset", strconv.FormatInt(res.Offset, 10))
	w.Header().Set("X-Log-Fetched", strconv.FormatBool(res.Fetched))
	w.Write(res.Data)
}

// StopJob handles POST /v1/jobs/{id}/stop
func (h *JobHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	entry, err := h.controller.Stop(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(entry))
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// Verify job exists
	if _, err := h.controller.Get(jobID); err != nil {
		writeError(w, err)
		return
	}

	events, err := h.controller.Events(r.Context(), jobID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// RefreshJobs handles POST /v1/refresh; with no status filter every non-terminal job is polled
func (h *JobHandler) RefreshJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.controller.RefreshAll(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, len(res.Jobs))
	for i, job := range res.Jobs {
		items[i] = jobView(job)
		if err, ok := res.Errors[job.ID]; ok {
			items[i]["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"failed": len(res.Errors),
	})
}

// PruneJobs handles POST /v1/prune?older_than=720h
func (h *JobHandler) PruneJobs(w http.ResponseWriter, r *http.Request) {
	maxAge, err := durationParam(r, "older_than", 30*24*time.Hour)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.controller.Prune(maxAge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

func jobView(e models.CacheEntry) map[string]interface{} {
	view := map[string]interface{}{
		"id":       e.ID,
		"name":     e.Name,
		"status":   e.Status,
		"command":  e.Command,
		"priority": e.Priority,
		"resource": map[string]interface{}{
			"raw":        e.Resource.Raw,
			"gpu_type":   e.Resource.GPUType,
			"count":      e.Resource.Count,
			"group_id":   e.Resource.GroupID,
			"group_name": e.Resource.GroupName,
		},
		"handle": map[string]interface{}{
			"request_id": e.Handle.RequestID,
			"run_id":     e.Handle.RunID,
			"attempt":    e.Handle.Attempt,
		},
		"timestamps": map[string]interface{}{
			"created_at": e.CreatedAt,
			"updated_at": e.UpdatedAt,
			"checked_at": e.CheckedAt,
		},
		"log_offset": e.LogOffset,
	}
	if e.ExitCode != nil {
		view["exit_code"] = *e.ExitCode
	}
	if e.Image != "" {
		view["image"] = e.Image
	}
	if e.UnreachableSince != nil {
		view["unreachable_since"] = e.UnreachableSince
	}
	if e.RetryCount > 0 {
		view["retry_count"] = e.RetryCount
	}
	return view
}

func parseFilter(r *http.Request) (repository.ListFilter, error) {
	q := r.URL.Query()
	filter := repository.ListFilter{NameGlob: q.Get("name")}
	for _, s := range q["status"] {
		status := models.JobStatus(s)
		if !status.Valid() {
			return filter, errors.New("unknown status " + s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func durationParam(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + err.Error())
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case common.IsKind(err, common.KindResolution):
		status = http.StatusBadRequest
	case common.IsKind(err, common.KindDispatchRejected):
		status = http.StatusUnprocessableEntity
	case common.IsKind(err, common.KindBridgeTransient), common.IsKind(err, common.KindBridgeUnreachable):
		status = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{"error": err.Error()}
	if kind := common.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}
