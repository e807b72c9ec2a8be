package handlers

import (
	"net/http"
	"time"

	"hpc-bridge/core/models"
	"hpc-bridge/core/monitoring"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/resource_manager"
)

// DashboardHandler serves cluster availability, job summaries and metrics
type DashboardHandler struct {
	controller *monitoring.Controller
	catalog    monitoring.CatalogReader
	exporter   *monitoring.MetricsExporter
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(
	controller *monitoring.Controller,
	catalog monitoring.CatalogReader,
	exporter *monitoring.MetricsExporter,
) *DashboardHandler {
	return &DashboardHandler{
		controller: controller,
		catalog:    catalog,
		exporter:   exporter,
	}
}

// GetResources handles GET /v1/resources, most idle GPUs first
func (h *DashboardHandler) GetResources(w http.ResponseWriter, r *http.Request) {
	groups, err := h.catalog.Availability(r.Context())
	if err != nil {
		http.Error(w, "Failed to fetch resources: "+err.Error(), http.StatusBadGateway)
		return
	}
	gpuType := r.URL.Query().Get("gpu_type")
	if gpuType != "" {
		gpuType = resource_manager.NormalizeGPUType(gpuType)
	}

	items := make([]map[string]interface{}, 0, len(groups))
	for _, g := range groups {
		if gpuType != "" && g.GPUType != gpuType {
			continue
		}
		items = append(items, map[string]interface{}{
			"group_id":     g.ID,
			"group_name":   g.Name,
			"gpu_type":     g.GPUType,
			"location":     g.Location,
			"gpu_per_node": g.GPUsPerNode,
			"idle_gpus":    g.IdleGPUs(),
			"capacity":     g.Capacity(),
			"nodes": map[string]interface{}{
				"total": g.TotalNodes,
				"ready": g.ReadyNodes,
				"free":  g.FreeNodes,
				"fault": g.FaultNodes,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetSummary handles GET /v1/dashboard with optional start_date/end_date (RFC3339)
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")

	// Parse dates (default to last 30 days)
	var start, end time.Time
	if startDate != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startDate)
		if err != nil {
			http.Error(w, "Invalid start_date format", http.StatusBadRequest)
			return
		}
	} else {
		start = time.Now().AddDate(0, 0, -30)
	}

	if endDate != "" {
		var err error
		end, err = time.Parse(time.RFC3339, endDate)
		if err != nil {
			http.Error(w, "Invalid end_date format", http.StatusBadRequest)
			return
		}
	} else {
		end = time.Now()
	}

	jobs, err := h.controller.List(repository.ListFilter{})
	if err != nil {
		writeError(w, err)
		return
	}

	byStatus := map[models.JobStatus]int{}
	gpusInUse := 0
	total := 0
	for _, job := range jobs {
		if job.CreatedAt.Before(start) || job.CreatedAt.After(end) {
			continue
		}
		total++
		byStatus[job.Status]++
		if job.Status == models.JobStatusRunning {
			gpusInUse += job.Resource.Count
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": map[string]interface{}{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"jobs": map[string]interface{}{
			"total":     total,
			"by_status": byStatus,
		},
		"gpus_in_use": gpusInUse,
	})
}

// GetMetrics handles GET /metrics
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.exporter.GetPrometheusMetrics(r.Context())
	if err != nil {
		http.Error(w, "Failed to render metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(body))
}
