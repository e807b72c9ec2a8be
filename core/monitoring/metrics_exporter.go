package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hpc-bridge/core/models"
	"hpc-bridge/core/repository"
)

// CatalogReader exposes the current resource availability
type CatalogReader interface {
	Availability(ctx context.Context) ([]models.ComputeGroup, error)
}

// MetricsExporter renders job and cluster gauges in the Prometheus text format
type MetricsExporter struct {
	controller *Controller
	catalog    CatalogReader
}

// NewMetricsExporter creates a new metrics exporter; catalog may be nil
func NewMetricsExporter(controller *Controller, catalog CatalogReader) *MetricsExporter {
	return &MetricsExporter{
		controller: controller,
		catalog:    catalog,
	}
}

var exportedStatuses = []models.JobStatus{
	models.JobStatusDispatching,
	models.JobStatusQueued,
	models.JobStatusRunning,
	models.JobStatusUnreachable,
	models.JobStatusSucceeded,
	models.JobStatusFailed,
	models.JobStatusStopped,
}

// GetPrometheusMetrics returns metrics in Prometheus format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	jobs, err := me.controller.List(repository.ListFilter{})
	if err != nil {
		return "", err
	}

	byStatus := make(map[models.JobStatus]int)
	gpusInUse := make(map[string]int)
	for _, job := range jobs {
		byStatus[job.Status]++
		if job.Status == models.JobStatusRunning && job.Resource.GroupID != "" {
			gpusInUse[job.Resource.GroupID] += job.Resource.Count
		}
	}

	var b strings.Builder
	b.WriteString("# HELP hpc_jobs Cached jobs by status\n")
	b.WriteString("# TYPE hpc_jobs gauge\n")
	for _, status := range exportedStatuses {
		fmt.Fprintf(&b, "hpc_jobs{status=%q} %d\n", status, byStatus[status])
	}

	b.WriteString("# HELP hpc_job_gpus_running GPUs requested by running jobs per compute group\n")
	b.WriteString("# TYPE hpc_job_gpus_running gauge\n")
	groups := make([]string, 0, len(gpusInUse))
	for g := range gpusInUse {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Fprintf(&b, "hpc_job_gpus_running{group_id=%q} %d\n", g, gpusInUse[g])
	}

	if me.catalog == nil {
		return b.String(), nil
	}
	avail, err := me.catalog.Availability(ctx)
	if err != nil {
		// job gauges are still useful when the platform is down
		b.WriteString("hpc_catalog_up 0\n")
		return b.String(), nil
	}
	b.WriteString("# HELP hpc_group_idle_gpus Idle GPUs per compute group\n")
	b.WriteString("# TYPE hpc_group_idle_gpus gauge\n")
	for _, g := range avail {
		fmt.Fprintf(&b, "hpc_group_idle_gpus{group_id=%q,gpu_type=%q} %d\n", g.ID, g.GPUType, g.IdleGPUs())
	}
	b.WriteString("# HELP hpc_group_capacity_gpus Total GPUs per compute group\n")
	b.WriteString("# TYPE hpc_group_capacity_gpus gauge\n")
	for _, g := range avail {
		fmt.Fprintf(&b, "hpc_group_capacity_gpus{group_id=%q,gpu_type=%q} %d\n", g.ID, g.GPUType, g.Capacity())
	}
	b.WriteString("hpc_catalog_up 1\n")
	return b.String(), nil
}
