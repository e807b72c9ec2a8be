package monitoring

import (
	"context"
	"time"

	"hpc-bridge/core/repository"

	"github.com/sirupsen/logrus"
)

// JobMonitor keeps cached jobs in step with the bridge from a long-running process
type JobMonitor struct {
	controller *Controller
	interval   time.Duration
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(controller *Controller, interval time.Duration) *JobMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobMonitor{
		controller: controller,
		interval:   interval,
	}
}

// Start runs the monitoring loop until ctx is cancelled
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.RefreshActiveJobs(ctx)
		}
	}
}

// RefreshActiveJobs polls every non-terminal job once and logs per-job failures
func (jm *JobMonitor) RefreshActiveJobs(ctx context.Context) BulkResult {
	res, err := jm.controller.RefreshAll(ctx, repository.ListFilter{})
	if err != nil {
		logrus.Errorf("Failed to list active jobs: %v", err)
		return res
	}
	for id, jobErr := range res.Errors {
		logrus.WithField("job_id", id).Warnf("Status refresh failed: %v", jobErr)
	}
	return res
}
