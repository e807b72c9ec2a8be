package models

import (
	"strconv"
	"time"
)

// Job represents a unit of work dispatched to the cluster through the bridge
type Job struct {
	ID          string         `json:"job_id"`
	Name        string         `json:"name"`
	Resource    ResourceSpec   `json:"resource"`
	Command     string         `json:"command"`
	Priority    int            `json:"priority,omitempty"`
	Image       string         `json:"image,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Status      JobStatus      `json:"status"`
	PriorStatus JobStatus      `json:"prior_status,omitempty"` // status held before entering Unreachable
	ExitCode    *int           `json:"exit_code,omitempty"`
	Handle      DispatchHandle `json:"handle"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CheckedAt   *time.Time     `json:"checked_at,omitempty"`
	LogPath     string         `json:"log_path,omitempty"`
	LogOffset   int64          `json:"log_byte_offset"`
	LogCachedAt *time.Time     `json:"log_cached_at,omitempty"`
}

// JobStatus represents the controller-side state of a job
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusSucceeded   JobStatus = "succeeded"
	JobStatusFailed      JobStatus = "failed"
	JobStatusStopped     JobStatus = "stopped"
	JobStatusUnreachable JobStatus = "unreachable"
)

// IsTerminal reports whether no further transition is valid from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusCreated, JobStatusDispatching, JobStatusQueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusStopped, JobStatusUnreachable:
		return true
	}
	return false
}

// ResourceSpec is a parsed and resolved resource request
type ResourceSpec struct {
	Raw       string `json:"raw"`
	GPUType   string `json:"gpu_type"`
	Count     int    `json:"count"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// String renders the spec in count x type form
func (r ResourceSpec) String() string {
	if r.GPUType == "" {
		return r.Raw
	}
	return strconv.Itoa(r.Count) + "x" + r.GPUType
}

// DispatchHandle identifies one remote execution on the bridge
type DispatchHandle struct {
	RequestID    string    `json:"request_id"` // idempotency key
	Attempt      int       `json:"attempt"`
	RunID        int64     `json:"run_id,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// CacheEntry is the persisted projection of a Job plus sync bookkeeping
type CacheEntry struct {
	Job
	LastSyncAttempt  *time.Time `json:"last_sync_attempt,omitempty"`
	RetryCount       int        `json:"retry_count,omitempty"`
	UnreachableSince *time.Time `json:"unreachable_since,omitempty"`
}

// SubmitRequest is the validated input of a submission
type SubmitRequest struct {
	Name        string
	Resource    string
	Command     string
	Priority    int
	Image       string
	ShmGB       int
	WorkspaceID string
	ProjectID   string
}
