package bridge

import (
	"context"
	"strconv"

	"hpc-bridge/core/models"

	"github.com/google/uuid"
)

// Client is the workflow-dispatch channel used to run commands on the cluster
type Client interface {
	// Dispatch triggers one remote execution. Repeating a dispatch with the same
	// job id and attempt returns the existing execution instead of starting another.
	Dispatch(ctx context.Context, req DispatchRequest) (models.DispatchHandle, error)
	// Poll performs a single non-blocking status check.
	Poll(ctx context.Context, handle models.DispatchHandle) (models.PollResult, error)
	// FetchLog returns log bytes past fromOffset, or an empty chunk when there are none yet.
	FetchLog(ctx context.Context, handle models.DispatchHandle, fromOffset int64) (models.LogChunk, error)
	// Cancel asks the bridge to stop the execution.
	Cancel(ctx context.Context, handle models.DispatchHandle) (CancelResult, error)
}

// DispatchRequest carries everything the remote workflow needs to run a job
type DispatchRequest struct {
	JobID       string
	Attempt     int
	Name        string
	Command     string
	Resource    models.ResourceSpec
	Priority    int
	Image       string
	ShmGB       int
	WorkspaceID string
	ProjectID   string
}

// CancelResult tells whether the bridge accepted a cancellation
type CancelResult int

const (
	CancelAccepted CancelResult = iota
	CancelAlreadyFinished
)

func (r CancelResult) String() string {
	if r == CancelAlreadyFinished {
		return "already_finished"
	}
	return "accepted"
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hpc-bridge/dispatch"))

// IdempotencyKey derives the stable request id for a (job id, attempt) pair
func IdempotencyKey(jobID string, attempt int) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(jobID+"#"+strconv.Itoa(attempt))).String()
}
