package models

import "time"

// JobEvent represents a committed state transition of a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	MetaJSON   map[string]interface{}
}

// LogChunk is a contiguous byte range of a job's log output
type LogChunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset one past the last byte of the chunk
func (c LogChunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// Empty reports whether the chunk carries no bytes
func (c LogChunk) Empty() bool {
	return len(c.Data) == 0
}

// PollState is the observation returned by a single bridge poll
type PollState string

const (
	PollPending   PollState = "pending"
	PollRunning   PollState = "running"
	PollSucceeded PollState = "succeeded"
	PollFailed    PollState = "failed"
	PollUnknown   PollState = "unknown"
)

// PollResult carries a poll observation and, for finished runs, the exit code
type PollResult struct {
	State    PollState
	ExitCode int
	RunID    int64
}
