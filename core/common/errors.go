package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrWaitTimeout = errors.New("wait timed out before a terminal state")
	ErrLogGap      = errors.New("log chunk starts past the cached offset")
)

// Kind classifies failures so callers can decide whether to retry, report or stop
type Kind string

const (
	KindResolution            Kind = "ResolutionError"
	KindDispatchRejected      Kind = "DispatchRejected"
	KindBridgeTransient       Kind = "BridgeTransient"
	KindBridgeUnreachable     Kind = "BridgeUnreachable"
	KindRemoteExecutionFailed Kind = "RemoteExecutionFailed"
	KindCacheCorruption       Kind = "CacheCorruption"
)

// Error is the structured error surfaced by the core packages
type Error struct {
	Kind  Kind
	JobID string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.JobID != "" {
		msg += " [" + e.JobID + "]"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind
func NewError(kind Kind, jobID string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, JobID: jobID, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithJob returns a copy of err tagged with jobID when err is an untagged Error
func WithJob(err error, jobID string) error {
	var e *Error
	if errors.As(err, &e) && e.JobID == "" {
		cp := *e
		cp.JobID = jobID
		return &cp
	}
	return err
}

// RemoteExecutionFailed builds the error carried by a job that ended Failed
func RemoteExecutionFailed(jobID string, exitCode int) *Error {
	return &Error{Kind: KindRemoteExecutionFailed, JobID: jobID, Msg: fmt.Sprintf("remote command exited with code %d", exitCode)}
}
