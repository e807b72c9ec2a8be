package monitoring

import (
	"time"

	"hpc-bridge/core/models"
)

// progress orders the non-terminal statuses; observations never move a job backwards
var progress = map[models.JobStatus]int{
	models.JobStatusCreated:     0,
	models.JobStatusDispatching: 1,
	models.JobStatusQueued:      2,
	models.JobStatusRunning:     3,
}

// statusFor maps a poll observation to the job status it implies.
// Unknown has no status of its own; it feeds the unreachable grace timer.
func statusFor(state models.PollState) (models.JobStatus, bool) {
	switch state {
	case models.PollPending:
		return models.JobStatusQueued, true
	case models.PollRunning:
		return models.JobStatusRunning, true
	case models.PollSucceeded:
		return models.JobStatusSucceeded, true
	case models.PollFailed:
		return models.JobStatusFailed, true
	}
	return "", false
}

// applyPoll folds one poll observation into e and reports whether the status changed.
// A terminal entry is left untouched.
func applyPoll(e *models.CacheEntry, res models.PollResult, now time.Time, grace time.Duration) bool {
	if e.Status.IsTerminal() {
		return false
	}
	before := e.Status
	e.CheckedAt = &now
	e.LastSyncAttempt = &now
	e.RetryCount = 0
	if res.RunID != 0 {
		e.Handle.RunID = res.RunID
	}

	target, known := statusFor(res.State)
	if !known {
		markUnobserved(e, now, grace)
		return e.Status != before
	}

	base := e.Status
	if base == models.JobStatusUnreachable {
		base = e.PriorStatus
	}
	e.UnreachableSince = nil
	e.PriorStatus = ""

	switch {
	case target.IsTerminal():
		e.Status = target
		if res.State == models.PollSucceeded || res.State == models.PollFailed {
			code := res.ExitCode
			e.ExitCode = &code
		}
	case progress[target] >= progress[base]:
		e.Status = target
	default:
		e.Status = base
	}
	return e.Status != before
}

// markUnobserved starts or continues the unreachable grace period and
// moves the job to Unreachable once it has elapsed
func markUnobserved(e *models.CacheEntry, now time.Time, grace time.Duration) {
	if e.Status.IsTerminal() {
		return
	}
	if e.UnreachableSince == nil {
		since := now
		e.UnreachableSince = &since
	}
	if e.Status != models.JobStatusUnreachable && now.Sub(*e.UnreachableSince) >= grace {
		e.PriorStatus = e.Status
		e.Status = models.JobStatusUnreachable
	}
}
