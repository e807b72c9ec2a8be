package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hpc-bridge/core/backoff"
	"hpc-bridge/core/bridge"
	"hpc-bridge/core/common"
	"hpc-bridge/core/models"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/spec"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ResourceResolver resolves resource tokens against the cluster catalog
type ResourceResolver interface {
	Resolve(ctx context.Context, token string) (models.ResourceSpec, error)
}

// Options tunes the controller's polling and retry behaviour
type Options struct {
	PollInterval     time.Duration
	UnreachableGrace time.Duration
	Retry            backoff.Policy
	Parallelism      int
	Defaults         spec.Defaults
}

// DefaultOptions returns the settings used when nothing is configured
func DefaultOptions() Options {
	return Options{
		PollInterval:     10 * time.Second,
		UnreachableGrace: 2 * time.Minute,
		Retry:            backoff.DefaultPolicy(),
		Parallelism:      4,
		Defaults:         spec.Defaults{Priority: 8, ShmGB: 200},
	}
}

// Controller owns the job state machine. It is the only component that writes to the JobCache.
type Controller struct {
	resolver ResourceResolver
	bridge   bridge.Client
	cache    *repository.JobCache
	events   repository.EventRecorder
	clock    backoff.Clock
	opts     Options
	newID    func() string
}

// NewController wires a controller; events may be nil
func NewController(
	resolver ResourceResolver,
	client bridge.Client,
	cache *repository.JobCache,
	events repository.EventRecorder,
	opts Options,
) *Controller {
	if events == nil {
		events = repository.NewMemoryEventRecorder()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	return &Controller{
		resolver: resolver,
		bridge:   client,
		cache:    cache,
		events:   events,
		clock:    backoff.RealClock(),
		opts:     opts,
		newID:    func() string { return "job-" + uuid.NewString() },
	}
}

// WithClock replaces the clock used for sleeps, timeouts and timestamps
func (c *Controller) WithClock(clock backoff.Clock) *Controller {
	c.clock = clock
	c.cache.WithClock(clock.Now)
	return c
}

// Submit validates and resolves req, dispatches it and records the job as Dispatching.
// It returns as soon as the bridge acknowledges the dispatch.
func (c *Controller) Submit(ctx context.Context, req models.SubmitRequest) (models.CacheEntry, error) {
	req, err := spec.Normalize(req, c.opts.Defaults)
	if err != nil {
		return models.CacheEntry{}, common.NewError(common.KindResolution, "", err, "invalid job request")
	}
	resource, err := c.resolver.Resolve(ctx, req.Resource)
	if err != nil {
		return models.CacheEntry{}, err
	}

	id := c.newID()
	log := logrus.WithField("job_id", id)
	dreq := bridge.DispatchRequest{
		JobID:       id,
		Attempt:     1,
		Name:        req.Name,
		Command:     req.Command,
		Resource:    resource,
		Priority:    req.Priority,
		Image:       req.Image,
		ShmGB:       req.ShmGB,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
	}

	var handle models.DispatchHandle
	err = c.retry(ctx, id, func(ctx context.Context) error {
		h, err := c.bridge.Dispatch(ctx, dreq)
		handle = h
		return err
	})
	if err != nil {
		log.Errorf("Dispatch failed: %v", err)
		return models.CacheEntry{}, common.WithJob(err, id)
	}

	now := c.clock.Now()
	entry, err := c.cache.Upsert(models.CacheEntry{Job: models.Job{
		ID:          id,
		Name:        req.Name,
		Resource:    resource,
		Command:     req.Command,
		Priority:    req.Priority,
		Image:       req.Image,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
		Status:      models.JobStatusDispatching,
		Handle:      handle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}})
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("dispatched job %s but failed to record it: %w", id, err)
	}

	created := models.JobStatusCreated
	c.recordEvent(ctx, id, &created, models.JobStatusDispatching, "dispatch acknowledged", map[string]interface{}{
		"request_id": handle.RequestID,
		"resource":   resource.String(),
		"group_id":   resource.GroupID,
	})
	log.Infof("Job %s submitted on %s (%s)", req.Name, resource.GroupID, resource.String())
	return entry, nil
}

// Defaults returns the values applied to fields a submission leaves empty
func (c *Controller) Defaults() spec.Defaults {
	return c.opts.Defaults
}

// Get returns the last committed state of a job without contacting the bridge
func (c *Controller) Get(id string) (models.CacheEntry, error) {
	return c.cache.Get(id)
}

// List returns cached jobs matching filter, newest first
func (c *Controller) List(filter repository.ListFilter) ([]models.CacheEntry, error) {
	return c.cache.List(filter)
}

// Events returns the recorded transitions of a job, newest first
func (c *Controller) Events(ctx context.Context, id string, limit int) ([]models.JobEvent, error) {
	return c.events.GetJobEvents(ctx, id, limit)
}

// Remove deletes a job from the cache; it does not touch the remote execution
func (c *Controller) Remove(id string) (bool, error) {
	return c.cache.Remove(id)
}

// Clear forgets every cached job and its log
func (c *Controller) Clear() error {
	return c.cache.Clear()
}

// Prune removes jobs older than maxAge
func (c *Controller) Prune(maxAge time.Duration) (int, error) {
	return c.cache.Prune(maxAge)
}

// Refresh polls the bridge once for job id and commits the observation.
// Transient bridge errors are retried; when the budget runs out the job is
// treated as unobserved and a BridgeUnreachable error is returned.
func (c *Controller) Refresh(ctx context.Context, id string) (models.CacheEntry, error) {
	entry, err := c.cache.Get(id)
	if err != nil {
		return models.CacheEntry{}, err
	}
	if entry.Status.IsTerminal() {
		return entry, nil
	}

	var res models.PollResult
	pollErr := c.retry(ctx, id, func(ctx context.Context) error {
		r, err := c.bridge.Poll(ctx, entry.Handle)
		res = r
		return err
	})
	if pollErr != nil && !common.IsKind(pollErr, common.KindBridgeUnreachable) {
		return entry, common.WithJob(pollErr, id)
	}

	var from, to models.JobStatus
	var changed bool
	entry, err = c.cache.Update(id, func(e *models.CacheEntry) error {
		from = e.Status
		now := c.clock.Now()
		if pollErr != nil {
			e.LastSyncAttempt = &now
			e.RetryCount++
			markUnobserved(e, now, c.opts.UnreachableGrace)
			changed = e.Status != from
		} else {
			changed = applyPoll(e, res, now, c.opts.UnreachableGrace)
		}
		if changed {
			e.UpdatedAt = now
		}
		to = e.Status
		return nil
	})
	if err != nil {
		return entry, err
	}

	// the cache may have kept a terminal state committed concurrently
	if changed && entry.Status == to {
		c.onTransition(ctx, entry, from, res)
	}
	if pollErr != nil {
		return entry, pollErr
	}
	return entry, nil
}

func (c *Controller) onTransition(ctx context.Context, e models.CacheEntry, from models.JobStatus, res models.PollResult) {
	log := logrus.WithField("job_id", e.ID)
	meta := map[string]interface{}{"poll": string(res.State)}
	if e.Handle.RunID != 0 {
		meta["run_id"] = e.Handle.RunID
	}
	reason := "poll observed " + string(res.State)

	switch e.Status {
	case models.JobStatusSucceeded:
		log.Infof("Job %s succeeded", e.Name)
	case models.JobStatusFailed:
		meta["exit_code"] = res.ExitCode
		log.Warnf("Job %s failed: %v", e.Name, common.RemoteExecutionFailed(e.ID, res.ExitCode))
	case models.JobStatusUnreachable:
		reason = "bridge unobservable past grace period"
		log.Warnf("Job %s is unreachable since %s", e.Name, e.UnreachableSince.Format(time.RFC3339))
	default:
		log.Infof("Job %s is %s", e.Name, e.Status)
	}
	c.recordEvent(ctx, e.ID, &from, e.Status, reason, meta)
}

// Wait polls job id every interval until it reaches a terminal state.
// Every observation is committed before sleeping, so an interrupted wait can be resumed.
// A timeout <= 0 waits indefinitely; on expiry common.ErrWaitTimeout is returned.
func (c *Controller) Wait(ctx context.Context, id string, interval, timeout time.Duration) (models.CacheEntry, error) {
	if interval <= 0 {
		interval = c.opts.PollInterval
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = c.clock.Now().Add(timeout)
	}

	for {
		entry, err := c.Refresh(ctx, id)
		if err != nil {
			return entry, err
		}
		if entry.Status.IsTerminal() {
			return entry, nil
		}

		sleep := interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(c.clock.Now())
			if remaining <= 0 {
				return entry, fmt.Errorf("job %s still %s: %w", id, entry.Status, common.ErrWaitTimeout)
			}
			if remaining < sleep {
				sleep = remaining
			}
		}
		if err := c.clock.Sleep(ctx, sleep); err != nil {
			return entry, err
		}
	}
}

// BulkResult collects per-job outcomes of RefreshAll
type BulkResult struct {
	Jobs   []models.CacheEntry
	Errors map[string]error
}

// RefreshAll refreshes every job matching filter concurrently. Each job gets its own
// retry budget and one job's failure never affects the others.
func (c *Controller) RefreshAll(ctx context.Context, filter repository.ListFilter) (BulkResult, error) {
	if len(filter.Statuses) == 0 && len(filter.ExcludeStatuses) == 0 {
		filter.ExcludeStatuses = []models.JobStatus{
			models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusStopped,
		}
	}
	jobs, err := c.cache.List(filter)
	if err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{Jobs: make([]models.CacheEntry, len(jobs)), Errors: map[string]error{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.opts.Parallelism)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			entry, err := c.Refresh(ctx, job.ID)
			if err != nil {
				mu.Lock()
				result.Errors[job.ID] = err
				mu.Unlock()
				if entry.ID == "" {
					entry = job
				}
			}
			result.Jobs[i] = entry
			return nil
		})
	}
	g.Wait()

	if len(result.Errors) > 0 {
		logrus.Warnf("Refreshed %d jobs, %d could not be observed", len(jobs), len(result.Errors))
	}
	return result, nil
}

// LogResult is the merged cached log after a fetch
type LogResult struct {
	Data   []byte
	Offset int64
	// Fetched is false when the bridge could not be read and only cached bytes are returned.
	Fetched bool
}

// FetchLogs pulls new log bytes past the cached offset, commits them and returns the
// merged log, or its last tail lines when tail > 0. With reset the cache is rebuilt from offset zero.
// A failed first fetch is reported as not fetched rather than as an error, since the remote
// workflow may still be starting.
func (c *Controller) FetchLogs(ctx context.Context, id string, tail int, reset bool) (LogResult, error) {
	if reset {
		if err := c.cache.ResetLogOffset(id); err != nil {
			return LogResult{}, err
		}
	}
	entry, err := c.cache.Get(id)
	if err != nil {
		return LogResult{}, err
	}

	var chunk models.LogChunk
	fetchErr := c.retry(ctx, id, func(ctx context.Context) error {
		ch, err := c.bridge.FetchLog(ctx, entry.Handle, entry.LogOffset)
		chunk = ch
		return err
	})

	fetched := fetchErr == nil
	switch {
	case fetchErr == nil:
		if !chunk.Empty() {
			if _, err := c.cache.AppendLog(id, chunk); err != nil {
				return LogResult{}, err
			}
		}
	case common.IsKind(fetchErr, common.KindBridgeUnreachable) && entry.LogOffset == 0:
		logrus.WithField("job_id", id).Infof("Log not available yet: %v", fetchErr)
	default:
		return LogResult{}, common.WithJob(fetchErr, id)
	}

	data, err := c.cache.ReadLog(id)
	if err != nil {
		return LogResult{}, err
	}
	out := LogResult{Data: data, Offset: int64(len(data)), Fetched: fetched}
	if tail > 0 {
		out.Data = tailLines(data, tail)
	}
	return out, nil
}

func tailLines(data []byte, n int) []byte {
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Stop cancels the remote execution of job id. Stopping a terminal job is a no-op.
// If the bridge reports the run already finished, its terminal state is recorded instead.
func (c *Controller) Stop(ctx context.Context, id string) (models.CacheEntry, error) {
	entry, err := c.cache.Get(id)
	if err != nil {
		return models.CacheEntry{}, err
	}
	if entry.Status.IsTerminal() {
		return entry, nil
	}
	log := logrus.WithField("job_id", id)

	var res bridge.CancelResult
	err = c.retry(ctx, id, func(ctx context.Context) error {
		r, err := c.bridge.Cancel(ctx, entry.Handle)
		res = r
		return err
	})
	if err != nil {
		return entry, common.WithJob(err, id)
	}

	if res == bridge.CancelAlreadyFinished {
		log.Info("Run already finished before cancellation, recording its final state")
		return c.Refresh(ctx, id)
	}

	var from models.JobStatus
	entry, err = c.cache.Update(id, func(e *models.CacheEntry) error {
		from = e.Status
		if e.Status.IsTerminal() {
			return nil
		}
		now := c.clock.Now()
		e.Status = models.JobStatusStopped
		e.PriorStatus = ""
		e.UnreachableSince = nil
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		return entry, err
	}
	if entry.Status == models.JobStatusStopped && !from.IsTerminal() {
		c.recordEvent(ctx, id, &from, models.JobStatusStopped, "cancellation accepted", nil)
		log.Infof("Job %s stopped", entry.Name)
	} else {
		log.Infof("Job %s finished as %s before the stop was recorded", entry.Name, entry.Status)
	}
	return entry, nil
}

// retry runs op under a fresh backoff budget; exhaustion becomes BridgeUnreachable
func (c *Controller) retry(ctx context.Context, jobID string, op func(context.Context) error) error {
	b := backoff.New(c.opts.Retry)
	err := backoff.Retry(ctx, c.clock, b, isTransient, op)
	var exhausted *backoff.ExhaustedError
	if errors.As(err, &exhausted) {
		logrus.WithField("job_id", jobID).Warnf("Bridge unreachable after %d attempts: %v", exhausted.Attempts, exhausted.Err)
		return common.NewError(common.KindBridgeUnreachable, jobID, exhausted.Err,
			"bridge unreachable after %d attempts", exhausted.Attempts)
	}
	return err
}

func isTransient(err error) bool {
	return common.IsKind(err, common.KindBridgeTransient)
}

func (c *Controller) recordEvent(ctx context.Context, jobID string, from *models.JobStatus, to models.JobStatus, reason string, meta map[string]interface{}) {
	event := models.JobEvent{
		JobID:      jobID,
		At:         c.clock.Now(),
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		MetaJSON:   meta,
	}
	if err := c.events.RecordEvent(ctx, event); err != nil {
		logrus.WithField("job_id", jobID).Warnf("Failed to record event: %v", err)
	}
}
