package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/models"

	"github.com/sirupsen/logrus"
)

// Platform selects the forge API flavour
type Platform string

const (
	PlatformGitea  Platform = "gitea"
	PlatformGitHub Platform = "github"
)

const (
	defaultRunsPageSize = 20
	defaultRunAppear    = 2 * time.Minute
	logsBranch          = "logs"
	exitCodeUnknown     = 1
	exitCodeCancelled   = -1
)

var errNoSuchResource = errors.New("resource not found on forge")

// ForgeConfig configures a ForgeClient
type ForgeConfig struct {
	Platform  Platform
	Server    string
	Repo      string
	Token     string
	Workflow  string
	Ref       string
	TargetDir string
	Denylist  []string

	RunsPageSize int
	// RunAppearTimeout bounds how long a dispatched run may stay invisible before polls report Unknown.
	RunAppearTimeout time.Duration
	HTTPClient       *http.Client
}

// ForgeClient implements Client over Gitea or GitHub Actions workflow dispatch
type ForgeClient struct {
	cfg     ForgeConfig
	apiBase string
	http    *http.Client
	now     func() time.Time
}

// NewForgeClient validates cfg and builds a client
func NewForgeClient(cfg ForgeConfig) (*ForgeClient, error) {
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	cfg.Token = SanitizeToken(cfg.Token)
	if cfg.Platform == "" {
		cfg.Platform = PlatformGitea
	}
	if cfg.Repo == "" || cfg.Workflow == "" {
		return nil, errors.New("bridge repo and workflow are required")
	}
	if cfg.Platform == PlatformGitea && cfg.Server == "" {
		return nil, errors.New("bridge server is required for gitea")
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.RunsPageSize <= 0 {
		cfg.RunsPageSize = defaultRunsPageSize
	}
	if cfg.RunAppearTimeout <= 0 {
		cfg.RunAppearTimeout = defaultRunAppear
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &ForgeClient{cfg: cfg, http: cfg.HTTPClient, now: time.Now}
	switch cfg.Platform {
	case PlatformGitea:
		c.apiBase = fmt.Sprintf("%s/api/v1/repos/%s/actions", cfg.Server, cfg.Repo)
	case PlatformGitHub:
		if cfg.Server == "" || cfg.Server == "https://github.com" {
			c.apiBase = fmt.Sprintf("https://api.github.com/repos/%s/actions", cfg.Repo)
		} else {
			c.apiBase = fmt.Sprintf("%s/api/v3/repos/%s/actions", cfg.Server, cfg.Repo)
		}
	default:
		return nil, fmt.Errorf("unsupported bridge platform %q", cfg.Platform)
	}
	return c, nil
}

// WithClock replaces the time source
func (c *ForgeClient) WithClock(now func() time.Time) *ForgeClient {
	c.now = now
	return c
}

// SanitizeToken strips a pasted "Bearer " or "token " prefix
func SanitizeToken(token string) string {
	token = strings.TrimSpace(token)
	lower := strings.ToLower(token)
	switch {
	case strings.HasPrefix(lower, "bearer "):
		return strings.TrimSpace(token[7:])
	case strings.HasPrefix(lower, "token "):
		return strings.TrimSpace(token[6:])
	}
	return token
}

// Dispatch triggers the bridge workflow unless a run for the same idempotency key already exists
func (c *ForgeClient) Dispatch(ctx context.Context, req DispatchRequest) (models.DispatchHandle, error) {
	key := IdempotencyKey(req.JobID, req.Attempt)
	handle := models.DispatchHandle{RequestID: key, Attempt: req.Attempt, DispatchedAt: c.now()}
	log := logrus.WithFields(logrus.Fields{"job_id": req.JobID, "request_id": key})

	existing, err := c.findRun(ctx, key)
	if err != nil {
		return models.DispatchHandle{}, common.WithJob(err, req.JobID)
	}
	if existing != nil {
		log.Infof("Run %d already exists for this dispatch, not triggering again", existing.ID)
		handle.RunID = existing.ID
		return handle, nil
	}

	body := map[string]interface{}{
		"ref":    c.cfg.Ref,
		"inputs": c.inputs(req, key),
	}
	endpoint := fmt.Sprintf("%s/workflows/%s/dispatches", c.apiBase, url.PathEscape(c.cfg.Workflow))
	if _, err := c.request(ctx, http.MethodPost, endpoint, body, nil); err != nil {
		if errors.Is(err, errNoSuchResource) {
			return models.DispatchHandle{}, common.NewError(common.KindDispatchRejected, req.JobID, err,
				"workflow %s not found in %s", c.cfg.Workflow, c.cfg.Repo)
		}
		return models.DispatchHandle{}, common.WithJob(err, req.JobID)
	}

	log.Infof("Dispatched workflow %s", c.cfg.Workflow)
	return handle, nil
}

// Poll maps the run status onto a poll observation
func (c *ForgeClient) Poll(ctx context.Context, handle models.DispatchHandle) (models.PollResult, error) {
	run, err := c.lookupRun(ctx, handle)
	if err != nil {
		return models.PollResult{}, err
	}
	if run == nil {
		if c.now().Sub(handle.DispatchedAt) < c.cfg.RunAppearTimeout {
			return models.PollResult{State: models.PollPending}, nil
		}
		return models.PollResult{State: models.PollUnknown}, nil
	}
	res := mapRunStatus(run.Status, run.Conclusion)
	res.RunID = run.ID
	return res, nil
}

// Cancel requests cancellation of the run behind handle
func (c *ForgeClient) Cancel(ctx context.Context, handle models.DispatchHandle) (CancelResult, error) {
	run, err := c.lookupRun(ctx, handle)
	if err != nil {
		return CancelAccepted, err
	}
	if run == nil {
		return CancelAccepted, common.NewError(common.KindBridgeTransient, "", nil,
			"run for request %s is not visible yet", handle.RequestID)
	}
	if res := mapRunStatus(run.Status, run.Conclusion); res.State == models.PollSucceeded || res.State == models.PollFailed {
		return CancelAlreadyFinished, nil
	}

	endpoint := fmt.Sprintf("%s/runs/%d/cancel", c.apiBase, run.ID)
	status, err := c.request(ctx, http.MethodPost, endpoint, nil, nil)
	if status == http.StatusConflict {
		return CancelAlreadyFinished, nil
	}
	if err != nil {
		return CancelAccepted, err
	}
	return CancelAccepted, nil
}

// FetchLog reads the live log pushed to the logs branch, falling back to the run artifact
func (c *ForgeClient) FetchLog(ctx context.Context, handle models.DispatchHandle, fromOffset int64) (models.LogChunk, error) {
	name := artifactName(handle.RequestID)

	data, fromRange, err := c.rawLog(ctx, name+".log", fromOffset)
	if errors.Is(err, errNoSuchResource) {
		data, err = c.artifactLog(ctx, name)
		fromRange = false
	}
	if errors.Is(err, errNoSuchResource) {
		return models.LogChunk{Offset: fromOffset}, nil
	}
	if err != nil {
		return models.LogChunk{}, err
	}

	if !fromRange {
		if int64(len(data)) <= fromOffset {
			return models.LogChunk{Offset: fromOffset}, nil
		}
		data = data[fromOffset:]
	}
	return models.LogChunk{Offset: fromOffset, Data: data}, nil
}

func (c *ForgeClient) inputs(req DispatchRequest, key string) map[string]string {
	in := map[string]string{
		"raw_command": req.Command,
		"request_id":  key,
		"job_id":      req.JobID,
		"resource":    req.Resource.GroupID + ":" + strconv.Itoa(req.Resource.Count),
		"target_dir":  c.cfg.TargetDir,
		"denylist":    strings.Join(c.cfg.Denylist, "\n"),
	}
	if req.Priority > 0 {
		in["priority"] = strconv.Itoa(req.Priority)
	}
	if req.Image != "" {
		in["image"] = req.Image
	}
	return in
}

func artifactName(requestID string) string {
	return "bridge-action-" + requestID
}

type workflowRun struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	DisplayTitle string `json:"display_title"`
	Name         string `json:"name"`
	EventPayload string `json:"event_payload"`
}

type runsPage struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
	TotalCount   int           `json:"total_count"`
}

func (r workflowRun) requestID() string {
	if r.EventPayload != "" {
		var payload struct {
			Inputs map[string]interface{} `json:"inputs"`
		}
		if json.Unmarshal([]byte(r.EventPayload), &payload) == nil {
			if v, ok := payload.Inputs["request_id"]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	return ""
}

func (r workflowRun) matches(key string) bool {
	if id := r.requestID(); id != "" {
		return id == key
	}
	// GitHub does not echo inputs; the workflow puts the request id in its run name
	return strings.Contains(r.DisplayTitle, key) || strings.Contains(r.Name, key)
}

func (c *ForgeClient) lookupRun(ctx context.Context, handle models.DispatchHandle) (*workflowRun, error) {
	if handle.RunID != 0 {
		var run workflowRun
		_, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%d", c.apiBase, handle.RunID), nil, &run)
		if err == nil {
			return &run, nil
		}
		if !errors.Is(err, errNoSuchResource) {
			return nil, err
		}
	}
	return c.findRun(ctx, handle.RequestID)
}

// findRun scans the newest page of runs and, when there are more, the last page as well
func (c *ForgeClient) findRun(ctx context.Context, key string) (*workflowRun, error) {
	first, err := c.listRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if run := matchRun(first.WorkflowRuns, key); run != nil {
		return run, nil
	}

	limit := c.cfg.RunsPageSize
	if first.TotalCount > limit {
		last := (first.TotalCount + limit - 1) / limit
		page, err := c.listRuns(ctx, last)
		if err != nil {
			return nil, err
		}
		return matchRun(page.WorkflowRuns, key), nil
	}
	return nil, nil
}

func matchRun(runs []workflowRun, key string) *workflowRun {
	for i := range runs {
		if runs[i].matches(key) {
			return &runs[i]
		}
	}
	return nil
}

func (c *ForgeClient) listRuns(ctx context.Context, page int) (runsPage, error) {
	param := "limit"
	if c.cfg.Platform == PlatformGitHub {
		param = "per_page"
	}
	endpoint := fmt.Sprintf("%s/runs?%s=%d&page=%d", c.apiBase, param, c.cfg.RunsPageSize, page)

	var out runsPage
	if _, err := c.request(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		if errors.Is(err, errNoSuchResource) {
			return runsPage{}, nil
		}
		return runsPage{}, err
	}
	return out, nil
}

// mapRunStatus folds the two platforms' status vocabularies into a poll state
func mapRunStatus(status, conclusion string) models.PollResult {
	status = strings.ToLower(status)
	conclusion = strings.ToLower(conclusion)
	if status == "completed" {
		status = conclusion
	}
	switch status {
	case "success", "neutral", "skipped":
		return models.PollResult{State: models.PollSucceeded, ExitCode: 0}
	case "failure", "timed_out", "startup_failure", "action_required":
		return models.PollResult{State: models.PollFailed, ExitCode: exitCodeUnknown}
	case "cancelled":
		return models.PollResult{State: models.PollFailed, ExitCode: exitCodeCancelled}
	case "in_progress", "running":
		return models.PollResult{State: models.PollRunning}
	case "queued", "waiting", "requested", "pending", "blocked":
		return models.PollResult{State: models.PollPending}
	}
	return models.PollResult{State: models.PollUnknown}
}
