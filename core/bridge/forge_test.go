package bridge

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hpc-bridge/core/common"
	"hpc-bridge/core/models"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(io.Discard)
}

const testRepo = "ops/bridge"

type fakeRun struct {
	workflowRun
	log []byte
}

// fakeForge mimics the Gitea actions API closely enough for the client
type fakeForge struct {
	mu         sync.Mutex
	runs       []*fakeRun
	dispatches int
	cancels    int
	failNext   int
	token      string
	artifacts  map[string][]byte
	noRawLogs  bool
	lastInputs map[string]string
}

func newFakeForge() *fakeForge {
	return &fakeForge{token: "s3cret", artifacts: map[string][]byte{}}
}

func (f *fakeForge) run(key string) *fakeRun {
	for _, r := range f.runs {
		if r.requestID() == key {
			return r
		}
	}
	return nil
}

func (f *fakeForge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if r.Header.Get("Authorization") != "token "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	base := "/api/v1/repos/" + testRepo
	path := strings.TrimPrefix(r.URL.Path, base)
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/actions/workflows/"):
		var body struct {
			Ref    string            `json:"ref"`
			Inputs map[string]string `json:"inputs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		key := body.Inputs["request_id"]
		if f.run(key) != nil {
			http.Error(w, "duplicate request_id", http.StatusUnprocessableEntity)
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{"inputs": body.Inputs})
		f.dispatches++
		f.lastInputs = body.Inputs
		f.runs = append([]*fakeRun{{workflowRun: workflowRun{
			ID: int64(100 + len(f.runs)), Status: "waiting", EventPayload: string(payload),
		}}}, f.runs...)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && path == "/actions/runs":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := (page - 1) * limit
		var out []workflowRun
		for i := start; i < len(f.runs) && i < start+limit; i++ {
			out = append(out, f.runs[i].workflowRun)
		}
		json.NewEncoder(w).Encode(runsPage{WorkflowRuns: out, TotalCount: len(f.runs)})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/actions/runs/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(path, "/actions/runs/"), 10, 64)
		for _, run := range f.runs {
			if run.ID == id {
				json.NewEncoder(w).Encode(run.workflowRun)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel"):
		f.cancels++
		id, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(path, "/actions/runs/"), "/cancel"), 10, 64)
		for _, run := range f.runs {
			if run.ID == id {
				if run.Status == "success" || run.Status == "failure" || run.Status == "cancelled" {
					w.WriteHeader(http.StatusConflict)
					return
				}
				run.Status = "cancelled"
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	case strings.HasPrefix(path, "/raw/logs/"):
		key := strings.TrimSuffix(strings.TrimPrefix(path, "/raw/logs/bridge-action-"), ".log")
		run := f.run(key)
		if f.noRawLogs || run == nil || run.log == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			from, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if from >= len(run.log) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.WriteHeader(http.StatusPartialContent)
			w.Write(run.log[from:])
			return
		}
		w.Write(run.log)

	case path == "/actions/artifacts":
		type art struct {
			ID      int64  `json:"id"`
			Name    string `json:"name"`
			Expired bool   `json:"expired"`
		}
		var arts []art
		i := int64(1)
		for name := range f.artifacts {
			arts = append(arts, art{ID: i, Name: name})
			i++
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"artifacts": arts})

	case strings.HasPrefix(path, "/actions/artifacts/") && strings.HasSuffix(path, "/zip"):
		for _, data := range f.artifacts {
			w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeForge) setStatus(key, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run(key).Status = status
}

func newTestClient(t *testing.T, f *fakeForge) (*ForgeClient, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := NewForgeClient(ForgeConfig{
		Platform:     PlatformGitea,
		Server:       srv.URL,
		Repo:         testRepo,
		Token:        "Bearer s3cret",
		Workflow:     "bridge-action.yml",
		TargetDir:    "/train/project",
		Denylist:     []string{"rm -rf /", "shutdown"},
		RunsPageSize: 2,
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewForgeClient: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })
	return c, &now
}

func testRequest(jobID string) DispatchRequest {
	return DispatchRequest{
		JobID:    jobID,
		Attempt:  1,
		Name:     "train",
		Command:  "python train.py",
		Resource: models.ResourceSpec{Raw: "1xH100", GPUType: "H100", Count: 1, GroupID: "lcg-h100"},
		Priority: 8,
	}
}

func TestSanitizeToken(t *testing.T) {
	for in, want := range map[string]string{
		"abc":           "abc",
		"Bearer abc":    "abc",
		"token abc ":    "abc",
		" BEARER  abc":  "abc",
		"tokenizer-abc": "tokenizer-abc",
	} {
		if got := SanitizeToken(in); got != want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewForgeClientAPIBase(t *testing.T) {
	tests := []struct {
		cfg  ForgeConfig
		base string
		raw  string
	}{
		{
			ForgeConfig{Platform: PlatformGitea, Server: "https://git.example.com/", Repo: "a/b", Workflow: "w.yml"},
			"https://git.example.com/api/v1/repos/a/b/actions",
			"https://git.example.com/api/v1/repos/a/b/raw/logs/x.log",
		},
		{
			ForgeConfig{Platform: PlatformGitHub, Repo: "a/b", Workflow: "w.yml"},
			"https://api.github.com/repos/a/b/actions",
			"https://raw.githubusercontent.com/a/b/logs/x.log",
		},
		{
			ForgeConfig{Platform: PlatformGitHub, Server: "https://ghe.corp", Repo: "a/b", Workflow: "w.yml"},
			"https://ghe.corp/api/v3/repos/a/b/actions",
			"https://raw.ghe.corp/a/b/logs/x.log",
		},
	}
	for _, tt := range tests {
		c, err := NewForgeClient(tt.cfg)
		if err != nil {
			t.Fatalf("NewForgeClient(%+v): %v", tt.cfg, err)
		}
		if c.apiBase != tt.base {
			t.Errorf("apiBase = %s, want %s", c.apiBase, tt.base)
		}
		if got := c.rawFileURL(logsBranch, "x.log"); got != tt.raw {
			t.Errorf("raw url = %s, want %s", got, tt.raw)
		}
	}

	if _, err := NewForgeClient(ForgeConfig{Platform: "svn", Server: "x", Repo: "a/b", Workflow: "w"}); err == nil {
		t.Error("unknown platform accepted")
	}
	if _, err := NewForgeClient(ForgeConfig{Platform: PlatformGitea, Repo: "a/b", Workflow: "w"}); err == nil {
		t.Error("gitea without server accepted")
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	h1, err := c.Dispatch(ctx, testRequest("job-1"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	h2, err := c.Dispatch(ctx, testRequest("job-1"))
	if err != nil {
		t.Fatalf("repeated Dispatch: %v", err)
	}
	if f.dispatches != 1 {
		t.Errorf("dispatches = %d, want 1", f.dispatches)
	}
	if h1.RequestID != h2.RequestID || h2.RunID == 0 {
		t.Errorf("handles differ: %+v vs %+v", h1, h2)
	}

	retry := testRequest("job-1")
	retry.Attempt = 2
	if _, err := c.Dispatch(ctx, retry); err != nil {
		t.Fatal(err)
	}
	if f.dispatches != 2 {
		t.Errorf("new attempt should dispatch again, dispatches = %d", f.dispatches)
	}

	in := f.lastInputs
	if in["raw_command"] != "python train.py" || in["resource"] != "lcg-h100:1" || in["denylist"] != "rm -rf /\nshutdown" || in["target_dir"] != "/train/project" || in["priority"] != "8" {
		t.Errorf("inputs = %+v", in)
	}
}

func TestDispatchFindsRunOnLastPage(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	first, err := c.Dispatch(ctx, testRequest("job-old"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Dispatch(ctx, testRequest(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	// job-old is now on page 2 of 2
	res, err := c.Poll(ctx, models.DispatchHandle{RequestID: first.RequestID, DispatchedAt: first.DispatchedAt})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != models.PollPending || res.RunID == 0 {
		t.Errorf("poll = %+v, want pending with run id", res)
	}
}

func TestPollStatusMapping(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()
	h, err := c.Dispatch(ctx, testRequest("job-1"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		status string
		state  models.PollState
		code   int
	}{
		{"waiting", models.PollPending, 0},
		{"running", models.PollRunning, 0},
		{"success", models.PollSucceeded, 0},
		{"failure", models.PollFailed, 1},
		{"cancelled", models.PollFailed, -1},
		{"skipped-by-admin", models.PollUnknown, 0},
	}
	for _, tt := range tests {
		f.setStatus(h.RequestID, tt.status)
		res, err := c.Poll(ctx, h)
		if err != nil {
			t.Fatalf("Poll(%s): %v", tt.status, err)
		}
		if res.State != tt.state || res.ExitCode != tt.code {
			t.Errorf("status %s -> %+v, want %s/%d", tt.status, res, tt.state, tt.code)
		}
	}
}

func TestMapRunStatusGitHubConclusion(t *testing.T) {
	if got := mapRunStatus("completed", "success"); got.State != models.PollSucceeded {
		t.Errorf("completed/success = %+v", got)
	}
	if got := mapRunStatus("completed", "timed_out"); got.State != models.PollFailed || got.ExitCode != 1 {
		t.Errorf("completed/timed_out = %+v", got)
	}
	if got := mapRunStatus("in_progress", ""); got.State != models.PollRunning {
		t.Errorf("in_progress = %+v", got)
	}
}

func TestPollMissingRun(t *testing.T) {
	f := newFakeForge()
	c, now := newTestClient(t, f)
	h := models.DispatchHandle{RequestID: IdempotencyKey("ghost", 1), DispatchedAt: *now}

	res, err := c.Poll(context.Background(), h)
	if err != nil || res.State != models.PollPending {
		t.Fatalf("fresh dispatch: %+v, %v", res, err)
	}
	*now = now.Add(5 * time.Minute)
	res, err = c.Poll(context.Background(), h)
	if err != nil || res.State != models.PollUnknown {
		t.Fatalf("stale dispatch: %+v, %v", res, err)
	}
}

func TestErrorClassification(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	f.failNext = 1
	_, err := c.Dispatch(ctx, testRequest("job-1"))
	if !common.IsKind(err, common.KindBridgeTransient) {
		t.Errorf("502: err = %v, want BridgeTransient", err)
	}

	f.token = "rotated"
	_, err = c.Dispatch(ctx, testRequest("job-1"))
	if !common.IsKind(err, common.KindDispatchRejected) {
		t.Errorf("401: err = %v, want DispatchRejected", err)
	}
	var e *common.Error
	if !errors.As(err, &e) || e.JobID != "job-1" {
		t.Errorf("error not tagged with job: %v", err)
	}
}

func TestFetchLogFromLogsBranch(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()
	h, _ := c.Dispatch(ctx, testRequest("job-1"))

	chunk, err := c.FetchLog(ctx, h, 0)
	if err != nil || !chunk.Empty() {
		t.Fatalf("before any output: %+v, %v", chunk, err)
	}

	f.mu.Lock()
	f.run(h.RequestID).log = []byte("epoch 1\nepoch 2\n")
	f.mu.Unlock()

	chunk, err = c.FetchLog(ctx, h, 0)
	if err != nil || string(chunk.Data) != "epoch 1\nepoch 2\n" {
		t.Fatalf("full fetch: %q, %v", chunk.Data, err)
	}
	chunk, err = c.FetchLog(ctx, h, 8)
	if err != nil || chunk.Offset != 8 || string(chunk.Data) != "epoch 2\n" {
		t.Fatalf("ranged fetch: %+v, %v", chunk, err)
	}
	chunk, err = c.FetchLog(ctx, h, 16)
	if err != nil || !chunk.Empty() || chunk.Offset != 16 {
		t.Fatalf("caught up: %+v, %v", chunk, err)
	}
}

func TestFetchLogFallsBackToArtifact(t *testing.T) {
	f := newFakeForge()
	f.noRawLogs = true
	c, _ := newTestClient(t, f)
	ctx := context.Background()
	h, _ := c.Dispatch(ctx, testRequest("job-1"))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("run/output.log")
	w.Write([]byte("hello from the cluster\n"))
	zw.Close()
	f.mu.Lock()
	f.artifacts[artifactName(h.RequestID)] = buf.Bytes()
	f.mu.Unlock()

	chunk, err := c.FetchLog(ctx, h, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk.Data) != "from the cluster\n" || chunk.Offset != 6 {
		t.Errorf("chunk = %+v", chunk)
	}
}

func TestCancel(t *testing.T) {
	f := newFakeForge()
	c, _ := newTestClient(t, f)
	ctx := context.Background()
	h, _ := c.Dispatch(ctx, testRequest("job-1"))
	f.setStatus(h.RequestID, "running")

	res, err := c.Cancel(ctx, h)
	if err != nil || res != CancelAccepted {
		t.Fatalf("cancel running: %v, %v", res, err)
	}
	res, err = c.Cancel(ctx, h)
	if err != nil || res != CancelAlreadyFinished {
		t.Fatalf("cancel again: %v, %v", res, err)
	}

	missing := models.DispatchHandle{RequestID: IdempotencyKey("nope", 1)}
	if _, err := c.Cancel(ctx, missing); !common.IsKind(err, common.KindBridgeTransient) {
		t.Errorf("cancel of unseen run: %v", err)
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("job-1", 1)
	if a != IdempotencyKey("job-1", 1) {
		t.Error("key not stable")
	}
	if a == IdempotencyKey("job-1", 2) || a == IdempotencyKey("job-2", 1) {
		t.Error("keys collide")
	}
}
