package monitoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"hpc-bridge/core/backoff"
	"hpc-bridge/core/bridge"
	"hpc-bridge/core/common"
	"hpc-bridge/core/models"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/resource_manager"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(io.Discard)
}

var errFlaky = common.NewError(common.KindBridgeTransient, "", nil, "connection reset")

// fakeBridge treats the idempotency key as the identity of a remote execution
type fakeBridge struct {
	mu         sync.Mutex
	executions map[string]string // request id -> job id
	dispatches int
	// ambiguous makes the next n dispatches start the run but report a transient error
	ambiguous   int
	dispatchErr error

	script    map[string][]models.PollResult
	pollErr   map[string]error
	pollCalls map[string]int

	logs   map[string][]byte
	logErr error

	cancels      int
	cancelResult bridge.CancelResult
	onCancel     func()
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		executions: map[string]string{},
		script:     map[string][]models.PollResult{},
		pollErr:    map[string]error{},
		pollCalls:  map[string]int{},
		logs:       map[string][]byte{},
	}
}

func (f *fakeBridge) Dispatch(_ context.Context, req bridge.DispatchRequest) (models.DispatchHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return models.DispatchHandle{}, f.dispatchErr
	}
	key := bridge.IdempotencyKey(req.JobID, req.Attempt)
	if _, ok := f.executions[key]; !ok {
		f.executions[key] = req.JobID
		f.dispatches++
	}
	if f.ambiguous > 0 {
		f.ambiguous--
		return models.DispatchHandle{}, errFlaky
	}
	return models.DispatchHandle{RequestID: key, Attempt: req.Attempt}, nil
}

func (f *fakeBridge) Poll(_ context.Context, h models.DispatchHandle) (models.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.executions[h.RequestID]
	f.pollCalls[job]++
	if err := f.pollErr[job]; err != nil {
		return models.PollResult{}, err
	}
	script := f.script[job]
	if len(script) == 0 {
		return models.PollResult{State: models.PollPending}, nil
	}
	res := script[0]
	if len(script) > 1 {
		f.script[job] = script[1:]
	}
	return res, nil
}

func (f *fakeBridge) FetchLog(_ context.Context, h models.DispatchHandle, from int64) (models.LogChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logErr != nil {
		return models.LogChunk{}, f.logErr
	}
	data := f.logs[f.executions[h.RequestID]]
	if int64(len(data)) <= from {
		return models.LogChunk{Offset: from}, nil
	}
	return models.LogChunk{Offset: from, Data: data[from:]}, nil
}

func (f *fakeBridge) Cancel(_ context.Context, h models.DispatchHandle) (bridge.CancelResult, error) {
	f.mu.Lock()
	f.cancels++
	hook := f.onCancel
	res := f.cancelResult
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, nil
}

func (f *fakeBridge) setScript(job string, results ...models.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[job] = results
}

func (f *fakeBridge) polls(job string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls[job]
}

var (
	pending   = models.PollResult{State: models.PollPending}
	running   = models.PollResult{State: models.PollRunning}
	unknown   = models.PollResult{State: models.PollUnknown}
	succeeded = models.PollResult{State: models.PollSucceeded}
)

func failed(code int) models.PollResult {
	return models.PollResult{State: models.PollFailed, ExitCode: code}
}

type fixture struct {
	ctrl   *Controller
	bridge *fakeBridge
	cache  *repository.JobCache
	clock  *backoff.ManualClock
	events *repository.MemoryEventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache, err := repository.NewJobCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	catalog := resource_manager.StaticCatalog{
		{ID: "lcg-h100", Name: "H100 pool", GPUType: "H100", GPUsPerNode: 4, TotalNodes: 1, ReadyNodes: 1, FreeNodes: 1},
	}
	opts := DefaultOptions()
	opts.Retry = backoff.Policy{Base: time.Second, Max: 4 * time.Second, MaxRetries: 3}
	opts.Defaults.Image = "pytorch:latest"

	fb := newFakeBridge()
	events := repository.NewMemoryEventRecorder()
	clock := backoff.NewManualClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ctrl := NewController(resource_manager.NewResolver(catalog, time.Minute), fb, cache, events, opts).WithClock(clock)

	n := 0
	ctrl.newID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return &fixture{ctrl: ctrl, bridge: fb, cache: cache, clock: clock, events: events}
}

func (fx *fixture) submit(t *testing.T, name string) models.CacheEntry {
	t.Helper()
	entry, err := fx.ctrl.Submit(context.Background(), models.SubmitRequest{
		Name: name, Resource: "1xH100", Command: "python train.py",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return entry
}

func TestSubmitPollToTerminal(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	entry := fx.submit(t, "train")
	if entry.Status != models.JobStatusDispatching {
		t.Fatalf("status = %s, want dispatching", entry.Status)
	}
	if entry.Resource.GroupID != "lcg-h100" || entry.Resource.Count != 1 {
		t.Errorf("resource = %+v", entry.Resource)
	}
	if entry.Priority != 8 || entry.Image != "pytorch:latest" {
		t.Errorf("defaults not applied: %+v", entry.Job)
	}

	fx.bridge.setScript(entry.ID, running, models.PollResult{State: models.PollSucceeded, ExitCode: 0})

	got, err := fx.ctrl.Refresh(ctx, entry.ID)
	if err != nil || got.Status != models.JobStatusRunning {
		t.Fatalf("first poll: %s, %v", got.Status, err)
	}
	got, err = fx.ctrl.Refresh(ctx, entry.ID)
	if err != nil || got.Status != models.JobStatusSucceeded {
		t.Fatalf("second poll: %s, %v", got.Status, err)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v", got.ExitCode)
	}

	fx.bridge.setScript(entry.ID, failed(3))
	got, err = fx.ctrl.Refresh(ctx, entry.ID)
	if err != nil || got.Status != models.JobStatusSucceeded {
		t.Fatalf("poll after terminal: %s, %v", got.Status, err)
	}
	if fx.bridge.polls(entry.ID) != 2 {
		t.Errorf("terminal job was polled again: %d polls", fx.bridge.polls(entry.ID))
	}

	events, _ := fx.ctrl.Events(ctx, entry.ID, 0)
	if len(events) != 3 || events[0].ToStatus != models.JobStatusSucceeded || events[2].ToStatus != models.JobStatusDispatching {
		t.Errorf("events = %+v", events)
	}
}

func TestSubmitFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ctrl.Submit(ctx, models.SubmitRequest{Name: "x", Resource: "4xA100", Command: "true"})
	if !common.IsKind(err, common.KindResolution) {
		t.Errorf("unknown type: err = %v", err)
	}
	_, err = fx.ctrl.Submit(ctx, models.SubmitRequest{Name: "x", Resource: "8xH100", Command: "true"})
	if !common.IsKind(err, common.KindResolution) {
		t.Errorf("oversized request: err = %v", err)
	}

	fx.bridge.dispatchErr = common.NewError(common.KindDispatchRejected, "", nil, "HTTP 401")
	_, err = fx.ctrl.Submit(ctx, models.SubmitRequest{Name: "x", Resource: "H100", Command: "true"})
	if !common.IsKind(err, common.KindDispatchRejected) {
		t.Errorf("rejected: err = %v", err)
	}
	if len(fx.clock.Sleeps()) != 0 {
		t.Errorf("rejection was retried: %v", fx.clock.Sleeps())
	}

	jobs, _ := fx.ctrl.List(repository.ListFilter{})
	if len(jobs) != 0 {
		t.Errorf("failed submissions left %d cached jobs", len(jobs))
	}
}

func TestSubmitRetryDoesNotDuplicateExecution(t *testing.T) {
	fx := newFixture(t)
	fx.bridge.ambiguous = 2

	entry := fx.submit(t, "train")
	if fx.bridge.dispatches != 1 {
		t.Errorf("remote executions = %d, want 1", fx.bridge.dispatches)
	}
	if entry.Handle.RequestID != bridge.IdempotencyKey(entry.ID, 1) {
		t.Errorf("handle = %+v", entry.Handle)
	}
	if len(fx.clock.Sleeps()) != 2 {
		t.Errorf("sleeps = %v, want 2 backoff delays", fx.clock.Sleeps())
	}
}

func TestWaitIsResumable(t *testing.T) {
	fx := newFixture(t)
	entry := fx.submit(t, "train")
	fx.bridge.setScript(entry.ID, pending, running, running, succeeded)

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	fx.clock.OnSleep = func(time.Duration) {
		sleeps++
		if sleeps == 2 {
			cancel()
		}
	}
	_, err := fx.ctrl.Wait(ctx, entry.ID, 10*time.Second, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted wait: err = %v", err)
	}

	cached, _ := fx.ctrl.Get(entry.ID)
	if cached.Status != models.JobStatusRunning {
		t.Fatalf("committed status = %s, want running", cached.Status)
	}

	fx.clock.OnSleep = nil
	got, err := fx.ctrl.Wait(context.Background(), entry.ID, 10*time.Second, time.Hour)
	if err != nil || got.Status != models.JobStatusSucceeded {
		t.Fatalf("resumed wait: %s, %v", got.Status, err)
	}
	if fx.bridge.dispatches != 1 {
		t.Errorf("resume re-dispatched: %d executions", fx.bridge.dispatches)
	}
	if fx.bridge.polls(entry.ID) != 4 {
		t.Errorf("polls = %d, want 4", fx.bridge.polls(entry.ID))
	}
}

func TestWaitTimeout(t *testing.T) {
	fx := newFixture(t)
	entry := fx.submit(t, "train")
	fx.bridge.setScript(entry.ID, running)

	got, err := fx.ctrl.Wait(context.Background(), entry.ID, 10*time.Second, 25*time.Second)
	if !errors.Is(err, common.ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if got.Status != models.JobStatusRunning {
		t.Errorf("status = %s", got.Status)
	}
	want := []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}
	if s := fx.clock.Sleeps(); fmt.Sprint(s) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", s, want)
	}
}

func TestWaitSurfacesBridgeUnreachable(t *testing.T) {
	fx := newFixture(t)
	entry := fx.submit(t, "train")
	fx.bridge.pollErr[entry.ID] = errFlaky

	got, err := fx.ctrl.Wait(context.Background(), entry.ID, 10*time.Second, time.Hour)
	if !common.IsKind(err, common.KindBridgeUnreachable) {
		t.Fatalf("err = %v, want BridgeUnreachable", err)
	}
	if got.Status.IsTerminal() {
		t.Errorf("unreachable bridge marked job %s", got.Status)
	}
	if fx.bridge.polls(entry.ID) != 4 {
		t.Errorf("polls = %d, want 1 + 3 retries", fx.bridge.polls(entry.ID))
	}
	if got.RetryCount != 1 || got.UnreachableSince == nil {
		t.Errorf("bookkeeping = retry %d, since %v", got.RetryCount, got.UnreachableSince)
	}
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	fx := newFixture(t)
	a := fx.submit(t, "healthy")
	b := fx.submit(t, "broken")
	done := fx.submit(t, "done")

	fx.bridge.setScript(done.ID, succeeded)
	if _, err := fx.ctrl.Refresh(context.Background(), done.ID); err != nil {
		t.Fatal(err)
	}
	fx.bridge.setScript(a.ID, running)
	fx.bridge.pollErr[b.ID] = errFlaky

	res, err := fx.ctrl.RefreshAll(context.Background(), repository.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Jobs) != 2 {
		t.Fatalf("refreshed %d jobs, want the 2 non-terminal ones", len(res.Jobs))
	}
	if len(res.Errors) != 1 || !common.IsKind(res.Errors[b.ID], common.KindBridgeUnreachable) {
		t.Errorf("errors = %v", res.Errors)
	}

	gotA, _ := fx.ctrl.Get(a.ID)
	gotB, _ := fx.ctrl.Get(b.ID)
	if gotA.Status != models.JobStatusRunning {
		t.Errorf("A = %s, want running", gotA.Status)
	}
	if gotB.Status != models.JobStatusDispatching {
		t.Errorf("B = %s, want unchanged", gotB.Status)
	}
	if fx.bridge.polls(done.ID) != 1 {
		t.Errorf("terminal job polled during bulk refresh")
	}
}

func TestUnreachableGrace(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.submit(t, "train")

	fx.bridge.setScript(entry.ID, running)
	fx.ctrl.Refresh(ctx, entry.ID)

	fx.bridge.setScript(entry.ID, unknown)
	got, _ := fx.ctrl.Refresh(ctx, entry.ID)
	if got.Status != models.JobStatusRunning || got.UnreachableSince == nil {
		t.Fatalf("within grace: %s since %v", got.Status, got.UnreachableSince)
	}

	fx.clock.Advance(3 * time.Minute)
	got, _ = fx.ctrl.Refresh(ctx, entry.ID)
	if got.Status != models.JobStatusUnreachable || got.PriorStatus != models.JobStatusRunning {
		t.Fatalf("past grace: %s (prior %s)", got.Status, got.PriorStatus)
	}

	fx.bridge.setScript(entry.ID, pending)
	got, _ = fx.ctrl.Refresh(ctx, entry.ID)
	if got.Status != models.JobStatusRunning || got.UnreachableSince != nil || got.PriorStatus != "" {
		t.Fatalf("after recovery: %+v", got)
	}

	fx.bridge.setScript(entry.ID, failed(137))
	got, _ = fx.ctrl.Refresh(ctx, entry.ID)
	if got.Status != models.JobStatusFailed || *got.ExitCode != 137 {
		t.Errorf("final = %s %v", got.Status, got.ExitCode)
	}
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		fx := newFixture(t)
		entry := fx.submit(t, "train")
		got, err := fx.ctrl.Stop(ctx, entry.ID)
		if err != nil || got.Status != models.JobStatusStopped {
			t.Fatalf("Stop: %s, %v", got.Status, err)
		}
		again, err := fx.ctrl.Stop(ctx, entry.ID)
		if err != nil || again.Status != models.JobStatusStopped || fx.bridge.cancels != 1 {
			t.Errorf("second stop: %s, %v, cancels %d", again.Status, err, fx.bridge.cancels)
		}
	})

	t.Run("remote already finished", func(t *testing.T) {
		fx := newFixture(t)
		entry := fx.submit(t, "train")
		fx.bridge.cancelResult = bridge.CancelAlreadyFinished
		fx.bridge.setScript(entry.ID, succeeded)

		got, err := fx.ctrl.Stop(ctx, entry.ID)
		if err != nil || got.Status != models.JobStatusSucceeded {
			t.Fatalf("Stop: %s, %v", got.Status, err)
		}
	})

	t.Run("concurrent poll commits terminal first", func(t *testing.T) {
		fx := newFixture(t)
		entry := fx.submit(t, "train")
		fx.bridge.setScript(entry.ID, succeeded)
		fx.bridge.onCancel = func() {
			if _, err := fx.ctrl.Refresh(ctx, entry.ID); err != nil {
				t.Errorf("concurrent refresh: %v", err)
			}
		}

		got, err := fx.ctrl.Stop(ctx, entry.ID)
		if err != nil || got.Status != models.JobStatusSucceeded {
			t.Fatalf("Stop: %s, %v; a committed success must win", got.Status, err)
		}
		events, _ := fx.ctrl.Events(ctx, entry.ID, 0)
		for _, e := range events {
			if e.ToStatus == models.JobStatusStopped {
				t.Errorf("stopped event recorded after success: %+v", e)
			}
		}
	})
}

func TestFetchLogs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	entry := fx.submit(t, "train")

	fx.bridge.logErr = errFlaky
	res, err := fx.ctrl.FetchLogs(ctx, entry.ID, 0, false)
	if err != nil || res.Fetched || len(res.Data) != 0 {
		t.Fatalf("cold start: %+v, %v", res, err)
	}

	fx.bridge.logErr = nil
	fx.bridge.logs[entry.ID] = []byte("step 1\nstep 2\n")
	res, err = fx.ctrl.FetchLogs(ctx, entry.ID, 0, false)
	if err != nil || string(res.Data) != "step 1\nstep 2\n" {
		t.Fatalf("first chunk: %q, %v", res.Data, err)
	}

	fx.bridge.logs[entry.ID] = []byte("step 1\nstep 2\nstep 3\n")
	res, err = fx.ctrl.FetchLogs(ctx, entry.ID, 2, false)
	if err != nil || string(res.Data) != "step 2\nstep 3\n" || res.Offset != 21 {
		t.Fatalf("tail: %q (offset %d), %v", res.Data, res.Offset, err)
	}

	fx.bridge.logErr = errFlaky
	if _, err := fx.ctrl.FetchLogs(ctx, entry.ID, 0, false); !common.IsKind(err, common.KindBridgeUnreachable) {
		t.Errorf("later fetch failure: err = %v", err)
	}

	fx.bridge.logErr = nil
	res, err = fx.ctrl.FetchLogs(ctx, entry.ID, 0, true)
	if err != nil || string(res.Data) != "step 1\nstep 2\nstep 3\n" {
		t.Errorf("reset fetch: %q, %v", res.Data, err)
	}
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"a\nb\nc\n", 2, "b\nc\n"},
		{"a\nb\nc", 5, "a\nb\nc\n"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := string(tailLines([]byte(tt.in), tt.n)); got != tt.want {
			t.Errorf("tailLines(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
