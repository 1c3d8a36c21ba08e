package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/broadcast"
	"github.com/throw-if-null/argon/internal/config"
	"github.com/throw-if-null/argon/internal/driver"
	"github.com/throw-if-null/argon/internal/planner"
	"github.com/throw-if-null/argon/internal/safety"
	"github.com/throw-if-null/argon/internal/store"
)

type fakePlanner struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in planner.Input) (*api.Plan, error)
}

func (p *fakePlanner) Plan(ctx context.Context, in planner.Input) (*api.Plan, error) {
	p.calls.Add(1)
	return p.fn(ctx, in)
}

// staticPlanner returns the same steps for every task.
func staticPlanner(steps ...api.Step) *fakePlanner {
	return &fakePlanner{fn: func(_ context.Context, in planner.Input) (*api.Plan, error) {
		return &api.Plan{ID: "plan-" + in.TaskID, TaskID: in.TaskID, Steps: steps, Status: api.PlanPending, CreatedAt: time.Now()}, nil
	}}
}

type fakeDriver struct {
	mu       sync.Mutex
	executed []string
	observed int
	exec     func(ctx context.Context, step api.Step) (driver.Outcome, error)
	observe  func(ctx context.Context) (*api.Observation, error)
}

func (d *fakeDriver) Execute(ctx context.Context, step api.Step) (driver.Outcome, error) {
	d.mu.Lock()
	d.executed = append(d.executed, step.ID)
	d.mu.Unlock()
	if d.exec != nil {
		return d.exec(ctx, step)
	}
	return driver.Outcome{Result: "ok " + step.ID}, nil
}

func (d *fakeDriver) Observe(ctx context.Context) (*api.Observation, error) {
	d.mu.Lock()
	d.observed++
	n := d.observed
	d.mu.Unlock()
	if d.observe != nil {
		return d.observe(ctx)
	}
	return &api.Observation{
		Location:      "https://example.com/",
		Label:         fmt.Sprintf("obs-%d", n),
		ContentDigest: "Page: Example at https://example.com/",
		Viewport:      api.Viewport{Width: 1280, Height: 720},
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (d *fakeDriver) executions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

func extractStep(id string) api.Step {
	return api.Step{ID: id, Kind: api.KindExtract, Target: &api.Selector{Kind: "css", Value: "h1"}}
}

type harness struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	events *broadcast.Hub
}

type harnessOption func(*Options)

func withTracer(tr trace.Tracer) harnessOption {
	return func(o *Options) { o.Tracer = tr }
}

func withSafety(cfg config.SafetyConfig) harnessOption {
	return func(o *Options) { o.Safety = safety.New(cfg, nil) }
}

func withSessions(s driver.Sessions) harnessOption {
	return func(o *Options) { o.Sessions = s }
}

func withConfig(fn func(*config.OrchestratorConfig)) harnessOption {
	return func(o *Options) { fn(&o.Config) }
}

func newHarness(t *testing.T, p planner.Planner, d driver.Driver, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Default().Orchestrator
	cfg.RetryBackoffMS = 1
	cfg.RetryBackoffMaxMS = 5
	h := &harness{store: store.NewMemory(), events: broadcast.NewHub()}
	o := Options{
		Store:   h.store,
		Planner: p,
		Driver:  d,
		Safety:  safety.New(config.Default().Safety, nil),
		Events:  h.events,
		Config:  cfg,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.orch = New(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
		h.events.Close()
	})
	return h
}

func (h *harness) submit(t *testing.T, text string) string {
	t.Helper()
	id, err := h.orch.Submit(api.SubmitTaskRequest{Prompt: api.Prompt{Text: text}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

// waitFor polls the task until cond holds or the deadline passes.
func (h *harness) waitFor(t *testing.T, id string, cond func(*api.Task) bool) *api.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := h.orch.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if cond(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting on task %s: status=%s phase=%s error=%s", id, task.Status, task.Phase, task.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) *api.Task {
	t.Helper()
	return h.waitFor(t, id, func(task *api.Task) bool { return task.Status.Terminal() })
}

func awaiting(task *api.Task) bool {
	return task.Phase == api.PhaseAwaitingConfirmation
}
