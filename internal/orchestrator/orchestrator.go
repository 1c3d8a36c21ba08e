// Package orchestrator drives each submitted task through safety screening,
// planning and step-by-step actuation. Every task gets its own worker
// goroutine; the task store is the only state shared between them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/config"
	"github.com/throw-if-null/argon/internal/driver"
	"github.com/throw-if-null/argon/internal/paths"
	"github.com/throw-if-null/argon/internal/planner"
	"github.com/throw-if-null/argon/internal/safety"
	"github.com/throw-if-null/argon/internal/store"
)

// Store is the subset of the task store the orchestrator writes through.
type Store interface {
	Create(*api.Task) error
	Update(*api.Task) error
	Get(id string) (*api.Task, error)
	List(limit int) ([]*api.Task, error)
}

// Publisher receives a snapshot after every task mutation. Publish must not
// block and must not retain t.
type Publisher interface {
	Publish(t *api.Task)
}

type Options struct {
	Store   Store
	Planner planner.Planner
	// Driver serves ExecuteStep and Observe. Tasks use it too when
	// Sessions is nil.
	Driver driver.Driver
	// Sessions opens a private driver session per task.
	Sessions driver.Sessions
	Safety   *safety.Validator
	Events   Publisher
	Config   config.OrchestratorConfig
	// Tracer defaults to the global provider's "argon" tracer.
	Tracer trace.Tracer
}

type Orchestrator struct {
	store    Store
	planner  planner.Planner
	driver   driver.Driver
	sessions driver.Sessions
	safety   *safety.Validator
	events   Publisher
	cfg      config.OrchestratorConfig
	tracer   trace.Tracer

	root context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is the worker-owned state of one live task. task is only touched
// under mu.
type run struct {
	mu       sync.Mutex
	task     *api.Task
	prefs    safety.Preferences
	cancel   context.CancelCauseFunc
	approval chan bool
	span     trace.Span
}

type noopPublisher struct{}

func (noopPublisher) Publish(*api.Task) {}

func New(opts Options) *Orchestrator {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.Safety == nil {
		opts.Safety = safety.New(config.Default().Safety, nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("argon")
	}
	root, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:    opts.Store,
		planner:  opts.Planner,
		driver:   opts.Driver,
		sessions: opts.Sessions,
		safety:   opts.Safety,
		events:   opts.Events,
		cfg:      opts.Config,
		tracer:   opts.Tracer,
		root:     root,
		stop:     stop,
		runs:     map[string]*run{},
	}
}

// Submit validates the request, records a pending task and starts its worker.
// It returns as soon as the task is stored; planning and execution happen
// asynchronously. Validation failures wrap api.ErrValidation and create no
// task.
func (o *Orchestrator) Submit(req api.SubmitTaskRequest) (string, error) {
	prompt := req.Prompt
	if err := prompt.Normalize(o.cfg.DefaultPromptTimeout(), o.cfg.MaxPromptTimeout()); err != nil {
		return "", err
	}
	prefs, err := safety.ParsePreferences(req.SafetyPreferences)
	if err != nil {
		return "", err
	}
	id := req.TaskID
	if id != "" {
		if err := paths.ValidateTaskID(id); err != nil {
			return "", fmt.Errorf("%v: %w", err, api.ErrValidation)
		}
	} else {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	task := &api.Task{
		TaskID: id,
		Status: api.StatusPending,
		Phase:  api.PhaseQueued,
		Request: api.TaskRequest{
			ID:                id,
			Prompt:            prompt,
			TargetSurfaces:    append([]string(nil), req.TargetSurfaces...),
			ExpectedOutputs:   append([]string(nil), req.ExpectedOutputs...),
			SafetyPreferences: req.SafetyPreferences,
			CreatedAt:         now,
		},
		Results:   []api.StepResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	if err := o.store.Create(task); err != nil {
		o.mu.Unlock()
		return "", err
	}
	ctx, cancel := context.WithCancelCause(o.root)
	ctx, cancelDeadline := context.WithTimeoutCause(ctx, prompt.Timeout(), errDeadline)
	r := &run{
		task:  task.Clone(),
		prefs: prefs,
		cancel: func(cause error) {
			cancel(cause)
			cancelDeadline()
		},
	}
	o.runs[id] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.events.Publish(task)
	log.Printf("orchestrator: task %s: submitted (priority %s, timeout %s)", id, prompt.Priority, prompt.Timeout())
	go o.work(ctx, r)
	return id, nil
}

// Get returns the latest stored snapshot of a task.
func (o *Orchestrator) Get(id string) (*api.Task, error) {
	t, err := o.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return t, err
}

// List returns task snapshots in submission order. limit > 0 keeps only the
// newest limit tasks.
func (o *Orchestrator) List(limit int) ([]*api.Task, error) {
	return o.store.List(limit)
}

// Cancel marks a live task cancelled and interrupts its worker. It reports
// false for a task that is already terminal.
func (o *Orchestrator) Cancel(id string) (bool, error) {
	r, err := o.lookup(id)
	if err != nil || r == nil {
		return false, err
	}
	r.mu.Lock()
	if r.task.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	finalize(r.task, api.StatusCancelled, api.ErrCodeCancelled, "cancelled by user")
	r.approval = nil
	o.persist(r)
	r.mu.Unlock()

	r.cancel(errCancelled)
	log.Printf("orchestrator: task %s: cancelled", id)
	return true, nil
}

// Approve resumes a task parked in awaiting_confirmation.
func (o *Orchestrator) Approve(id string) error { return o.decide(id, true) }

// Reject fails a task parked in awaiting_confirmation.
func (o *Orchestrator) Reject(id string) error { return o.decide(id, false) }

func (o *Orchestrator) decide(id string, ok bool) error {
	r, err := o.lookup(id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%s: %w", id, ErrNotAwaiting)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approval == nil || r.task.Status.Terminal() {
		return fmt.Errorf("%s: %w", id, ErrNotAwaiting)
	}
	r.approval <- ok
	r.approval = nil
	return nil
}

// lookup returns the live run for id, or nil when the task exists but has no
// worker any more.
func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		return r, nil
	}
	if _, err := o.Get(id); err != nil {
		return nil, err
	}
	return nil, nil
}

// Stats counts stored tasks by outcome. SuccessRate is a percentage.
func (o *Orchestrator) Stats() (api.Stats, error) {
	tasks, err := o.store.List(0)
	if err != nil {
		return api.Stats{}, err
	}
	var s api.Stats
	s.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case api.StatusCompleted:
			s.Completed++
		case api.StatusFailed:
			s.Failed++
		case api.StatusCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total) * 100
	}
	return s, nil
}

// Close stops accepting tasks, interrupts every live worker and waits for
// them to record their final state or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := len(o.runs)
	o.mu.Unlock()

	if live > 0 {
		log.Printf("orchestrator: shutting down, interrupting %d live task(s)", live)
	}
	o.stop(errShutdown)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate applies fn to the live task and persists the result. It reports
// false, without calling fn, once the task is terminal.
func (o *Orchestrator) mutate(r *run, fn func(t *api.Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.Status.Terminal() {
		return false
	}
	fn(r.task)
	o.persist(r)
	return true
}

// persist writes and publishes r.task. Callers hold r.mu.
func (o *Orchestrator) persist(r *run) {
	t := r.task
	t.UpdatedAt = time.Now().UTC()
	if r.span != nil {
		r.span.AddEvent("task.update", trace.WithAttributes(
			attribute.String("task.status", string(t.Status)),
			attribute.String("task.phase", t.Phase),
		))
	}
	if err := o.store.Update(t); err != nil {
		log.Printf("orchestrator: task %s: persist: %v", t.TaskID, err)
	}
	o.events.Publish(t)
}

// finalize moves t to a terminal status in place.
func finalize(t *api.Task, status api.TaskStatus, code, detail string) {
	now := time.Now().UTC()
	t.Status = status
	t.Phase = api.PhaseDone
	t.Error = code
	t.ErrorDetail = detail
	t.PendingStepID = ""
	t.ConfirmationReason = ""
	t.CompletedAt = &now
	if t.StartedAt != nil {
		ms := now.Sub(*t.StartedAt).Milliseconds()
		t.ExecutionTimeMS = &ms
	}
	if t.Plan != nil && !planTerminal(t.Plan.Status) {
		if status == api.StatusCompleted {
			t.Plan.Status = api.PlanCompleted
		} else {
			t.Plan.Status = api.PlanFailed
		}
	}
}

func planTerminal(s api.PlanStatus) bool {
	return s == api.PlanCompleted || s == api.PlanFailed
}
