package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
	"github.com/throw-if-null/argon/internal/driver"
	"github.com/throw-if-null/argon/internal/planner"
	"github.com/throw-if-null/argon/internal/safety"
)

// work is the single worker of one task.
func (o *Orchestrator) work(ctx context.Context, r *run) {
	defer o.wg.Done()
	id := r.task.TaskID
	defer func() {
		r.cancel(nil)
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.Start(ctx, "argon.task", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.priority", string(r.task.Request.Prompt.Priority)),
	))
	defer span.End()

	started := time.Now().UTC()
	if !o.mutate(r, func(t *api.Task) {
		r.span = span
		t.StartedAt = &started
		t.Phase = api.PhaseSafety
	}) {
		return
	}

	drv, closeSession, err := o.openSession(ctx, id)
	if err == nil {
		defer closeSession()
		err = o.process(ctx, r, drv)
	}
	if err == nil || errors.Is(err, errStopped) {
		return
	}
	if ctx.Err() != nil {
		if err = interruption(ctx); err == nil {
			return
		}
	}
	var te *taskError
	if !errors.As(err, &te) {
		te = fail(api.ErrCodeInterrupted, err.Error())
	}
	span.RecordError(te)
	span.SetStatus(codes.Error, te.code)
	if o.mutate(r, func(t *api.Task) { finalize(t, api.StatusFailed, te.code, te.detail) }) {
		log.Printf("orchestrator: task %s: failed (%s): %s", id, te.code, te.detail)
	}
}

// interruption maps the cause of a finished task context to the failure to
// record. A user cancel has already been recorded and yields nil.
func interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errCancelled):
		return nil
	case errors.Is(cause, errDeadline):
		return fail(api.ErrCodeTimeout, "task exceeded its deadline")
	default:
		return fail(api.ErrCodeInterrupted, "argon shut down while the task was active")
	}
}

// openSession gives the task its own driver session so concurrent tasks
// never share page state.
func (o *Orchestrator) openSession(ctx context.Context, id string) (driver.Driver, func(), error) {
	if o.sessions == nil {
		return o.driver, func() {}, nil
	}
	s, err := o.sessions.Open(ctx, id)
	if err != nil {
		return nil, nil, fail(api.ErrCodeStepFailed, "open driver session: "+err.Error())
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Printf("orchestrator: task %s: close driver session: %v", id, err)
		}
	}, nil
}

func (o *Orchestrator) process(ctx context.Context, r *run, drv driver.Driver) error {
	id := r.task.TaskID
	req := r.task.Request

	if err := o.screenPrompt(ctx, r, req.Prompt); err != nil {
		return err
	}
	if !o.mutate(r, func(t *api.Task) {
		t.Status = api.StatusProcessing
		t.Phase = api.PhasePlanning
	}) {
		return errStopped
	}

	obs := o.observeForTask(ctx, drv, id)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !o.mutate(r, func(t *api.Task) { t.Observation = obs.Clone() }) {
		return errStopped
	}

	plan, err := o.plan(ctx, planner.Input{
		TaskID:          id,
		Prompt:          req.Prompt,
		TargetSurfaces:  req.TargetSurfaces,
		ExpectedOutputs: req.ExpectedOutputs,
		Observation:     obs,
	})
	if err != nil {
		return err
	}
	if d := o.safety.CheckPlan(id, plan, r.prefs); d.Verdict == safety.Deny {
		return fail(api.ErrCodeUnsafePlan, d.Reason)
	}

	plan.Status = api.PlanExecuting
	if !o.mutate(r, func(t *api.Task) {
		t.Plan = plan.Clone()
		t.Status = api.StatusExecuting
		t.Phase = api.PhaseExecuting
	}) {
		return errStopped
	}
	log.Printf("orchestrator: task %s: executing plan %s (%d steps)", id, plan.ID, len(plan.Steps))

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.screenStep(ctx, r, step); err != nil {
			return err
		}
		res := o.runStep(ctx, drv, step, i)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.mutate(r, func(t *api.Task) {
			t.Results = append(t.Results, res)
			if res.ObservationAfter != nil {
				t.Observation = res.ObservationAfter.Clone()
			}
		}) {
			return errStopped
		}
		if !res.Success {
			if !step.NonCritical {
				return fail(api.ErrCodeStepFailed, fmt.Sprintf("step %s (%s) failed: %s", step.ID, step.Kind, res.Error))
			}
			log.Printf("orchestrator: task %s: non-critical step %s failed, continuing: %s", id, step.ID, res.Error)
		}
	}

	if o.mutate(r, func(t *api.Task) {
		t.FinalObservation = t.Observation.Clone()
		finalize(t, api.StatusCompleted, "", "")
	}) {
		log.Printf("orchestrator: task %s: completed", id)
	}
	return nil
}

// screenPrompt runs the prompt through the safety validator, parking the
// task until a decision arrives when confirmation is needed.
func (o *Orchestrator) screenPrompt(ctx context.Context, r *run, p api.Prompt) error {
	_, span := o.tracer.Start(ctx, "argon.safety.prompt")
	d := o.safety.CheckPrompt(r.task.TaskID, p, r.prefs)
	span.SetAttributes(attribute.String("safety.verdict", string(d.Verdict)))
	span.End()

	switch d.Verdict {
	case safety.Deny:
		return fail(api.ErrCodePromptRejected, d.Reason)
	case safety.Confirm:
		ok, err := o.await(ctx, r, "", d.Reason, api.PhaseSafety)
		if err != nil {
			return err
		}
		if !ok {
			return fail(api.ErrCodePromptRejected, "rejected by user: "+d.Reason)
		}
	}
	return nil
}

func (o *Orchestrator) screenStep(ctx context.Context, r *run, step api.Step) error {
	d := o.safety.CheckStep(r.task.TaskID, step, r.prefs)
	switch d.Verdict {
	case safety.Deny:
		return fail(api.ErrCodeUnsafeStep, fmt.Sprintf("step %s: %s", step.ID, d.Reason))
	case safety.Confirm:
		ok, err := o.await(ctx, r, step.ID, d.Reason, api.PhaseExecuting)
		if err != nil {
			return err
		}
		if !ok {
			return fail(api.ErrCodeUnsafeStep, fmt.Sprintf("step %s rejected by user: %s", step.ID, d.Reason))
		}
	}
	return nil
}

// await parks the task in awaiting_confirmation until Approve, Reject or the
// end of ctx. On a decision the task moves back to resume.
func (o *Orchestrator) await(ctx context.Context, r *run, stepID, reason, resume string) (bool, error) {
	ch := make(chan bool, 1)
	if !o.mutate(r, func(t *api.Task) {
		r.approval = ch
		t.Phase = api.PhaseAwaitingConfirmation
		t.PendingStepID = stepID
		t.ConfirmationReason = reason
	}) {
		return false, errStopped
	}
	log.Printf("orchestrator: task %s: awaiting confirmation: %s", r.task.TaskID, reason)

	select {
	case ok := <-ch:
		if !o.mutate(r, func(t *api.Task) {
			t.Phase = resume
			t.PendingStepID = ""
			t.ConfirmationReason = ""
		}) {
			return false, errStopped
		}
		return ok, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.approval = nil
		r.mu.Unlock()
		return false, ctx.Err()
	}
}

// plan asks the planner for a plan, retrying once after a backoff when the
// first attempt fails with a transient error or times out.
func (o *Orchestrator) plan(ctx context.Context, in planner.Input) (*api.Plan, error) {
	var last error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 && !sleep(ctx, o.backoff(attempt)) {
			return nil, ctx.Err()
		}
		plan, err := o.planOnce(ctx, in, attempt)
		if err == nil {
			return plan, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		last = err
		if !callerr.IsRetryable(err, callerr.Transient, callerr.Timeout) {
			break
		}
		log.Printf("orchestrator: task %s: planning attempt %d failed: %v", in.TaskID, attempt, err)
	}
	return nil, fail(api.ErrCodePlanningFailed, last.Error())
}

func (o *Orchestrator) planOnce(ctx context.Context, in planner.Input, attempt int) (*api.Plan, error) {
	ctx, span := o.tracer.Start(ctx, "argon.plan", trace.WithAttributes(attribute.Int("attempt", attempt)))
	defer span.End()
	if o.planner == nil {
		return nil, callerr.Permanentf("plan", "no planner configured")
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PlanningTimeout())
	defer cancel()
	plan, err := o.planner.Plan(pctx, in)
	if err == nil && plan == nil {
		err = callerr.Permanentf("plan", "planner returned no plan")
	}
	if err == nil {
		err = planner.CheckSteps(plan.Steps)
	}
	if err != nil {
		err = callerr.Wrap("plan", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(callerr.KindOf(err)))
		return nil, err
	}
	plan = plan.Clone()
	plan.TaskID = in.TaskID
	if plan.Steps == nil {
		plan.Steps = []api.Step{}
	}
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))
	return plan, nil
}

// observeForTask captures the pre-planning observation. A failing driver
// yields a placeholder so planning can still proceed.
func (o *Orchestrator) observeForTask(ctx context.Context, drv driver.Driver, id string) *api.Observation {
	obs, err := o.observe(ctx, drv)
	if err == nil {
		return obs
	}
	if ctx.Err() == nil {
		log.Printf("orchestrator: task %s: observe failed: %v", id, err)
	}
	return &api.Observation{
		Location:  "about:blank",
		Label:     "unavailable",
		Extra:     map[string]any{"observe_error": err.Error()},
		Timestamp: time.Now().UTC(),
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBackoff() << (attempt - 2)
	if max := o.cfg.RetryBackoffMax(); max > 0 && d > max {
		d = max
	}
	return d
}

// sleep waits for d or the end of ctx, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
