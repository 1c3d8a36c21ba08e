package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
	"github.com/throw-if-null/argon/internal/driver"
	"github.com/throw-if-null/argon/internal/safety"
)

// ExecuteStep runs one step outside any task, for manual use. The step is
// screened with default preferences; a step that needs confirmation runs
// only when confirm is set. Driver failures come back as an unsuccessful
// StepResult, not an error.
func (o *Orchestrator) ExecuteStep(ctx context.Context, step api.Step, confirm bool) (api.StepResult, error) {
	if step.ID == "" {
		step.ID = "manual-" + uuid.NewString()[:8]
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if err := step.Validate(); err != nil {
		return api.StepResult{}, err
	}
	d := o.safety.CheckStep("", step, safety.DefaultPreferences())
	switch {
	case d.Verdict == safety.Deny:
		return api.StepResult{}, fmt.Errorf("%s: %w", d.Reason, ErrUnsafe)
	case d.Verdict == safety.Confirm && !confirm:
		return api.StepResult{}, fmt.Errorf("%s: %w", d.Reason, ErrConfirmationRequired)
	}
	return o.runStep(ctx, o.driver, step, -1), nil
}

// Observe captures the current state of the surface without touching any
// task.
func (o *Orchestrator) Observe(ctx context.Context) (*api.Observation, error) {
	return o.observe(ctx, o.driver)
}

func (o *Orchestrator) observe(ctx context.Context, drv driver.Driver) (*api.Observation, error) {
	ctx, span := o.tracer.Start(ctx, "argon.observe")
	defer span.End()
	if drv == nil {
		return nil, callerr.Permanentf("observe", "no driver configured")
	}
	octx, cancel := context.WithTimeout(ctx, o.cfg.ObserveTimeout())
	defer cancel()
	obs, err := drv.Observe(octx)
	if err == nil && obs == nil {
		err = callerr.Permanentf("observe", "driver returned no observation")
	}
	if err != nil {
		err = callerr.Wrap("observe", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(callerr.KindOf(err)))
		return nil, err
	}
	return obs, nil
}

// runStep executes step under its timeout, retrying once when the driver
// reports a transient failure, and captures the observation that follows.
func (o *Orchestrator) runStep(ctx context.Context, drv driver.Driver, step api.Step, index int) api.StepResult {
	attrs := []attribute.KeyValue{
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
	}
	if index >= 0 {
		attrs = append(attrs, attribute.Int("step.index", index))
	}
	ctx, span := o.tracer.Start(ctx, "argon.step", trace.WithAttributes(attrs...))
	defer span.End()

	timeout := step.Timeout(o.cfg.DefaultStepTimeout())
	if max := o.cfg.MaxStepTimeout(); max > 0 && timeout > max {
		timeout = max
	}

	start := time.Now()
	var (
		out driver.Outcome
		err error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 && !sleep(ctx, o.backoff(attempt)) {
			break
		}
		out, err = o.execute(ctx, drv, step, timeout)
		if err == nil || ctx.Err() != nil || callerr.KindOf(err) != callerr.Transient {
			break
		}
		if attempt == 1 {
			log.Printf("orchestrator: step %s: transient failure, retrying: %v", step.ID, err)
		}
	}

	res := api.StepResult{
		StepID:          step.ID,
		Success:         err == nil,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(callerr.KindOf(err)))
	} else {
		res.Result = out.Result
	}

	obs := out.Observation
	if obs == nil && ctx.Err() == nil {
		if fresh, oerr := o.observe(ctx, drv); oerr == nil {
			obs = fresh
		} else {
			log.Printf("orchestrator: step %s: observe after step: %v", step.ID, oerr)
		}
	}
	res.ObservationAfter = obs
	res.Timestamp = time.Now().UTC()
	return res
}

func (o *Orchestrator) execute(ctx context.Context, drv driver.Driver, step api.Step, timeout time.Duration) (driver.Outcome, error) {
	if drv == nil {
		return driver.Outcome{}, callerr.Permanentf("execute", "no driver configured")
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := drv.Execute(sctx, step)
	return out, callerr.Wrap("execute "+step.ID, err)
}
