// Package planner turns a prompt and an observation of the surface into an
// ordered plan of steps.
package planner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
)

// Input is everything a planner may consult.
type Input struct {
	TaskID          string
	Prompt          api.Prompt
	TargetSurfaces  []string
	ExpectedOutputs []string
	Observation     *api.Observation
}

// Planner produces a plan. Errors are classified with callerr.
type Planner interface {
	Plan(ctx context.Context, in Input) (*api.Plan, error)
}

// newPlan assigns ids, timestamps and an estimated duration, and validates
// every step. An invalid step makes the whole output unusable.
func newPlan(taskID, source, reasoning string, steps []api.Step) (*api.Plan, error) {
	now := time.Now().UTC()
	var est int64
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			s.ID = "step-" + strconv.Itoa(i+1)
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		est += estimate(*s)
	}
	if err := CheckSteps(steps); err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []api.Step{}
	}
	return &api.Plan{
		ID:                  uuid.NewString(),
		TaskID:              taskID,
		Steps:               steps,
		EstimatedDurationMS: est,
		Status:              api.PlanPending,
		Reasoning:           reasoning,
		CreatedAt:           now,
		Metadata:            map[string]any{"planner": source},
	}, nil
}

// CheckSteps reports the first invalid step or repeated step id as a
// permanent error.
func CheckSteps(steps []api.Step) error {
	for i, s := range steps {
		if err := s.Validate(); err != nil {
			return callerr.New(callerr.Permanent, "plan", fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	if err := uniqueIDs(steps); err != nil {
		return callerr.New(callerr.Permanent, "plan", err)
	}
	return nil
}

func uniqueIDs(steps []api.Step) error {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// estimate is a coarse per-kind cost in milliseconds.
func estimate(s api.Step) int64 {
	switch s.Kind {
	case api.KindNavigate:
		return 2000
	case api.KindWait:
		ms, _ := strconv.ParseInt(string(s.Value), 10, 64)
		return ms
	case api.KindType:
		return 200 + 20*int64(len(s.Value))
	case api.KindScreenshot:
		return 1000
	default:
		return 500
	}
}
