package api

import (
	"maps"
	"slices"
)

// Clone returns a deep copy of the task. Snapshots handed to stores and
// subscribers are clones so that later mutation by the owning worker is never
// visible through them.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Request = t.Request.Clone()
	c.Plan = t.Plan.Clone()
	if t.Results != nil {
		c.Results = make([]StepResult, len(t.Results))
		for i, r := range t.Results {
			c.Results[i] = r.Clone()
		}
	}
	c.Observation = t.Observation.Clone()
	c.FinalObservation = t.FinalObservation.Clone()
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.ExecutionTimeMS = clonePtr(t.ExecutionTimeMS)
	return &c
}

func (r TaskRequest) Clone() TaskRequest {
	r.Prompt.Metadata = maps.Clone(r.Prompt.Metadata)
	r.TargetSurfaces = slices.Clone(r.TargetSurfaces)
	r.ExpectedOutputs = slices.Clone(r.ExpectedOutputs)
	r.SafetyPreferences = maps.Clone(r.SafetyPreferences)
	return r
}

func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	if p.Steps != nil {
		c.Steps = make([]Step, len(p.Steps))
		for i, s := range p.Steps {
			c.Steps[i] = s.Clone()
		}
	}
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

func (s Step) Clone() Step {
	s.Target = clonePtr(s.Target)
	s.Navigate = clonePtr(s.Navigate)
	s.Click = clonePtr(s.Click)
	s.Type = clonePtr(s.Type)
	s.Extract = clonePtr(s.Extract)
	s.Scroll = clonePtr(s.Scroll)
	return s
}

func (r StepResult) Clone() StepResult {
	r.ObservationAfter = r.ObservationAfter.Clone()
	return r
}

func (o *Observation) Clone() *Observation {
	if o == nil {
		return nil
	}
	c := *o
	c.Extra = maps.Clone(o.Extra)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
