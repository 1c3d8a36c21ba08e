// Package safety gates prompts, plans and steps against a static rule set.
// Every decision is written to an append-only audit log.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/config"
)

type Verdict string

const (
	Allow   Verdict = "allow"
	Deny    Verdict = "deny"
	Confirm Verdict = "confirm"
)

type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Verdict: Allow} }

func deny(format string, args ...any) Decision {
	return Decision{Verdict: Deny, Reason: fmt.Sprintf(format, args...)}
}

func confirm(format string, args ...any) Decision {
	return Decision{Verdict: Confirm, Reason: fmt.Sprintf(format, args...)}
}

// Validator is safe for concurrent use; it holds no per-call state.
type Validator struct {
	enabled         bool
	allowedKinds    map[api.StepKind]bool
	malicious       []string
	blockedDomains  []string
	sensitive       []string
	confirmKeywords []string
	confirmPrompt   []string
	maxSteps        int
	maxPlanDuration time.Duration
	audit           *slog.Logger
}

// New builds a validator from configuration. A nil audit logger discards
// audit records.
func New(cfg config.SafetyConfig, audit *slog.Logger) *Validator {
	if audit == nil {
		audit = slog.New(slog.DiscardHandler)
	}
	v := &Validator{
		enabled:         cfg.Enabled,
		allowedKinds:    map[api.StepKind]bool{},
		malicious:       lower(cfg.MaliciousPatterns),
		blockedDomains:  lower(cfg.BlockedDomains),
		sensitive:       lower(cfg.SensitiveSelectors),
		confirmKeywords: lower(cfg.ConfirmKeywords),
		confirmPrompt:   lower(cfg.ConfirmPromptPatterns),
		maxSteps:        cfg.MaxSteps,
		maxPlanDuration: time.Duration(cfg.MaxPlanDurationSec) * time.Second,
		audit:           audit,
	}
	for _, k := range cfg.AllowedKinds {
		v.allowedKinds[api.StepKind(k)] = true
	}
	return v
}

// CheckPrompt screens the task prompt for malicious intent and for requests
// that need a human to approve before any planning happens.
func (v *Validator) CheckPrompt(taskID string, p api.Prompt, prefs Preferences) Decision {
	d := v.checkPrompt(p, prefs)
	v.record(d, "prompt",
		slog.String("task_id", taskID),
		slog.String("priority", string(p.Priority)),
		slog.String("prompt_excerpt", p.Excerpt(100)),
	)
	return d
}

func (v *Validator) checkPrompt(p api.Prompt, prefs Preferences) Decision {
	if !v.enabled {
		return allow()
	}
	text := strings.ToLower(p.Text)
	if m := firstContained(text, v.malicious); m != "" {
		return deny("prompt contains malicious indicator %q", m)
	}
	if m := firstContained(text, v.blockedDomains); m != "" {
		return deny("prompt references blocked domain %q", m)
	}
	if m := firstContained(text, v.confirmPrompt); m != "" {
		return v.confirmOrWaive(prefs, "prompt requests a high-risk operation (%q)", m)
	}
	return allow()
}

// CheckPlan applies the aggregate limits of a generated plan.
func (v *Validator) CheckPlan(taskID string, plan *api.Plan, prefs Preferences) Decision {
	d := v.checkPlan(plan, prefs)
	v.record(d, "plan",
		slog.String("task_id", taskID),
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Steps)),
	)
	return d
}

func (v *Validator) checkPlan(plan *api.Plan, prefs Preferences) Decision {
	if !v.enabled {
		return allow()
	}
	n := len(plan.Steps)
	if v.maxSteps > 0 && n > v.maxSteps {
		return deny("plan has %d steps, limit is %d", n, v.maxSteps)
	}
	if prefs.MaxActionCount > 0 && n > prefs.MaxActionCount {
		return deny("plan has %d steps, task allows %d", n, prefs.MaxActionCount)
	}
	est := time.Duration(plan.EstimatedDurationMS) * time.Millisecond
	if v.maxPlanDuration > 0 && est > v.maxPlanDuration {
		return deny("estimated duration %s exceeds limit %s", est, v.maxPlanDuration)
	}
	return allow()
}

// CheckStep evaluates one step against the static rules and the task's
// safety preferences.
func (v *Validator) CheckStep(taskID string, s api.Step, prefs Preferences) Decision {
	d := v.checkStep(s, prefs)
	v.record(d, "step",
		slog.String("task_id", taskID),
		slog.String("step_id", s.ID),
		slog.String("step_kind", string(s.Kind)),
	)
	return d
}

func (v *Validator) checkStep(s api.Step, prefs Preferences) Decision {
	if !v.enabled {
		return allow()
	}
	if !v.allowedKinds[s.Kind] {
		return deny("step kind %q is not allowed", s.Kind)
	}
	if prefs.blocks(s.Kind) {
		return deny("step kind %q is blocked for this task", s.Kind)
	}

	var target string
	if s.Target != nil {
		target = strings.ToLower(s.Target.Value + " " + s.Target.Description)
		if m := firstContained(strings.ToLower(s.Target.Value), v.sensitive); m != "" {
			return deny("step targets sensitive element (%q)", m)
		}
	}
	if s.Kind == api.KindType {
		if m := firstContained(strings.ToLower(string(s.Value)), v.sensitive); m != "" {
			return deny("step types sensitive data (%q)", m)
		}
	}
	if s.Kind == api.KindNavigate {
		host := s.Host()
		if m := firstContained(host, v.blockedDomains); m != "" {
			return deny("navigation to blocked domain %q", host)
		}
		if !prefs.allowsHost(host) {
			return deny("navigation to %q is outside allowed domains", host)
		}
	}
	if m := firstContained(target, v.confirmKeywords); m != "" {
		return v.confirmOrWaive(prefs, "step targets a high-risk element (%q)", m)
	}
	return allow()
}

func (v *Validator) confirmOrWaive(prefs Preferences, format string, args ...any) Decision {
	if !prefs.RequireConfirmation {
		return Decision{Verdict: Allow, Reason: "confirmation waived: " + fmt.Sprintf(format, args...)}
	}
	return confirm(format, args...)
}

func (v *Validator) record(d Decision, subject string, attrs ...slog.Attr) {
	level := slog.LevelInfo
	if d.Verdict == Deny {
		level = slog.LevelWarn
	}
	attrs = append(attrs,
		slog.String("subject", subject),
		slog.String("verdict", string(d.Verdict)),
		slog.String("reason", d.Reason),
	)
	v.audit.LogAttrs(context.Background(), level, "safety decision", attrs...)
}

func firstContained(s string, needles []string) string {
	if s == "" {
		return ""
	}
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return n
		}
	}
	return ""
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
