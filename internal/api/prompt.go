package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks a malformed request. Requests failing validation never
// create a task.
var ErrValidation = errors.New("validation error")

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Prompt struct {
	Text       string         `json:"text"`
	Priority   Priority       `json:"priority,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Normalize fills in defaults and validates the prompt. def is used when no
// timeout was given; max bounds an explicit one.
func (p *Prompt) Normalize(def, max time.Duration) error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("prompt text is required: %w", ErrValidation)
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("invalid priority %q: %w", p.Priority, ErrValidation)
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = int(def / time.Second)
	}
	if p.TimeoutSec < 0 {
		return fmt.Errorf("timeout must be positive: %w", ErrValidation)
	}
	if max > 0 && time.Duration(p.TimeoutSec)*time.Second > max {
		return fmt.Errorf("timeout %ds exceeds limit of %s: %w", p.TimeoutSec, max, ErrValidation)
	}
	return nil
}

func (p Prompt) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

// Excerpt returns at most n runes of the prompt text.
func (p Prompt) Excerpt(n int) string {
	r := []rune(p.Text)
	if len(r) <= n {
		return p.Text
	}
	return string(r[:n])
}
