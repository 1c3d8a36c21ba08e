package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type StepKind string

const (
	KindNavigate   StepKind = "navigate"
	KindClick      StepKind = "click"
	KindType       StepKind = "type"
	KindExtract    StepKind = "extract"
	KindWait       StepKind = "wait"
	KindScreenshot StepKind = "screenshot"
	KindHover      StepKind = "hover"
	KindScroll     StepKind = "scroll"
)

// StepKinds lists every kind the orchestrator understands.
var StepKinds = []StepKind{KindNavigate, KindClick, KindType, KindExtract, KindWait, KindScreenshot, KindHover, KindScroll}

func (k StepKind) Valid() bool {
	for _, known := range StepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Selector identifies an element on the target surface.
type Selector struct {
	Kind        string `json:"kind"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Scalar is a step value. Oracles emit strings, numbers or booleans; all are
// kept in their textual form.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = Scalar(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*s = Scalar(num.String())
		return nil
	}
	var bl bool
	if err := json.Unmarshal(b, &bl); err == nil {
		*s = Scalar(strconv.FormatBool(bl))
		return nil
	}
	return fmt.Errorf("scalar: unsupported value %s", string(b))
}

func (s Scalar) String() string { return string(s) }

type NavigateArgs struct {
	NewTab bool `json:"new_tab,omitempty"`
}

type ClickArgs struct {
	Button     string `json:"button,omitempty"`
	ClickCount int    `json:"click_count,omitempty"`
}

type TypeArgs struct {
	Clear   bool `json:"clear,omitempty"`
	DelayMS int  `json:"delay_ms,omitempty"`
}

type ExtractArgs struct {
	Attribute string `json:"attribute,omitempty"`
}

type ScrollArgs struct {
	DX int `json:"dx,omitempty"`
	DY int `json:"dy,omitempty"`
}

// Step is one discrete interaction. Kind tags the variant; at most one of the
// typed argument blocks may be set and it must match Kind.
type Step struct {
	ID          string    `json:"id"`
	Kind        StepKind  `json:"kind"`
	Target      *Selector `json:"target,omitempty"`
	Value       Scalar    `json:"value,omitempty"`
	Description string    `json:"description,omitempty"`
	TimeoutMS   int64     `json:"timeout_ms,omitempty"`
	NonCritical bool      `json:"non_critical,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Navigate *NavigateArgs `json:"navigate,omitempty"`
	Click    *ClickArgs    `json:"click,omitempty"`
	Type     *TypeArgs     `json:"type,omitempty"`
	Extract  *ExtractArgs  `json:"extract,omitempty"`
	Scroll   *ScrollArgs   `json:"scroll,omitempty"`
}

// Timeout returns the step timeout, or def when none was requested.
func (s Step) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Validate checks the per-kind requirements of a step.
func (s Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required: %w", ErrValidation)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("step %s: unknown kind %q: %w", s.ID, s.Kind, ErrValidation)
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("step %s: negative timeout: %w", s.ID, ErrValidation)
	}
	if s.Target != nil && strings.TrimSpace(s.Target.Value) == "" {
		return fmt.Errorf("step %s: target has empty value: %w", s.ID, ErrValidation)
	}
	if n := s.argBlocks(); n > 1 {
		return fmt.Errorf("step %s: %d argument blocks set: %w", s.ID, n, ErrValidation)
	}
	if s.Navigate != nil && s.Kind != KindNavigate ||
		s.Click != nil && s.Kind != KindClick ||
		s.Type != nil && s.Kind != KindType ||
		s.Extract != nil && s.Kind != KindExtract ||
		s.Scroll != nil && s.Kind != KindScroll {
		return fmt.Errorf("step %s: arguments do not match kind %s: %w", s.ID, s.Kind, ErrValidation)
	}

	switch s.Kind {
	case KindNavigate:
		u, err := url.Parse(string(s.Value))
		if s.Value == "" || err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("step %s: navigate requires an absolute url value: %w", s.ID, ErrValidation)
		}
	case KindClick, KindExtract, KindHover:
		if s.Target == nil {
			return fmt.Errorf("step %s: %s requires a target: %w", s.ID, s.Kind, ErrValidation)
		}
	case KindType:
		if s.Target == nil || s.Value == "" {
			return fmt.Errorf("step %s: type requires a target and a value: %w", s.ID, ErrValidation)
		}
	case KindWait:
		ms, err := strconv.Atoi(string(s.Value))
		if err != nil || ms <= 0 {
			return fmt.Errorf("step %s: wait requires a positive millisecond value: %w", s.ID, ErrValidation)
		}
	}
	return nil
}

func (s Step) argBlocks() int {
	n := 0
	if s.Navigate != nil {
		n++
	}
	if s.Click != nil {
		n++
	}
	if s.Type != nil {
		n++
	}
	if s.Extract != nil {
		n++
	}
	if s.Scroll != nil {
		n++
	}
	return n
}

// Host returns the lower-cased host of a navigate step's url.
func (s Step) Host() string {
	if s.Kind != KindNavigate {
		return ""
	}
	u, err := url.Parse(string(s.Value))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
