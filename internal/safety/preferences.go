package safety

import (
	"fmt"
	"strings"

	"github.com/throw-if-null/argon/internal/api"
)

// Preferences are the per-task knobs carried in TaskRequest.safety_preferences.
type Preferences struct {
	RequireConfirmation bool
	AllowedDomains      []string
	BlockedActions      []api.StepKind
	MaxActionCount      int
}

func DefaultPreferences() Preferences {
	return Preferences{RequireConfirmation: true}
}

// ParsePreferences reads the recognised keys from an open map. Unknown keys
// are ignored; recognised keys with the wrong shape are a validation error.
func ParsePreferences(m map[string]any) (Preferences, error) {
	p := DefaultPreferences()
	if v, ok := m["require_confirmation"]; ok {
		b, ok := v.(bool)
		if !ok {
			return p, fmt.Errorf("require_confirmation must be a boolean: %w", api.ErrValidation)
		}
		p.RequireConfirmation = b
	}
	if v, ok := m["allowed_domains"]; ok {
		list, err := stringList("allowed_domains", v)
		if err != nil {
			return p, err
		}
		for _, d := range list {
			p.AllowedDomains = append(p.AllowedDomains, strings.ToLower(strings.TrimSpace(d)))
		}
	}
	if v, ok := m["blocked_actions"]; ok {
		list, err := stringList("blocked_actions", v)
		if err != nil {
			return p, err
		}
		for _, k := range list {
			p.BlockedActions = append(p.BlockedActions, api.StepKind(strings.ToLower(k)))
		}
	}
	if v, ok := m["max_action_count"]; ok {
		n, ok := asInt(v)
		if !ok || n < 0 {
			return p, fmt.Errorf("max_action_count must be a non-negative integer: %w", api.ErrValidation)
		}
		p.MaxActionCount = n
	}
	return p, nil
}

func stringList(key string, v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings: %w", key, api.ErrValidation)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a list of strings: %w", key, api.ErrValidation)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func (p Preferences) blocks(k api.StepKind) bool {
	for _, b := range p.BlockedActions {
		if b == k {
			return true
		}
	}
	return false
}

// allowsHost reports whether host is permitted by AllowedDomains. An empty
// list allows everything; otherwise host must equal an entry or be a
// subdomain of one.
func (p Preferences) allowsHost(host string) bool {
	if len(p.AllowedDomains) == 0 {
		return true
	}
	for _, d := range p.AllowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
