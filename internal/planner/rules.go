package planner

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
)

var (
	urlRe    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	domainRe = regexp.MustCompile(`(?i)\b(?:go to|visit|navigate to|open)\s+((?:[a-z0-9-]+\.)+[a-z]{2,})(/\S*)?`)
	quotedRe = regexp.MustCompile(`["“]([^"”]+)["”]`)
)

const (
	textInputSelector = "input[type=text], input[type=search], textarea"
	submitSelector    = "button[type=submit], input[type=submit]"
)

// RulesPlanner derives steps from keywords in the prompt. It needs no
// external oracle and is the default provider.
type RulesPlanner struct{}

func NewRules() *RulesPlanner { return &RulesPlanner{} }

func (RulesPlanner) Plan(ctx context.Context, in Input) (*api.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Wrap("plan", err)
	}
	text := strings.TrimSpace(in.Prompt.Text)
	lower := strings.ToLower(text)
	if lower == "noop" {
		return newPlan(in.TaskID, "rules", "nothing to do", nil)
	}

	words := newWordSet(lower)
	var steps []api.Step
	var why []string

	if u := navigationTarget(text, in.TargetSurfaces); u != "" {
		steps = append(steps, api.Step{Kind: api.KindNavigate, Value: api.Scalar(u), Description: "Open " + u})
		why = append(why, "navigate to "+u)
	}

	quoted := ""
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		quoted = m[1]
	}

	if (words.has("type", "enter", "fill", "input") || strings.Contains(lower, "search for")) && quoted != "" {
		steps = append(steps, api.Step{
			Kind:        api.KindType,
			Target:      &api.Selector{Kind: "css", Value: textInputSelector, Description: "text field"},
			Value:       api.Scalar(quoted),
			Description: "Type " + quoted,
			Type:        &api.TypeArgs{Clear: true},
		})
		why = append(why, "type the quoted text")
	}

	switch {
	case words.has("click", "press", "tap") && quoted != "" && !hasKind(steps, api.KindType):
		steps = append(steps, api.Step{
			Kind:        api.KindClick,
			Target:      &api.Selector{Kind: "text", Value: quoted, Description: "element labelled " + quoted},
			Description: "Click " + quoted,
		})
		why = append(why, "click the quoted element")
	case words.has("click", "press", "tap", "submit", "search"):
		steps = append(steps, api.Step{
			Kind:        api.KindClick,
			Target:      &api.Selector{Kind: "css", Value: submitSelector, Description: "submit button"},
			Description: "Submit",
		})
		why = append(why, "click submit")
	}

	if words.has("extract", "scrape", "read", "get", "find", "title", "heading") {
		target := &api.Selector{Kind: "css", Value: "body", Description: "page body"}
		if words.has("title") {
			target = &api.Selector{Kind: "css", Value: "title", Description: "page title"}
		} else if words.has("heading") {
			target = &api.Selector{Kind: "css", Value: "h1", Description: "main heading"}
		}
		steps = append(steps, api.Step{Kind: api.KindExtract, Target: target, Description: "Extract " + target.Description})
		why = append(why, "extract "+target.Description)
	}

	if words.has("screenshot", "capture") {
		steps = append(steps, api.Step{Kind: api.KindScreenshot, Description: "Capture the page", NonCritical: true})
		why = append(why, "screenshot")
	}

	if len(steps) == 0 {
		return nil, callerr.New(callerr.Permanent, "plan", errors.New("no actionable instruction found in prompt"))
	}
	return newPlan(in.TaskID, "rules", strings.Join(why, ", then "), steps)
}

func navigationTarget(text string, surfaces []string) string {
	if u := urlRe.FindString(text); u != "" {
		return strings.TrimRight(u, ".,;)")
	}
	if m := domainRe.FindStringSubmatch(text); m != nil {
		return "https://" + strings.ToLower(m[1]) + strings.TrimRight(m[2], ".,;)")
	}
	for _, s := range surfaces {
		if urlRe.MatchString(s) {
			return s
		}
	}
	return ""
}

type wordSet map[string]bool

func newWordSet(s string) wordSet {
	ws := wordSet{}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		ws[w] = true
	}
	return ws
}

func (ws wordSet) has(words ...string) bool {
	for _, w := range words {
		if ws[w] {
			return true
		}
	}
	return false
}

func hasKind(steps []api.Step, k api.StepKind) bool {
	for _, s := range steps {
		if s.Kind == k {
			return true
		}
	}
	return false
}
