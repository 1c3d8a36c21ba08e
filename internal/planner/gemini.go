package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
)

// TextModel is the slice of a generative model the planner needs.
type TextModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// GeminiPlanner asks a Gemini model for a JSON plan.
type GeminiPlanner struct {
	model TextModel
}

func NewGeminiWithModel(m TextModel) *GeminiPlanner {
	return &GeminiPlanner{model: m}
}

// NewGemini connects to the Gemini API. The returned close func releases the
// client.
func NewGemini(ctx context.Context, apiKey, modelName string) (*GeminiPlanner, func() error, error) {
	if apiKey == "" {
		return nil, nil, errors.New("gemini planner: api key is required (set GOOGLE_API_KEY)")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("gemini client: %w", err)
	}
	m := client.GenerativeModel(modelName)
	m.SetTemperature(0.2)
	m.ResponseMIMEType = "application/json"
	return NewGeminiWithModel(&genaiModel{m: m}), client.Close, nil
}

type genaiModel struct {
	m *genai.GenerativeModel
}

func (g *genaiModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

func responseText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func (p *GeminiPlanner) Plan(ctx context.Context, in Input) (*api.Plan, error) {
	raw, err := p.model.GenerateText(ctx, buildPrompt(in))
	if err != nil {
		return nil, callerr.Wrap("gemini generate", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, callerr.Permanentf("gemini generate", "empty response")
	}
	reasoning, steps, err := parsePlan(raw)
	if err != nil {
		log.Printf("planner: task %s: unusable gemini output (%.200q): %v", in.TaskID, raw, err)
		return nil, callerr.New(callerr.Permanent, "gemini parse", err)
	}
	return newPlan(in.TaskID, "gemini", reasoning, steps)
}

type wireStep struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Target      json.RawMessage `json:"target"`
	Value       api.Scalar      `json:"value"`
	Description string          `json:"description"`
	TimeoutMS   int64           `json:"timeout_ms"`
	NonCritical bool            `json:"non_critical"`
	Args        json.RawMessage `json:"args"`
}

type wirePlan struct {
	Reasoning string     `json:"reasoning"`
	Steps     []wireStep `json:"steps"`
}

// parsePlan accepts {"reasoning", "steps": [...]} or a bare array, optionally
// wrapped in a code fence.
func parsePlan(raw string) (string, []api.Step, error) {
	text := stripFence(raw)
	var wp wirePlan
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &wp.Steps); err != nil {
			return "", nil, fmt.Errorf("decode steps: %w", err)
		}
	} else if err := json.Unmarshal([]byte(text), &wp); err != nil {
		arr := extractJSONArray(text)
		if arr == "" {
			return "", nil, fmt.Errorf("decode plan: %w", err)
		}
		if err := json.Unmarshal([]byte(arr), &wp.Steps); err != nil {
			return "", nil, fmt.Errorf("decode steps: %w", err)
		}
	}

	steps := make([]api.Step, 0, len(wp.Steps))
	for i, ws := range wp.Steps {
		s, err := ws.toStep()
		if err != nil {
			return "", nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		steps = append(steps, s)
	}
	return wp.Reasoning, steps, nil
}

func (ws wireStep) toStep() (api.Step, error) {
	s := api.Step{
		ID:          ws.ID,
		Kind:        api.StepKind(strings.ToLower(strings.TrimSpace(ws.Kind))),
		Value:       ws.Value,
		Description: ws.Description,
		TimeoutMS:   ws.TimeoutMS,
		NonCritical: ws.NonCritical,
	}
	if len(ws.Target) > 0 && string(ws.Target) != "null" {
		var sel api.Selector
		var bare string
		if err := json.Unmarshal(ws.Target, &bare); err == nil {
			sel = api.Selector{Kind: "css", Value: bare}
		} else if err := json.Unmarshal(ws.Target, &sel); err != nil {
			return s, fmt.Errorf("target: %w", err)
		}
		if sel.Kind == "" {
			sel.Kind = "css"
		}
		if sel.Value != "" {
			s.Target = &sel
		}
	}
	if len(ws.Args) == 0 || string(ws.Args) == "null" {
		return s, nil
	}
	var err error
	switch s.Kind {
	case api.KindNavigate:
		s.Navigate = new(api.NavigateArgs)
		err = json.Unmarshal(ws.Args, s.Navigate)
	case api.KindClick:
		s.Click = new(api.ClickArgs)
		err = json.Unmarshal(ws.Args, s.Click)
	case api.KindType:
		s.Type = new(api.TypeArgs)
		err = json.Unmarshal(ws.Args, s.Type)
	case api.KindExtract:
		s.Extract = new(api.ExtractArgs)
		err = json.Unmarshal(ws.Args, s.Extract)
	case api.KindScroll:
		s.Scroll = new(api.ScrollArgs)
		err = json.Unmarshal(ws.Args, s.Scroll)
	}
	if err != nil {
		return s, fmt.Errorf("args: %w", err)
	}
	return s, nil
}

func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
	}
	return strings.TrimSpace(t)
}

// extractJSONArray returns the first balanced top-level array in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(`You are the planner for a web automation agent.
Return ONLY a JSON object, no prose and no code fences:
{"reasoning": "<one sentence>", "steps": [{"id": "step-1", "kind": "...", "target": {"kind": "css"|"text", "value": "...", "description": "..."}, "value": "...", "description": "...", "timeout_ms": 0, "non_critical": false, "args": {}}]}

Step kinds:
- navigate: value is an absolute URL. args {"new_tab": bool}
- click: target required. args {"button": "left"|"right", "click_count": int}
- type: target and value required. args {"clear": bool, "delay_ms": int}
- extract: target required. args {"attribute": "href"}
- wait: value is milliseconds
- hover: target required
- scroll: args {"dx": int, "dy": int}
- screenshot

Rules:
- Use the fewest steps that accomplish the task, in execution order.
- Mark a step non_critical only when the task can succeed without it.
- Return {"reasoning": "...", "steps": []} when nothing needs to be done.
`)
	fmt.Fprintf(&b, "\nTask: %s\n", in.Prompt.Text)
	if len(in.TargetSurfaces) > 0 {
		fmt.Fprintf(&b, "Target surfaces: %s\n", strings.Join(in.TargetSurfaces, ", "))
	}
	if len(in.ExpectedOutputs) > 0 {
		fmt.Fprintf(&b, "Expected outputs: %s\n", strings.Join(in.ExpectedOutputs, ", "))
	}
	if o := in.Observation; o != nil {
		fmt.Fprintf(&b, "Current page: %s (%s)\n%s\n", o.Label, o.Location, o.ContentDigest)
	}
	return b.String()
}
