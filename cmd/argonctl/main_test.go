package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/throw-if-null/argon/internal/api"
)

type fakeDaemon struct {
	mu        sync.Mutex
	submitted []api.SubmitTaskRequest
	steps     []api.ExecuteStepRequest
}

func (d *fakeDaemon) setupServer() *httptest.Server {
	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := int64(1200)
	finished := api.Task{
		TaskID: "task-1",
		Status: api.StatusCompleted,
		Phase:  api.PhaseDone,
		Request: api.TaskRequest{
			ID:     "task-1",
			Prompt: api.Prompt{Text: "extract the heading", Priority: api.PriorityNormal},
		},
		Plan: &api.Plan{ID: "plan-1", Steps: []api.Step{{ID: "s1", Kind: api.KindExtract}}, Status: api.PlanCompleted},
		Results: []api.StepResult{
			{StepID: "s1", Success: true, Result: "Hello", ExecutionTimeMS: 12},
			{StepID: "s2", Success: false, Error: "element not found", ExecutionTimeMS: 3},
		},
		Observation:     &api.Observation{Location: "http://site/", Label: "Site"},
		CompletedAt:     &done,
		ExecutionTimeMS: &exec,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			limit := r.URL.Query().Get("limit")
			var tasks []api.Task
			for i := 1; i <= 3; i++ {
				tasks = append(tasks, api.Task{TaskID: fmt.Sprintf("task-%d", i)})
			}
			if limit == "2" {
				tasks = tasks[:2]
			}
			_ = json.NewEncoder(w).Encode(tasks)
			return
		}
		if r.Method == "POST" {
			var req api.SubmitTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(400)
				return
			}
			d.mu.Lock()
			d.submitted = append(d.submitted, req)
			d.mu.Unlock()
			w.WriteHeader(202)
			_ = json.NewEncoder(w).Encode(api.SubmitTaskResponse{TaskID: "task-1", Status: api.StatusPending})
			return
		}
		w.WriteHeader(405)
	})
	mux.HandleFunc("/v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(finished)
	})
	mux.HandleFunc("/v1/tasks/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not_found", Message: "task not found"})
	})
	mux.HandleFunc("/v1/tasks/task-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			_, _ = w.Write([]byte(`{"task_id":"task-1","cancelled":true}`))
			return
		}
		w.WriteHeader(405)
	})
	mux.HandleFunc("/v1/tasks/task-1/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "not_awaiting_confirmation", Message: "task is not awaiting confirmation"})
	})
	mux.HandleFunc("/v1/steps", func(w http.ResponseWriter, r *http.Request) {
		var req api.ExecuteStepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(400)
			return
		}
		d.mu.Lock()
		d.steps = append(d.steps, req)
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(api.StepResult{StepID: req.Step.ID, Success: true, Result: "ok"})
	})
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.Stats{Total: 4, Completed: 3, Failed: 1, SuccessRate: 75})
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ": connected\n\n")
		for _, st := range []api.TaskStatus{api.StatusProcessing, api.StatusExecuting, api.StatusCompleted} {
			ev := api.Event{Event: api.EventTaskUpdate, TaskID: "task-1", Timestamp: done, Task: &api.Task{TaskID: "task-1", Status: st}}
			b, _ := json.Marshal(ev)
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, b)
		}
		// Events after the terminal one must never be read.
		_, _ = fmt.Fprint(w, "event: task_update\ndata: {\"task_id\":\"task-1\",\"data\":{\"task_id\":\"task-1\",\"status\":\"pending\"}}\n\n")
	})
	return httptest.NewServer(mux)
}

func TestListCommand(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	client := ts.Client()
	buf := &bytes.Buffer{}
	if code := run([]string{"list"}, client, ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	var tasks []api.Task
	if err := json.Unmarshal(buf.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	buf.Reset()
	if code := run([]string{"list", "--limit", "2"}, client, ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	if err := json.Unmarshal(buf.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestSubmitCommand(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	args := []string{"submit", "--task-id", "task-1", "--prompt", "extract the heading", "--priority", "high",
		"--timeout", "60", "--url", "http://site/", "--allow-domain", "site, example.com", "--no-confirm"}
	if code := run(args, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	var res api.SubmitTaskResponse
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("invalid json output: %v, out=%s", err, buf.String())
	}
	if res.TaskID != "task-1" || res.Status != api.StatusPending {
		t.Fatalf("unexpected response: %+v", res)
	}

	if len(d.submitted) != 1 {
		t.Fatalf("expected one submit, got %d", len(d.submitted))
	}
	req := d.submitted[0]
	if req.TaskID != "task-1" || req.Prompt.Text != "extract the heading" || req.Prompt.Priority != api.PriorityHigh || req.Prompt.TimeoutSec != 60 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.TargetSurfaces) != 1 || req.TargetSurfaces[0] != "http://site/" {
		t.Fatalf("unexpected target surfaces: %v", req.TargetSurfaces)
	}
	if req.SafetyPreferences["require_confirmation"] != false {
		t.Fatalf("expected require_confirmation=false, got %v", req.SafetyPreferences)
	}
	domains, _ := req.SafetyPreferences["allowed_domains"].([]any)
	if len(domains) != 2 || domains[0] != "site" || domains[1] != "example.com" {
		t.Fatalf("unexpected allowed_domains: %v", req.SafetyPreferences["allowed_domains"])
	}
}

func TestSubmitPromptFromStdinAndWait(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	code := run([]string{"submit", "--prompt", "-", "--wait"}, ts.Client(), ts.URL, buf, strings.NewReader("extract the heading\n"))
	if code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	if d.submitted[0].Prompt.Text != "extract the heading" {
		t.Fatalf("expected prompt from stdin, got %q", d.submitted[0].Prompt.Text)
	}
	if !strings.Contains(buf.String(), "task task-1: completed (done)") {
		t.Fatalf("expected final task summary, got: %s", buf.String())
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	if code := run([]string{"submit"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	if len(d.submitted) != 0 {
		t.Fatalf("nothing should have been submitted")
	}
}

func TestStatusOutput(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	if code := run([]string{"status", "task-1"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	out := buf.String()
	for _, want := range []string{
		"task task-1: completed (done)",
		"plan plan-1: 1 steps (completed)",
		"[ok] s1 12ms: Hello",
		"[fail] s2 3ms: element not found",
		"at: http://site/ (Site)",
		"took: 1200ms",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in status output, got:\n%s", want, out)
		}
	}

	buf.Reset()
	if code := run([]string{"status", "--json", "task-1"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	var task api.Task
	if err := json.Unmarshal(buf.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.TaskID != "task-1" || task.Status != api.StatusCompleted {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestErrorResponsesExitNonZero(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	if code := run([]string{"status", "missing"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 1 {
		t.Fatalf("expected exit 1 for unknown task, got %d", code)
	}
	if code := run([]string{"approve", "task-1"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 1 {
		t.Fatalf("expected exit 1 for conflict, got %d", code)
	}
	if code := run([]string{"cancel"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestCancelCommand(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	if code := run([]string{"cancel", "task-1"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	var res map[string]any
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if res["cancelled"] != true {
		t.Fatalf("expected cancelled=true, got %v", res)
	}
}

func TestStepCommand(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	stdin := strings.NewReader(`{"id":"s1","kind":"extract","target":{"kind":"css","value":"h1"}}`)
	if code := run([]string{"step", "--confirm"}, ts.Client(), ts.URL, buf, stdin); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	if len(d.steps) != 1 {
		t.Fatalf("expected one step request, got %d", len(d.steps))
	}
	got := d.steps[0]
	if !got.Confirm || got.Step.Kind != api.KindExtract || got.Step.Target == nil || got.Step.Target.Value != "h1" {
		t.Fatalf("unexpected step request: %+v", got)
	}
	var res api.StepResult
	if err := json.Unmarshal(buf.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !res.Success || res.StepID != "s1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if code := run([]string{"step", "--step", "{not json"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 1 {
		t.Fatalf("expected exit 1 for bad step json, got %d", code)
	}
}

func TestWatchStopsAtTerminal(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	if code := run([]string{"watch", "--task-id", "task-1"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 event lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "task-1 completed/") {
		t.Fatalf("expected last line to be the completed event, got %q", lines[2])
	}
}

func TestStatsAndVersion(t *testing.T) {
	d := &fakeDaemon{}
	ts := d.setupServer()
	defer ts.Close()

	buf := &bytes.Buffer{}
	if code := run([]string{"stats"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	var st api.Stats
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if st.Total != 4 || st.SuccessRate != 75 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	buf.Reset()
	if code := run([]string{"version"}, ts.Client(), ts.URL, buf, bytes.NewBuffer(nil)); code != 0 {
		t.Fatalf("expected 0 exit code, got %d", code)
	}
	if !strings.HasPrefix(buf.String(), "argon ") {
		t.Fatalf("unexpected version output: %q", buf.String())
	}

	if code := run([]string{"bogus"}, ts.Client(), ts.URL, &bytes.Buffer{}, bytes.NewBuffer(nil)); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
}

func TestBaseURL(t *testing.T) {
	t.Setenv("ARGON_URL", "http://daemon:9000/")
	if got := baseURL(); got != "http://daemon:9000" {
		t.Fatalf("unexpected base url %q", got)
	}
	t.Setenv("ARGON_URL", "")
	if got := baseURL(); got != "http://127.0.0.1:8765" {
		t.Fatalf("unexpected default base url %q", got)
	}
}

func TestDoctorCommand(t *testing.T) {
	d := t.TempDir()
	t.Chdir(d)
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ARGON_PLANNER", "")
	t.Setenv("ARGON_STORE", "")

	mm := filepath.Join(d, ".argon")
	if err := os.Mkdir(mm, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(mm, "config.toml")

	// Defaults alone are healthy.
	out := &bytes.Buffer{}
	if code := doctorWithIO([]string{}, out, out); code != 0 {
		t.Fatalf("expected exit 0, got %d, out=%s", code, out.String())
	}
	if !strings.Contains(out.String(), "missing, using defaults") {
		t.Fatalf("expected missing config note, got: %s", out.String())
	}

	// gemini without a key is a problem.
	if err := os.WriteFile(cfg, []byte("[planner]\nprovider = \"gemini\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if code := doctorWithIO([]string{"--json"}, out, out); code != 1 {
		t.Fatalf("expected exit 1 in json mode, got %d", code)
	}
	var rep map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("invalid json: %v, out=%s", err, out.String())
	}
	if rep["config_found"] != true || rep["planner"] != "gemini" || rep["api_key"] != false {
		t.Fatalf("unexpected report: %v", rep)
	}

	// Now write an invalid config and ensure doctor reports a parse error
	if err := os.WriteFile(cfg, []byte("x = [1,\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if code := doctorWithIO([]string{}, out, out); code != 1 {
		t.Fatalf("expected exit 1 for invalid config, got %d", code)
	}
	if !strings.Contains(out.String(), "failed to parse") {
		t.Fatalf("expected parse error message in doctor output, got: %s", out.String())
	}
}
