package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/version"
)

func main() {
	client := &http.Client{Timeout: 30 * time.Second}
	os.Exit(run(os.Args[1:], client, baseURL(), os.Stdout, os.Stdin))
}

func baseURL() string {
	if v := os.Getenv("ARGON_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  argonctl submit --prompt <text|-> [--task-id <id>] [--priority p] [--timeout sec] [--url u] [--allow-domain d,...] [--no-confirm] [--wait]")
	_, _ = fmt.Fprintln(w, "  argonctl status [--json] <task-id>")
	_, _ = fmt.Fprintln(w, "  argonctl list [--limit N]")
	_, _ = fmt.Fprintln(w, "  argonctl cancel|approve|reject <task-id>")
	_, _ = fmt.Fprintln(w, "  argonctl step [--confirm] [--step <json>]   (step json read from stdin when omitted)")
	_, _ = fmt.Fprintln(w, "  argonctl observe")
	_, _ = fmt.Fprintln(w, "  argonctl watch [--task-id <id>]")
	_, _ = fmt.Fprintln(w, "  argonctl stats")
	_, _ = fmt.Fprintln(w, "  argonctl doctor [--json]")
	_, _ = fmt.Fprintln(w, "  argonctl version")
}

// run executes one command and returns the process exit code.
func run(args []string, client *http.Client, base string, stdout io.Writer, stdin io.Reader) int {
	if len(args) < 1 {
		usage(os.Stderr)
		return 2
	}
	c := &cli{client: client, base: base, out: stdout, in: stdin}
	var err error
	switch args[0] {
	case "submit":
		err = c.submit(args[1:])
	case "status":
		err = c.status(args[1:])
	case "list":
		err = c.list(args[1:])
	case "cancel", "approve", "reject":
		if len(args) != 2 {
			usage(os.Stderr)
			return 2
		}
		err = c.printJSON(c.do(http.MethodPost, "/v1/tasks/"+url.PathEscape(args[1])+"/"+args[0], nil))
	case "step":
		err = c.step(args[1:])
	case "observe":
		err = c.printJSON(c.do(http.MethodGet, "/v1/observe", nil))
	case "watch":
		err = c.watch(args[1:])
	case "stats":
		err = c.printJSON(c.do(http.MethodGet, "/v1/stats", nil))
	case "doctor":
		return doctorWithIO(args[1:], stdout, os.Stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version.String())
	default:
		usage(os.Stderr)
		return 2
	}
	if errors.Is(err, errUsage) {
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

type cli struct {
	client *http.Client
	base   string
	out    io.Writer
	in     io.Reader
}

// do sends a request and returns the body of a 2xx response.
func (c *cli) do(method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
		rd = &buf
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("request failed: %s: %s: %s", resp.Status, er.Error, er.Message)
		}
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (c *cli) printJSON(b []byte, err error) error {
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, strings.TrimSpace(string(b)))
	return err
}

func (c *cli) submit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	var (
		taskID, prompt, priority, target, allow string
		timeout                                 int
		noConfirm, wait                         bool
	)
	fs.StringVar(&taskID, "task-id", "", "task id (generated when empty)")
	fs.StringVar(&prompt, "prompt", "", "task prompt, - reads stdin")
	fs.StringVar(&priority, "priority", "", "low|normal|high|critical")
	fs.IntVar(&timeout, "timeout", 0, "task timeout in seconds")
	fs.StringVar(&target, "url", "", "target surface url")
	fs.StringVar(&allow, "allow-domain", "", "comma separated domains navigation may reach")
	fs.BoolVar(&noConfirm, "no-confirm", false, "do not pause for confirmation of high-risk steps")
	fs.BoolVar(&wait, "wait", false, "poll until the task finishes and print it")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if prompt == "-" {
		b, err := io.ReadAll(c.in)
		if err != nil {
			return err
		}
		prompt = strings.TrimSpace(string(b))
	}
	if prompt == "" {
		fs.Usage()
		return errUsage
	}

	req := api.SubmitTaskRequest{
		TaskID: taskID,
		Prompt: api.Prompt{Text: prompt, Priority: api.Priority(priority), TimeoutSec: timeout},
	}
	if target != "" {
		req.TargetSurfaces = []string{target}
	}
	prefs := map[string]any{}
	if noConfirm {
		prefs["require_confirmation"] = false
	}
	if allow != "" {
		prefs["allowed_domains"] = splitList(allow)
	}
	if len(prefs) > 0 {
		req.SafetyPreferences = prefs
	}

	b, err := c.do(http.MethodPost, "/v1/tasks", req)
	if err != nil || !wait {
		return c.printJSON(b, err)
	}
	var res api.SubmitTaskResponse
	if err := json.Unmarshal(b, &res); err != nil {
		return err
	}
	for {
		t, err := c.getTask(res.TaskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return c.printTask(t)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (c *cli) getTask(id string) (*api.Task, error) {
	b, err := c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var t api.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *cli) status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the raw task")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	id := fs.Arg(0)
	if *asJSON {
		return c.printJSON(c.do(http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil))
	}
	t, err := c.getTask(id)
	if err != nil {
		return err
	}
	return c.printTask(t)
}

func (c *cli) printTask(t *api.Task) error {
	w := c.out
	_, _ = fmt.Fprintf(w, "task %s: %s (%s)\n", t.TaskID, t.Status, t.Phase)
	_, _ = fmt.Fprintf(w, "  prompt: %s\n", t.Request.Prompt.Excerpt(80))
	if t.ConfirmationReason != "" {
		_, _ = fmt.Fprintf(w, "  awaiting confirmation: %s\n", t.ConfirmationReason)
		if t.PendingStepID != "" {
			_, _ = fmt.Fprintf(w, "  pending step: %s\n", t.PendingStepID)
		}
	}
	if t.Plan != nil {
		_, _ = fmt.Fprintf(w, "  plan %s: %d steps (%s)\n", t.Plan.ID, len(t.Plan.Steps), t.Plan.Status)
	}
	for _, r := range t.Results {
		mark := "ok"
		detail := fmt.Sprint(r.Result)
		if !r.Success {
			mark, detail = "fail", r.Error
		}
		_, _ = fmt.Fprintf(w, "  [%s] %s %dms: %s\n", mark, r.StepID, r.ExecutionTimeMS, detail)
	}
	if obs := t.Observation; obs != nil {
		_, _ = fmt.Fprintf(w, "  at: %s (%s)\n", obs.Location, obs.Label)
	}
	if t.Error != "" {
		_, _ = fmt.Fprintf(w, "  error: %s: %s\n", t.Error, t.ErrorDetail)
	}
	if t.ExecutionTimeMS != nil {
		_, _ = fmt.Fprintf(w, "  took: %dms\n", *t.ExecutionTimeMS)
	}
	return nil
}

func (c *cli) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "newest N tasks")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	path := "/v1/tasks"
	if *limit > 0 {
		path += fmt.Sprintf("?limit=%d", *limit)
	}
	return c.printJSON(c.do(http.MethodGet, path, nil))
}

func (c *cli) step(args []string) error {
	fs := flag.NewFlagSet("step", flag.ContinueOnError)
	confirm := fs.Bool("confirm", false, "run even if the step needs confirmation")
	raw := fs.String("step", "", "step json")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	data := []byte(*raw)
	if *raw == "" {
		b, err := io.ReadAll(c.in)
		if err != nil {
			return err
		}
		data = b
	}
	var s api.Step
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid step json: %w", err)
	}
	return c.printJSON(c.do(http.MethodPost, "/v1/steps", api.ExecuteStepRequest{Step: s, Confirm: *confirm}))
}

// watch prints one line per task_update event. With --task-id it returns
// once that task is terminal.
func (c *cli) watch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	taskID := fs.String("task-id", "", "only this task")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	path := "/v1/events"
	if *taskID != "" {
		path += "?task_id=" + url.QueryEscape(*taskID)
	}
	stream := *c.client
	stream.Timeout = 0
	resp, err := stream.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil || ev.Task == nil {
			continue
		}
		t := ev.Task
		_, _ = fmt.Fprintf(c.out, "%s %s %s/%s results=%d %s\n",
			ev.Timestamp.Format(time.RFC3339), t.TaskID, t.Status, t.Phase, len(t.Results), t.Error)
		if *taskID != "" && t.Status.Terminal() {
			return nil
		}
	}
	return sc.Err()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
