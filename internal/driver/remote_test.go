package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
	"github.com/throw-if-null/argon/internal/config"
)

func TestRemoteExecute(t *testing.T) {
	var got api.Step
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/execute":
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method %s", r.Method)
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			switch got.ID {
			case "ok":
				_ = json.NewEncoder(w).Encode(executeResponse{Success: true, Result: "done", Observation: &api.Observation{Location: "https://example.com/"}})
			case "flaky":
				_ = json.NewEncoder(w).Encode(executeResponse{Success: false, Error: "browser restarting", Retryable: true})
			case "broken":
				_ = json.NewEncoder(w).Encode(executeResponse{Success: false, Error: "element detached"})
			case "overloaded":
				w.WriteHeader(http.StatusTooManyRequests)
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
		case "/v1/observe":
			_ = json.NewEncoder(w).Encode(api.Observation{Location: "https://example.com/", Label: "Example"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d, err := NewRemote(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	out, err := d.Execute(context.Background(), api.Step{ID: "ok", Kind: api.KindClick, Target: css("#buy")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Result != "done" || out.Observation == nil || out.Observation.Location != "https://example.com/" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got.Kind != api.KindClick || got.Target == nil || got.Target.Value != "#buy" {
		t.Fatalf("step not forwarded intact: %+v", got)
	}

	cases := map[string]callerr.Kind{
		"flaky":      callerr.Transient,
		"broken":     callerr.Permanent,
		"overloaded": callerr.Transient,
		"invalid":    callerr.Permanent,
	}
	for id, want := range cases {
		_, err := d.Execute(context.Background(), api.Step{ID: id, Kind: api.KindScreenshot})
		if k := callerr.KindOf(err); k != want {
			t.Fatalf("%s: expected %s, got %s (%v)", id, want, k, err)
		}
	}

	obs, err := d.Observe(context.Background())
	if err != nil || obs.Label != "Example" {
		t.Fatalf("observe: %+v %v", obs, err)
	}
}

func TestRemoteSessionHeader(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get(sessionHeader))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(api.Observation{Location: "https://example.com/"})
	}))
	defer srv.Close()

	sessions, err := New(config.DriverConfig{Kind: "remote", URL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"task-a", "task-b"} {
		s, err := sessions.Open(context.Background(), id)
		if err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		if _, err := s.Observe(context.Background()); err != nil {
			t.Fatalf("observe %s: %v", id, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close %s: %v", id, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "task-a" || seen[1] != "task-b" {
		t.Fatalf("unexpected session headers: %v", seen)
	}
}

func TestRemoteUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	d, err := NewRemote(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Observe(context.Background())
	if k := callerr.KindOf(err); k != callerr.Transient {
		t.Fatalf("expected transient for refused connection, got %s (%v)", k, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	if _, err := New(config.DriverConfig{Kind: "fetch"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := New(config.DriverConfig{Kind: "remote", URL: "not a url"}); err == nil {
		t.Fatalf("expected error for bad remote url")
	}
	if _, err := New(config.DriverConfig{Kind: "selenium"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
