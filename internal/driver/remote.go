package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
)

// RemoteDriver forwards steps to an external actuation service speaking
// JSON over HTTP:
//
//	POST {base}/v1/execute  body: api.Step  -> executeResponse
//	GET  {base}/v1/observe                  -> api.Observation
//
// A driver bound to a session sends its id in the X-Argon-Session header so
// the service can keep one browsing context per task.
type RemoteDriver struct {
	base    string
	client  *http.Client
	session string
}

const sessionHeader = "X-Argon-Session"

type executeResponse struct {
	Success     bool             `json:"success"`
	Result      any              `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
	Observation *api.Observation `json:"observation,omitempty"`
}

func NewRemote(base string, client *http.Client) (*RemoteDriver, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote driver: invalid url %q", base)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &RemoteDriver{base: strings.TrimRight(base, "/"), client: client}, nil
}

// Session returns a driver sharing r's client and bound to session id.
func (r *RemoteDriver) Session(id string) *RemoteDriver {
	c := *r
	c.session = id
	return &c
}

// Close is a no-op; the service owns session lifetime.
func (r *RemoteDriver) Close() error { return nil }

func (r *RemoteDriver) Execute(ctx context.Context, s api.Step) (Outcome, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return Outcome{}, callerr.New(callerr.Permanent, "execute", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/execute", bytes.NewReader(b))
	if err != nil {
		return Outcome{}, callerr.New(callerr.Permanent, "execute", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out executeResponse
	if err := r.do(req, "execute", &out); err != nil {
		return Outcome{}, err
	}
	if !out.Success {
		kind := callerr.Permanent
		if out.Retryable {
			kind = callerr.Transient
		}
		msg := out.Error
		if msg == "" {
			msg = "driver reported failure"
		}
		return Outcome{}, callerr.New(kind, "execute", errors.New(msg))
	}
	return Outcome{Result: out.Result, Observation: out.Observation}, nil
}

func (r *RemoteDriver) Observe(ctx context.Context) (*api.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/v1/observe", nil)
	if err != nil {
		return nil, callerr.New(callerr.Permanent, "observe", err)
	}
	var obs api.Observation
	if err := r.do(req, "observe", &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

func (r *RemoteDriver) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	if r.session != "" {
		req.Header.Set(sessionHeader, r.session)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return callerr.Wrap(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return callerr.StatusError(op, resp.StatusCode, snippet(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return callerr.Wrap(op, err)
		}
		return callerr.New(callerr.Permanent, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
