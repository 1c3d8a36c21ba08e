// Package driver executes single steps against an actuation surface and
// captures observations of it.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/callerr"
	"github.com/throw-if-null/argon/internal/config"
)

// Outcome is what a driver reports for a successfully executed step.
// Observation is optional; drivers that cannot return one leave it nil.
type Outcome struct {
	Result      any
	Observation *api.Observation
}

// Driver errors are classified with callerr. A permanent error means the step
// itself cannot succeed (missing element, unsupported kind).
type Driver interface {
	Execute(ctx context.Context, step api.Step) (Outcome, error)
	Observe(ctx context.Context) (*api.Observation, error)
}

// Session is a Driver with surface state of its own. Close releases it.
type Session interface {
	Driver
	Close() error
}

// Sessions opens isolated sessions. Steps sent to one session never see the
// page or form state of another.
type Sessions interface {
	Open(ctx context.Context, id string) (Session, error)
}

// SessionFunc adapts a function to Sessions.
type SessionFunc func(ctx context.Context, id string) (Session, error)

func (f SessionFunc) Open(ctx context.Context, id string) (Session, error) { return f(ctx, id) }

// New builds the session factory for the configured driver kind.
func New(cfg config.DriverConfig) (Sessions, error) {
	switch cfg.Kind {
	case "", "fetch":
		opts := FetchOptions{
			Client:    &http.Client{Timeout: 30 * time.Second},
			UserAgent: cfg.UserAgent,
			Viewport:  api.Viewport{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
		}
		return SessionFunc(func(context.Context, string) (Session, error) {
			return NewFetch(opts), nil
		}), nil
	case "remote":
		r, err := NewRemote(cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		return SessionFunc(func(_ context.Context, id string) (Session, error) {
			return r.Session(id), nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Kind)
	}
}

func locate(root *html.Node, sel *api.Selector) (*html.Node, error) {
	if sel == nil {
		return nil, callerr.Permanentf("locate", "step has no target")
	}
	var n *html.Node
	switch sel.Kind {
	case "", "css":
		css, err := cascadia.Compile(sel.Value)
		if err != nil {
			return nil, callerr.New(callerr.Permanent, "locate", fmt.Errorf("selector %q: %w", sel.Value, err))
		}
		n = css.MatchFirst(root)
	case "text":
		n = findText(root, sel.Value)
	default:
		return nil, callerr.Permanentf("locate", "selector kind %q is not supported", sel.Kind)
	}
	if n == nil {
		return nil, callerr.Permanentf("locate", "no element matches %s %q", kindOr(sel.Kind, "css"), sel.Value)
	}
	return n, nil
}

func kindOr(k, def string) string {
	if k == "" {
		return def
	}
	return k
}
