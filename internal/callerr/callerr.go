// Package callerr classifies failures of calls into external collaborators
// (planning oracle, actuation driver) so retry policy can be decided from the
// classification alone.
package callerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

type Kind string

const (
	Timeout   Kind = "timeout"
	Transient Kind = "transient"
	Permanent Kind = "permanent"
)

// Error is a classified adapter error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Permanentf(op, format string, args ...any) *Error {
	return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err with KindOf and attaches op. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf classifies an arbitrary error. Unknown errors are permanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	type timeout interface{ Timeout() bool }
	var te timeout
	if errors.As(err, &te) && te.Timeout() {
		return Timeout
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return FromStatus(gerr.Code)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return Transient
	}
	return Permanent
}

// FromStatus maps an HTTP status code: 408 is a timeout, 429 and 5xx are
// transient, everything else is permanent.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusTooManyRequests, code >= 500 && code <= 599:
		return Transient
	default:
		return Permanent
	}
}

// StatusError builds a classified error for a non-2xx response.
func StatusError(op string, code int, body string) *Error {
	return &Error{Kind: FromStatus(code), Op: op, Err: fmt.Errorf("status %d: %s", code, body)}
}

func IsRetryable(err error, kinds ...Kind) bool {
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
