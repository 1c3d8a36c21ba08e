// Package server exposes the orchestrator over HTTP: a JSON request surface
// and a Server-Sent Events push surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/throw-if-null/argon/internal/api"
	"github.com/throw-if-null/argon/internal/orchestrator"
	"github.com/throw-if-null/argon/internal/paths"
	"github.com/throw-if-null/argon/internal/store"
	"github.com/throw-if-null/argon/internal/version"
)

// maximum request body we decode
const maxBodyBytes = 1 << 20

// keepAlive is how often an idle event stream gets a comment line.
var keepAlive = 15 * time.Second

type Orchestrator interface {
	Submit(req api.SubmitTaskRequest) (string, error)
	Get(id string) (*api.Task, error)
	List(limit int) ([]*api.Task, error)
	Cancel(id string) (bool, error)
	Approve(id string) error
	Reject(id string) error
	ExecuteStep(ctx context.Context, step api.Step, confirm bool) (api.StepResult, error)
	Observe(ctx context.Context) (*api.Observation, error)
	Stats() (api.Stats, error)
}

type Events interface {
	Subscribe() (<-chan api.Event, func())
}

type Server struct {
	orch   Orchestrator
	events Events
}

func NewServer(orch Orchestrator, events Events) *Server {
	return &Server{orch: orch, events: events}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/approve", s.handleDecision(true))
	mux.HandleFunc("POST /v1/tasks/{task_id}/reject", s.handleDecision(false))
	mux.HandleFunc("POST /v1/steps", s.handleExecuteStep)
	mux.HandleFunc("GET /v1/observe", s.handleObserve)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
	})
	return mux
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitTaskRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.orch.Submit(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := api.StatusPending
	if t, err := s.orch.Get(id); err == nil {
		status = t.Status
	}
	writeJSON(w, http.StatusAccepted, api.SubmitTaskResponse{TaskID: id, Status: status})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.orch.Get(taskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid limit")
			return
		}
		limit = n
	}
	tasks, err := s.orch.List(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	changed, err := s.orch.Cancel(taskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": changed})
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := pathTaskID(w, r)
		if !ok {
			return
		}
		var err error
		if approve {
			err = s.orch.Approve(taskID)
		} else {
			err = s.orch.Reject(taskID)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req api.ExecuteStepRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orch.ExecuteStep(r.Context(), req.Step, req.Confirm)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	obs, err := s.orch.Observe(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "observe_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, err := s.orch.Stats()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEvents streams task_update events until the client goes away or the
// feed is closed. task_id narrows the stream to one task.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID != "" {
		if err := paths.ValidateTaskID(taskID); err != nil {
			writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid task_id")
			return
		}
	}

	feed, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func pathTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := r.PathValue("task_id")
	if err := paths.ValidateTaskID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid task_id")
		return "", false
	}
	return taskID, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, "invalid json: "+err.Error())
		return false
	}
	return true
}

// writeErr maps an orchestrator error onto a status code and error code.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrValidation):
		writeError(w, http.StatusBadRequest, api.ErrCodeValidation, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, orchestrator.ErrNotAwaiting):
		writeError(w, http.StatusConflict, "not_awaiting_confirmation", err.Error())
	case errors.Is(err, orchestrator.ErrConfirmationRequired):
		writeError(w, http.StatusConflict, "confirmation_required", err.Error())
	case errors.Is(err, orchestrator.ErrUnsafe):
		writeError(w, http.StatusForbidden, api.ErrCodeUnsafeStep, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
