package api

import "time"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusExecuting  TaskStatus = "executing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further mutation of a task in this status may occur.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phases refine a status while a task is live.
const (
	PhaseQueued               = "queued"
	PhaseSafety               = "safety"
	PhaseAwaitingConfirmation = "awaiting_confirmation"
	PhasePlanning             = "planning"
	PhaseExecuting            = "executing"
	PhaseDone                 = "done"
)

// Error codes stored in Task.Error.
const (
	ErrCodeValidation     = "validation_error"
	ErrCodePromptRejected = "prompt_rejected"
	ErrCodeUnsafeStep     = "unsafe_step"
	ErrCodeUnsafePlan     = "unsafe_plan"
	ErrCodePlanningFailed = "planning_failed"
	ErrCodeStepFailed     = "step_failed"
	ErrCodeTimeout        = "timeout"
	ErrCodeCancelled      = "cancelled"
	ErrCodeInterrupted    = "interrupted"
)

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

type TaskRequest struct {
	ID                string         `json:"id"`
	Prompt            Prompt         `json:"prompt"`
	TargetSurfaces    []string       `json:"target_surfaces"`
	ExpectedOutputs   []string       `json:"expected_outputs"`
	SafetyPreferences map[string]any `json:"safety_preferences,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type Plan struct {
	ID                  string         `json:"id"`
	TaskID              string         `json:"task_id"`
	Steps               []Step         `json:"steps"`
	EstimatedDurationMS int64          `json:"estimated_duration_ms,omitempty"`
	Status              PlanStatus     `json:"status"`
	Reasoning           string         `json:"reasoning,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Observation struct {
	Location      string         `json:"location"`
	Label         string         `json:"label"`
	ContentDigest string         `json:"content_digest"`
	Viewport      Viewport       `json:"viewport"`
	Extra         map[string]any `json:"extra,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

type StepResult struct {
	StepID           string       `json:"step_id"`
	Success          bool         `json:"success"`
	Result           any          `json:"result,omitempty"`
	Error            string       `json:"error,omitempty"`
	ExecutionTimeMS  int64        `json:"execution_time_ms,omitempty"`
	ObservationAfter *Observation `json:"observation_after,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

type Task struct {
	TaskID             string       `json:"task_id"`
	Status             TaskStatus   `json:"status"`
	Phase              string       `json:"phase"`
	Request            TaskRequest  `json:"request"`
	Plan               *Plan        `json:"plan,omitempty"`
	Results            []StepResult `json:"results"`
	Observation        *Observation `json:"observation,omitempty"`
	FinalObservation   *Observation `json:"final_observation,omitempty"`
	PendingStepID      string       `json:"pending_step_id,omitempty"`
	ConfirmationReason string       `json:"confirmation_reason,omitempty"`
	Error              string       `json:"error,omitempty"`
	ErrorDetail        string       `json:"error_detail,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	ExecutionTimeMS    *int64       `json:"execution_time_ms,omitempty"`
}

// SubmitTaskRequest is the request body of POST /v1/tasks.
type SubmitTaskRequest struct {
	TaskID            string         `json:"task_id,omitempty"`
	Prompt            Prompt         `json:"prompt"`
	TargetSurfaces    []string       `json:"target_surfaces,omitempty"`
	ExpectedOutputs   []string       `json:"expected_outputs,omitempty"`
	SafetyPreferences map[string]any `json:"safety_preferences,omitempty"`
}

type SubmitTaskResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

type ExecuteStepRequest struct {
	Step    Step `json:"step"`
	Confirm bool `json:"confirm,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const EventTaskUpdate = "task_update"

// Event is one push-channel message: a full task snapshot tagged with an event name.
type Event struct {
	Event     string    `json:"event"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Task      *Task     `json:"data"`
}

type Stats struct {
	Total       int     `json:"total_tasks"`
	Completed   int     `json:"completed_tasks"`
	Failed      int     `json:"failed_tasks"`
	Cancelled   int     `json:"cancelled_tasks"`
	Active      int     `json:"active_tasks"`
	SuccessRate float64 `json:"success_rate"`
}
