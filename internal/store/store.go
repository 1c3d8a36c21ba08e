// Package store holds the authoritative record of tasks. Both
// implementations store and return deep copies, so a caller can never alias
// the stored aggregate.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/throw-if-null/argon/internal/api"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("task already exists")
)

// InterruptedDetail is recorded on tasks failed by crash recovery.
const InterruptedDetail = "crash recovery: argon restarted while the task was active"

// markInterrupted moves a live task to failed/interrupted in place.
func markInterrupted(t *api.Task, now time.Time, detail string) {
	t.Status = api.StatusFailed
	t.Phase = api.PhaseDone
	t.Error = api.ErrCodeInterrupted
	t.ErrorDetail = detail
	t.PendingStepID = ""
	t.ConfirmationReason = ""
	t.UpdatedAt = now
	t.CompletedAt = &now
	if t.StartedAt != nil {
		ms := now.Sub(*t.StartedAt).Milliseconds()
		t.ExecutionTimeMS = &ms
	}
	if t.Plan != nil && (t.Plan.Status == api.PlanPending || t.Plan.Status == api.PlanExecuting) {
		t.Plan.Status = api.PlanFailed
	}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryBusy runs fn, retrying on SQLITE_BUSY with exponential backoff.
func retryBusy(fn func() error) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = fn(); !isSqliteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return err
}
