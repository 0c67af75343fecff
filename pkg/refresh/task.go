package refresh

import (
	"time"

	"github.com/google/uuid"
)

// Status is a RefreshTask's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped records a tick dropped because a task is already
	// running: a distinct outcome from pending/running/committed/
	// failed/cancelled.
	StatusSkipped Status = "skipped"
)

// Task is one RefreshTask.
type Task struct {
	ID           uuid.UUID
	Dataset      string
	Kind         Kind
	StartTime    time.Time
	Attempt      int
	WatermarkIn  string
	WatermarkOut string
	Status       Status
	Rows         int64
	Err          error
}

func newTask(dataset string, kind Kind, watermarkIn string) *Task {
	return &Task{
		ID:          uuid.New(),
		Dataset:     dataset,
		Kind:        kind,
		WatermarkIn: watermarkIn,
		Status:      StatusPending,
	}
}
