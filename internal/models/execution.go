package models

import "time"

// ExecutionStatus is the lifecycle state of one transfer execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusFailed    ExecutionStatus = "failed"
)

// AllExecutionStatuses returns all valid execution statuses.
func AllExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusPending, StatusRunning, StatusCompleted,
		StatusCancelled, StatusFailed,
	}
}

// IsValid reports whether s is one of the defined statuses.
func (s ExecutionStatus) IsValid() bool {
	for _, valid := range AllExecutionStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// String implements fmt.Stringer.
func (s ExecutionStatus) String() string {
	return string(s)
}

// ProgressFailed is published as the progress value of any terminal
// non-success outcome. Successful runs terminate at 100.
const ProgressFailed = -1

// TaskExecution records one run of a task. It is created when the engine
// starts and owned exclusively by that engine invocation until terminal.
type TaskExecution struct {
	ID               string          `db:"id" json:"id"`
	TaskID           string          `db:"task_id" json:"task_id"`
	GroupExecutionID string          `db:"group_execution_id" json:"group_execution_id,omitempty"`
	Status           ExecutionStatus `db:"status" json:"status"`
	Progress         int             `db:"progress" json:"progress"`
	StartedAt        time.Time       `db:"started_at" json:"started_at"`
	FinishedAt       *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	Rows             int64           `db:"rows" json:"rows"`
	Inserted         int64           `db:"inserted" json:"inserted"`
	Duplicates       int64           `db:"duplicates" json:"duplicates"`
	Errors           int64           `db:"errors" json:"errors"`
	InitialCount     int64           `db:"initial_count" json:"initial_count"`
	FinalCount       int64           `db:"final_count" json:"final_count"`
	Message          string          `db:"message" json:"message,omitempty"`
	ErrorDetail      string          `db:"error_detail" json:"error_detail,omitempty"`
}

// NewTaskExecution creates a pending execution for a task.
func NewTaskExecution(id, taskID string) *TaskExecution {
	return &TaskExecution{
		ID:        id,
		TaskID:    taskID,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
}

// Duration returns how long the execution has run, using FinishedAt when set.
func (e *TaskExecution) Duration() time.Duration {
	if e.FinishedAt != nil {
		return e.FinishedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// Finish marks the execution terminal with the given status.
func (e *TaskExecution) Finish(status ExecutionStatus) {
	now := time.Now()
	e.Status = status
	e.FinishedAt = &now
	if status == StatusCompleted {
		e.Progress = 100
	} else {
		e.Progress = ProgressFailed
	}
}

// DuplicateStage says where a duplicate was detected.
type DuplicateStage string

const (
	// DuplicatePrecheck means the row's key signature was already present in
	// the destination snapshot loaded before writing.
	DuplicatePrecheck DuplicateStage = "precheck"
	// DuplicateInsert means the destination rejected the insert with a
	// unique-constraint violation.
	DuplicateInsert DuplicateStage = "insert"
)

// DuplicateRecord captures one skipped duplicate row. At most
// MaxReportedDuplicates records are retained per execution.
type DuplicateRecord struct {
	Signature string         `json:"signature"`
	Keys      map[string]any `json:"keys,omitempty"`
	Stage     DuplicateStage `json:"stage"`
}

// MaxReportedDuplicates caps how many duplicate records one execution keeps.
const MaxReportedDuplicates = 100

// ProgressEvent is one progress update published on the progress bus.
type ProgressEvent struct {
	TaskID   string    `json:"task_id"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// Terminal reports whether this event ends the stream for its task.
func (e ProgressEvent) Terminal() bool {
	return e.Progress == 100 || e.Progress == ProgressFailed
}
