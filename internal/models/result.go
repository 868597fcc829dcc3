package models

import "time"

// TransferResult is the outcome of one engine invocation. Counters are
// always populated, success or not.
type TransferResult struct {
	TaskID      string `json:"task_id"`
	TaskName    string `json:"task_name"`
	ExecutionID string `json:"execution_id"`

	Success bool            `json:"success"`
	Status  ExecutionStatus `json:"status"`

	Rows         int64 `json:"rows"`
	Inserted     int64 `json:"inserted"`
	Duplicates   int64 `json:"duplicates"`
	Errors       int64 `json:"errors"`
	InitialCount int64 `json:"initial_count"`
	FinalCount   int64 `json:"final_count"`

	// AffectedKeys holds the destination key values collected for the
	// post-transfer update. Empty when the task has no post-update.
	AffectedKeys []any `json:"affected_keys,omitempty"`

	ReportedDuplicates []DuplicateRecord `json:"reported_duplicates,omitempty"`
	HasMoreDuplicates  bool              `json:"has_more_duplicates,omitempty"`
	TotalDuplicates    int64             `json:"total_duplicates,omitempty"`

	Message     string        `json:"message,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Duration    time.Duration `json:"duration"`
	RowsPerSec  float64       `json:"rows_per_sec,omitempty"`

	// Group context, set when the run happened inside a linked group.
	IsGroupMember bool   `json:"is_group_member,omitempty"`
	GroupName     string `json:"group_name,omitempty"`
}

// Failed returns a terminal failure result carrying the counters collected
// so far.
func Failed(exec *TaskExecution, taskName, message, detail string) TransferResult {
	return resultFrom(exec, taskName, false, StatusFailed, message, detail)
}

// Cancelled returns a terminal cancelled result.
func Cancelled(exec *TaskExecution, taskName string) TransferResult {
	return resultFrom(exec, taskName, false, StatusCancelled, "cancelled", "")
}

// Completed returns a terminal success result.
func Completed(exec *TaskExecution, taskName, message string) TransferResult {
	return resultFrom(exec, taskName, true, StatusCompleted, message, "")
}

func resultFrom(exec *TaskExecution, taskName string, success bool, status ExecutionStatus, message, detail string) TransferResult {
	return TransferResult{
		TaskID:       exec.TaskID,
		TaskName:     taskName,
		ExecutionID:  exec.ID,
		Success:      success,
		Status:       status,
		Rows:         exec.Rows,
		Inserted:     exec.Inserted,
		Duplicates:   exec.Duplicates,
		Errors:       exec.Errors,
		InitialCount: exec.InitialCount,
		FinalCount:   exec.FinalCount,
		Message:      message,
		ErrorDetail:  detail,
		Duration:     exec.Duration(),
	}
}

// GroupResult is the outcome of a linked-group run.
type GroupResult struct {
	GroupTag          string           `json:"group_tag"`
	GroupExecutionID  string           `json:"group_execution_id"`
	CoordinatorTaskID string           `json:"coordinator_task_id,omitempty"`
	Members           []TransferResult `json:"members"`
	PostUpdateRan     bool             `json:"post_update_ran"`
	PostUpdateError   string           `json:"post_update_error,omitempty"`
	Success           bool             `json:"success"`
}

// SuccessfulMembers counts the members that completed successfully.
func (g *GroupResult) SuccessfulMembers() int {
	n := 0
	for _, m := range g.Members {
		if m.Success {
			n++
		}
	}
	return n
}

// TotalAffected sums the affected-key counts across members.
func (g *GroupResult) TotalAffected() int {
	n := 0
	for _, m := range g.Members {
		n += len(m.AffectedKeys)
	}
	return n
}
