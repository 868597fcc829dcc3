// Package ipc is the daemon's control plane: newline-delimited JSON
// request/response over a unix domain socket (a named pipe on Windows),
// authenticated with a per-daemon token.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/shuttledb/shuttle/internal/health"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/scheduler"
	"github.com/shuttledb/shuttle/internal/supervisor"
)

// Request is one client call.
type Request struct {
	ID     string          `json:"id"`
	Token  string          `json:"token,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one server reply. Streaming methods send several responses
// carrying the same request id.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error carries a machine-readable code plus a human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeMethodNotFound    = "METHOD_NOT_FOUND"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeTaskNotFound      = "TASK_NOT_FOUND"
	ErrCodeSchedulerRunning  = "SCHEDULER_RUNNING"
	ErrCodeSchedulerDisabled = "SCHEDULER_DISABLED"
)

// Method names.
const (
	MethodStatusGet         = "status.get"
	MethodSchedulerSet      = "scheduler.set"
	MethodTransferTrigger   = "transfer.trigger"
	MethodTransferCancel    = "transfer.cancel"
	MethodTransferCancelAll = "transfer.cancelAll"
	MethodTasksList         = "tasks.list"
	MethodProgressWatch     = "progress.watch"
)

// StatusResult is the payload answering status.get.
type StatusResult struct {
	State         string                   `json:"state"`
	PID           int                      `json:"pid"`
	Version       string                   `json:"version"`
	StartTime     time.Time                `json:"start_time"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Scheduler     scheduler.Status         `json:"scheduler"`
	Health        health.Status            `json:"health"`
	Servers       []supervisor.ServerStats `json:"servers,omitempty"`
	Running       []RunningTask            `json:"running,omitempty"`
	Repository    RepositoryInfo           `json:"repository"`
	Log           LogInfo                  `json:"log"`
}

// RunningTask is one in-flight execution in the status view.
type RunningTask struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// RepositoryInfo describes the task store backing the daemon.
type RepositoryInfo struct {
	Driver string `json:"driver"`
	OK     bool   `json:"ok"`
}

// LogInfo carries the warning/error tallies since daemon start.
type LogInfo struct {
	Warnings uint64 `json:"warnings"`
	Errors   uint64 `json:"errors"`
}

// SchedulerSetParams are the parameters for scheduler.set.
type SchedulerSetParams struct {
	Enabled bool   `json:"enabled"`
	Hour    string `json:"hour,omitempty"`
}

// SchedulerSetResult is the result of scheduler.set.
type SchedulerSetResult struct {
	Scheduler scheduler.Status `json:"scheduler"`
}

// TransferTriggerParams are the parameters for transfer.trigger. Either
// TaskID names one task, or Batch requests the full scheduled batch.
type TransferTriggerParams struct {
	TaskID string `json:"task_id,omitempty"`
	Batch  bool   `json:"batch,omitempty"`
}

// TransferTriggerResult is the result of transfer.trigger. The transfer
// itself runs in the background; watch progress.watch for the outcome.
type TransferTriggerResult struct {
	Started bool     `json:"started"`
	TaskID  string   `json:"task_id,omitempty"`
	Group   string   `json:"group,omitempty"`
	Members []string `json:"members,omitempty"`
}

// TransferCancelParams are the parameters for transfer.cancel.
type TransferCancelParams struct {
	TaskID string `json:"task_id"`
}

// TransferCancelResult is the result of transfer.cancel.
type TransferCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// TransferCancelAllResult is the result of transfer.cancelAll.
type TransferCancelAllResult struct {
	Cancelled int `json:"cancelled"`
}

// TasksListResult is the result of tasks.list.
type TasksListResult struct {
	Tasks []TaskSummary `json:"tasks"`
}

// TaskSummary is one task definition in the list view.
type TaskSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Active        bool      `json:"active"`
	TransferType  string    `json:"transfer_type"`
	LinkedGroup   string    `json:"linked_group,omitempty"`
	LinkedTasks   []string  `json:"linked_tasks,omitempty"`
	LinkedOrder   int       `json:"linked_order,omitempty"`
	HasPostUpdate bool      `json:"has_post_update"`
	LastStatus    string    `json:"last_status,omitempty"`
	LastRun       time.Time `json:"last_run,omitzero"`
}

// ProgressWatchParams are the parameters for progress.watch.
type ProgressWatchParams struct {
	TaskID string `json:"task_id"`
}

// WatchEvent is one streamed frame of progress.watch. Done marks the end
// of the stream; Event is absent on the final frame.
type WatchEvent struct {
	Event *models.ProgressEvent `json:"event,omitempty"`
	Done  bool                  `json:"done,omitempty"`
}

// NewErrorResponse builds a failure reply for the request id.
func NewErrorResponse(id, code, message string) Response {
	return Response{
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// NewSuccessResponse marshals result into a reply for the request id.
func NewSuccessResponse(id string, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Result: data}, nil
}
