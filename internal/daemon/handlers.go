package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shuttledb/shuttle/internal/engine"
	"github.com/shuttledb/shuttle/internal/ipc"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// registerHandlers wires every control method to the daemon.
func (d *Daemon) registerHandlers(s *ipc.Server) {
	s.RegisterHandler(ipc.MethodStatusGet, d.handleStatusGet)
	s.RegisterHandler(ipc.MethodSchedulerSet, d.handleSchedulerSet)
	s.RegisterHandler(ipc.MethodTransferTrigger, d.handleTransferTrigger)
	s.RegisterHandler(ipc.MethodTransferCancel, d.handleTransferCancel)
	s.RegisterHandler(ipc.MethodTransferCancelAll, d.handleTransferCancelAll)
	s.RegisterHandler(ipc.MethodTasksList, d.handleTasksList)
	s.RegisterStream(ipc.MethodProgressWatch, d.handleProgressWatch)
}

func (d *Daemon) handleStatusGet(ctx context.Context, _ json.RawMessage) (any, error) {
	return d.Status(ctx), nil
}

func (d *Daemon) handleSchedulerSet(_ context.Context, params json.RawMessage) (any, error) {
	var p ipc.SchedulerSetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: err.Error()}
	}
	if err := d.sched.SetEnabled(p.Enabled, p.Hour); err != nil {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: err.Error()}
	}
	return ipc.SchedulerSetResult{Scheduler: d.sched.Status()}, nil
}

// handleTransferTrigger starts one task (with its linked peers) or the full
// scheduled batch. The work runs in the background; the reply only confirms
// admission.
func (d *Daemon) handleTransferTrigger(ctx context.Context, params json.RawMessage) (any, error) {
	var p ipc.TransferTriggerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: err.Error()}
	}

	if p.Batch {
		if err := d.sched.Trigger(); err != nil {
			return nil, &ipc.HandlerError{Code: triggerErrorCode(err), Message: err.Error()}
		}
		return ipc.TransferTriggerResult{Started: true}, nil
	}

	taskID := strings.TrimSpace(p.TaskID)
	if taskID == "" {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: "task_id is required"}
	}
	task, err := d.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil, &ipc.HandlerError{Code: ipc.ErrCodeTaskNotFound, Message: err.Error()}
		}
		return nil, err
	}
	if !task.Active {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: models.ErrTaskInactive.Error()}
	}
	if d.registry.Poll(taskID).Running {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: models.ErrAlreadyActive.Error()}
	}

	result := ipc.TransferTriggerResult{Started: true, TaskID: taskID}
	if info, err := d.engine.LinkingInfoFor(ctx, taskID); err == nil && info.HasLinks {
		result.Group = info.GroupTag
		for _, m := range info.Members {
			result.Members = append(result.Members, m.ID)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		group := d.engine.ExecuteGroup(d.ctx, taskID, engine.OriginManual)
		d.sinks.NotifyResults(context.Background(), group.Members, "manual", "")
	}()
	return result, nil
}

func (d *Daemon) handleTransferCancel(_ context.Context, params json.RawMessage) (any, error) {
	var p ipc.TransferCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: err.Error()}
	}
	if strings.TrimSpace(p.TaskID) == "" {
		return nil, &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: "task_id is required"}
	}
	return ipc.TransferCancelResult{Cancelled: d.registry.Cancel(p.TaskID)}, nil
}

func (d *Daemon) handleTransferCancelAll(_ context.Context, _ json.RawMessage) (any, error) {
	return ipc.TransferCancelAllResult{Cancelled: d.registry.CancelAll()}, nil
}

func (d *Daemon) handleTasksList(ctx context.Context, _ json.RawMessage) (any, error) {
	tasks, err := d.repo.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	latest := d.latestExecutions(ctx, len(tasks))

	out := ipc.TasksListResult{Tasks: make([]ipc.TaskSummary, 0, len(tasks))}
	for i := range tasks {
		t := &tasks[i]
		summary := ipc.TaskSummary{
			ID:            t.ID,
			Name:          t.Name,
			Active:        t.Active,
			TransferType:  string(t.TransferType.Normalize()),
			LinkedGroup:   t.LinkedGroup,
			LinkedTasks:   t.LinkedTasks,
			LinkedOrder:   t.LinkedExecutionOrder,
			HasPostUpdate: t.HasPostUpdate(),
		}
		if exec, ok := latest[t.ID]; ok {
			summary.LastStatus = string(exec.Status)
			summary.LastRun = exec.StartedAt
		}
		out.Tasks = append(out.Tasks, summary)
	}
	return out, nil
}

// latestExecutions maps each task to its most recent execution. Executions
// arrive newest first, so the first record per task wins.
func (d *Daemon) latestExecutions(ctx context.Context, taskCount int) map[string]models.TaskExecution {
	limit := max(taskCount*4, 100)
	execs, err := d.repo.ListExecutions(ctx, "", limit)
	if err != nil {
		logger.Warn("execution history lookup failed", "error", err)
		return nil
	}
	latest := make(map[string]models.TaskExecution, taskCount)
	for _, exec := range execs {
		if _, ok := latest[exec.TaskID]; !ok {
			latest[exec.TaskID] = exec
		}
	}
	return latest
}

// handleProgressWatch streams progress frames for one task until a terminal
// value lands or the client goes away.
func (d *Daemon) handleProgressWatch(ctx context.Context, params json.RawMessage, send func(any) error) error {
	var p ipc.ProgressWatchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: err.Error()}
	}
	taskID := strings.TrimSpace(p.TaskID)
	if taskID == "" {
		return &ipc.HandlerError{Code: ipc.ErrCodeInvalidRequest, Message: "task_id is required"}
	}
	if _, err := d.repo.GetTaskByID(ctx, taskID); err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			return &ipc.HandlerError{Code: ipc.ErrCodeTaskNotFound, Message: err.Error()}
		}
		return err
	}

	sub := d.bus.Subscribe(taskID)
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return send(ipc.WatchEvent{Done: true})
			}
			if err := send(ipc.WatchEvent{Event: &ev}); err != nil {
				return err
			}
			if ev.Terminal() {
				return send(ipc.WatchEvent{Done: true})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func triggerErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrSchedulerRunning):
		return ipc.ErrCodeSchedulerRunning
	case errors.Is(err, models.ErrSchedulerDisabled):
		return ipc.ErrCodeSchedulerDisabled
	default:
		return ipc.ErrCodeInternalError
	}
}
