package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
)

// Memory is a map-backed repository. It backs tests and ephemeral runs where
// no database is configured.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]models.TaskDefinition
	meta  map[string]taskMeta
	execs map[string]models.TaskExecution
}

type taskMeta struct {
	status           models.ExecutionStatus
	progress         int
	groupExecutionID string
	groupExecutedAt  time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]models.TaskDefinition),
		meta:  make(map[string]taskMeta),
		execs: make(map[string]models.TaskExecution),
	}
}

func (m *Memory) GetTaskByID(_ context.Context, taskID string) (*models.TaskDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return &task, nil
}

func (m *Memory) GetActiveAutoOrBoth(_ context.Context) ([]models.TaskDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TaskDefinition
	for _, t := range m.tasks {
		if t.Active && t.TriggerMode.RunsAutomatically() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListTasks(_ context.Context) ([]models.TaskDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TaskDefinition, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveTask(_ context.Context, task *models.TaskDefinition) error {
	if err := task.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = *task
	return nil
}

func (m *Memory) FindGroupMembers(_ context.Context, groupTag string) ([]models.TaskDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TaskDefinition
	for _, t := range m.tasks {
		if t.Active && t.LinkedGroup == groupTag {
			out = append(out, t)
		}
	}
	sortGroupMembers(out)
	return out, nil
}

func (m *Memory) FindLinked(ctx context.Context, taskID string) ([]string, error) {
	tasks, err := m.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return linkedIDs(tasks, taskID), nil
}

func (m *Memory) UpdateStatus(_ context.Context, taskID string, status models.ExecutionStatus, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return models.ErrTaskNotFound
	}
	meta := m.meta[taskID]
	meta.status = status
	meta.progress = progress
	m.meta[taskID] = meta
	return nil
}

func (m *Memory) AppendExecution(_ context.Context, exec *models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = *exec
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, taskID string, limit int) ([]models.TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TaskExecution
	for _, e := range m.execs {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetGroupExecution(_ context.Context, memberIDs []string, groupExecutionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range memberIDs {
		if _, ok := m.tasks[id]; !ok {
			continue
		}
		meta := m.meta[id]
		meta.groupExecutionID = groupExecutionID
		meta.groupExecutedAt = at
		m.meta[id] = meta
	}
	return nil
}

// LastStatus reports the most recent status recorded for a task. Test hook.
func (m *Memory) LastStatus(taskID string) (models.ExecutionStatus, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[taskID]
	return meta.status, meta.progress, ok
}

// GroupStamp reports the group execution recorded for a task. Test hook.
func (m *Memory) GroupStamp(taskID string) (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.meta[taskID]
	return meta.groupExecutionID, meta.groupExecutedAt
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Reopen() error { return nil }

func (m *Memory) Close() error { return nil }
