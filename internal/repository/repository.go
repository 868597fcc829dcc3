// Package repository persists task definitions and execution history behind
// a backend-agnostic interface. Backends: PostgreSQL, SQLite, and an
// in-memory store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/models"
)

// Repository is the persistence contract shared by all backends.
type Repository interface {
	// GetTaskByID returns one task definition or models.ErrTaskNotFound.
	GetTaskByID(ctx context.Context, taskID string) (*models.TaskDefinition, error)
	// GetActiveAutoOrBoth returns active tasks the scheduler may trigger.
	GetActiveAutoOrBoth(ctx context.Context) ([]models.TaskDefinition, error)
	// ListTasks returns every stored task ordered by id.
	ListTasks(ctx context.Context) ([]models.TaskDefinition, error)
	// SaveTask inserts or replaces a task definition.
	SaveTask(ctx context.Context, task *models.TaskDefinition) error
	// FindGroupMembers returns the active members of a linked group ordered
	// by their execution order.
	FindGroupMembers(ctx context.Context, groupTag string) ([]models.TaskDefinition, error)
	// FindLinked returns the ids of tasks linked to taskID in either
	// direction, excluding taskID itself.
	FindLinked(ctx context.Context, taskID string) ([]string, error)

	// UpdateStatus records a task's latest run state.
	UpdateStatus(ctx context.Context, taskID string, status models.ExecutionStatus, progress int) error
	// AppendExecution upserts one execution record; writing the same
	// execution id twice is not an error.
	AppendExecution(ctx context.Context, exec *models.TaskExecution) error
	// ListExecutions returns recent executions, newest first. An empty
	// taskID means all tasks.
	ListExecutions(ctx context.Context, taskID string, limit int) ([]models.TaskExecution, error)
	// SetGroupExecution stamps the group run id and time on every member.
	SetGroupExecution(ctx context.Context, memberIDs []string, groupExecutionID string, at time.Time) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Reopen tears down and re-establishes the backing handle.
	Reopen() error
	Close() error
}

// Open constructs the backend selected by the configuration.
func Open(ctx context.Context, cfg config.RepositoryConfig) (Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(config.DefaultDataDir(), "shuttle.db")
		}
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown repository driver %q", cfg.Driver)
	}
}

// taskRow is the flat storage shape of a task definition. List-valued fields
// are stored as JSON text so both SQL backends share one codec.
type taskRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Active             bool           `db:"active"`
	Query              string         `db:"query"`
	ParametersJSON     string         `db:"parameters"`
	RequiredFieldsJSON string         `db:"required_fields"`
	ExistenceKey       string         `db:"existence_key"`
	ClearBeforeInsert  bool           `db:"clear_before_insert"`
	PostUpdateQuery    string         `db:"post_update_query"`
	PostUpdateKey      string         `db:"post_update_key"`
	TransferType       string         `db:"transfer_type"`
	TriggerMode        string         `db:"trigger_mode"`
	LinkedGroup        string         `db:"linked_group"`
	LinkedTasksJSON    string         `db:"linked_tasks"`
	LinkedOrder        int            `db:"linked_execution_order"`
	LastStatus         sql.NullString `db:"last_status"`
	LastProgress       sql.NullInt64  `db:"last_progress"`
	GroupExecutionID   sql.NullString `db:"group_execution_id"`
	GroupExecutedAt    sql.NullTime   `db:"group_executed_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func rowFromTask(t *models.TaskDefinition) taskRow {
	return taskRow{
		ID:                 t.ID,
		Name:               t.Name,
		Active:             t.Active,
		Query:              t.Query,
		ParametersJSON:     encodeJSON(t.Parameters),
		RequiredFieldsJSON: encodeJSON(t.Validation.RequiredFields),
		ExistenceKey:       t.Validation.ExistenceCheck.Key,
		ClearBeforeInsert:  t.ClearBeforeInsert,
		PostUpdateQuery:    t.PostUpdateQuery,
		PostUpdateKey:      t.PostUpdate.TableKey,
		TransferType:       string(t.TransferType),
		TriggerMode:        string(t.TriggerMode),
		LinkedGroup:        t.LinkedGroup,
		LinkedTasksJSON:    encodeJSON(t.LinkedTasks),
		LinkedOrder:        t.LinkedExecutionOrder,
		UpdatedAt:          time.Now(),
	}
}

func (r taskRow) toTask() (models.TaskDefinition, error) {
	task := models.TaskDefinition{
		ID:                   r.ID,
		Name:                 r.Name,
		Active:               r.Active,
		Query:                r.Query,
		ClearBeforeInsert:    r.ClearBeforeInsert,
		PostUpdateQuery:      r.PostUpdateQuery,
		PostUpdate:           models.PostUpdateMapping{TableKey: r.PostUpdateKey},
		TransferType:         models.TransferType(r.TransferType),
		TriggerMode:          models.TriggerMode(r.TriggerMode),
		LinkedGroup:          r.LinkedGroup,
		LinkedExecutionOrder: r.LinkedOrder,
	}
	task.Validation.ExistenceCheck.Key = r.ExistenceKey
	if err := decodeJSON(r.ParametersJSON, &task.Parameters); err != nil {
		return task, fmt.Errorf("task %s: bad parameters: %w", r.ID, err)
	}
	if err := decodeJSON(r.RequiredFieldsJSON, &task.Validation.RequiredFields); err != nil {
		return task, fmt.Errorf("task %s: bad required fields: %w", r.ID, err)
	}
	if err := decodeJSON(r.LinkedTasksJSON, &task.LinkedTasks); err != nil {
		return task, fmt.Errorf("task %s: bad linked tasks: %w", r.ID, err)
	}
	return task, nil
}

// executionRow is the flat storage shape of one execution record.
type executionRow struct {
	ID               string       `db:"id"`
	TaskID           string       `db:"task_id"`
	GroupExecutionID string       `db:"group_execution_id"`
	Status           string       `db:"status"`
	Progress         int          `db:"progress"`
	StartedAt        time.Time    `db:"started_at"`
	FinishedAt       sql.NullTime `db:"finished_at"`
	RowCount         int64        `db:"row_count"`
	Inserted         int64        `db:"inserted"`
	Duplicates       int64        `db:"duplicates"`
	Errors           int64        `db:"errors"`
	InitialCount     int64        `db:"initial_count"`
	FinalCount       int64        `db:"final_count"`
	Message          string       `db:"message"`
	ErrorDetail      string       `db:"error_detail"`
}

func rowFromExecution(e *models.TaskExecution) executionRow {
	row := executionRow{
		ID:               e.ID,
		TaskID:           e.TaskID,
		GroupExecutionID: e.GroupExecutionID,
		Status:           string(e.Status),
		Progress:         e.Progress,
		StartedAt:        e.StartedAt,
		RowCount:         e.Rows,
		Inserted:         e.Inserted,
		Duplicates:       e.Duplicates,
		Errors:           e.Errors,
		InitialCount:     e.InitialCount,
		FinalCount:       e.FinalCount,
		Message:          e.Message,
		ErrorDetail:      e.ErrorDetail,
	}
	if e.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *e.FinishedAt, Valid: true}
	}
	return row
}

func (r executionRow) toExecution() models.TaskExecution {
	exec := models.TaskExecution{
		ID:               r.ID,
		TaskID:           r.TaskID,
		GroupExecutionID: r.GroupExecutionID,
		Status:           models.ExecutionStatus(r.Status),
		Progress:         r.Progress,
		StartedAt:        r.StartedAt,
		Rows:             r.RowCount,
		Inserted:         r.Inserted,
		Duplicates:       r.Duplicates,
		Errors:           r.Errors,
		InitialCount:     r.InitialCount,
		FinalCount:       r.FinalCount,
		Message:          r.Message,
		ErrorDetail:      r.ErrorDetail,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		exec.FinishedAt = &t
	}
	return exec
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSON(s string, out any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

// linkedIDs computes the bidirectional link set of taskID over all tasks:
// the ids the task names plus the ids of tasks naming it.
func linkedIDs(tasks []models.TaskDefinition, taskID string) []string {
	seen := make(map[string]struct{})
	var self *models.TaskDefinition
	for i := range tasks {
		if tasks[i].ID == taskID {
			self = &tasks[i]
			break
		}
	}
	if self != nil {
		for _, id := range self.LinkedTasks {
			if id != taskID {
				seen[id] = struct{}{}
			}
		}
	}
	for i := range tasks {
		t := &tasks[i]
		if t.ID == taskID {
			continue
		}
		for _, id := range t.LinkedTasks {
			if id == taskID {
				seen[t.ID] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sortGroupMembers orders tasks for serial group execution.
func sortGroupMembers(tasks []models.TaskDefinition) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].LinkedExecutionOrder != tasks[j].LinkedExecutionOrder {
			return tasks[i].LinkedExecutionOrder < tasks[j].LinkedExecutionOrder
		}
		return tasks[i].ID < tasks[j].ID
	})
}
