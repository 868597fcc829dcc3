package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shuttledb/shuttle/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	query TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '',
	required_fields TEXT NOT NULL DEFAULT '',
	existence_key TEXT NOT NULL DEFAULT '',
	clear_before_insert INTEGER NOT NULL DEFAULT 0,
	post_update_query TEXT NOT NULL DEFAULT '',
	post_update_key TEXT NOT NULL DEFAULT '',
	transfer_type TEXT NOT NULL DEFAULT '',
	trigger_mode TEXT NOT NULL DEFAULT '',
	linked_group TEXT NOT NULL DEFAULT '',
	linked_tasks TEXT NOT NULL DEFAULT '',
	linked_execution_order INTEGER NOT NULL DEFAULT 0,
	last_status TEXT,
	last_progress INTEGER,
	group_execution_id TEXT,
	group_executed_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	group_execution_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	row_count INTEGER NOT NULL DEFAULT 0,
	inserted INTEGER NOT NULL DEFAULT 0,
	duplicates INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	initial_count INTEGER NOT NULL DEFAULT 0,
	final_count INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(linked_group);
`

const sqliteTaskColumns = `id, name, active, query, parameters, required_fields,
	existence_key, clear_before_insert, post_update_query, post_update_key,
	transfer_type, trigger_mode, linked_group, linked_tasks,
	linked_execution_order, last_status, last_progress, group_execution_id,
	group_executed_at, updated_at`

// SQLite is the embedded single-node repository backend.
type SQLite struct {
	path string

	mu sync.RWMutex
	db *sqlx.DB
}

// NewSQLite opens or creates the repository database at path.
func NewSQLite(path string) (*SQLite, error) {
	s := &SQLite{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// open connects with WAL mode for concurrent access and applies the schema.
func (s *SQLite) open() error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000&_loc=auto")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func (s *SQLite) handle() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *SQLite) GetTaskByID(ctx context.Context, taskID string) (*models.TaskDefinition, error) {
	var row taskRow
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", sqliteTaskColumns)
	if err := s.handle().GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTaskNotFound
		}
		return nil, err
	}
	task, err := row.toTask()
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *SQLite) GetActiveAutoOrBoth(ctx context.Context) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM tasks WHERE active = 1 AND trigger_mode IN ('auto', 'both', '') ORDER BY id",
		sqliteTaskColumns,
	)
	return s.selectTasks(ctx, query)
}

func (s *SQLite) ListTasks(ctx context.Context) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks ORDER BY id", sqliteTaskColumns)
	return s.selectTasks(ctx, query)
}

func (s *SQLite) selectTasks(ctx context.Context, query string, args ...any) ([]models.TaskDefinition, error) {
	var rows []taskRow
	if err := s.handle().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	tasks := make([]models.TaskDefinition, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *SQLite) SaveTask(ctx context.Context, task *models.TaskDefinition) error {
	if err := task.Validate(); err != nil {
		return err
	}
	row := rowFromTask(task)
	_, err := s.handle().NamedExecContext(ctx, `
		INSERT INTO tasks (
			id, name, active, query, parameters, required_fields,
			existence_key, clear_before_insert, post_update_query,
			post_update_key, transfer_type, trigger_mode, linked_group,
			linked_tasks, linked_execution_order, updated_at
		) VALUES (
			:id, :name, :active, :query, :parameters, :required_fields,
			:existence_key, :clear_before_insert, :post_update_query,
			:post_update_key, :transfer_type, :trigger_mode, :linked_group,
			:linked_tasks, :linked_execution_order, :updated_at
		)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			query = excluded.query,
			parameters = excluded.parameters,
			required_fields = excluded.required_fields,
			existence_key = excluded.existence_key,
			clear_before_insert = excluded.clear_before_insert,
			post_update_query = excluded.post_update_query,
			post_update_key = excluded.post_update_key,
			transfer_type = excluded.transfer_type,
			trigger_mode = excluded.trigger_mode,
			linked_group = excluded.linked_group,
			linked_tasks = excluded.linked_tasks,
			linked_execution_order = excluded.linked_execution_order,
			updated_at = excluded.updated_at
	`, row)
	return err
}

func (s *SQLite) FindGroupMembers(ctx context.Context, groupTag string) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM tasks WHERE active = 1 AND linked_group = ? ORDER BY linked_execution_order, id",
		sqliteTaskColumns,
	)
	return s.selectTasks(ctx, query, groupTag)
}

func (s *SQLite) FindLinked(ctx context.Context, taskID string) ([]string, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return linkedIDs(tasks, taskID), nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, taskID string, status models.ExecutionStatus, progress int) error {
	res, err := s.handle().ExecContext(ctx, `
		UPDATE tasks SET last_status = ?, last_progress = ?, updated_at = ?
		WHERE id = ?
	`, string(status), progress, time.Now(), taskID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLite) AppendExecution(ctx context.Context, exec *models.TaskExecution) error {
	row := rowFromExecution(exec)
	_, err := s.handle().NamedExecContext(ctx, `
		INSERT OR REPLACE INTO executions (
			id, task_id, group_execution_id, status, progress, started_at,
			finished_at, row_count, inserted, duplicates, errors,
			initial_count, final_count, message, error_detail
		) VALUES (
			:id, :task_id, :group_execution_id, :status, :progress, :started_at,
			:finished_at, :row_count, :inserted, :duplicates, :errors,
			:initial_count, :final_count, :message, :error_detail
		)
	`, row)
	return err
}

func (s *SQLite) ListExecutions(ctx context.Context, taskID string, limit int) ([]models.TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []executionRow
	var err error
	if taskID == "" {
		err = s.handle().SelectContext(ctx, &rows, `
			SELECT * FROM executions ORDER BY started_at DESC LIMIT ?
		`, limit)
	} else {
		err = s.handle().SelectContext(ctx, &rows, `
			SELECT * FROM executions WHERE task_id = ? ORDER BY started_at DESC LIMIT ?
		`, taskID, limit)
	}
	if err != nil {
		return nil, err
	}
	execs := make([]models.TaskExecution, 0, len(rows))
	for _, row := range rows {
		execs = append(execs, row.toExecution())
	}
	return execs, nil
}

func (s *SQLite) SetGroupExecution(ctx context.Context, memberIDs []string, groupExecutionID string, at time.Time) error {
	if len(memberIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE tasks SET group_execution_id = ?, group_executed_at = ?
		WHERE id IN (?)
	`, groupExecutionID, at, memberIDs)
	if err != nil {
		return err
	}
	db := s.handle()
	_, err = db.ExecContext(ctx, db.Rebind(query), args...)
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.handle().PingContext(ctx)
}

// Reopen closes and reconnects the database handle. Used by health recovery.
func (s *SQLite) Reopen() error {
	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()
	return s.open()
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
