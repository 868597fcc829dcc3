package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuttledb/shuttle/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	query TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '',
	required_fields TEXT NOT NULL DEFAULT '',
	existence_key TEXT NOT NULL DEFAULT '',
	clear_before_insert BOOLEAN NOT NULL DEFAULT FALSE,
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
	group_executed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	group_execution_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	row_count BIGINT NOT NULL DEFAULT 0,
	inserted BIGINT NOT NULL DEFAULT 0,
	duplicates BIGINT NOT NULL DEFAULT 0,
	errors BIGINT NOT NULL DEFAULT 0,
	initial_count BIGINT NOT NULL DEFAULT 0,
	final_count BIGINT NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(linked_group);
`

const pgTaskColumns = `id, name, active, query, parameters, required_fields,
	existence_key, clear_before_insert, post_update_query, post_update_key,
	transfer_type, trigger_mode, linked_group, linked_tasks,
	linked_execution_order, last_status, last_progress, group_execution_id,
	group_executed_at, updated_at`

const pgExecutionColumns = `id, task_id, group_execution_id, status, progress,
	started_at, finished_at, row_count, inserted, duplicates, errors,
	initial_count, final_count, message, error_detail`

// Postgres is the shared-server repository backend.
type Postgres struct {
	dsn string

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// NewPostgres connects to the repository database and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	p := &Postgres{dsn: dsn}
	if err := p.open(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) open(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("failed to create repository pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping repository: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	p.mu.Lock()
	p.pool = pool
	p.mu.Unlock()
	return nil
}

func (p *Postgres) handle() *pgxpool.Pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool
}

func scanTaskRow(row pgx.Row) (taskRow, error) {
	var r taskRow
	err := row.Scan(
		&r.ID, &r.Name, &r.Active, &r.Query, &r.ParametersJSON,
		&r.RequiredFieldsJSON, &r.ExistenceKey, &r.ClearBeforeInsert,
		&r.PostUpdateQuery, &r.PostUpdateKey, &r.TransferType, &r.TriggerMode,
		&r.LinkedGroup, &r.LinkedTasksJSON, &r.LinkedOrder, &r.LastStatus,
		&r.LastProgress, &r.GroupExecutionID, &r.GroupExecutedAt, &r.UpdatedAt,
	)
	return r, err
}

func (p *Postgres) GetTaskByID(ctx context.Context, taskID string) (*models.TaskDefinition, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", pgTaskColumns)
	row, err := scanTaskRow(p.handle().QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (p *Postgres) GetActiveAutoOrBoth(ctx context.Context) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM tasks WHERE active AND trigger_mode IN ('auto', 'both', '') ORDER BY id",
		pgTaskColumns,
	)
	return p.selectTasks(ctx, query)
}

func (p *Postgres) ListTasks(ctx context.Context) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf("SELECT %s FROM tasks ORDER BY id", pgTaskColumns)
	return p.selectTasks(ctx, query)
}

func (p *Postgres) selectTasks(ctx context.Context, query string, args ...any) ([]models.TaskDefinition, error) {
	rows, err := p.handle().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.TaskDefinition
	for rows.Next() {
		r, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		task, err := r.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (p *Postgres) SaveTask(ctx context.Context, task *models.TaskDefinition) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r := rowFromTask(task)
	_, err := p.handle().Exec(ctx, `
		INSERT INTO tasks (
			id, name, active, query, parameters, required_fields,
			existence_key, clear_before_insert, post_update_query,
			post_update_key, transfer_type, trigger_mode, linked_group,
			linked_tasks, linked_execution_order, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			query = EXCLUDED.query,
			parameters = EXCLUDED.parameters,
			required_fields = EXCLUDED.required_fields,
			existence_key = EXCLUDED.existence_key,
			clear_before_insert = EXCLUDED.clear_before_insert,
			post_update_query = EXCLUDED.post_update_query,
			post_update_key = EXCLUDED.post_update_key,
			transfer_type = EXCLUDED.transfer_type,
			trigger_mode = EXCLUDED.trigger_mode,
			linked_group = EXCLUDED.linked_group,
			linked_tasks = EXCLUDED.linked_tasks,
			linked_execution_order = EXCLUDED.linked_execution_order,
			updated_at = EXCLUDED.updated_at
	`,
		r.ID, r.Name, r.Active, r.Query, r.ParametersJSON, r.RequiredFieldsJSON,
		r.ExistenceKey, r.ClearBeforeInsert, r.PostUpdateQuery, r.PostUpdateKey,
		r.TransferType, r.TriggerMode, r.LinkedGroup, r.LinkedTasksJSON,
		r.LinkedOrder, r.UpdatedAt,
	)
	return err
}

func (p *Postgres) FindGroupMembers(ctx context.Context, groupTag string) ([]models.TaskDefinition, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM tasks WHERE active AND linked_group = $1 ORDER BY linked_execution_order, id",
		pgTaskColumns,
	)
	return p.selectTasks(ctx, query, groupTag)
}

func (p *Postgres) FindLinked(ctx context.Context, taskID string) ([]string, error) {
	tasks, err := p.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return linkedIDs(tasks, taskID), nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, taskID string, status models.ExecutionStatus, progress int) error {
	tag, err := p.handle().Exec(ctx, `
		UPDATE tasks SET last_status = $1, last_progress = $2, updated_at = now()
		WHERE id = $3
	`, string(status), progress, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (p *Postgres) AppendExecution(ctx context.Context, exec *models.TaskExecution) error {
	r := rowFromExecution(exec)
	_, err := p.handle().Exec(ctx, `
		INSERT INTO executions (
			id, task_id, group_execution_id, status, progress, started_at,
			finished_at, row_count, inserted, duplicates, errors,
			initial_count, final_count, message, error_detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			finished_at = EXCLUDED.finished_at,
			row_count = EXCLUDED.row_count,
			inserted = EXCLUDED.inserted,
			duplicates = EXCLUDED.duplicates,
			errors = EXCLUDED.errors,
			initial_count = EXCLUDED.initial_count,
			final_count = EXCLUDED.final_count,
			message = EXCLUDED.message,
			error_detail = EXCLUDED.error_detail
	`,
		r.ID, r.TaskID, r.GroupExecutionID, r.Status, r.Progress, r.StartedAt,
		r.FinishedAt, r.RowCount, r.Inserted, r.Duplicates, r.Errors,
		r.InitialCount, r.FinalCount, r.Message, r.ErrorDetail,
	)
	return err
}

func (p *Postgres) ListExecutions(ctx context.Context, taskID string, limit int) ([]models.TaskExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if taskID == "" {
		query := fmt.Sprintf("SELECT %s FROM executions ORDER BY started_at DESC LIMIT $1", pgExecutionColumns)
		rows, err = p.handle().Query(ctx, query, limit)
	} else {
		query := fmt.Sprintf("SELECT %s FROM executions WHERE task_id = $1 ORDER BY started_at DESC LIMIT $2", pgExecutionColumns)
		rows, err = p.handle().Query(ctx, query, taskID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []models.TaskExecution
	for rows.Next() {
		var r executionRow
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.GroupExecutionID, &r.Status, &r.Progress,
			&r.StartedAt, &r.FinishedAt, &r.RowCount, &r.Inserted,
			&r.Duplicates, &r.Errors, &r.InitialCount, &r.FinalCount,
			&r.Message, &r.ErrorDetail,
		); err != nil {
			return nil, err
		}
		execs = append(execs, r.toExecution())
	}
	return execs, rows.Err()
}

func (p *Postgres) SetGroupExecution(ctx context.Context, memberIDs []string, groupExecutionID string, at time.Time) error {
	if len(memberIDs) == 0 {
		return nil
	}
	_, err := p.handle().Exec(ctx, `
		UPDATE tasks SET group_execution_id = $1, group_executed_at = $2
		WHERE id = ANY($3)
	`, groupExecutionID, at, memberIDs)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.handle().Ping(ctx)
}

// Reopen closes and re-establishes the repository pool. Used by health
// recovery.
func (p *Postgres) Reopen() error {
	p.mu.Lock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.open(ctx)
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}
