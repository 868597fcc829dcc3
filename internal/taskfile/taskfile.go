// Package taskfile loads declarative task definitions from a YAML file and
// keeps them synced into the repository.
package taskfile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
)

// File is the document shape of a task file.
type File struct {
	Tasks []models.TaskDefinition `yaml:"tasks"`
}

// Load reads and validates a task file. Duplicate task ids and source
// queries that are not a single SELECT are rejected.
func Load(path string) ([]models.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Tasks))
	for i := range file.Tasks {
		task := &file.Tasks[i]
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("task %q: %w", task.ID, err)
		}
		if err := gateway.CheckSourceQuery(task.Query); err != nil {
			return nil, fmt.Errorf("task %q: %w", task.ID, err)
		}
		if _, dup := seen[task.ID]; dup {
			return nil, fmt.Errorf("task %q: duplicate id", task.ID)
		}
		seen[task.ID] = struct{}{}
	}
	return file.Tasks, nil
}

// Apply upserts the given tasks into the repository and returns how many
// were written.
func Apply(ctx context.Context, repo repository.Repository, tasks []models.TaskDefinition) (int, error) {
	for i := range tasks {
		if err := repo.SaveTask(ctx, &tasks[i]); err != nil {
			return i, fmt.Errorf("failed to save task %q: %w", tasks[i].ID, err)
		}
	}
	return len(tasks), nil
}

// Sync loads a task file and applies it to the repository.
func Sync(ctx context.Context, repo repository.Repository, path string) (int, error) {
	tasks, err := Load(path)
	if err != nil {
		return 0, err
	}
	n, err := Apply(ctx, repo, tasks)
	if err != nil {
		return n, err
	}
	logger.Info("task file synced", "path", path, "tasks", n)
	return n, nil
}
