package taskfile_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
	"github.com/shuttledb/shuttle/internal/taskfile"
)

const sampleFile = `
tasks:
  - id: orders-eu
    name: dest_orders
    active: true
    query: SELECT order_id, region FROM orders
    parameters:
      - field: region
        operator: "="
        value: EU
    validationRules:
      requiredFields: [order_id]
      existenceCheck:
        key: order_id
    triggerMode: auto
  - id: invoices
    name: dest_invoices
    active: true
    query: SELECT id FROM invoices
    triggerMode: manual
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.yaml", sampleFile)

	tasks, err := taskfile.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Load() returned %d tasks, want 2", len(tasks))
	}
	orders := tasks[0]
	if orders.ID != "orders-eu" || orders.Name != "dest_orders" {
		t.Errorf("tasks[0] = (%q, %q), want (orders-eu, dest_orders)", orders.ID, orders.Name)
	}
	if len(orders.Parameters) != 1 || orders.Parameters[0].Operator != models.OpEqual {
		t.Errorf("tasks[0].Parameters = %+v, want one equality filter", orders.Parameters)
	}
	if orders.Validation.ExistenceCheck.Key != "order_id" {
		t.Errorf("tasks[0] existence key = %q, want order_id", orders.Validation.ExistenceCheck.Key)
	}
	if tasks[1].TriggerMode != models.TriggerManual {
		t.Errorf("tasks[1].TriggerMode = %q, want manual", tasks[1].TriggerMode)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "malformed yaml",
			content: "tasks: [\n",
		},
		{
			name: "invalid task",
			content: `
tasks:
  - id: broken
    name: dest_broken
`,
		},
		{
			name: "duplicate id",
			content: `
tasks:
  - id: twice
    name: a
    query: SELECT 1
  - id: twice
    name: b
    query: SELECT 2
`,
		},
		{
			name: "non-select query",
			content: `
tasks:
  - id: destructive
    name: dest_orders
    query: DELETE FROM orders
`,
		},
		{
			name: "multi-statement query",
			content: `
tasks:
  - id: stacked
    name: dest_orders
    query: SELECT 1; SELECT 2
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "tasks.yaml", tt.content)
			if _, err := taskfile.Load(path); err == nil {
				t.Error("Load() error = nil, want parse or validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := taskfile.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() error = nil, want not-exist error")
	}
}

func TestSync(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tasks.yaml", sampleFile)
	repo := repository.NewMemory()

	n, err := taskfile.Sync(context.Background(), repo, path)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Sync() = %d, want 2", n)
	}
	if _, err := repo.GetTaskByID(context.Background(), "orders-eu"); err != nil {
		t.Errorf("GetTaskByID(orders-eu) error = %v", err)
	}
	if _, err := repo.GetTaskByID(context.Background(), "invoices"); err != nil {
		t.Errorf("GetTaskByID(invoices) error = %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tasks.yaml", sampleFile)
	repo := repository.NewMemory()

	watcher, err := taskfile.NewWatcher(path, repo)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := repo.GetTaskByID(ctx, "orders-eu"); err != nil {
		t.Fatalf("initial sync missing orders-eu: %v", err)
	}

	updated := sampleFile + `
  - id: customers
    name: dest_customers
    active: true
    query: SELECT id FROM customers
`
	writeFile(t, dir, "tasks.yaml", updated)

	waitForTask(t, repo, "customers", 5*time.Second)
}

func TestWatcherKeepsTasksOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tasks.yaml", sampleFile)
	repo := repository.NewMemory()

	watcher, err := taskfile.NewWatcher(path, repo)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	writeFile(t, dir, "tasks.yaml", "tasks: [\n")
	time.Sleep(debounceSettle)

	if _, err := repo.GetTaskByID(ctx, "orders-eu"); err != nil {
		t.Errorf("GetTaskByID(orders-eu) after broken edit error = %v", err)
	}
}

// debounceSettle leaves room for the watcher's debounce window plus the
// reload itself.
const debounceSettle = 1500 * time.Millisecond

func waitForTask(t *testing.T, repo repository.Repository, taskID string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := repo.GetTaskByID(context.Background(), taskID); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("task %q never appeared in repository", taskID)
}
