// Package tracker registers running transfers so they can be cancelled,
// inspected, and purged after they finish.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

const (
	// terminalGrace is how long a finished entry stays visible so late
	// status queries still see the outcome.
	terminalGrace = 60 * time.Second

	// DefaultMaxAge bounds how long a registered entry may run before
	// Cleanup treats it as orphaned.
	DefaultMaxAge = time.Hour
)

type entry struct {
	taskID     string
	cancel     context.CancelFunc
	metadata   map[string]string
	startedAt  time.Time
	terminal   bool
	status     models.ExecutionStatus
	finishedAt time.Time
}

// Status is a point-in-time view of one tracked task.
type Status struct {
	Exists    bool                   `json:"exists"`
	Running   bool                   `json:"running"`
	Status    models.ExecutionStatus `json:"status,omitempty"`
	StartedAt time.Time              `json:"started_at,omitzero"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Registry tracks cancellation tokens for in-flight transfers.
type Registry struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a registry with the default terminal grace.
func New() *Registry {
	return NewWithGrace(terminalGrace)
}

// NewWithGrace creates a registry whose finished entries stay visible for
// the given duration before Cleanup may purge them.
func NewWithGrace(grace time.Duration) *Registry {
	return &Registry{
		grace:   grace,
		entries: make(map[string]*entry),
	}
}

// Register records a running task with its cancellation token. Registering
// an already running task replaces the token and metadata but keeps the
// original start time.
func (r *Registry) Register(taskID string, cancel context.CancelFunc, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[taskID]; ok && !existing.terminal {
		existing.cancel = cancel
		existing.metadata = metadata
		return
	}
	r.entries[taskID] = &entry{
		taskID:    taskID,
		cancel:    cancel,
		metadata:  metadata,
		startedAt: time.Now(),
		status:    models.StatusRunning,
	}
}

// Cancel signals the task's context. It reports false when the task is
// unknown or already terminal. The task observes the signal asynchronously
// at its next cancellation checkpoint.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok || e.terminal {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	logger.Info("cancellation requested", "task_id", taskID)
	return true
}

// CancelAll signals every running task and reports how many were signalled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.terminal {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		n++
	}
	if n > 0 {
		logger.Info("cancellation requested for all running tasks", "count", n)
	}
	return n
}

// Complete marks a task terminal with its final status. The entry remains
// visible until the grace period passes and Cleanup runs.
func (r *Registry) Complete(taskID string, final models.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return
	}
	e.terminal = true
	e.status = final
	e.finishedAt = time.Now()
}

// Poll returns the tracked state of one task.
func (r *Registry) Poll(taskID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[taskID]
	if !ok {
		return Status{}
	}
	return Status{
		Exists:    true,
		Running:   !e.terminal,
		Status:    e.status,
		StartedAt: e.startedAt,
		Metadata:  e.metadata,
	}
}

// Running lists the IDs of tasks that have not reached a terminal state.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if !e.terminal {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Cleanup purges terminal entries older than the grace period and cancels
// plus purges entries that have been running longer than maxAge. It reports
// how many entries were removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		switch {
		case e.terminal && now.Sub(e.finishedAt) > r.grace:
			delete(r.entries, id)
			removed++
		case !e.terminal && now.Sub(e.startedAt) > maxAge:
			if e.cancel != nil {
				e.cancel()
			}
			delete(r.entries, id)
			removed++
			logger.Warn("purged orphaned task entry", "task_id", id, "started_at", e.startedAt)
		}
	}
	return removed
}
