// Package scheduler fires the daily automatic transfer batch: a wall-clock
// timer in a configured time zone, group-aware fan-out with bounded
// concurrency, and a single notification per batch.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/engine"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
)

const (
	// DefaultConcurrency is how many runnable units execute per wave.
	DefaultConcurrency = 2
	// DefaultWavePause separates consecutive waves of a batch.
	DefaultWavePause = 30 * time.Second
)

// Runner executes transfer units. Satisfied by engine.Engine.
type Runner interface {
	LinkingInfoFor(ctx context.Context, taskID string) (engine.LinkingInfo, error)
	ExecuteGroup(ctx context.Context, taskID string, origin engine.Origin) models.GroupResult
}

// ResultSink receives the outcome of a batch exactly once.
type ResultSink interface {
	NotifyResults(ctx context.Context, results []models.TransferResult, trigger string, errorContext string)
	NotifyCritical(ctx context.Context, message, trigger string, extra map[string]string)
}

// Options configure a Scheduler. Zero values select the defaults.
type Options struct {
	Hour        string
	Enabled     bool
	Timezone    string
	Concurrency int
	WavePause   time.Duration
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Enabled       bool      `json:"enabled"`
	Active        bool      `json:"active"`
	Running       bool      `json:"running"`
	Hour          string    `json:"hour,omitempty"`
	Timezone      string    `json:"timezone"`
	NextExecution time.Time `json:"next_execution,omitempty"`
}

// Scheduler owns the daily trigger. All state transitions go through the
// mutex; the batch itself runs on its own goroutine.
type Scheduler struct {
	repo        repository.Repository
	runner      Runner
	notifier    ResultSink
	loc         *time.Location
	concurrency int
	wavePause   time.Duration

	mu      sync.Mutex
	enabled bool
	hour    string
	running bool
	timer   *time.Timer
	next    time.Time
	wg      sync.WaitGroup
}

// New creates a scheduler. It does not arm the timer; call SetEnabled (or
// Start with an enabled configuration) to do that.
func New(repo repository.Repository, runner Runner, notifier ResultSink, opts Options) (*Scheduler, error) {
	loc := time.Local
	if opts.Timezone != "" {
		l, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", opts.Timezone, err)
		}
		loc = l
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.WavePause <= 0 {
		opts.WavePause = DefaultWavePause
	}
	s := &Scheduler{
		repo:        repo,
		runner:      runner,
		notifier:    notifier,
		loc:         loc,
		concurrency: opts.Concurrency,
		wavePause:   opts.WavePause,
		hour:        opts.Hour,
	}
	if opts.Enabled {
		if err := s.SetEnabled(true, opts.Hour); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetEnabled turns the daily trigger on or off. Enabling requires a valid
// HH:MM hour; disabling never fails and keeps the last hour for display.
func (s *Scheduler) SetEnabled(enabled bool, hour string) error {
	if enabled && !models.ValidHour(hour) {
		return models.ErrInvalidHour
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.enabled = enabled
	if models.ValidHour(hour) {
		s.hour = hour
	}
	if enabled {
		s.armLocked()
		logger.Info("scheduler enabled", "hour", s.hour, "next", s.next)
	} else {
		logger.Info("scheduler disabled")
	}
	return nil
}

// Status reports the current trigger state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:       s.enabled,
		Active:        s.timer != nil,
		Running:       s.running,
		Hour:          s.hour,
		Timezone:      s.loc.String(),
		NextExecution: s.next,
	}
}

// Trigger starts the automatic batch immediately, exactly as the timer
// would. It returns once the batch has been admitted; the work itself runs
// in the background.
func (s *Scheduler) Trigger() error {
	if err := s.begin(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		s.executeBatch("manual")
	}()
	return nil
}

// Close stops the timer and waits for an in-flight batch to drain.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.enabled = false
	s.mu.Unlock()
	s.wg.Wait()
}

// begin admits one batch, enforcing the re-entrancy guard.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return models.ErrSchedulerDisabled
	}
	if s.running {
		return models.ErrSchedulerRunning
	}
	s.running = true
	return nil
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// armLocked installs the timer for the next occurrence of s.hour.
func (s *Scheduler) armLocked() {
	wait := untilNext(time.Now().In(s.loc), s.hour)
	s.next = time.Now().In(s.loc).Add(wait)
	s.timer = time.AfterFunc(wait, s.fire)
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.next = time.Time{}
}

// fire is the timer callback: re-arm for tomorrow, then run the batch.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.enabled {
		s.armLocked()
	}
	hour := s.hour
	s.mu.Unlock()

	if err := s.begin(); err != nil {
		logger.Warn("scheduled batch skipped", "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		s.executeBatch(hour)
	}()
}

// runnableUnit is one schedulable entry: a lone task or a whole linked
// group represented by the first member encountered.
type runnableUnit struct {
	taskID  string
	group   string
	members int
}

// executeBatch loads the active automatic tasks, deduplicates linked groups,
// runs the units in bounded waves, and submits the collected results once.
func (s *Scheduler) executeBatch(trigger string) {
	ctx := context.Background()
	started := time.Now()
	logger.Info("automatic transfer batch starting", "trigger", trigger)

	tasks, err := s.repo.GetActiveAutoOrBoth(ctx)
	if err != nil {
		logger.Error("automatic batch aborted, task load failed", "error", err)
		s.notifier.NotifyCritical(ctx, fmt.Sprintf("failed to load scheduled tasks: %v", err),
			trigger, nil)
		return
	}
	units := s.buildUnits(ctx, tasks)
	if len(units) == 0 {
		logger.Info("automatic batch found nothing to run")
		s.notifier.NotifyResults(ctx, nil, trigger, "")
		return
	}

	var (
		mu      sync.Mutex
		results []models.TransferResult
	)
	for wave := 0; wave*s.concurrency < len(units); wave++ {
		if wave > 0 {
			time.Sleep(s.wavePause)
		}
		lo := wave * s.concurrency
		hi := min(lo+s.concurrency, len(units))

		var wg sync.WaitGroup
		for _, unit := range units[lo:hi] {
			wg.Add(1)
			go func(u runnableUnit) {
				defer wg.Done()
				group := s.runner.ExecuteGroup(ctx, u.taskID, engine.OriginAuto)
				mu.Lock()
				results = append(results, group.Members...)
				mu.Unlock()
			}(unit)
		}
		wg.Wait()
	}

	logger.Info("automatic transfer batch finished",
		"trigger", trigger, "units", len(units), "results", len(results),
		"duration", time.Since(started).Round(time.Second))
	s.notifier.NotifyResults(ctx, results, trigger, "")
}

// buildUnits deduplicates the task list by link membership: the first task
// seen for a group represents it, later members are skipped.
func (s *Scheduler) buildUnits(ctx context.Context, tasks []models.TaskDefinition) []runnableUnit {
	seen := make(map[string]bool, len(tasks))
	var units []runnableUnit
	for _, task := range tasks {
		if seen[task.ID] {
			continue
		}
		seen[task.ID] = true

		unit := runnableUnit{taskID: task.ID, members: 1}
		info, err := s.runner.LinkingInfoFor(ctx, task.ID)
		if err != nil {
			logger.Warn("linking lookup failed, scheduling task alone",
				"task", task.ID, "error", err)
		} else if info.HasLinks {
			unit.group = info.GroupTag
			unit.members = len(info.Members)
			for _, m := range info.Members {
				seen[m.ID] = true
			}
			logger.Debug("scheduling linked unit",
				"task", unit.taskID, "group", unit.group, "members", unit.members)
		}
		units = append(units, unit)
	}
	return units
}

// untilNext returns the wait from now to the next occurrence of the HH:MM
// hour in now's location.
func untilNext(now time.Time, hour string) time.Duration {
	t, err := time.Parse("15:04", hour)
	if err != nil {
		// SetEnabled validated the hour; an unparsable value here means the
		// zero Scheduler was used directly. Fall back to a day.
		return 24 * time.Hour
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
