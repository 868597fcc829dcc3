// Package daemon assembles and runs the shuttle service: the connection
// supervisor, task repository, transfer engine, scheduler, health monitor,
// notification sinks, and the local control server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/engine"
	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/health"
	"github.com/shuttledb/shuttle/internal/ipc"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/notify"
	"github.com/shuttledb/shuttle/internal/progress"
	"github.com/shuttledb/shuttle/internal/repository"
	"github.com/shuttledb/shuttle/internal/scheduler"
	"github.com/shuttledb/shuttle/internal/supervisor"
	"github.com/shuttledb/shuttle/internal/taskfile"
	"github.com/shuttledb/shuttle/internal/tracker"
)

// Version is stamped by the release build; cmd/shuttle overwrites it from
// its own ldflags value before starting the daemon.
var Version = "dev"

const (
	// cleanupEvery is how often the tracker purges terminal and orphaned
	// entries.
	cleanupEvery = time.Minute

	// stopTimeout bounds how long Stop waits for background work to drain.
	stopTimeout = 30 * time.Second
)

// State is the daemon lifecycle phase reported over the control socket.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Daemon wires the shuttle components together and runs them as one service.
type Daemon struct {
	cfg         *config.Config
	interactive bool

	state     State
	stateMu   sync.RWMutex
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sup       *supervisor.Supervisor
	repo      repository.Repository
	bus       *progress.Bus
	registry  *tracker.Registry
	engine    *engine.Engine
	sched     *scheduler.Scheduler
	monitor   *health.Monitor
	sinks     notify.Sink
	webhook   *notify.Webhook
	watcher   *taskfile.Watcher
	ipcServer *ipc.Server
}

// New creates a daemon from the given configuration. Call Start to bring
// the components up. interactive permits terminal password prompts while
// the endpoint pools dial; service-managed daemons must pass false.
func New(cfg *config.Config, interactive bool) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:         cfg,
		interactive: interactive,
		state:       StateStopped,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start brings every component up in dependency order. A failed start
// returns the first error; the process is expected to exit rather than
// retry on a partially started daemon.
func (d *Daemon) Start() error {
	d.setState(StateStarting)
	d.startTime = time.Now()
	logger.Info("shuttle daemon starting", "version", Version, "pid", os.Getpid())

	if err := d.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.sup = supervisor.New(d.cfg, d.interactive)

	repo, err := repository.Open(d.ctx, d.cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to open task repository: %w", err)
	}
	d.repo = repo
	logger.Info("task repository ready", "driver", d.repositoryDriver())

	if path := d.cfg.TaskFile.Path; path != "" {
		if err := d.startTaskFile(path); err != nil {
			return err
		}
	}

	d.bus = progress.New()
	d.registry = tracker.New()

	d.monitor = health.New(d.repo, d.sup, health.Options{
		Interval:            d.cfg.Health.Interval,
		DatabaseThreshold:   d.cfg.Health.DatabaseThreshold,
		ConnectionThreshold: d.cfg.Health.ConnectionThreshold,
		RecoveryCooldown:    d.cfg.Health.RecoveryCooldown,
		MaxRecoveries:       d.cfg.Health.MaxRecoveries,
	})

	source := reportingSource{
		src:     engine.NewSupervisorSource(d.sup),
		monitor: d.monitor,
	}
	d.engine = engine.New(d.repo, source, gateway.New(d.cfg.Destination.Schema),
		d.bus, d.registry, engine.Options{
			BatchSize:     d.cfg.Engine.BatchSize,
			SubBatchSize:  d.cfg.Engine.InsertSubBatch,
			MaxDuplicates: d.cfg.Engine.MaxReportedDuplicates,
			RetryWait:     d.cfg.Engine.RetryInitialDelay,
		})

	sinks := notify.Multi{notify.LogSink{}}
	if url := d.cfg.Notify.Webhook.URL; url != "" {
		d.webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:     url,
			Timeout: d.cfg.Notify.Webhook.Timeout,
		})
		d.webhook.Start()
		sinks = append(sinks, d.webhook)
		logger.Info("webhook notifications enabled", "url", url)
	}
	d.sinks = sinks

	sched, err := scheduler.New(d.repo, d.engine, sinks, scheduler.Options{
		Hour:        d.cfg.Scheduler.Hour,
		Enabled:     d.cfg.Scheduler.Enabled,
		Timezone:    d.cfg.Scheduler.Timezone,
		Concurrency: d.cfg.Scheduler.Concurrency,
		WavePause:   d.cfg.Scheduler.WavePause,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.sched = sched

	d.monitor.Start()

	d.wg.Add(1)
	go d.cleanupLoop()

	if d.cfg.IPC.Enabled {
		if err := d.startControlServer(); err != nil {
			return err
		}
	} else {
		logger.Info("control server disabled")
	}

	d.setState(StateRunning)
	logger.Info("shuttle daemon started",
		"scheduler_enabled", d.cfg.Scheduler.Enabled,
		"hour", d.cfg.Scheduler.Hour)
	return nil
}

// startTaskFile syncs the declarative task file into the repository and,
// when configured, keeps watching it for edits.
func (d *Daemon) startTaskFile(path string) error {
	if !d.cfg.TaskFile.Watch {
		if _, err := taskfile.Sync(d.ctx, d.repo, path); err != nil {
			return fmt.Errorf("failed to sync task file: %w", err)
		}
		return nil
	}
	watcher, err := taskfile.NewWatcher(path, d.repo)
	if err != nil {
		return fmt.Errorf("failed to watch task file: %w", err)
	}
	if err := watcher.Start(d.ctx); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to sync task file: %w", err)
	}
	d.watcher = watcher
	return nil
}

// startControlServer generates the session token, writes it where local
// clients can read it, and brings the socket up with every method wired.
func (d *Daemon) startControlServer() error {
	token, err := ipc.GenerateToken()
	if err != nil {
		return fmt.Errorf("failed to generate control token: %w", err)
	}
	tokenPath := filepath.Join(config.DefaultDataDir(), ipc.TokenFileName)
	if err := ipc.WriteToken(tokenPath, token); err != nil {
		return fmt.Errorf("failed to write control token: %w", err)
	}

	server, err := ipc.NewServer(d.cfg.IPC.Path, token)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}
	d.registerHandlers(server)
	if err := server.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	d.ipcServer = server
	return nil
}

// Stop shuts the daemon down: stop taking commands, cancel running
// transfers, drain the scheduler and notifications, then release the
// stores and pools.
func (d *Daemon) Stop() error {
	d.setState(StateStopping)
	logger.Info("shuttle daemon stopping")

	if d.ipcServer != nil {
		if err := d.ipcServer.Stop(); err != nil {
			logger.Warn("control server stop failed", "error", err)
		}
		d.ipcServer = nil
	}
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			logger.Warn("task file watcher close failed", "error", err)
		}
		d.watcher = nil
	}

	if d.registry != nil {
		if n := d.registry.CancelAll(); n > 0 {
			logger.Info("cancelled running transfers for shutdown", "count", n)
		}
	}
	if d.sched != nil {
		d.sched.Close()
	}
	if d.monitor != nil {
		d.monitor.Close()
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn("shutdown timeout, forcing stop")
	}

	// The webhook drains after every producer above has finished.
	if d.webhook != nil {
		d.webhook.Stop()
		d.webhook = nil
	}

	if d.bus != nil {
		d.bus.Close()
		d.bus = nil
	}
	if d.repo != nil {
		if err := d.repo.Close(); err != nil {
			logger.Warn("repository close failed", "error", err)
		}
		d.repo = nil
	}
	if d.sup != nil {
		d.sup.CloseAll()
	}

	d.setState(StateStopped)
	logger.Info("shuttle daemon stopped")
	return nil
}

// Wait blocks until the daemon's root context is cancelled.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

// State reports the current lifecycle phase.
func (d *Daemon) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Daemon) setState(state State) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = state
}

// Uptime is the time elapsed since Start completed, zero before that.
func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

// Status assembles the full control-plane snapshot.
func (d *Daemon) Status(ctx context.Context) ipc.StatusResult {
	warns, errs := logger.Counts()
	st := ipc.StatusResult{
		State:         string(d.State()),
		PID:           os.Getpid(),
		Version:       Version,
		StartTime:     d.startTime,
		UptimeSeconds: int64(d.Uptime().Seconds()),
		Repository:    ipc.RepositoryInfo{Driver: d.repositoryDriver()},
		Log:           ipc.LogInfo{Warnings: uint64(warns), Errors: uint64(errs)},
	}
	if d.sched != nil {
		st.Scheduler = d.sched.Status()
	}
	if d.monitor != nil {
		h := d.monitor.Status()
		st.Health = h
		st.Repository.OK = h.RepositoryOK
	}
	if d.sup != nil {
		st.Servers = d.sup.Stats()
	}
	st.Running = d.runningTasks(ctx)
	return st
}

// runningTasks merges tracker entries with the latest progress values.
func (d *Daemon) runningTasks(ctx context.Context) []ipc.RunningTask {
	if d.registry == nil {
		return nil
	}
	ids := d.registry.Running()
	out := make([]ipc.RunningTask, 0, len(ids))
	for _, id := range ids {
		poll := d.registry.Poll(id)
		rt := ipc.RunningTask{TaskID: id, StartedAt: poll.StartedAt}
		if ev, ok := d.bus.Last(id); ok {
			rt.Progress = ev.Progress
			rt.Message = ev.Message
		}
		if task, err := d.repo.GetTaskByID(ctx, id); err == nil {
			rt.Name = task.Name
		}
		out = append(out, rt)
	}
	return out
}

// cleanupLoop periodically purges terminal and orphaned tracker entries.
func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := d.registry.Cleanup(tracker.DefaultMaxAge); n > 0 {
				logger.Debug("tracker cleanup", "removed", n)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) repositoryDriver() string {
	if d.cfg.Repository.Driver == "" {
		return "sqlite"
	}
	return d.cfg.Repository.Driver
}

// reportingSource decorates the engine's connection source so acquire
// failures feed the health monitor between probes. Failures caused by the
// caller's own cancellation are not health signals and are skipped.
type reportingSource struct {
	src     engine.ConnSource
	monitor *health.Monitor
}

func (r reportingSource) Acquire(ctx context.Context, key supervisor.ServerKey) (engine.Conn, error) {
	conn, err := r.src.Acquire(ctx, key)
	if err != nil && ctx.Err() == nil {
		r.monitor.RegisterError(models.KindOf(gateway.Classify(err)), err)
	}
	return conn, err
}

func (r reportingSource) Release(conn engine.Conn) {
	r.src.Release(conn)
}
