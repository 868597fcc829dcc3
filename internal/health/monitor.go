// Package health runs the periodic connectivity probe and drives recovery
// when consecutive failures cross a threshold.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/supervisor"
)

// Defaults for Options zero values.
const (
	DefaultInterval            = 5 * time.Minute
	DefaultDatabaseThreshold   = 3
	DefaultConnectionThreshold = 5
	DefaultRecoveryCooldown    = 30 * time.Minute
	DefaultMaxRecoveries       = 3
	DefaultReinitDelay         = 5 * time.Second

	probeTimeout = 30 * time.Second
)

// Store is the repository surface the monitor probes and recovers.
type Store interface {
	Ping(ctx context.Context) error
	Reopen() error
}

// Endpoints is the connection-layer surface the monitor probes and recovers.
type Endpoints interface {
	Diagnose(ctx context.Context, key supervisor.ServerKey) supervisor.Diagnosis
	CloseAll()
}

// Options configure a Monitor. Zero values select the defaults.
type Options struct {
	Interval            time.Duration
	DatabaseThreshold   int
	ConnectionThreshold int
	RecoveryCooldown    time.Duration
	MaxRecoveries       int
	// ReinitDelay is the pause between closing all pools and redialing
	// during connection recovery.
	ReinitDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.DatabaseThreshold <= 0 {
		o.DatabaseThreshold = DefaultDatabaseThreshold
	}
	if o.ConnectionThreshold <= 0 {
		o.ConnectionThreshold = DefaultConnectionThreshold
	}
	if o.RecoveryCooldown <= 0 {
		o.RecoveryCooldown = DefaultRecoveryCooldown
	}
	if o.MaxRecoveries <= 0 {
		o.MaxRecoveries = DefaultMaxRecoveries
	}
	if o.ReinitDelay <= 0 {
		o.ReinitDelay = DefaultReinitDelay
	}
	return o
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Healthy            bool                   `json:"healthy"`
	LastProbe          time.Time              `json:"last_probe,omitempty"`
	RepositoryOK       bool                   `json:"repository_ok"`
	Servers            []supervisor.Diagnosis `json:"servers,omitempty"`
	DatabaseFailures   int                    `json:"database_failures"`
	ConnectionFailures int                    `json:"connection_failures"`
	Recoveries         int                    `json:"recoveries"`
	CooldownUntil      time.Time              `json:"cooldown_until,omitempty"`
	ManualRequired     bool                   `json:"manual_required"`
}

// Monitor probes the repository and both endpoints on a fixed interval.
// Consecutive repository failures trigger a repository reopen; consecutive
// endpoint failures trigger a pool teardown and redial. A fully green tick
// resets both counters. Recoveries are rate-limited by a cool-down and
// capped; past the cap the monitor stops recovering and flags the condition
// for an operator.
type Monitor struct {
	store     Store
	endpoints Endpoints
	opts      Options

	kick chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	dbFailures    int
	connFailures  int
	recoveries    int
	manual        bool
	cooldownUntil time.Time
	last          Status
}

// New creates a monitor. Call Start to begin probing.
func New(store Store, endpoints Endpoints, opts Options) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:     store,
		endpoints: endpoints,
		opts:      opts.withDefaults(),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the probe loop. The first probe runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// Status reports the last probe outcome and the counter state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.last
	s.DatabaseFailures = m.dbFailures
	s.ConnectionFailures = m.connFailures
	s.Recoveries = m.recoveries
	s.CooldownUntil = m.cooldownUntil
	s.ManualRequired = m.manual
	return s
}

// RegisterError reports a failure observed outside the probe loop.
// Connection kinds feed the connection counter; everything else counts
// against the repository. An immediate probe is scheduled either way so a
// threshold breach is acted on without waiting for the next tick.
func (m *Monitor) RegisterError(kind models.ErrorKind, err error) {
	m.mu.Lock()
	switch kind {
	case models.KindConnectionTransient, models.KindConnectionFatal:
		m.connFailures++
	default:
		m.dbFailures++
	}
	db, conn := m.dbFailures, m.connFailures
	m.mu.Unlock()

	logger.Warn("health error registered",
		"kind", kind.String(), "error", err,
		"database_failures", db, "connection_failures", conn)

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.probe()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		case <-m.kick:
			m.probe()
		}
	}
}

// probe runs one tick: check the repository and both endpoints, update the
// counters, and recover when a threshold is crossed.
func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	defer cancel()

	repoErr := m.store.Ping(ctx)
	diagA := m.endpoints.Diagnose(ctx, supervisor.ServerA)
	diagB := m.endpoints.Diagnose(ctx, supervisor.ServerB)

	m.mu.Lock()
	if repoErr != nil {
		m.dbFailures++
		logger.Warn("health probe: repository unreachable",
			"error", repoErr, "failures", m.dbFailures)
	}
	for _, d := range []supervisor.Diagnosis{diagA, diagB} {
		if !d.OK {
			m.connFailures++
			logger.Warn("health probe: endpoint check failed",
				"server", string(d.Server), "detail", d.Detail, "failures", m.connFailures)
		}
	}

	allGreen := repoErr == nil && diagA.OK && diagB.OK
	if allGreen {
		m.dbFailures = 0
		m.connFailures = 0
	}

	m.last = Status{
		Healthy:      allGreen,
		LastProbe:    time.Now(),
		RepositoryOK: repoErr == nil,
		Servers:      []supervisor.Diagnosis{diagA, diagB},
	}

	wantDB := m.dbFailures >= m.opts.DatabaseThreshold
	wantConn := m.connFailures >= m.opts.ConnectionThreshold
	blocked := m.manual || time.Now().Before(m.cooldownUntil)
	manual := m.manual
	db, conn := m.dbFailures, m.connFailures
	m.mu.Unlock()

	if allGreen || (!wantDB && !wantConn) {
		return
	}
	if blocked {
		if manual {
			logger.Error("health threshold breached, manual intervention required",
				"database_failures", db, "connection_failures", conn)
		} else {
			logger.Warn("health threshold breached during recovery cool-down")
		}
		return
	}

	// One recovery per tick; the cool-down then paces the next one.
	if wantDB {
		m.recoverDatabase()
	} else {
		m.recoverConnections()
	}
}

// recoverDatabase closes and reopens the repository handle.
func (m *Monitor) recoverDatabase() {
	logger.Warn("health recovery: reopening repository")
	if err := m.store.Reopen(); err != nil {
		logger.Error("health recovery: repository reopen failed", "error", err)
	} else {
		logger.Info("health recovery: repository reopened")
	}
	m.finishRecovery(func() { m.dbFailures = 0 })
}

// recoverConnections tears down every endpoint pool, waits, and redials.
func (m *Monitor) recoverConnections() {
	logger.Warn("health recovery: resetting endpoint pools")
	m.endpoints.CloseAll()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.opts.ReinitDelay):
	}

	ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
	defer cancel()
	for _, key := range []supervisor.ServerKey{supervisor.ServerA, supervisor.ServerB} {
		d := m.endpoints.Diagnose(ctx, key)
		if d.OK {
			logger.Info("health recovery: endpoint redialed", "server", string(key))
		} else {
			logger.Error("health recovery: endpoint still failing",
				"server", string(key), "detail", d.Detail)
		}
	}
	m.finishRecovery(func() { m.connFailures = 0 })
}

// finishRecovery books the attempt, starts the cool-down, and flags manual
// intervention once the attempt cap is reached.
func (m *Monitor) finishRecovery(resetCounter func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resetCounter()
	m.recoveries++
	m.cooldownUntil = time.Now().Add(m.opts.RecoveryCooldown)
	if m.recoveries >= m.opts.MaxRecoveries {
		m.manual = true
		logger.Error("health recovery cap reached, manual intervention required",
			"recoveries", m.recoveries)
	} else {
		logger.Info("health recovery complete",
			"recoveries", m.recoveries, "cooldown_until", m.cooldownUntil)
	}
}
