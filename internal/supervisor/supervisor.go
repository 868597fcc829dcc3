// Package supervisor manages pooled connections to the two transfer
// endpoints. Every leased connection is validated with a probe, transient
// acquire failures are retried on a bounded backoff schedule, and fatal
// ones surface immediately.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// ServerKey identifies one managed endpoint.
type ServerKey string

const (
	ServerA ServerKey = "server_a"
	ServerB ServerKey = "server_b"
)

const (
	acquireAttempts       = 3
	defaultConnectTimeout = 60 * time.Second
	probeQuery            = "SELECT 1"
)

// Conn is a leased endpoint connection. It satisfies gateway.Querier.
type Conn struct {
	key ServerKey
	pc  *pgxpool.Conn
}

// Key reports which server the connection belongs to.
func (c *Conn) Key() ServerKey { return c.key }

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.pc.Exec(ctx, sql, args...)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.pc.Query(ctx, sql, args...)
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.pc.QueryRow(ctx, sql, args...)
}

// Ping re-validates the leased connection.
func (c *Conn) Ping(ctx context.Context) error {
	var one int
	if err := c.pc.QueryRow(ctx, probeQuery).Scan(&one); err != nil {
		return gateway.Classify(err)
	}
	return nil
}

type endpoint struct {
	key ServerKey
	cfg config.ServerConfig

	mu             sync.Mutex
	pool           *pgxpool.Pool
	cachedPassword string

	stats *endpointStats
}

type endpointStats struct {
	mu            sync.Mutex
	acquires      uint64
	releases      uint64
	probeFailures uint64
	retries       uint64
	latency       ewma.MovingAverage
}

func newEndpointStats() *endpointStats {
	return &endpointStats{latency: ewma.NewMovingAverage()}
}

func (s *endpointStats) acquired(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	s.latency.Add(float64(d) / float64(time.Millisecond))
}

func (s *endpointStats) released() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
}

func (s *endpointStats) probeFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeFailures++
}

func (s *endpointStats) retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// ServerStats is a point-in-time snapshot of one endpoint.
type ServerStats struct {
	Server        ServerKey `json:"server"`
	Connected     bool      `json:"connected"`
	Acquires      uint64    `json:"acquires"`
	Releases      uint64    `json:"releases"`
	ProbeFailures uint64    `json:"probe_failures"`
	Retries       uint64    `json:"retries"`
	AvgAcquireMs  float64   `json:"avg_acquire_ms"`
	TotalConns    int32     `json:"total_conns"`
	IdleConns     int32     `json:"idle_conns"`
}

// Diagnosis reports the outcome of a connectivity check.
type Diagnosis struct {
	Server  ServerKey     `json:"server"`
	OK      bool          `json:"ok"`
	Detail  string        `json:"detail"`
	Latency time.Duration `json:"latency"`
}

// Supervisor owns one pool per configured endpoint.
type Supervisor struct {
	interactive bool
	endpoints   map[ServerKey]*endpoint
}

// New wires a supervisor over the configured endpoints. interactive permits
// a terminal password prompt when no other password source is available.
func New(cfg *config.Config, interactive bool) *Supervisor {
	return &Supervisor{
		interactive: interactive,
		endpoints: map[ServerKey]*endpoint{
			ServerA: {key: ServerA, cfg: cfg.ServerA, stats: newEndpointStats()},
			ServerB: {key: ServerB, cfg: cfg.ServerB, stats: newEndpointStats()},
		},
	}
}

// Acquire leases a validated connection to the given server. Transient
// failures consume attempts and wait out the backoff schedule; fatal ones
// return at once.
func (s *Supervisor) Acquire(ctx context.Context, key ServerKey) (*Conn, error) {
	ep, err := s.endpoint(key)
	if err != nil {
		return nil, err
	}

	bo := newAcquireBackoff()
	var lastErr error
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		if attempt > 1 {
			delay := bo.Next()
			logger.Warn("retrying connection acquire",
				"server", string(ep.key),
				"attempt", attempt,
				"delay", delay,
			)
			ep.stats.retried()
			select {
			case <-ctx.Done():
				return nil, gateway.Classify(ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := s.acquireOnce(ctx, ep)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !models.IsTransient(err) {
			logger.Error("connection acquire failed",
				"server", string(ep.key),
				"kind", models.KindOf(err).String(),
				"error", err,
			)
			return nil, err
		}
		logger.Warn("transient acquire failure",
			"server", string(ep.key),
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, lastErr
}

// acquireOnce performs a single attempt: connect the pool if needed, lease
// a connection, and probe it. A failed probe destroys the connection.
func (s *Supervisor) acquireOnce(ctx context.Context, ep *endpoint) (*Conn, error) {
	timeout := ep.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := ep.ensurePool(attemptCtx, s.interactive)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pc, err := pool.Acquire(attemptCtx)
	if err != nil {
		return nil, gateway.Classify(err)
	}

	var one int
	if err := pc.QueryRow(attemptCtx, probeQuery).Scan(&one); err != nil {
		destroyConn(pc)
		ep.stats.probeFailed()
		return nil, gateway.Classify(err)
	}

	ep.stats.acquired(time.Since(start))
	return &Conn{key: ep.key, pc: pc}, nil
}

// Release returns a leased connection to its pool. Safe on nil and on
// already released connections.
func (s *Supervisor) Release(conn *Conn) {
	if conn == nil || conn.pc == nil {
		return
	}
	conn.pc.Release()
	conn.pc = nil
	if ep, err := s.endpoint(conn.key); err == nil {
		ep.stats.released()
	}
}

// Diagnose runs a single connectivity check against the given server and
// reports the server version on success.
func (s *Supervisor) Diagnose(ctx context.Context, key ServerKey) Diagnosis {
	diag := Diagnosis{Server: key}
	ep, err := s.endpoint(key)
	if err != nil {
		diag.Detail = err.Error()
		return diag
	}

	start := time.Now()
	conn, err := s.acquireOnce(ctx, ep)
	if err != nil {
		diag.Detail = err.Error()
		return diag
	}
	defer s.Release(conn)

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		diag.Detail = err.Error()
		return diag
	}
	diag.OK = true
	diag.Detail = version
	diag.Latency = time.Since(start)
	return diag
}

// Reset tears down the endpoint's pool so the next acquire redials. Recovery
// uses this when an endpoint is judged unhealthy.
func (s *Supervisor) Reset(key ServerKey) {
	ep, err := s.endpoint(key)
	if err != nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.pool != nil {
		ep.pool.Close()
		ep.pool = nil
		logger.Info("endpoint pool reset", "server", string(key))
	}
}

// CloseAll closes every endpoint pool.
func (s *Supervisor) CloseAll() {
	for _, ep := range s.endpoints {
		ep.mu.Lock()
		if ep.pool != nil {
			ep.pool.Close()
			ep.pool = nil
		}
		ep.mu.Unlock()
	}
	logger.Debug("all endpoint pools closed")
}

// Stats snapshots every endpoint's counters in a stable order.
func (s *Supervisor) Stats() []ServerStats {
	out := make([]ServerStats, 0, len(s.endpoints))
	for _, key := range []ServerKey{ServerA, ServerB} {
		if ep, ok := s.endpoints[key]; ok {
			out = append(out, ep.snapshot())
		}
	}
	return out
}

func (s *Supervisor) endpoint(key ServerKey) (*endpoint, error) {
	ep, ok := s.endpoints[key]
	if !ok {
		return nil, models.Tagf(models.KindConnectionFatal, "unknown server %q", key)
	}
	return ep, nil
}

// ensurePool connects the endpoint's pool on first use.
func (ep *endpoint) ensurePool(ctx context.Context, interactive bool) (*pgxpool.Pool, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.pool != nil {
		return ep.pool, nil
	}

	password, err := ep.lookupPassword(interactive)
	if err != nil {
		return nil, models.Tag(models.KindConnectionFatal, err)
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		ep.cfg.User,
		password,
		ep.cfg.Host,
		ep.cfg.Port,
		ep.cfg.Database,
		ep.cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, models.Tag(models.KindConnectionFatal, err)
	}
	poolConfig.MaxConns = int32(ep.cfg.PoolMaxConns)
	poolConfig.MinConns = int32(ep.cfg.PoolMinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "shuttle"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, gateway.Classify(err)
	}

	logger.Info("endpoint pool created",
		"server", string(ep.key),
		"host", ep.cfg.Host,
		"port", ep.cfg.Port,
		"database", ep.cfg.Database,
	)
	ep.pool = pool
	return pool, nil
}

// lookupPassword resolves the endpoint password, remembering it so pool
// resets do not prompt or re-resolve. Command-sourced passwords are never
// cached because the command may rotate them.
func (ep *endpoint) lookupPassword(interactive bool) (string, error) {
	if ep.cachedPassword != "" {
		return ep.cachedPassword, nil
	}
	prompt := fmt.Sprintf("Enter password for %s (%s@%s): ", ep.key, ep.cfg.User, ep.cfg.Host)
	password, err := GetPassword(ep.cfg.PasswordCommand, prompt, interactive)
	if err != nil {
		return "", err
	}
	if ep.cfg.PasswordCommand == "" && password != "" {
		ep.cachedPassword = password
	}
	return password, nil
}

func (ep *endpoint) snapshot() ServerStats {
	ep.stats.mu.Lock()
	st := ServerStats{
		Server:        ep.key,
		Acquires:      ep.stats.acquires,
		Releases:      ep.stats.releases,
		ProbeFailures: ep.stats.probeFailures,
		Retries:       ep.stats.retries,
		AvgAcquireMs:  ep.stats.latency.Value(),
	}
	ep.stats.mu.Unlock()

	ep.mu.Lock()
	if ep.pool != nil {
		st.Connected = true
		pstat := ep.pool.Stat()
		st.TotalConns = pstat.TotalConns()
		st.IdleConns = pstat.IdleConns()
	}
	ep.mu.Unlock()
	return st
}

// destroyConn closes the underlying connection before release so the pool
// discards it instead of recycling a bad session.
func destroyConn(pc *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = pc.Conn().Close(ctx)
	pc.Release()
}
