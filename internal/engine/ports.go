// Package engine implements the per-task transfer algorithm: extract rows
// from the source server, deduplicate against the destination, insert in
// batches, and optionally run a coordinated post-update back on the source.
package engine

import (
	"context"

	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/supervisor"
)

// Conn is one leased database connection.
type Conn interface {
	gateway.Querier
	// Ping runs the liveness probe on the underlying connection.
	Ping(ctx context.Context) error
}

// ConnSource leases connections to the transfer endpoints and takes them
// back. Release must tolerate nil.
type ConnSource interface {
	Acquire(ctx context.Context, key supervisor.ServerKey) (Conn, error)
	Release(conn Conn)
}

// ProgressSink receives per-task progress updates.
type ProgressSink interface {
	Publish(taskID string, progress int, message string)
}

// Lifecycle tracks running executions so they can be cancelled and observed.
type Lifecycle interface {
	Register(taskID string, cancel context.CancelFunc, metadata map[string]string)
	Complete(taskID string, final models.ExecutionStatus)
}

// supervisorSource adapts the connection supervisor to the ConnSource port.
type supervisorSource struct {
	sup *supervisor.Supervisor
}

// NewSupervisorSource wraps a supervisor as a ConnSource.
func NewSupervisorSource(sup *supervisor.Supervisor) ConnSource {
	return supervisorSource{sup: sup}
}

func (s supervisorSource) Acquire(ctx context.Context, key supervisor.ServerKey) (Conn, error) {
	conn, err := s.sup.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s supervisorSource) Release(conn Conn) {
	if conn == nil {
		return
	}
	if sc, ok := conn.(*supervisor.Conn); ok {
		s.sup.Release(sc)
	}
}

// lease tracks one held connection and its endpoint so it can be reconnected
// in place and released exactly once.
type lease struct {
	src  ConnSource
	key  supervisor.ServerKey
	conn Conn
}

func acquireLease(ctx context.Context, src ConnSource, key supervisor.ServerKey) (*lease, error) {
	conn, err := src.Acquire(ctx, key)
	if err != nil {
		return nil, gateway.Classify(err)
	}
	return &lease{src: src, key: key, conn: conn}, nil
}

// reconnect swaps the held connection for a freshly acquired one.
func (l *lease) reconnect(ctx context.Context) error {
	l.src.Release(l.conn)
	l.conn = nil
	conn, err := l.src.Acquire(ctx, l.key)
	if err != nil {
		return gateway.Classify(err)
	}
	l.conn = conn
	return nil
}

// release returns the connection to its source. Safe to call twice.
func (l *lease) release() {
	if l == nil || l.conn == nil {
		return
	}
	l.src.Release(l.conn)
	l.conn = nil
}

// endpointKeys maps a transfer direction to its (source, destination)
// endpoints. Up moves rows A to B; down swaps the roles.
func endpointKeys(t models.TransferType) (src, dst supervisor.ServerKey) {
	if t.Normalize() == models.TransferDown {
		return supervisor.ServerB, supervisor.ServerA
	}
	return supervisor.ServerA, supervisor.ServerB
}
