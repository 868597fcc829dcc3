package engine_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shuttledb/shuttle/internal/engine"
	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
	"github.com/shuttledb/shuttle/internal/supervisor"
	"github.com/shuttledb/shuttle/internal/tracker"
)

// fakeRows implements pgx.Rows over a fixed result.
type fakeRows struct {
	cols []string
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fields[i].Name = c
	}
	return fields
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.idx-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	for i, d := range dest {
		if i >= len(r.rows[r.idx-1]) {
			break
		}
		assign(d, r.rows[r.idx-1][i])
	}
	return nil
}

// fakeRow implements pgx.Row for single-value lookups.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		assign(d, r.vals[i])
	}
	return nil
}

func assign(dest, val any) {
	switch d := dest.(type) {
	case *int64:
		switch v := val.(type) {
		case int64:
			*d = v
		case int:
			*d = int64(v)
		}
	case *int:
		switch v := val.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		}
	case *string:
		*d = val.(string)
	}
}

// queryScript is one scripted result for a source query, keyed by its SQL.
type queryScript struct {
	cols  []string
	rows  [][]any
	errAt map[int]error
	calls int
}

type call struct {
	kind string
	sql  string
	args []any
}

// serverState scripts one endpoint's behavior and records everything the
// engine does to it. Reconnects hand out new conns over the same state.
type serverState struct {
	mu sync.Mutex

	queries      map[string]*queryScript
	keyCols      []string
	keyRows      [][]any
	colTypeRows  [][]any
	maxLens      map[string]int
	counts       []int64
	clearErr     error
	insertErrAt  map[int]error
	updateErrAt  map[int]error
	pingErrAt    map[int]error
	insertCalls  int
	pingCalls    int
	onInsert     func(n int)
	log          []call
}

func newServerState() *serverState {
	return &serverState{
		queries:     map[string]*queryScript{},
		maxLens:     map[string]int{},
		insertErrAt: map[int]error{},
		updateErrAt: map[int]error{},
		pingErrAt:   map[int]error{},
	}
}

func (s *serverState) script(sql string, cols []string, rows [][]any) *queryScript {
	q := &queryScript{cols: cols, rows: rows, errAt: map[int]error{}}
	s.queries[sql] = q
	return q
}

func (s *serverState) record(kind, sql string, args []any) {
	s.log = append(s.log, call{kind: kind, sql: sql, args: args})
}

func (s *serverState) calls(kind string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.log {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (s *serverState) firstIndex(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.log {
		if c.kind == kind {
			return i
		}
	}
	return -1
}

// fakeConn satisfies engine.Conn, dispatching on the SQL the gateway emits.
type fakeConn struct {
	state *serverState
}

func (c *fakeConn) Ping(ctx context.Context) error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCalls++
	s.record("ping", "", nil)
	return s.pingErrAt[s.pingCalls]
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.HasPrefix(sql, "DELETE"):
		if s.clearErr != nil {
			return pgconn.CommandTag{}, s.clearErr
		}
		s.record("clear", sql, args)
		return pgconn.NewCommandTag("DELETE 1"), nil
	case strings.HasPrefix(sql, "INSERT"):
		s.insertCalls++
		n := s.insertCalls
		if s.onInsert != nil {
			s.onInsert(n)
		}
		if err := s.insertErrAt[n]; err != nil {
			return pgconn.CommandTag{}, err
		}
		s.record("insert", sql, args)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	default:
		s.record("update", sql, args)
		n := len(s.calls0("update"))
		if err := s.updateErrAt[n]; err != nil {
			return pgconn.CommandTag{}, err
		}
		return pgconn.NewCommandTag("UPDATE 5"), nil
	}
}

// calls0 is the lock-free variant for use under s.mu.
func (s *serverState) calls0(kind string) []call {
	var out []call
	for _, c := range s.log {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(sql, "information_schema.columns"):
		s.record("types", sql, args)
		return &fakeRows{cols: []string{"column_name", "data_type"}, rows: s.colTypeRows}, nil
	case strings.Contains(sql, `FROM "dbo".`):
		s.record("keys", sql, args)
		return &fakeRows{cols: s.keyCols, rows: s.keyRows}, nil
	default:
		s.record("query", sql, args)
		q := s.queries[sql]
		if q == nil {
			return nil, fmt.Errorf("unscripted query: %s", sql)
		}
		q.calls++
		if err := q.errAt[q.calls]; err != nil {
			return nil, err
		}
		return &fakeRows{cols: q.cols, rows: q.rows}, nil
	}
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(sql, "COUNT(*)"):
		s.record("count", sql, args)
		count := int64(0)
		if len(s.counts) > 0 {
			count = s.counts[0]
			if len(s.counts) > 1 {
				s.counts = s.counts[1:]
			}
		}
		return fakeRow{vals: []any{count}}
	case strings.Contains(sql, "character_maximum_length"):
		s.record("maxlen", sql, args)
		col, _ := args[2].(string)
		return fakeRow{vals: []any{s.maxLens[col]}}
	default:
		return fakeRow{vals: []any{1}}
	}
}

// fakeSource leases fakeConns and counts the traffic per endpoint. Failed
// attempts count separately from handed-out leases so the balance check
// compares only real leases against releases.
type fakeSource struct {
	mu       sync.Mutex
	states   map[supervisor.ServerKey]*serverState
	attempts map[supervisor.ServerKey]int
	acquires map[supervisor.ServerKey]int
	releases map[supervisor.ServerKey]int
	// acquireErrAt fails the nth acquire attempt for a key.
	acquireErrAt map[supervisor.ServerKey]map[int]error
}

func newFakeSource(src, dst *serverState) *fakeSource {
	return &fakeSource{
		states: map[supervisor.ServerKey]*serverState{
			supervisor.ServerA: src,
			supervisor.ServerB: dst,
		},
		attempts:     map[supervisor.ServerKey]int{},
		acquires:     map[supervisor.ServerKey]int{},
		releases:     map[supervisor.ServerKey]int{},
		acquireErrAt: map[supervisor.ServerKey]map[int]error{},
	}
}

func (f *fakeSource) Acquire(ctx context.Context, key supervisor.ServerKey) (engine.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[key]++
	if errs := f.acquireErrAt[key]; errs != nil {
		if err := errs[f.attempts[key]]; err != nil {
			return nil, err
		}
	}
	f.acquires[key]++
	return &fakeConn{state: f.states[key]}, nil
}

func (f *fakeSource) Release(conn engine.Conn) {
	if conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state := conn.(*fakeConn).state
	for key, s := range f.states {
		if s == state {
			f.releases[key]++
		}
	}
}

func (f *fakeSource) assertBalanced(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, n := range f.acquires {
		if f.releases[key] != n {
			t.Errorf("endpoint %s: %d acquires, %d releases", key, n, f.releases[key])
		}
	}
}

// sinkRecorder captures every published progress value.
type sinkRecorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *sinkRecorder) Publish(taskID string, progress int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.ProgressEvent{
		TaskID: taskID, Progress: progress, Message: message,
	})
}

func (s *sinkRecorder) progressFor(taskID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Progress)
		}
	}
	return out
}

type harness struct {
	repo     *repository.Memory
	src      *serverState
	dst      *serverState
	source   *fakeSource
	sink     *sinkRecorder
	registry *tracker.Registry
	eng      *engine.Engine
}

func newHarness(t *testing.T, opts engine.Options) *harness {
	t.Helper()
	if opts.RetryWait == 0 {
		opts.RetryWait = 5 * time.Millisecond
	}
	h := &harness{
		repo:     repository.NewMemory(),
		src:      newServerState(),
		dst:      newServerState(),
		sink:     &sinkRecorder{},
		registry: tracker.New(),
	}
	h.source = newFakeSource(h.src, h.dst)
	h.eng = engine.New(h.repo, h.source, gateway.New("dbo"), h.sink, h.registry, opts)
	return h
}

func (h *harness) saveTask(t *testing.T, task *models.TaskDefinition) {
	t.Helper()
	if err := h.repo.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask(%s) = %v", task.ID, err)
	}
}

func (h *harness) lastExecution(t *testing.T, taskID string) models.TaskExecution {
	t.Helper()
	execs, err := h.repo.ListExecutions(context.Background(), taskID, 1)
	if err != nil {
		t.Fatalf("ListExecutions(%s) = %v", taskID, err)
	}
	if len(execs) == 0 {
		t.Fatalf("no executions recorded for %s", taskID)
	}
	return execs[0]
}

func ordersTask() *models.TaskDefinition {
	return &models.TaskDefinition{
		ID:     "orders-eu",
		Name:   "orders",
		Active: true,
		Query:  "SELECT * FROM src_orders",
		Validation: models.ValidationRules{
			RequiredFields: []string{"id"},
		},
	}
}

func connLost() *pgconn.PgError {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func TestRunEmptySource(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)
	h.src.script(task.Query, []string{"id", "v"}, nil)

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Rows != 0 || res.Inserted != 0 || res.Duplicates != 0 {
		t.Errorf("counts = rows %d inserted %d duplicates %d, want all zero",
			res.Rows, res.Inserted, res.Duplicates)
	}

	progress := h.sink.progressFor(task.ID)
	if len(progress) < 2 || progress[0] != 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v, want 0 first and 100 last", progress)
	}

	exec := h.lastExecution(t, task.ID)
	if exec.Status != models.StatusCompleted {
		t.Errorf("persisted status = %s, want %s", exec.Status, models.StatusCompleted)
	}
	if exec.FinishedAt == nil {
		t.Error("persisted execution has no finish time")
	}
	h.source.assertBalanced(t)
}

func TestRunDeduplicatesAgainstDestination(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	// Destination already holds id A; the second B in the source exercises
	// the in-run growth of the key set.
	h.dst.counts = []int64{1, 3}
	h.dst.keyCols = []string{"id"}
	h.dst.keyRows = [][]any{{"A"}}
	h.src.script(task.Query, []string{"id", "v"}, [][]any{
		{"A", int64(1)},
		{"B", int64(2)},
		{"B", int64(3)},
	})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Rows != 3 || res.Inserted != 1 || res.Duplicates != 2 {
		t.Errorf("counts = rows %d inserted %d duplicates %d, want 3/1/2",
			res.Rows, res.Inserted, res.Duplicates)
	}
	if res.InitialCount != 1 {
		t.Errorf("InitialCount = %d, want 1", res.InitialCount)
	}
	if got := len(h.dst.calls("insert")); got != 1 {
		t.Errorf("insert statements = %d, want 1", got)
	}
	if len(res.ReportedDuplicates) != 2 {
		t.Fatalf("ReportedDuplicates = %d, want 2", len(res.ReportedDuplicates))
	}
	for _, dup := range res.ReportedDuplicates {
		if dup.Stage != models.DuplicatePrecheck {
			t.Errorf("duplicate stage = %s, want %s", dup.Stage, models.DuplicatePrecheck)
		}
	}
	if res.HasMoreDuplicates {
		t.Error("HasMoreDuplicates = true, want false")
	}
	h.source.assertBalanced(t)
}

func TestRunCountsInsertStageDuplicates(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	// Empty destination skips the pre-load; the unique violation on the
	// second insert is the only duplicate signal.
	h.src.script(task.Query, []string{"id", "v"}, [][]any{
		{"A", int64(1)},
		{"B", int64(2)},
	})
	h.dst.insertErrAt[2] = &pgconn.PgError{
		Code: "23505", Message: "duplicate key value violates unique constraint",
	}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Inserted != 1 || res.Duplicates != 1 {
		t.Errorf("inserted %d duplicates %d, want 1/1", res.Inserted, res.Duplicates)
	}
	if len(res.ReportedDuplicates) != 1 || res.ReportedDuplicates[0].Stage != models.DuplicateInsert {
		t.Errorf("ReportedDuplicates = %+v, want one insert-stage record", res.ReportedDuplicates)
	}
}

func TestRunClearOnMissingTableProceeds(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.ClearBeforeInsert = true
	h.saveTask(t, task)

	missing := &pgconn.PgError{Code: "42P01", Message: `relation "dbo.orders" does not exist`}
	h.dst.clearErr = missing
	h.dst.insertErrAt[1] = missing
	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want failure at first insert")
	}
	if res.ErrorDetail == "" || !strings.Contains(res.ErrorDetail, "does not exist") {
		t.Errorf("ErrorDetail = %q, want the driver message", res.ErrorDetail)
	}
	// The missing table downgraded the clear to a warning, so the engine
	// must have reached the insert.
	if len(h.dst.calls("clear")) != 0 {
		t.Error("clear recorded as successful despite missing table")
	}
	if h.dst.insertCalls != 1 {
		t.Errorf("insert attempts = %d, want 1", h.dst.insertCalls)
	}
	if ci, ii := h.dst.firstIndex("count"), h.dst.firstIndex("types"); ci == -1 || ii != -1 && ci > ii {
		t.Errorf("destination count at index %d, want before metadata at %d", ci, ii)
	}
	exec := h.lastExecution(t, task.ID)
	if exec.Status != models.StatusFailed {
		t.Errorf("persisted status = %s, want %s", exec.Status, models.StatusFailed)
	}
	h.source.assertBalanced(t)
}

func TestRunClearBeforeInsert(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.ClearBeforeInsert = true
	h.saveTask(t, task)

	h.dst.counts = []int64{7, 2}
	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}, {"B"}})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.InitialCount != 7 || res.FinalCount != 2 {
		t.Errorf("counts = initial %d final %d, want 7 and 2", res.InitialCount, res.FinalCount)
	}
	counts := h.dst.firstIndex("count")
	clear := h.dst.firstIndex("clear")
	if counts == -1 || clear == -1 || counts > clear {
		t.Errorf("count at %d, clear at %d, want count first", counts, clear)
	}
}

func TestRunSourceQueryFatal(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	q := h.src.script(task.Query, []string{"id"}, nil)
	q.errAt[1] = &pgconn.PgError{Code: "42601", Message: "syntax error at or near FROM"}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want failure")
	}
	if q.calls != 1 {
		t.Errorf("source query attempts = %d, want 1 (fatal errors must not retry)", q.calls)
	}
	if !strings.Contains(res.ErrorDetail, "syntax error") {
		t.Errorf("ErrorDetail = %q, want the syntax error", res.ErrorDetail)
	}
	h.source.assertBalanced(t)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	q := h.src.script(task.Query, []string{"id"}, [][]any{{"A"}})
	q.errAt[1] = connLost()

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false after retry, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if q.calls != 2 {
		t.Errorf("source query attempts = %d, want 2", q.calls)
	}
	if res.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", res.Inserted)
	}
	h.source.assertBalanced(t)
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	q := h.src.script(task.Query, []string{"id"}, [][]any{{"A"}})
	q.errAt[1] = connLost()
	q.errAt[2] = connLost()
	q.errAt[3] = connLost()

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want failure after exhausted retries")
	}
	if q.calls != 3 {
		t.Errorf("source query attempts = %d, want 3", q.calls)
	}
	exec := h.lastExecution(t, task.ID)
	if exec.Status != models.StatusFailed {
		t.Errorf("persisted status = %s, want %s", exec.Status, models.StatusFailed)
	}
	h.source.assertBalanced(t)
}

func TestRunReconnectsOnInsertFailure(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}, {"B"}, {"C"}})
	h.dst.insertErrAt[2] = connLost()

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", res.Inserted)
	}
	h.source.mu.Lock()
	dstAcquires := h.source.acquires[supervisor.ServerB]
	h.source.mu.Unlock()
	if dstAcquires != 2 {
		t.Errorf("destination acquires = %d, want 2 (one reconnect)", dstAcquires)
	}
	h.source.assertBalanced(t)
}

func TestRunEscalatesRepeatedConnectionFailure(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}, {"B"}})
	// The insert fails, the retry after reconnect fails again: the second
	// consecutive connection error must end the run without outer retries.
	h.dst.insertErrAt[1] = connLost()
	h.dst.insertErrAt[2] = connLost()

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want fatal failure")
	}
	if h.dst.insertCalls != 2 {
		t.Errorf("insert attempts = %d, want 2", h.dst.insertCalls)
	}
	if qc := h.src.queries[task.Query].calls; qc != 1 {
		t.Errorf("source query attempts = %d, want 1 (fatal must not re-run pipeline)", qc)
	}
	h.source.assertBalanced(t)
}

func TestRunRetriesTransientAcquire(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}})
	h.source.acquireErrAt[supervisor.ServerB] = map[int]error{1: connLost()}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false after acquire retry, message %q detail %q",
			res.Message, res.ErrorDetail)
	}
	h.source.mu.Lock()
	dstAttempts := h.source.attempts[supervisor.ServerB]
	h.source.mu.Unlock()
	if dstAttempts != 2 {
		t.Errorf("destination acquire attempts = %d, want 2", dstAttempts)
	}
	// The source lease from the failed attempt must have been returned.
	h.source.assertBalanced(t)
}

func TestRunSkipsRowDataErrors(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id", "v"}, [][]any{
		{"A", int64(1)},
		{"B", int64(2)},
		{"C", int64(3)},
	})
	h.dst.insertErrAt[2] = &pgconn.PgError{Code: "22003", Message: "numeric value out of range"}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Inserted != 2 || res.Errors != 1 {
		t.Errorf("inserted %d errors %d, want 2/1", res.Inserted, res.Errors)
	}
}

func TestRunRequiresMergeKeysWhenRulesPresent(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	// Rules exist but name no usable column.
	task.Validation = models.ValidationRules{RequiredFields: []string{""}}
	h.saveTask(t, task)
	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want merge-key failure")
	}
	if h.dst.insertCalls != 0 {
		t.Errorf("insert attempts = %d, want 0", h.dst.insertCalls)
	}
}

func TestRunWithoutRulesSkipsPrecheck(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.Validation = models.ValidationRules{}
	h.saveTask(t, task)

	h.dst.counts = []int64{5, 7}
	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}, {"B"}})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", res.Inserted)
	}
	if got := len(h.dst.calls("keys")); got != 0 {
		t.Errorf("key preload queries = %d, want 0", got)
	}
}

func TestRunCancelledMidRun(t *testing.T) {
	h := newHarness(t, engine.Options{BatchSize: 50, SubBatchSize: 10})
	task := ordersTask()
	task.PostUpdateQuery = "UPDATE src_orders SET sent = 1"
	task.Validation.ExistenceCheck.Key = "id"
	h.saveTask(t, task)

	rows := make([][]any, 200)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("K%03d", i), int64(i)}
	}
	h.src.script(task.Query, []string{"id", "v"}, rows)

	const cancelAt = 25
	h.dst.onInsert = func(n int) {
		if n == cancelAt {
			h.registry.Cancel(task.ID)
		}
	}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true, want cancelled")
	}
	if res.Message != "cancelled" {
		t.Errorf("Message = %q, want %q", res.Message, "cancelled")
	}
	if res.Status != models.StatusCancelled {
		t.Errorf("Status = %s, want %s", res.Status, models.StatusCancelled)
	}
	// The signal lands asynchronously; the engine may finish the batch in
	// flight but must not start another.
	if h.dst.insertCalls > cancelAt+50 {
		t.Errorf("inserts after cancel: %d total, want at most %d", h.dst.insertCalls, cancelAt+50)
	}
	if got := len(h.src.calls("update")); got != 0 {
		t.Errorf("post-update statements after cancel = %d, want 0", got)
	}

	progress := h.sink.progressFor(task.ID)
	if progress[len(progress)-1] != models.ProgressFailed {
		t.Errorf("terminal progress = %d, want %d", progress[len(progress)-1], models.ProgressFailed)
	}
	exec := h.lastExecution(t, task.ID)
	if exec.Status != models.StatusCancelled {
		t.Errorf("persisted status = %s, want %s", exec.Status, models.StatusCancelled)
	}
	h.source.assertBalanced(t)
}

func TestRunPostUpdateStripsKeyPrefix(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.PostUpdateQuery = "UPDATE src_orders SET sent = 1"
	task.Validation.ExistenceCheck.Key = "id"
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id", "v"}, [][]any{
		{"CNA", int64(1)},
		{"CNB", int64(2)},
		{"CNC", int64(3)},
	})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if len(res.AffectedKeys) != 3 {
		t.Fatalf("AffectedKeys = %v, want the 3 raw keys", res.AffectedKeys)
	}
	if res.AffectedKeys[0] != "CNA" {
		t.Errorf("AffectedKeys[0] = %v, want raw CNA", res.AffectedKeys[0])
	}

	updates := h.src.calls("update")
	if len(updates) != 1 {
		t.Fatalf("post-update statements = %d, want 1 window", len(updates))
	}
	if !strings.Contains(updates[0].sql, "WHERE") || !strings.Contains(updates[0].sql, "IN (") {
		t.Errorf("post-update sql = %q, want a keyed IN clause", updates[0].sql)
	}
	named, ok := updates[0].args[0].(pgx.NamedArgs)
	if !ok {
		t.Fatalf("post-update args = %T, want pgx.NamedArgs", updates[0].args[0])
	}
	got := map[string]bool{}
	for _, v := range named {
		got[v.(string)] = true
	}
	for _, want := range []string{"A", "B", "C"} {
		if !got[want] {
			t.Errorf("post-update keys = %v, missing stripped %q", named, want)
		}
	}
}

func TestRunPostUpdateWindowFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.PostUpdateQuery = "UPDATE src_orders SET sent = 1"
	task.Validation.ExistenceCheck.Key = "id"
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id"}, [][]any{{"A"}, {"B"}})
	h.src.updateErrAt[1] = &pgconn.PgError{Code: "42601", Message: "syntax error in post update"}

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, post-update failures must not fail the run (%q)", res.ErrorDetail)
	}
	if !strings.Contains(res.Message, "post-update") {
		t.Errorf("Message = %q, want a note about the failed post-update", res.Message)
	}
}

func TestRunPublishesMonotoneProgress(t *testing.T) {
	h := newHarness(t, engine.Options{BatchSize: 100, SubBatchSize: 20})
	task := ordersTask()
	h.saveTask(t, task)

	rows := make([][]any, 1000)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("K%04d", i)}
	}
	h.src.script(task.Query, []string{"id"}, rows)

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)
	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}

	progress := h.sink.progressFor(task.ID)
	if len(progress) < 3 {
		t.Fatalf("progress = %v, want at least start, steps, terminal", progress)
	}
	for i := 1; i < len(progress); i++ {
		prev, cur := progress[i-1], progress[i]
		if cur < prev {
			t.Fatalf("progress regressed at %d: %v", i, progress)
		}
		if cur != 100 && cur != prev && cur < prev+5 {
			t.Errorf("progress step %d -> %d below publish threshold: %v", prev, cur, progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("terminal progress = %d, want 100", progress[len(progress)-1])
	}
}

func TestRunCapsReportedDuplicates(t *testing.T) {
	h := newHarness(t, engine.Options{MaxDuplicates: 5})
	task := ordersTask()
	h.saveTask(t, task)

	keys := make([][]any, 10)
	rows := make([][]any, 10)
	for i := range rows {
		k := fmt.Sprintf("K%02d", i)
		keys[i] = []any{k}
		rows[i] = []any{k}
	}
	h.dst.counts = []int64{10, 10}
	h.dst.keyCols = []string{"id"}
	h.dst.keyRows = keys
	h.src.script(task.Query, []string{"id"}, rows)

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if res.Duplicates != 10 || res.TotalDuplicates != 10 {
		t.Errorf("duplicates = %d total %d, want 10/10", res.Duplicates, res.TotalDuplicates)
	}
	if len(res.ReportedDuplicates) != 5 {
		t.Errorf("ReportedDuplicates = %d, want cap of 5", len(res.ReportedDuplicates))
	}
	if !res.HasMoreDuplicates {
		t.Error("HasMoreDuplicates = false, want true")
	}
}

func TestRunTruncatesOversizedStrings(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	h.saveTask(t, task)

	h.src.script(task.Query, []string{"id", "name"}, [][]any{
		{"A", "columbia"},
	})
	h.dst.maxLens["name"] = 5

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)
	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}

	inserts := h.dst.calls("insert")
	if len(inserts) != 1 {
		t.Fatalf("insert statements = %d, want 1", len(inserts))
	}
	// Insert columns are ordered alphabetically: id, name.
	if got := inserts[0].args[1]; got != "colum" {
		t.Errorf("inserted name = %v, want truncated %q", got, "colum")
	}
}

func TestRunTaskNotFound(t *testing.T) {
	h := newHarness(t, engine.Options{})

	res := h.eng.Run(context.Background(), "ghost", engine.OriginManual)

	if res.Success {
		t.Fatal("Run() success = true for unknown task")
	}
	if res.Status != models.StatusFailed {
		t.Errorf("Status = %s, want %s", res.Status, models.StatusFailed)
	}
}

func TestRunDownTransferSwapsEndpoints(t *testing.T) {
	h := newHarness(t, engine.Options{})
	task := ordersTask()
	task.TransferType = models.TransferDown
	h.saveTask(t, task)

	// The query must land on B, the inserts on A.
	h.dst.script(task.Query, []string{"id"}, [][]any{{"A"}})

	res := h.eng.Run(context.Background(), task.ID, engine.OriginManual)

	if !res.Success {
		t.Fatalf("Run() success = false, message %q detail %q", res.Message, res.ErrorDetail)
	}
	if got := len(h.dst.calls("query")); got != 1 {
		t.Errorf("queries on B = %d, want 1", got)
	}
	if h.src.insertCalls != 1 {
		t.Errorf("inserts on A = %d, want 1", h.src.insertCalls)
	}
}
