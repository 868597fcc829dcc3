package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shuttledb/shuttle/internal/gateway"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
	"github.com/shuttledb/shuttle/internal/repository"
)

const (
	// DefaultBatchSize is how many rows one batch carries. Progress is
	// published and the destination probed at batch boundaries.
	DefaultBatchSize = 500
	// DefaultSubBatchSize is the row interval for cancellation checks and
	// the memory checkpoint.
	DefaultSubBatchSize = 50

	// postUpdateWindowSize caps the IN-clause of one post-update statement.
	postUpdateWindowSize = 500

	// persistTimeout bounds terminal repository writes, which must succeed
	// even when the run context is already cancelled.
	persistTimeout = 10 * time.Second
)

// Origin says what started a transfer.
type Origin string

const (
	OriginManual Origin = "manual"
	OriginAuto   Origin = "auto"
	OriginBatch  Origin = "batch"
)

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	BatchSize     int
	SubBatchSize  int
	MaxDuplicates int
	// RetryWait is the initial pause before re-attempting after a transient
	// failure. It doubles on each retry.
	RetryWait time.Duration
	// GCHook, when set, runs at every sub-batch checkpoint.
	GCHook func()
}

// Engine runs transfer tasks. One Engine serves any number of concurrent
// invocations; all per-run state lives on the run, never on the Engine.
type Engine struct {
	repo     repository.Repository
	conns    ConnSource
	gw       *gateway.Gateway
	bus      ProgressSink
	registry Lifecycle

	batchSize     int
	subBatchSize  int
	maxDuplicates int
	retryWait     time.Duration
	gcHook        func()
}

// New creates an engine over the given collaborators.
func New(repo repository.Repository, conns ConnSource, gw *gateway.Gateway, bus ProgressSink, registry Lifecycle, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = DefaultSubBatchSize
	}
	if opts.MaxDuplicates <= 0 {
		opts.MaxDuplicates = models.MaxReportedDuplicates
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = retryInitialWait
	}
	return &Engine{
		repo:          repo,
		conns:         conns,
		gw:            gw,
		bus:           bus,
		registry:      registry,
		batchSize:     opts.BatchSize,
		subBatchSize:  opts.SubBatchSize,
		maxDuplicates: opts.MaxDuplicates,
		retryWait:     opts.RetryWait,
		gcHook:        opts.GCHook,
	}
}

// Run executes one task end to end: registration, retries, persistence, and
// terminal progress. The result is always fully populated.
func (e *Engine) Run(ctx context.Context, taskID string, origin Origin) models.TransferResult {
	task, err := e.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		logger.Error("transfer rejected, task lookup failed", "task", taskID, "error", err)
		exec := models.NewTaskExecution(uuid.NewString(), taskID)
		exec.Finish(models.StatusFailed)
		return models.Failed(exec, "", "task lookup failed", err.Error())
	}
	return e.runTask(ctx, task, origin, runOpts{})
}

// runOpts carries the adjustments a linked group applies to a member run.
type runOpts struct {
	// groupExecID tags the execution as part of a group run.
	groupExecID string
	// suppressPostUpdate defers the task's post-update to the coordinator.
	suppressPostUpdate bool
	// collectKeys forces affected-key collection for members that carry no
	// post-update of their own but feed the group coordinator's.
	collectKeys bool
}

// runTask drives one (task, execution) pair through the retry wrapper and
// terminal bookkeeping.
func (e *Engine) runTask(ctx context.Context, task *models.TaskDefinition, origin Origin, opts runOpts) models.TransferResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := models.NewTaskExecution(uuid.NewString(), task.ID)
	exec.GroupExecutionID = opts.groupExecID

	metadata := map[string]string{
		"execution_id": exec.ID,
		"origin":       string(origin),
	}
	if task.LinkedGroup != "" {
		metadata["group"] = task.LinkedGroup
	}
	e.registry.Register(task.ID, cancel, metadata)

	fingerprint, _ := gateway.FingerprintQuery(task.Query)
	logger.Info("transfer starting",
		"task", task.ID, "execution", exec.ID, "origin", string(origin),
		"fingerprint", fingerprint)

	res := e.runWithRetry(runCtx, task, exec, opts)
	e.finalize(task, exec, &res)
	return res
}

// run is the state of one attempt. It dies with the attempt; only exec and
// the result outlive it.
type run struct {
	engine *Engine
	task   *models.TaskDefinition
	exec   *models.TaskExecution
	opts   runOpts
	src    *lease
	dst    *lease

	table      string
	mergeKeys  []string
	keyColumn  string
	collect    bool
	existing   map[string]struct{}
	colTypes   map[string]string
	maxLen     map[string]int
	affected   []any
	reported   []models.DuplicateRecord
	totalDup   int64
	partialMsg string

	lastPublished int
}

// attempt runs the state machine once. A nil error means terminal success or
// an empty source; the returned error otherwise carries the kind the retry
// wrapper dispatches on.
func (e *Engine) attempt(ctx context.Context, task *models.TaskDefinition, exec *models.TaskExecution, opts runOpts) (models.TransferResult, error) {
	exec.Rows, exec.Inserted, exec.Duplicates, exec.Errors = 0, 0, 0, 0
	exec.InitialCount, exec.FinalCount = 0, 0

	r := &run{
		engine:        e,
		task:          task,
		exec:          exec,
		opts:          opts,
		table:         task.Name,
		lastPublished: -1,
	}

	// Starting
	if err := ctx.Err(); err != nil {
		return r.cancelled()
	}
	exec.Status = models.StatusRunning
	if err := e.repo.UpdateStatus(ctx, task.ID, models.StatusRunning, 0); err != nil {
		logger.Warn("failed to mark task running", "task", task.ID, "error", err)
	}
	r.publish(0, "starting")

	// Connecting: source first, then destination. The deferred releases
	// guarantee the source goes back when the destination acquire fails.
	srcKey, dstKey := endpointKeys(task.TransferType)
	src, err := acquireLease(ctx, e.conns, srcKey)
	if err != nil {
		return r.fail(err, "source connection failed")
	}
	defer src.release()
	r.src = src

	dst, err := acquireLease(ctx, e.conns, dstKey)
	if err != nil {
		return r.fail(err, "destination connection failed")
	}
	defer dst.release()
	r.dst = dst

	// Snapshotting
	if count, err := e.gw.Count(ctx, dst.conn, r.table); err != nil {
		if models.IsCancelled(err) {
			return r.cancelled()
		}
		logger.Debug("initial destination count unavailable",
			"task", task.ID, "table", r.table, "error", err)
	} else {
		exec.InitialCount = count
	}

	if task.ClearBeforeInsert {
		if _, err := e.gw.ClearTable(ctx, dst.conn, r.table); err != nil {
			switch models.KindOf(err) {
			case models.KindMissingTable:
				logger.Warn("destination table missing, skipping clear",
					"task", task.ID, "table", r.table)
			case models.KindCancelled:
				return r.cancelled()
			default:
				return r.fail(err, "failed to clear destination table")
			}
		}
	}

	// Extracting
	query, params, err := gateway.BuildWhere(task.Query, task.Parameters)
	if err != nil {
		return r.fail(err, "failed to build source query")
	}
	set, err := e.gw.Query(ctx, src.conn, query, params)
	if err != nil {
		return r.fail(err, "source query failed")
	}
	exec.Rows = int64(set.Len())
	if set.Len() == 0 {
		r.finalCount()
		return r.completed("no rows to transfer")
	}

	// Preparing
	if err := r.prepare(ctx); err != nil {
		return r.fail(err, "failed to prepare destination")
	}

	// Writing
	if err := r.write(ctx, set); err != nil {
		return r.fail(err, "transfer failed")
	}

	// PostUpdating
	if !opts.suppressPostUpdate && task.HasPostUpdate() && len(r.affected) > 0 {
		out, err := e.postUpdate(ctx, src, task.ID, task.PostUpdateQuery, task.PostUpdateKey(), r.affected)
		if err != nil {
			return r.fail(err, "cancelled during post-update")
		}
		if out.FailedWindows > 0 {
			perr := models.Tagf(models.KindPostUpdatePartial,
				"%d of %d post-update windows failed", out.FailedWindows, out.Windows)
			logger.Warn("post-update incomplete", "task", task.ID, "error", perr)
			r.partialMsg = perr.Error()
		}
	}

	// Terminal
	r.finalCount()
	msg := fmt.Sprintf("transferred %d of %d rows", exec.Inserted, exec.Rows)
	if r.partialMsg != "" {
		msg += "; " + r.partialMsg
	}
	return r.completed(msg)
}

func (r *run) completed(message string) (models.TransferResult, error) {
	res := models.Completed(r.exec, r.task.Name, message)
	r.attach(&res)
	return res, nil
}

func (r *run) cancelled() (models.TransferResult, error) {
	res := models.Cancelled(r.exec, r.task.Name)
	r.attach(&res)
	return res, models.Tagf(models.KindCancelled, "cancelled")
}

func (r *run) fail(err error, message string) (models.TransferResult, error) {
	if models.IsCancelled(err) {
		return r.cancelled()
	}
	r.finalCount()
	logger.Error("transfer step failed",
		"task", r.task.ID, "execution", r.exec.ID,
		"kind", models.KindOf(err), "step", message, "error", err)
	res := models.Failed(r.exec, r.task.Name, message, err.Error())
	r.attach(&res)
	return res, err
}

// attach copies the run-local buffers onto the result.
func (r *run) attach(res *models.TransferResult) {
	res.AffectedKeys = r.affected
	res.ReportedDuplicates = r.reported
	res.TotalDuplicates = r.totalDup
	res.HasMoreDuplicates = r.totalDup > int64(len(r.reported))
}

// prepare computes the dedup keys, loads column metadata, and preloads the
// destination key set when it pays off.
func (r *run) prepare(ctx context.Context) error {
	task := r.task
	r.mergeKeys = task.MergeKeys()
	if len(r.mergeKeys) == 0 && !task.Validation.Empty() {
		return models.Tag(models.KindQueryFatal, models.ErrNoMergeKeys)
	}
	if len(r.mergeKeys) > 0 {
		r.existing = make(map[string]struct{})
	}
	r.keyColumn = task.Validation.ExistenceCheck.Key
	r.collect = r.keyColumn != "" && (task.HasPostUpdate() || r.opts.collectKeys)
	r.maxLen = make(map[string]int)

	types, err := r.engine.gw.ColumnTypes(ctx, r.dst.conn, r.table)
	if err != nil {
		if models.IsCancelled(err) {
			return err
		}
		logger.Warn("column types unavailable, inserts fall back to value inference",
			"task", task.ID, "table", r.table, "error", err)
		types = map[string]string{}
	}
	r.colTypes = types

	if r.existing != nil && r.exec.InitialCount > 0 {
		if err := r.preloadExisting(ctx); err != nil {
			if models.IsCancelled(err) {
				return err
			}
			logger.Warn("duplicate pre-check unavailable, relying on unique violations",
				"task", task.ID, "error", err)
			r.existing = nil
		}
	}
	return nil
}

func (r *run) preloadExisting(ctx context.Context) error {
	stream, err := r.engine.gw.SelectKeys(ctx, r.dst.conn, r.table, r.mergeKeys)
	if err != nil {
		return err
	}
	defer stream.Close()
	for stream.Next() {
		record, err := stream.Record()
		if err != nil {
			return err
		}
		r.existing[signature(r.mergeKeys, record)] = struct{}{}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	logger.Debug("destination key set preloaded",
		"task", r.task.ID, "keys", len(r.existing))
	return nil
}

// write streams the extracted rows into the destination in batches.
func (r *run) write(ctx context.Context, set *gateway.RecordSet) error {
	e := r.engine
	total := set.Len()
	processed := 0

	for start := 0; start < total; start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return gateway.Classify(err)
		}
		if err := r.probeDestination(ctx); err != nil {
			return err
		}
		batch := set.Rows[start:min(start+e.batchSize, total)]

		for subStart := 0; subStart < len(batch); subStart += e.subBatchSize {
			if err := ctx.Err(); err != nil {
				return gateway.Classify(err)
			}
			for _, record := range batch[subStart:min(subStart+e.subBatchSize, len(batch))] {
				if err := r.writeRow(ctx, record); err != nil {
					return err
				}
				processed++
			}
			r.checkpoint(processed)
		}
		r.publishBatchProgress(processed, total)
	}
	return nil
}

// probeDestination verifies the destination connection at a batch boundary
// and swaps in a fresh one when the probe fails.
func (r *run) probeDestination(ctx context.Context) error {
	if err := r.dst.conn.Ping(ctx); err != nil {
		if models.IsCancelled(err) {
			return err
		}
		logger.Warn("destination probe failed, reconnecting",
			"task", r.task.ID, "error", err)
		if rerr := r.dst.reconnect(ctx); rerr != nil {
			return rerr
		}
	}
	return nil
}

func (r *run) writeRow(ctx context.Context, record map[string]any) error {
	row := gateway.ValidateRecord(record)
	if err := r.truncateStrings(ctx, row); err != nil {
		return err
	}

	if r.collect {
		if key := row[r.keyColumn]; key != nil {
			r.affected = append(r.affected, key)
		}
	}

	var sig string
	if r.existing != nil {
		sig = signature(r.mergeKeys, row)
		if _, dup := r.existing[sig]; dup {
			r.recordDuplicate(sig, row, models.DuplicatePrecheck)
			return nil
		}
	}
	return r.insertRow(ctx, row, sig)
}

// insertRow performs the typed insert with the single reconnect-and-retry
// the write path allows per row.
func (r *run) insertRow(ctx context.Context, row map[string]any, sig string) error {
	e := r.engine
	_, err := e.gw.InsertTyped(ctx, r.dst.conn, r.table, row, r.colTypes)
	if err == nil {
		r.inserted(sig)
		return nil
	}

	switch models.KindOf(err) {
	case models.KindDuplicateKey:
		r.recordDuplicate(sig, row, models.DuplicateInsert)
		return nil
	case models.KindCancelled:
		return err
	case models.KindConnectionTransient, models.KindConnectionFatal:
		if cerr := ctx.Err(); cerr != nil {
			return gateway.Classify(cerr)
		}
		logger.Warn("destination connection lost mid-insert, reconnecting",
			"task", r.task.ID, "error", err)
		if rerr := r.dst.reconnect(ctx); rerr != nil {
			return rerr
		}
		_, err = e.gw.InsertTyped(ctx, r.dst.conn, r.table, row, r.colTypes)
		switch {
		case err == nil:
			r.inserted(sig)
			return nil
		case models.IsDuplicate(err):
			r.recordDuplicate(sig, row, models.DuplicateInsert)
			return nil
		case models.IsTransient(err):
			// Second consecutive connection failure escalates.
			return models.Tag(models.KindConnectionFatal, err)
		default:
			return err
		}
	default:
		if gateway.IsRowDataError(err) {
			r.exec.Errors++
			logger.Warn("row rejected by destination, skipping",
				"task", r.task.ID, "error", err)
			return nil
		}
		return err
	}
}

func (r *run) inserted(sig string) {
	r.exec.Inserted++
	if r.existing != nil && sig != "" {
		r.existing[sig] = struct{}{}
	}
}

func (r *run) recordDuplicate(sig string, row map[string]any, stage models.DuplicateStage) {
	r.exec.Duplicates++
	r.totalDup++
	if len(r.reported) >= r.engine.maxDuplicates {
		return
	}
	if sig == "" {
		sig = signature(r.mergeKeys, row)
	}
	keys := make(map[string]any, len(r.mergeKeys))
	for _, k := range r.mergeKeys {
		keys[k] = row[k]
	}
	r.reported = append(r.reported, models.DuplicateRecord{
		Signature: sig,
		Keys:      keys,
		Stage:     stage,
	})
}

// truncateStrings clips string values to the destination column's declared
// maximum. Lengths are looked up once per column and cached for the run.
func (r *run) truncateStrings(ctx context.Context, row map[string]any) error {
	for col, val := range row {
		s, ok := val.(string)
		if !ok {
			continue
		}
		max, cached := r.maxLen[col]
		if !cached {
			m, err := r.engine.gw.ColumnMaxLength(ctx, r.dst.conn, r.table, col)
			if err != nil {
				if models.IsCancelled(err) {
					return err
				}
				logger.Debug("column length lookup failed, treating as unbounded",
					"table", r.table, "column", col, "error", err)
				m = 0
			}
			r.maxLen[col] = m
			max = m
		}
		if max > 0 {
			row[col] = gateway.TruncateString(s, max)
		}
	}
	return nil
}

// checkpoint runs every sub-batch: optional GC hook plus a memory reading.
func (r *run) checkpoint(processed int) {
	if r.engine.gcHook != nil {
		r.engine.gcHook()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logger.Debug("transfer checkpoint",
		"task", r.task.ID, "processed", processed,
		"heap_mb", ms.HeapAlloc/(1024*1024))
}

func (r *run) publishBatchProgress(processed, total int) {
	pct := int(math.Round(float64(processed) / float64(total) * 100))
	if pct >= r.lastPublished+5 || pct == 100 {
		r.publish(pct, fmt.Sprintf("%d of %d rows", processed, total))
	}
}

func (r *run) publish(progress int, message string) {
	r.engine.bus.Publish(r.task.ID, progress, message)
	r.lastPublished = progress
}

// finalCount refreshes the destination row count, best-effort. It runs on
// its own deadline so it still works when the run context is cancelled.
func (r *run) finalCount() {
	if r.dst == nil || r.dst.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if count, err := r.engine.gw.Count(ctx, r.dst.conn, r.table); err == nil {
		r.exec.FinalCount = count
	}
}

// finalize persists the terminal execution record, completes the lifecycle
// entry, and publishes the terminal progress value.
func (e *Engine) finalize(task *models.TaskDefinition, exec *models.TaskExecution, res *models.TransferResult) {
	exec.Message = res.Message
	exec.ErrorDetail = res.ErrorDetail
	exec.Finish(res.Status)
	res.Duration = exec.Duration()
	if secs := res.Duration.Seconds(); secs > 0 && res.Rows > 0 {
		res.RowsPerSec = float64(res.Rows) / secs
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.repo.AppendExecution(ctx, exec); err != nil {
		logger.Error("failed to persist execution record",
			"task", task.ID, "execution", exec.ID, "error", err)
	}
	if err := e.repo.UpdateStatus(ctx, task.ID, exec.Status, exec.Progress); err != nil {
		logger.Error("failed to update task status", "task", task.ID, "error", err)
	}
	e.registry.Complete(task.ID, exec.Status)
	e.bus.Publish(task.ID, exec.Progress, res.Message)

	logger.Info("transfer finished",
		"task", task.ID, "execution", exec.ID, "status", exec.Status,
		"rows", res.Rows, "inserted", res.Inserted,
		"duplicates", res.Duplicates, "errors", res.Errors,
		"duration", res.Duration.Round(time.Millisecond))
}

// PostUpdateOutcome summarizes a windowed post-update pass.
type PostUpdateOutcome struct {
	Windows       int
	FailedWindows int
	RowsAffected  int64
}

// postUpdate appends a keyed WHERE clause to the update template and runs it
// in windows against the held lease. A window that fails with a connection
// fault gets one reconnect and retry; any other window failure is logged and
// skipped. Only cancellation aborts the pass.
func (e *Engine) postUpdate(ctx context.Context, l *lease, taskID, query, keyColumn string, keys []any) (PostUpdateOutcome, error) {
	var out PostUpdateOutcome
	for start := 0; start < len(keys); start += postUpdateWindowSize {
		if err := ctx.Err(); err != nil {
			return out, gateway.Classify(err)
		}
		window := normalizeKeys(keys[start:min(start+postUpdateWindowSize, len(keys))])
		out.Windows++

		affected, err := e.execPostUpdateWindow(ctx, l, query, keyColumn, window)
		if err != nil {
			if models.IsCancelled(err) {
				return out, err
			}
			out.FailedWindows++
			logger.Error("post-update window failed, continuing",
				"task", taskID, "window", out.Windows,
				"kind", models.KindOf(err), "error", err)
			continue
		}
		out.RowsAffected += affected
	}
	logger.Debug("post-update finished",
		"task", taskID, "windows", out.Windows,
		"failed", out.FailedWindows, "rows", out.RowsAffected)
	return out, nil
}

func (e *Engine) execPostUpdateWindow(ctx context.Context, l *lease, query, keyColumn string, window []any) (int64, error) {
	clause, params := gateway.BuildInClause(keyColumn, window, "k")
	sql := strings.TrimRight(strings.TrimSpace(query), ";") + " WHERE " + clause

	affected, err := e.gw.Exec(ctx, l.conn, sql, params)
	if err == nil {
		return affected, nil
	}
	switch models.KindOf(err) {
	case models.KindConnectionTransient, models.KindConnectionFatal:
		logger.Warn("post-update connection lost, reconnecting", "error", err)
		if rerr := l.reconnect(ctx); rerr != nil {
			return 0, rerr
		}
		return e.gw.Exec(ctx, l.conn, sql, params)
	default:
		return 0, err
	}
}

// normalizeKeys strips the CN identifier prefix the source system prepends
// to string keys before they go into the post-update WHERE clause.
func normalizeKeys(keys []any) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		if s, ok := k.(string); ok {
			out[i] = strings.TrimPrefix(s, "CN")
			continue
		}
		out[i] = k
	}
	return out
}

// signature encodes a row's merge-key tuple as "k1:v1|k2:v2". Nil encodes as
// NULL so absent values compare equal between source and destination.
func signature(keys []string, row map[string]any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + signatureValue(row[k])
	}
	return strings.Join(parts, "|")
}

func signatureValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case string:
		return tv
	case []byte:
		return string(tv)
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(tv)
	}
}
