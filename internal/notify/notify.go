// Package notify delivers batch outcomes to operators. Sinks receive the
// aggregated results of a transfer batch exactly once per batch, plus
// out-of-band critical messages when a batch could not run at all.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// Sink receives batch outcomes. Implementations must not block the caller
// for longer than their own delivery timeout.
type Sink interface {
	NotifyResults(ctx context.Context, results []models.TransferResult, trigger string, errorContext string)
	NotifyCritical(ctx context.Context, message, trigger string, extra map[string]string)
}

// BatchSummary aggregates a batch of transfer results into the counters an
// operator cares about at a glance.
type BatchSummary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Cancelled  int   `json:"cancelled"`
	Rows       int64 `json:"rows"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// Summarize folds a result slice into a BatchSummary.
func Summarize(results []models.TransferResult) BatchSummary {
	var s BatchSummary
	s.Total = len(results)
	for _, r := range results {
		switch {
		case r.Success:
			s.Succeeded++
		case r.Status == models.StatusCancelled:
			s.Cancelled++
		default:
			s.Failed++
		}
		s.Rows += r.Rows
		s.Inserted += r.Inserted
		s.Duplicates += r.Duplicates
		s.Errors += r.Errors
	}
	return s
}

// Line renders the summary as a single human-readable sentence.
func (s BatchSummary) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks: %d ok, %d failed", s.Total, s.Succeeded, s.Failed)
	if s.Cancelled > 0 {
		fmt.Fprintf(&b, ", %d cancelled", s.Cancelled)
	}
	fmt.Fprintf(&b, "; %s rows read, %s inserted",
		humanize.Comma(s.Rows), humanize.Comma(s.Inserted))
	if s.Duplicates > 0 {
		fmt.Fprintf(&b, ", %s duplicates", humanize.Comma(s.Duplicates))
	}
	if s.Errors > 0 {
		fmt.Fprintf(&b, ", %s row errors", humanize.Comma(s.Errors))
	}
	return b.String()
}

// LogSink writes batch outcomes to the daemon log. It is always installed,
// so every batch leaves a trace even with no webhook configured.
type LogSink struct{}

// NotifyResults logs one line per result plus an aggregate line.
func (LogSink) NotifyResults(_ context.Context, results []models.TransferResult, trigger string, errorContext string) {
	if len(results) == 0 {
		logger.Info("transfer batch produced no results", "trigger", trigger)
		return
	}
	for _, r := range results {
		args := []any{
			"task", r.TaskID,
			"name", r.TaskName,
			"status", string(r.Status),
			"rows", r.Rows,
			"inserted", r.Inserted,
			"duplicates", r.Duplicates,
			"duration", r.Duration.Round(time.Millisecond).String(),
		}
		if r.Success {
			logger.Info("transfer finished", args...)
		} else {
			args = append(args, "message", r.Message)
			if r.ErrorDetail != "" {
				args = append(args, "detail", r.ErrorDetail)
			}
			logger.Warn("transfer did not complete", args...)
		}
	}
	summary := Summarize(results)
	args := []any{"trigger", trigger, "summary", summary.Line()}
	if errorContext != "" {
		args = append(args, "context", errorContext)
	}
	if summary.Failed > 0 {
		logger.Warn("transfer batch finished with failures", args...)
	} else {
		logger.Info("transfer batch finished", args...)
	}
}

// NotifyCritical logs an out-of-band failure that prevented a batch from
// running.
func (LogSink) NotifyCritical(_ context.Context, message, trigger string, extra map[string]string) {
	args := []any{"trigger", trigger}
	for k, v := range extra {
		args = append(args, k, v)
	}
	logger.Error("critical: "+message, args...)
}

// Multi fans a notification out to every sink in order. A slow or failing
// sink does not stop delivery to the rest.
type Multi []Sink

// NotifyResults delivers to each sink in order.
func (m Multi) NotifyResults(ctx context.Context, results []models.TransferResult, trigger string, errorContext string) {
	for _, s := range m {
		s.NotifyResults(ctx, results, trigger, errorContext)
	}
}

// NotifyCritical delivers to each sink in order.
func (m Multi) NotifyCritical(ctx context.Context, message, trigger string, extra map[string]string) {
	for _, s := range m {
		s.NotifyCritical(ctx, message, trigger, extra)
	}
}
