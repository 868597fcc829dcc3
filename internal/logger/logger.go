package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is a captured log entry surfaced through the daemon status report.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// Format renders an entry for plain-text display.
func (e Entry) Format() string {
	level := "INFO"
	switch e.Level {
	case slog.LevelDebug:
		level = "DEBUG"
	case slog.LevelWarn:
		level = "WARN"
	case slog.LevelError:
		level = "ERROR"
	}
	return fmt.Sprintf("%s %-5s %s", e.Time.Format("15:04:05"), level, e.Message)
}

// ringBuffer keeps the most recent WARN/ERROR entries for the status surface.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int

	warnCount  int
	errorCount int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

func (rb *ringBuffer) add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	if e.Level == slog.LevelWarn {
		rb.warnCount++
	} else if e.Level >= slog.LevelError {
		rb.errorCount++
	}
}

func (rb *ringBuffer) snapshot() []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]Entry, rb.count)
	for i := 0; i < rb.count; i++ {
		idx := (rb.head - rb.count + i + rb.size) % rb.size
		out[i] = rb.entries[idx]
	}
	return out
}

func (rb *ringBuffer) counts() (warn, err int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.warnCount, rb.errorCount
}

// captureHandler tees WARN and above into the ring buffer before the
// underlying JSON handler writes them to disk.
type captureHandler struct {
	inner  slog.Handler
	buffer *ringBuffer
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.buffer.add(Entry{Time: r.Time, Level: r.Level, Message: r.Message})
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), buffer: h.buffer}
}

var (
	// Log is the global structured logger.
	Log *slog.Logger
	// LogPath is the path of the active log file.
	LogPath string

	logWriter *lumberjack.Logger
	recent    *ringBuffer
)

// Level is the configured logging verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string onto a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Init initializes the global logger with the given level and optional path.
// An empty path defaults to ~/.config/shuttle/shuttle.log.
func Init(level Level, logPath string) {
	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	if logPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.TempDir()
		}
		logDir := filepath.Join(homeDir, ".config", "shuttle")
		_ = os.MkdirAll(logDir, 0755)
		logPath = filepath.Join(logDir, "shuttle.log")
	}
	LogPath = logPath

	logWriter = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	recent = newRingBuffer(100)

	handler := &captureHandler{
		inner:  slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slogLevel}),
		buffer: recent,
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Close flushes and closes the log file.
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With returns a logger carrying additional attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Counts returns the number of warnings and errors captured since startup.
func Counts() (warn, err int) {
	if recent == nil {
		return 0, 0
	}
	return recent.counts()
}

// Recent returns the captured WARN/ERROR entries, oldest first.
func Recent() []Entry {
	if recent == nil {
		return nil
	}
	return recent.snapshot()
}
