package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shuttledb/shuttle/internal/config"
)

// ErrDaemonRunning is returned when another daemon instance already holds
// the PID file.
var ErrDaemonRunning = errors.New("another shuttle instance is already running")

// ErrNoPIDFile means the daemon never wrote a PID file or already removed it.
var ErrNoPIDFile = errors.New("no PID file found")

// ErrStalePIDFile is returned when the PID file exists but its process is
// not running.
var ErrStalePIDFile = errors.New("stale PID file (process not running)")

// WritePIDFile records the current process ID. It fails with
// ErrDaemonRunning when a live process already owns the file; a stale file
// is silently replaced.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if existing, err := ReadPIDFile(path); err == nil && existing > 0 {
		if isProcessRunning(existing) {
			return ErrDaemonRunning
		}
	}

	content := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile parses the PID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// CheckPIDFile reports the PID of a running daemon: the PID when running,
// 0 when no file exists, and ErrStalePIDFile when the file names a dead
// process.
func CheckPIDFile(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return 0, nil
		}
		return 0, err
	}
	if !isProcessRunning(pid) {
		return 0, ErrStalePIDFile
	}
	return pid, nil
}

// DefaultPIDFilePath is where the daemon records its PID when no override
// is configured.
func DefaultPIDFilePath() string {
	return filepath.Join(config.DefaultDataDir(), "shuttle.pid")
}

// DaemonRunning checks whether a daemon currently holds the default PID
// file. A stale file is removed on the way.
func DaemonRunning() (bool, int, error) {
	path := DefaultPIDFilePath()
	pid, err := CheckPIDFile(path)
	if err != nil {
		if errors.Is(err, ErrStalePIDFile) {
			_ = RemovePIDFile(path)
			return false, 0, nil
		}
		return false, 0, err
	}
	return pid > 0, pid, nil
}
