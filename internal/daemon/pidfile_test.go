package daemon_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shuttledb/shuttle/internal/daemon"
)

// deadPID is above any real PID range on the supported platforms, so the
// liveness probe always reports it dead.
const deadPID = 1 << 30

func seedStale(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, fmt.Appendf(nil, "%d\n", deadPID), 0644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}
}

func pidPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "shuttle.pid")
}

func TestWritePIDFile_RecordsCurrentProcess(t *testing.T) {
	path := pidPath(t)

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	pid, err := daemon.ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFile_RefusesLiveOwner(t *testing.T) {
	path := pidPath(t)

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("first WritePIDFile() error = %v", err)
	}
	// The test process itself owns the file and is clearly alive.
	if err := daemon.WritePIDFile(path); !errors.Is(err, daemon.ErrDaemonRunning) {
		t.Fatalf("second WritePIDFile() error = %v, want ErrDaemonRunning", err)
	}
}

func TestWritePIDFile_ReplacesStaleFile(t *testing.T) {
	path := pidPath(t)
	seedStale(t, path)

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() over stale file error = %v", err)
	}
	pid, err := daemon.ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d (stale owner replaced)", pid, os.Getpid())
	}
}

func TestWritePIDFile_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "shuttle.pid")

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Stat(%s) error = %v", path, err)
	}
}

func TestReadPIDFile_Missing(t *testing.T) {
	_, err := daemon.ReadPIDFile(pidPath(t))
	if !errors.Is(err, daemon.ErrNoPIDFile) {
		t.Fatalf("ReadPIDFile() error = %v, want ErrNoPIDFile", err)
	}
}

func TestReadPIDFile_Garbage(t *testing.T) {
	path := pidPath(t)
	if err := os.WriteFile(path, []byte("not a pid\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if _, err := daemon.ReadPIDFile(path); err == nil {
		t.Fatal("ReadPIDFile() error = nil, want parse error")
	}
}

func TestCheckPIDFile(t *testing.T) {
	path := pidPath(t)

	pid, err := daemon.CheckPIDFile(path)
	if err != nil || pid != 0 {
		t.Fatalf("CheckPIDFile() with no file = (%d, %v), want (0, nil)", pid, err)
	}

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	pid, err = daemon.CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("CheckPIDFile() = %d, want %d", pid, os.Getpid())
	}

	seedStale(t, path)
	if _, err := daemon.CheckPIDFile(path); !errors.Is(err, daemon.ErrStalePIDFile) {
		t.Fatalf("CheckPIDFile() on stale file error = %v, want ErrStalePIDFile", err)
	}
}

func TestRemovePIDFile(t *testing.T) {
	path := pidPath(t)

	if err := daemon.RemovePIDFile(path); err != nil {
		t.Errorf("RemovePIDFile() on missing file error = %v, want nil", err)
	}

	if err := daemon.WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	if err := daemon.RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still present after RemovePIDFile")
	}
}
