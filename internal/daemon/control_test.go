//go:build !windows

package daemon_test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/daemon"
	"github.com/shuttledb/shuttle/internal/ipc"
	"github.com/shuttledb/shuttle/internal/models"
)

// =============================================================================
// Control Suite
// =============================================================================

// ControlSuite runs control-plane tests against a full daemon: sqlite
// repository, task file sync, and the socket server. The SQL endpoints point
// at a closed port; control semantics need no live databases, and the health
// view is expected to report both endpoints down.
type ControlSuite struct {
	suite.Suite
	dataDir    string
	socketPath string
	token      string
	daemon     *daemon.Daemon
	client     *ipc.Client

	prevConfigHome string
	hadConfigHome  bool
}

func TestControlSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(ControlSuite))
}

const controlSuiteTasks = `tasks:
  - id: orders
    name: Orders
    active: true
    query: SELECT order_id, total FROM orders WHERE region = @region
    parameters:
      - field: region
        operator: "="
        value: west
    triggerMode: both
    validationRules:
      existenceCheck:
        key: order_id
  - id: receipts
    name: Receipts
    active: true
    query: SELECT receipt_id, issued_at FROM receipts
    triggerMode: manual
  - id: legacy-feed
    name: Legacy feed
    active: false
    query: SELECT feed_id FROM legacy_feed
    triggerMode: manual
`

func (s *ControlSuite) SetupSuite() {
	s.dataDir = s.T().TempDir()

	// Token and default paths resolve through the user config dir; point it
	// at the suite's temp dir so nothing touches the real one.
	s.prevConfigHome, s.hadConfigHome = os.LookupEnv("XDG_CONFIG_HOME")
	os.Setenv("XDG_CONFIG_HOME", s.dataDir)

	taskPath := filepath.Join(s.dataDir, "tasks.yaml")
	s.Require().NoError(os.WriteFile(taskPath, []byte(controlSuiteTasks), 0o644))

	s.socketPath = s.tempSocketPath()

	endpoint := config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           1,
		Database:       "shuttle",
		User:           "shuttle",
		SSLMode:        "disable",
		PoolMaxConns:   2,
		PoolMinConns:   0,
		ConnectTimeout: 2 * time.Second,
	}
	cfg := &config.Config{
		Log:         config.LogConfig{Level: "info"},
		ServerA:     endpoint,
		ServerB:     endpoint,
		Destination: config.DestinationConfig{Schema: "dbo"},
		Scheduler: config.SchedulerConfig{
			Enabled:     false,
			Hour:        "02:00",
			Timezone:    "UTC",
			Concurrency: 2,
			WavePause:   30 * time.Second,
		},
		Engine: config.EngineConfig{
			BatchSize:             500,
			InsertSubBatch:        50,
			PostUpdateWindow:      500,
			MaxReportedDuplicates: 100,
			RetryAttempts:         3,
			RetryInitialDelay:     5 * time.Second,
		},
		Health: config.HealthConfig{
			Interval:            time.Hour,
			DatabaseThreshold:   3,
			ConnectionThreshold: 5,
			RecoveryCooldown:    30 * time.Minute,
			MaxRecoveries:       3,
		},
		Repository: config.RepositoryConfig{
			Driver: "sqlite",
			Path:   filepath.Join(s.dataDir, "shuttle.db"),
		},
		IPC:      config.IPCConfig{Enabled: true, Path: s.socketPath},
		TaskFile: config.TaskFileConfig{Path: taskPath, Watch: false},
	}

	d, err := daemon.New(cfg, false)
	s.Require().NoError(err, "Failed to create daemon")
	s.daemon = d

	s.Require().NoError(d.Start(), "Failed to start daemon")

	// Give the listener a moment to come up before dialing.
	time.Sleep(500 * time.Millisecond)

	token, err := ipc.LoadToken(filepath.Join(config.DefaultDataDir(), ipc.TokenFileName))
	s.Require().NoError(err, "Failed to load control token")
	s.token = token

	client, err := ipc.NewClient(s.socketPath, token)
	s.Require().NoError(err, "Failed to create control client")
	s.client = client
}

func (s *ControlSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.daemon != nil {
		s.daemon.Stop()
	}
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	if s.hadConfigHome {
		os.Setenv("XDG_CONFIG_HOME", s.prevConfigHome)
	} else {
		os.Unsetenv("XDG_CONFIG_HOME")
	}
}

func (s *ControlSuite) tempSocketPath() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		s.T().Fatalf("Failed to generate random bytes: %v", err)
	}
	return fmt.Sprintf("/tmp/shuttle-ctl-%s.sock", hex.EncodeToString(b))
}

// =============================================================================
// Connection Tests
// =============================================================================

// TestControl_ClientConnect verifies a fresh client can connect and call.
func (s *ControlSuite) TestControl_ClientConnect() {
	client, err := ipc.NewClient(s.socketPath, s.token)
	s.Require().NoError(err, "Failed to create control client")
	defer client.Close()

	_, err = client.GetStatus()
	s.Assert().NoError(err, "GetStatus should work on a fresh client")
}

// TestControl_RejectsBadToken verifies the daemon refuses a wrong token.
func (s *ControlSuite) TestControl_RejectsBadToken() {
	client, err := ipc.NewClient(s.socketPath, "not-the-token")
	s.Require().NoError(err)
	defer client.Close()

	_, err = client.GetStatus()
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeUnauthorized)
}

// =============================================================================
// Status Tests
// =============================================================================

// TestControl_StatusGet verifies status.get reports the daemon identity.
func (s *ControlSuite) TestControl_StatusGet() {
	status, err := s.client.GetStatus()
	s.Require().NoError(err, "GetStatus failed")

	s.Assert().Equal("running", status.State)
	s.Assert().Equal(os.Getpid(), status.PID)
	s.Assert().Equal("dev", status.Version)
	s.Assert().Equal("sqlite", status.Repository.Driver)
	s.Assert().False(status.Scheduler.Enabled, "scheduler starts disabled")
	s.Assert().Empty(status.Running, "no transfers should be in flight")
	s.Assert().Len(status.Servers, 2, "both endpoints should report stats")
}

// TestControl_HealthView verifies the probe ran and saw the endpoints down.
func (s *ControlSuite) TestControl_HealthView() {
	s.Require().Eventually(func() bool {
		status, err := s.client.GetStatus()
		return err == nil && !status.Health.LastProbe.IsZero()
	}, 5*time.Second, 100*time.Millisecond, "first health probe never landed")

	status, err := s.client.GetStatus()
	s.Require().NoError(err)

	s.Assert().True(status.Health.RepositoryOK, "sqlite repository should ping")
	s.Assert().True(status.Repository.OK)
	s.Assert().False(status.Health.Healthy, "endpoints are unreachable in this suite")
	s.Require().Len(status.Health.Servers, 2)
	for _, diag := range status.Health.Servers {
		s.Assert().False(diag.OK, "server %s should be down", diag.Server)
		s.Assert().NotEmpty(diag.Detail)
	}
}

// =============================================================================
// Scheduler Tests
// =============================================================================

// TestControl_SchedulerToggle verifies scheduler.set round-trips both ways.
func (s *ControlSuite) TestControl_SchedulerToggle() {
	result, err := s.client.SetScheduler(true, "03:30")
	s.Require().NoError(err, "enable failed")
	s.Assert().True(result.Scheduler.Enabled)
	s.Assert().Equal("03:30", result.Scheduler.Hour)
	s.Assert().Equal("UTC", result.Scheduler.Timezone)
	s.Require().False(result.Scheduler.NextExecution.IsZero())
	s.Assert().True(result.Scheduler.NextExecution.After(time.Now()))
	s.Assert().True(result.Scheduler.NextExecution.Before(time.Now().Add(25*time.Hour)))

	status, err := s.client.GetStatus()
	s.Require().NoError(err)
	s.Assert().True(status.Scheduler.Enabled, "status should reflect the toggle")

	result, err = s.client.SetScheduler(false, "")
	s.Require().NoError(err, "disable failed")
	s.Assert().False(result.Scheduler.Enabled)
	s.Assert().Equal("03:30", result.Scheduler.Hour, "hour survives a disable")
	s.Assert().True(result.Scheduler.NextExecution.IsZero())
}

// TestControl_SchedulerRejectsBadHour verifies enable validates the hour.
func (s *ControlSuite) TestControl_SchedulerRejectsBadHour() {
	_, err := s.client.SetScheduler(true, "25:00")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeInvalidRequest)
}

// =============================================================================
// Transfer Control Tests
// =============================================================================

// TestControl_TriggerValidation verifies transfer.trigger admission checks.
func (s *ControlSuite) TestControl_TriggerValidation() {
	_, err := s.client.TriggerTask("ghost")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeTaskNotFound)

	_, err = s.client.TriggerTask("legacy-feed")
	s.Require().Error(err, "inactive task must be refused")
	s.Assert().Contains(err.Error(), ipc.ErrCodeInvalidRequest)

	_, err = s.client.TriggerTask("")
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeInvalidRequest)
}

// TestControl_BatchNeedsScheduler verifies a batch trigger while disabled.
func (s *ControlSuite) TestControl_BatchNeedsScheduler() {
	_, err := s.client.SetScheduler(false, "")
	s.Require().NoError(err)

	_, err = s.client.TriggerBatch()
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeSchedulerDisabled)
}

// TestControl_CancelIdle verifies cancels are honest no-ops when idle.
func (s *ControlSuite) TestControl_CancelIdle() {
	result, err := s.client.CancelTask("orders")
	s.Require().NoError(err)
	s.Assert().False(result.Cancelled, "nothing is running")

	all, err := s.client.CancelAll()
	s.Require().NoError(err)
	s.Assert().Zero(all.Cancelled)
}

// =============================================================================
// Tasks Tests
// =============================================================================

// TestControl_TasksList verifies the synced task file shows up in tasks.list.
func (s *ControlSuite) TestControl_TasksList() {
	result, err := s.client.ListTasks()
	s.Require().NoError(err, "ListTasks failed")
	s.Require().Len(result.Tasks, 3)

	byID := make(map[string]ipc.TaskSummary, len(result.Tasks))
	for _, task := range result.Tasks {
		byID[task.ID] = task
	}

	orders, ok := byID["orders"]
	s.Require().True(ok, "orders task missing")
	s.Assert().Equal("Orders", orders.Name)
	s.Assert().True(orders.Active)
	s.Assert().Equal("up", orders.TransferType)
	s.Assert().Empty(orders.LastStatus, "never executed")

	legacy, ok := byID["legacy-feed"]
	s.Require().True(ok, "legacy-feed task missing")
	s.Assert().False(legacy.Active)
}

// =============================================================================
// Watch Tests
// =============================================================================

// TestControl_WatchUnknownTask verifies progress.watch rejects unknown ids.
func (s *ControlSuite) TestControl_WatchUnknownTask() {
	client, err := ipc.NewClient(s.socketPath, s.token)
	s.Require().NoError(err)
	defer client.Close()

	err = client.Watch("ghost", func(models.ProgressEvent) bool { return true })
	s.Require().Error(err)
	s.Assert().Contains(err.Error(), ipc.ErrCodeTaskNotFound)
}
