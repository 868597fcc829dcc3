package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/logger"
)

// Exit codes for CLI commands.
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceExists    = 2
	ExitConfigError      = 3
	ExitServiceNotFound  = 1
	ExitAlreadyRunning   = 2
	ExitStartFailed      = 3
	ExitNotRunning       = 1
	ExitStopFailed       = 2
	ExitRestartFailed    = 2
	ExitStopped          = 2
	ExitUnhealthy        = 3
)

// ServiceConfig carries the install-time options for the service wrapper.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program implements service.Program. The service manager launches the
// binary with the "run" arguments below, so Start/Stop only execute when
// the process is driven through service.Run.
type program struct {
	daemon     *Daemon
	configPath string
	debug      bool
}

// Start is called when the service starts. It must return quickly, so the
// daemon comes up on its own goroutine.
func (p *program) Start(s service.Service) error {
	var cfg *config.Config
	var err error
	if p.configPath != "" {
		cfg, err = config.LoadFromPath(p.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if p.debug {
		level = logger.LevelDebug
	}
	logger.Init(level, cfg.Log.Path)

	d, err := New(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	p.daemon = d

	go func() {
		if err := p.daemon.Start(); err != nil {
			// The service manager owns restarts; report and keep the
			// process alive for it to decide.
			fmt.Fprintf(os.Stderr, "Daemon start error: %v\n", err)
		}
	}()
	return nil
}

// Stop is the service manager's shutdown callback.
func (p *program) Stop(s service.Service) error {
	if p.daemon != nil {
		return p.daemon.Stop()
	}
	return nil
}

// NewService creates the platform service wrapper.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	prg := &program{
		configPath: svcConfig.ConfigPath,
		debug:      svcConfig.Debug,
	}

	cfg := &service.Config{
		Name:        "shuttle",
		DisplayName: "Shuttle Transfer Daemon",
		Description: "Background daemon that runs scheduled SQL-to-SQL data transfers between paired PostgreSQL servers.",
	}

	// A service installed into the user's LaunchAgents keeps being managed
	// there, regardless of how this invocation was flagged.
	userMode := svcConfig.UserMode
	if !userMode {
		userMode = isUserServiceInstalled()
	}
	if userMode {
		cfg.Option = service.KeyValue{"UserService": true}
	}

	switch runtime.GOOS {
	case "darwin":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive":      true,
			"RunAtLoad":      true,
			"LaunchOnlyOnce": false,
		})
	case "linux":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	if svcConfig.ConfigPath != "" {
		cfg.Arguments = []string{"run", "--config", svcConfig.ConfigPath}
	} else {
		cfg.Arguments = []string{"run"}
	}
	if svcConfig.Debug {
		cfg.Arguments = append(cfg.Arguments, "--debug")
	}

	return service.New(prg, cfg)
}

func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Install registers the daemon with the platform service manager.
func Install(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil && status != service.StatusUnknown {
		return fmt.Errorf("service already installed")
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	return nil
}

// Uninstall removes the service, stopping it first when running.
func Uninstall() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return fmt.Errorf("service not installed")
	}
	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	return nil
}

// StartService starts the installed service and verifies it came up.
func StartService() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}
	if status == service.StatusRunning {
		return fmt.Errorf("service already running")
	}

	if err := svc.Start(); err != nil {
		// launchd throttles a service that failed repeatedly; unload and
		// reload clears the throttle.
		if runtime.GOOS == "darwin" {
			if recoverErr := recoverLaunchdService(); recoverErr == nil {
				if retryErr := svc.Start(); retryErr != nil {
					return fmt.Errorf("failed to start service after recovery: %w", retryErr)
				}
			} else {
				return fmt.Errorf("failed to start service: %w", err)
			}
		} else {
			return fmt.Errorf("failed to start service: %w", err)
		}
	}

	time.Sleep(500 * time.Millisecond)
	status, err = svc.Status()
	if err != nil || status != service.StatusRunning {
		return fmt.Errorf("service failed to start (check logs)")
	}
	return nil
}

// recoverLaunchdService clears launchd's failure throttle by reloading the job.
func recoverLaunchdService() error {
	plistPath := "/Library/LaunchDaemons/shuttle.plist"
	domain := "system"
	if isUserServiceInstalled() {
		home, _ := os.UserHomeDir()
		plistPath = filepath.Join(home, "Library", "LaunchAgents", "shuttle.plist")
		domain = fmt.Sprintf("gui/%d", os.Getuid())
	}

	exec.Command("launchctl", "bootout", domain+"/shuttle").Run()
	time.Sleep(100 * time.Millisecond)

	return exec.Command("launchctl", "bootstrap", domain, plistPath).Run()
}

// StopService halts the installed service through the service manager.
func StopService() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}
	if status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}

// Restart stops and starts the installed service.
func Restart() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if _, err := svc.Status(); err != nil {
		return fmt.Errorf("service not installed")
	}
	if err := svc.Restart(); err != nil {
		return fmt.Errorf("failed to restart service: %w", err)
	}
	return nil
}

// ServiceStatus is the service manager's view of the daemon for CLI output.
// Component detail comes over the control socket, not from here.
type ServiceStatus struct {
	State   string `json:"state"`
	PID     int    `json:"pid,omitempty"`
	Version string `json:"version,omitempty"`
}

// GetStatus asks the service manager for the daemon's state.
func GetStatus() (*ServiceStatus, error) {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	svcStatus, err := svc.Status()
	if err != nil {
		return &ServiceStatus{State: "not_installed"}, nil
	}

	status := &ServiceStatus{}
	switch svcStatus {
	case service.StatusRunning:
		status.State = "running"
	case service.StatusStopped:
		status.State = "stopped"
	default:
		status.State = "unknown"
	}

	if svcStatus == service.StatusRunning {
		if pid, err := ReadPIDFile(DefaultPIDFilePath()); err == nil {
			status.PID = pid
		}
		status.Version = Version
	}
	return status, nil
}

// PermissionError wraps failures that need elevated privileges to resolve.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// isUserServiceInstalled checks for the plist in the user's LaunchAgents.
func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(homeDir, "Library", "LaunchAgents", "shuttle.plist"))
	return err == nil
}

// isSystemServiceInstalled checks for the plist in system LaunchDaemons.
func isSystemServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat("/Library/LaunchDaemons/shuttle.plist")
	return err == nil
}

// IsRunningAsRoot returns true when the process has root privileges.
func IsRunningAsRoot() bool {
	return os.Geteuid() == 0
}

// RequiresSudo returns true when the installed service needs sudo to manage.
func RequiresSudo() bool {
	return isSystemServiceInstalled() && !IsRunningAsRoot()
}
