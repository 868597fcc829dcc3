package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/ipc"
)

var (
	// Stamped via ldflags at release build time.
	version = "dev"

	// Flags
	configPath string
	debug      bool
	userMode   bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shuttle",
		Short: "Shuttle scheduled SQL data-transfer daemon",
		Long: `shuttle is a background daemon that moves data between paired PostgreSQL
servers on a daily schedule. Tasks declare a read query against server A and
a write target on server B; the daemon runs them at the configured hour,
expands linked groups, and reports results to the notification sinks.

Service Management:
  shuttle install [--user]   Install as system/user service
  shuttle uninstall          Remove the service
  shuttle start              Start the installed service
  shuttle stop               Stop the running service
  shuttle restart            Restart the service
  shuttle status [--json]    Show daemon status

Transfer Control (daemon must be running):
  shuttle trigger <task-id>  Run one task now
  shuttle trigger --batch    Run the full scheduled batch now
  shuttle cancel <task-id>   Cancel a running transfer
  shuttle tasks [--tree]     List task definitions
  shuttle watch <task-id>    Follow live transfer progress
  shuttle scheduler on|off   Toggle the daily schedule

Maintenance:
  shuttle export [task-id]   Export execution history to archive files

Direct Run (for debugging):
  shuttle run [--debug]      Run in foreground mode`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/shuttle/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newSchedulerCmd(),
		newTriggerCmd(),
		newCancelCmd(),
		newTasksCmd(),
		newWatchCmd(),
		newExportCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		// cobra has printed the error; just set the exit code.
		os.Exit(1)
	}
}

// loadConfig loads the config from --config, or the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// controlPath resolves the daemon's control socket path. A broken config is
// not fatal here; client commands fall back to the platform default.
func controlPath() string {
	cfg, err := loadConfig()
	if err == nil && cfg.IPC.Path != "" {
		return cfg.IPC.Path
	}
	return config.DefaultIPCPath()
}

// connectDaemon dials the local daemon's control socket using the token it
// wrote at startup.
func connectDaemon() (*ipc.Client, error) {
	token, err := ipc.LoadToken(filepath.Join(config.DefaultDataDir(), ipc.TokenFileName))
	if err != nil {
		return nil, fmt.Errorf("read control token (is the daemon running?): %w", err)
	}
	client, err := ipc.NewClient(controlPath(), token)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return client, nil
}

// formatDuration renders d at the two largest relevant units.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
