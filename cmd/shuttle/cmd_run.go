package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/daemon"
	"github.com/shuttledb/shuttle/internal/logger"
)

// newRunCmd builds the foreground run subcommand
func newRunCmd() *cobra.Command {
	var promptPasswords bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in foreground (for debugging)",
		Long: `Run the daemon in foreground mode. Useful for debugging and testing.

With --prompt-passwords, endpoints without a password_command or PGPASSWORD
prompt on the terminal the first time their pool dials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(promptPasswords)
		},
	}
	cmd.Flags().BoolVar(&promptPasswords, "prompt-passwords", false, "prompt for endpoint passwords on the terminal")
	return cmd
}

// runForeground runs the daemon in foreground mode. The service manager also
// lands here: the installed service launches "shuttle run".
func runForeground(promptPasswords bool) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if debug {
		level = logger.LevelDebug
	}
	logger.Init(level, cfg.Log.Path)
	defer logger.Close()
	if debug && cfg.Log.Path != "" {
		fmt.Fprintf(os.Stderr, "Debug mode: logs written to %s\n", cfg.Log.Path)
		logger.Debug("shuttle daemon starting", "version", version, "config", configPath)
	}

	pidPath := daemon.DefaultPIDFilePath()
	if err := daemon.WritePIDFile(pidPath); err != nil {
		if errors.Is(err, daemon.ErrDaemonRunning) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(daemon.ExitAlreadyRunning)
		}
		fmt.Fprintf(os.Stderr, "Error writing PID file: %v\n", err)
		os.Exit(1)
	}
	defer daemon.RemovePIDFile(pidPath)

	d, err := daemon.New(cfg, promptPasswords)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}

	daemon.Version = version

	if err := d.Start(); err != nil {
		daemon.RemovePIDFile(pidPath)
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(daemon.ExitStartFailed)
	}

	// Block until SIGINT/SIGTERM, then shut down cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := d.Stop(); err != nil {
		daemon.RemovePIDFile(pidPath)
		fmt.Fprintf(os.Stderr, "Error stopping daemon: %v\n", err)
		os.Exit(1)
	}

	return nil
}
