package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/daemon"
	"github.com/shuttledb/shuttle/internal/ipc"
)

var (
	goodFormat = color.New(color.FgGreen).SprintFunc()
	warnFormat = color.New(color.FgHiYellow).SprintFunc()
	badFormat  = color.New(color.FgHiRed).SprintFunc()
	dimFormat  = color.New(color.FgHiBlack).SprintFunc()
)

// newStatusCmd builds the status subcommand
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and health",
		Long: `Show daemon status including:
  - Daemon state, PID, uptime
  - Scheduler state and next execution
  - Endpoint pool and health monitor counters
  - Transfers currently in flight`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectDaemon()
			if err != nil {
				// No reachable daemon; fall back to the service manager's view.
				reportServiceStatus()
				return nil
			}
			defer client.Close()

			status, err := client.GetStatus()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
					os.Exit(1)
				}
			} else {
				printHumanStatus(status)
			}

			if !status.Health.Healthy {
				os.Exit(daemon.ExitUnhealthy)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

// reportServiceStatus prints what the service manager knows when the control
// socket is unreachable, and exits with the matching code.
func reportServiceStatus() {
	status, err := daemon.GetStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
	} else {
		fmt.Printf("shuttle daemon: %s\n", status.State)
		switch status.State {
		case "not_installed":
			fmt.Println("\nTo install the service:")
			fmt.Println("  shuttle install")
		case "stopped":
			fmt.Println("\nTo start the service:")
			fmt.Println("  shuttle start")
		case "running":
			fmt.Println("\nService is running but the control socket is unreachable.")
		}
	}

	switch status.State {
	case "not_installed":
		os.Exit(daemon.ExitServiceNotFound)
	case "stopped":
		os.Exit(daemon.ExitStopped)
	default:
		os.Exit(1)
	}
}

// printHumanStatus prints the daemon status in human-readable format.
func printHumanStatus(status *ipc.StatusResult) {
	state := status.State
	if state == "running" {
		state = goodFormat(state)
	}
	fmt.Printf("shuttle daemon: %s\n", state)
	fmt.Printf("  PID:        %d\n", status.PID)
	fmt.Printf("  Version:    %s\n", status.Version)
	fmt.Printf("  Uptime:     %s\n", formatDuration(time.Duration(status.UptimeSeconds)*time.Second))
	repoState := goodFormat("ok")
	if !status.Repository.OK {
		repoState = badFormat("unreachable")
	}
	fmt.Printf("  Repository: %s %s\n", status.Repository.Driver, repoState)
	logLine := fmt.Sprintf("%d warnings, %d errors", status.Log.Warnings, status.Log.Errors)
	if status.Log.Errors > 0 {
		logLine = badFormat(logLine)
	} else if status.Log.Warnings > 0 {
		logLine = warnFormat(logLine)
	}
	fmt.Printf("  Log:        %s\n", logLine)

	fmt.Println("\nScheduler:")
	enabled := "no"
	if status.Scheduler.Enabled {
		enabled = "yes"
	}
	fmt.Printf("  Enabled:    %s\n", enabled)
	if status.Scheduler.Hour != "" {
		fmt.Printf("  Hour:       %s %s\n", status.Scheduler.Hour, status.Scheduler.Timezone)
	}
	if !status.Scheduler.NextExecution.IsZero() {
		fmt.Printf("  Next run:   %s\n", status.Scheduler.NextExecution.Format("2006-01-02 15:04:05"))
	}
	batch := "idle"
	if status.Scheduler.Running {
		batch = warnFormat("running")
	}
	fmt.Printf("  Batch:      %s\n", batch)

	if len(status.Servers) > 0 {
		fmt.Println("\nEndpoints:")
		for _, s := range status.Servers {
			mark := goodFormat("✓")
			conn := "connected"
			if !s.Connected {
				mark = badFormat("✗")
				conn = "disconnected"
			}
			fmt.Printf("  %-3s %s %-12s acquires %-6d avg %.1fms  conns %d (%d idle)\n",
				string(s.Server)+":", mark, conn, s.Acquires, s.AvgAcquireMs, s.TotalConns, s.IdleConns)
		}
	}

	fmt.Println("\nHealth:")
	healthState := goodFormat("healthy")
	if !status.Health.Healthy {
		healthState = badFormat("unhealthy")
	}
	fmt.Printf("  State:      %s\n", healthState)
	if !status.Health.LastProbe.IsZero() {
		fmt.Printf("  Last probe: %s\n", status.Health.LastProbe.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  Failures:   database %d, connection %d\n",
		status.Health.DatabaseFailures, status.Health.ConnectionFailures)
	recoveries := fmt.Sprintf("%d", status.Health.Recoveries)
	if status.Health.ManualRequired {
		recoveries += badFormat(" (manual intervention required)")
	} else if !status.Health.CooldownUntil.IsZero() && status.Health.CooldownUntil.After(time.Now()) {
		recoveries += dimFormat(fmt.Sprintf(" (cooldown until %s)", status.Health.CooldownUntil.Format("15:04:05")))
	}
	fmt.Printf("  Recoveries: %s\n", recoveries)

	if len(status.Running) > 0 {
		fmt.Println("\nActive transfers:")
		for _, t := range status.Running {
			name := t.Name
			if name == "" {
				name = t.TaskID
			}
			elapsed := ""
			if !t.StartedAt.IsZero() {
				elapsed = dimFormat("  " + formatDuration(time.Since(t.StartedAt)))
			}
			progress := fmt.Sprintf("%3d%%", t.Progress)
			if t.Progress < 0 {
				progress = badFormat("fail")
			}
			fmt.Printf("  %-24s %s  %s%s\n", name, progress, t.Message, elapsed)
		}
	}
}
