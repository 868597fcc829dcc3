package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/scheduler"
)

// newSchedulerCmd creates the scheduler subcommand
func newSchedulerCmd() *cobra.Command {
	var hour string
	cmd := &cobra.Command{
		Use:   "scheduler [on|off]",
		Short: "Show or toggle the daily schedule",
		Long: `Without arguments, show the scheduler state. With on or off, enable or
disable the daily trigger. --hour moves the fire time (HH:MM in the
daemon's configured time zone); on its own it keeps the enabled state.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectDaemon()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			// Plain "scheduler" just reports.
			if len(args) == 0 && hour == "" {
				status, err := client.GetStatus()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				printSchedulerStatus(status.Scheduler)
				return nil
			}

			var enabled bool
			switch {
			case len(args) == 0:
				// --hour alone: keep the current enabled state.
				status, err := client.GetStatus()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				enabled = status.Scheduler.Enabled
			case args[0] == "on":
				enabled = true
			case args[0] == "off":
				enabled = false
			default:
				return fmt.Errorf("argument must be \"on\" or \"off\", got %q", args[0])
			}

			if enabled && hour == "" {
				// Enabling validates the hour, so carry the configured one.
				status, err := client.GetStatus()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				hour = status.Scheduler.Hour
			}

			result, err := client.SetScheduler(enabled, hour)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printSchedulerStatus(result.Scheduler)
			return nil
		},
	}
	cmd.Flags().StringVar(&hour, "hour", "", "daily fire time (HH:MM)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

// printSchedulerStatus prints one scheduler state block.
func printSchedulerStatus(s scheduler.Status) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(s)
		return
	}

	state := "disabled"
	if s.Enabled {
		state = goodFormat("enabled")
	}
	fmt.Printf("scheduler: %s\n", state)
	if s.Hour != "" {
		fmt.Printf("  Hour:     %s %s\n", s.Hour, s.Timezone)
	}
	if !s.NextExecution.IsZero() {
		fmt.Printf("  Next run: %s\n", s.NextExecution.Format("2006-01-02 15:04:05"))
	}
	if s.Running {
		fmt.Printf("  Batch:    %s\n", warnFormat("running"))
	}
}
