package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/ipc"
	"github.com/shuttledb/shuttle/internal/models"
)

var watchGraph bool

// newWatchCmd creates the watch subcommand
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow live transfer progress",
		Long: `Stream progress events for a task until its transfer reaches a terminal
state. Renders a progress bar; --graph adds a progress-over-time chart
once the stream ends. With --json, print one event per line instead.

A recently finished task replays its last known state. Watching an idle
task waits for its next execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectDaemon()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			return watchTask(client, args[0])
		},
	}
	cmd.Flags().BoolVar(&watchGraph, "graph", false, "chart progress over time when done")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output one JSON event per line")
	return cmd
}

// watchTask follows one task's progress stream to its terminal event.
// trigger --watch shares it.
func watchTask(client *ipc.Client, taskID string) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		err := client.Watch(taskID, func(ev models.ProgressEvent) bool {
			enc.Encode(ev)
			return true
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return nil
	}

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle(taskID).
		WithRemoveWhenDone(true).
		Start()

	var (
		start   = time.Now()
		samples []float64
		stamps  []time.Time
		final   models.ProgressEvent
	)
	err := client.Watch(taskID, func(ev models.ProgressEvent) bool {
		final = ev
		if ev.Progress >= 0 {
			samples = append(samples, float64(ev.Progress))
			stamps = append(stamps, ev.At)
			if ev.Progress > bar.Current {
				bar.Add(ev.Progress - bar.Current)
			}
		}
		if ev.Message != "" {
			bar.UpdateTitle(fmt.Sprintf("%s  %s", taskID, ev.Message))
		}
		return true
	})
	bar.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printWatchOutcome(taskID, final, time.Since(start))
	if watchGraph && len(samples) >= 2 {
		printProgressGraph(samples, stamps)
	}

	if final.Progress == models.ProgressFailed {
		os.Exit(1)
	}
	return nil
}

// printWatchOutcome prints one line for the terminal event.
func printWatchOutcome(taskID string, final models.ProgressEvent, elapsed time.Duration) {
	switch final.Progress {
	case 100:
		fmt.Printf("%s %s (%s)\n", goodFormat("✓"), taskID, formatDuration(elapsed))
	case models.ProgressFailed:
		msg := final.Message
		if msg == "" {
			msg = "transfer failed"
		}
		fmt.Printf("%s %s: %s\n", badFormat("✗"), taskID, msg)
	default:
		// Stream ended without a terminal value (daemon shutdown).
		fmt.Printf("%s %s: stream ended at %d%%\n", warnFormat("?"), taskID, final.Progress)
	}
	if final.Message != "" && final.Progress == 100 {
		fmt.Println(dimFormat("  " + final.Message))
	}
}

// printProgressGraph charts the observed progress values over the watch.
func printProgressGraph(samples []float64, stamps []time.Time) {
	caption := "progress %"
	if len(stamps) >= 2 {
		caption = fmt.Sprintf("progress %% over %s", formatDuration(stamps[len(stamps)-1].Sub(stamps[0])))
	}
	graph := asciigraph.Plot(samples,
		asciigraph.Height(8),
		asciigraph.Width(60),
		asciigraph.Caption(caption),
	)
	fmt.Println(graph)
}
