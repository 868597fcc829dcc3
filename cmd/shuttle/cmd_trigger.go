package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newTriggerCmd creates the trigger subcommand
func newTriggerCmd() *cobra.Command {
	var batch bool
	var follow bool
	cmd := &cobra.Command{
		Use:   "trigger [task-id]",
		Short: "Run a transfer task now",
		Long: `Start one task immediately, outside the daily schedule. A task that
belongs to a linked group runs its whole group in linked order.

With --batch, run the full scheduled batch exactly as the daily trigger
would: active auto tasks, deduplicated by group, bounded concurrency.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batch && len(args) > 0 {
				return fmt.Errorf("--batch takes no task id")
			}
			if !batch && len(args) == 0 {
				return fmt.Errorf("task id required (or --batch)")
			}
			if batch && follow {
				return fmt.Errorf("--watch follows a single task, not a batch")
			}

			client, err := connectDaemon()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			if batch {
				if _, err := client.TriggerBatch(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Println("scheduled batch started")
				fmt.Println(dimFormat("follow with: shuttle status"))
				return nil
			}

			taskID := args[0]
			result, err := client.TriggerTask(taskID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if result.Group != "" {
				fmt.Printf("group %q started: %s\n", result.Group, strings.Join(result.Members, ", "))
			} else {
				fmt.Printf("transfer started: %s\n", result.TaskID)
			}

			if follow {
				return watchTask(client, taskID)
			}
			fmt.Println(dimFormat("follow with: shuttle watch " + taskID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&batch, "batch", false, "run the full scheduled batch")
	cmd.Flags().BoolVar(&follow, "watch", false, "follow the transfer's progress until it finishes")
	return cmd
}
