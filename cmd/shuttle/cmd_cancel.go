package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the cancel subcommand
func newCancelCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a running transfer",
		Long: `Request cancellation of a running transfer. The engine stops at the next
row boundary, releases its connections, and records the execution as
cancelled. Cancelling a group member stops the rest of its group run.

With --all, cancel every transfer currently in flight.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no task id")
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("task id required (or --all)")
			}

			client, err := connectDaemon()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			if all {
				result, err := client.CancelAll()
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				switch result.Cancelled {
				case 0:
					fmt.Println("no transfers in flight")
				case 1:
					fmt.Println("cancellation requested for 1 transfer")
				default:
					fmt.Printf("cancellation requested for %d transfers\n", result.Cancelled)
				}
				return nil
			}

			taskID := args[0]
			result, err := client.CancelTask(taskID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if result.Cancelled {
				fmt.Printf("cancellation requested: %s\n", taskID)
			} else {
				fmt.Printf("no transfer in flight for %s\n", taskID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "cancel every running transfer")
	return cmd
}
