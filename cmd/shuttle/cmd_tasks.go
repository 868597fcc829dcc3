package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/shuttledb/shuttle/internal/ipc"
	"github.com/shuttledb/shuttle/internal/models"
)

// newTasksCmd creates the tasks subcommand
func newTasksCmd() *cobra.Command {
	var asTree bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List task definitions",
		Long: `List the task definitions the daemon knows about, with each task's
transfer direction, linked group, and most recent outcome.

With --tree, render linked groups as branches in member order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connectDaemon()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			result, err := client.ListTasks()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
					os.Exit(1)
				}
				return nil
			}

			if len(result.Tasks) == 0 {
				fmt.Println("no tasks defined")
				return nil
			}

			tasks := result.Tasks
			sortTasks(tasks)

			if asTree {
				printTaskTree(tasks)
			} else {
				printTaskList(tasks)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asTree, "tree", false, "render linked groups as a tree")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

// sortTasks orders grouped tasks first (by group, then member order), then
// standalone tasks by id.
func sortTasks(tasks []ipc.TaskSummary) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if (a.LinkedGroup == "") != (b.LinkedGroup == "") {
			return a.LinkedGroup != ""
		}
		if a.LinkedGroup != b.LinkedGroup {
			return a.LinkedGroup < b.LinkedGroup
		}
		if a.LinkedOrder != b.LinkedOrder {
			return a.LinkedOrder < b.LinkedOrder
		}
		return a.ID < b.ID
	})
}

// printTaskList prints tasks as aligned columns.
func printTaskList(tasks []ipc.TaskSummary) {
	idW, nameW := len("ID"), len("NAME")
	for _, t := range tasks {
		if len(t.ID) > idW {
			idW = len(t.ID)
		}
		if len(t.Name) > nameW {
			nameW = len(t.Name)
		}
	}

	fmt.Printf("%-*s  %-*s  %-8s  %-6s  %-14s  %-19s  %s\n",
		idW, "ID", nameW, "NAME", "TYPE", "ACTIVE", "GROUP", "LAST RUN", "STATUS")
	for _, t := range tasks {
		active := "yes"
		if !t.Active {
			active = dimFormat("no")
		}
		group := t.LinkedGroup
		if group != "" && t.LinkedOrder > 0 {
			group = fmt.Sprintf("%s (%d)", t.LinkedGroup, t.LinkedOrder)
		}
		lastRun := ""
		if !t.LastRun.IsZero() {
			lastRun = t.LastRun.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-*s  %-*s  %-8s  %-6s  %-14s  %-19s  %s\n",
			idW, t.ID, nameW, t.Name, t.TransferType, active, group, lastRun, colorStatus(t.LastStatus))
	}
}

// printTaskTree prints tasks with linked groups as branches. sortTasks has
// already put members in linked order.
func printTaskTree(tasks []ipc.TaskSummary) {
	tree := treeprint.New()
	tree.SetValue("tasks")

	branches := make(map[string]treeprint.Tree)
	for _, t := range tasks {
		if t.LinkedGroup == "" {
			tree.AddNode(taskNode(t))
			continue
		}
		branch, ok := branches[t.LinkedGroup]
		if !ok {
			branch = tree.AddBranch(fmt.Sprintf("group %s", t.LinkedGroup))
			branches[t.LinkedGroup] = branch
		}
		branch.AddNode(taskNode(t))
	}

	fmt.Print(tree.String())
}

// taskNode formats one task as a tree node label.
func taskNode(t ipc.TaskSummary) string {
	label := t.ID
	if t.LinkedOrder > 0 {
		label = fmt.Sprintf("%d. %s", t.LinkedOrder, t.ID)
	}
	if t.Name != "" && t.Name != t.ID {
		label += fmt.Sprintf(" (%s)", t.Name)
	}
	label += " " + t.TransferType
	if !t.Active {
		label += dimFormat(" inactive")
	}
	if t.LastStatus != "" {
		label += " " + colorStatus(t.LastStatus)
	}
	return label
}

// colorStatus accents a terminal execution status.
func colorStatus(s string) string {
	switch models.ExecutionStatus(s) {
	case models.StatusCompleted:
		return goodFormat(s)
	case models.StatusFailed:
		return badFormat(s)
	case models.StatusCancelled:
		return warnFormat(s)
	default:
		return s
	}
}
