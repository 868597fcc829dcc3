package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shuttledb/shuttle/internal/config"
	"github.com/shuttledb/shuttle/internal/daemon"
	"github.com/shuttledb/shuttle/internal/repository"
)

// newExportCmd creates the export subcommand
func newExportCmd() *cobra.Command {
	var dir string
	var compression string
	var limit int
	cmd := &cobra.Command{
		Use:   "export [task-id]",
		Short: "Export execution history to archive files",
		Long: `Write recent execution history as a JSON-lines archive file, optionally
compressed. Without a task id, export every task's history.

Reads the task store directly; the daemon does not need to be running.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(daemon.ExitConfigError)
			}

			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}

			if dir == "" {
				dir = cfg.Archive.Dir
			}
			if dir == "" {
				dir = filepath.Join(config.DefaultDataDir(), "archive")
			}
			if compression == "" {
				compression = cfg.Archive.Compression
			}
			comp := repository.Compression(compression)
			if !comp.IsValid() {
				return fmt.Errorf("invalid compression %q (none, gzip, lz4, zstd)", compression)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			repo, err := repository.Open(ctx, cfg.Repository)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening task store: %v\n", err)
				os.Exit(1)
			}
			defer repo.Close()

			entry, err := repository.NewArchiver(dir, comp).Export(ctx, repo, taskID, limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(entry); err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
					os.Exit(1)
				}
				return nil
			}

			fmt.Printf("archive written: %s\n", entry.Path)
			fmt.Printf("  Records:  %s\n", humanize.Comma(int64(entry.Records)))
			fmt.Printf("  Size:     %s\n", humanize.Bytes(uint64(entry.SizeBytes)))
			fmt.Printf("  Checksum: %s\n", entry.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default from config)")
	cmd.Flags().StringVar(&compression, "compression", "", "archive compression: none, gzip, lz4, zstd")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum executions to export")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}
