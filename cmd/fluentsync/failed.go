package main

import (
	"fmt"
	"time"

	"fluentsync/internal/export"

	"github.com/spf13/cobra"
)

func newFailedCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect items that exhausted their retries",
	}

	cmd.AddCommand(newFailedListCommand(opts))
	cmd.AddCommand(newFailedClearCommand(opts))
	cmd.AddCommand(newFailedExportCommand(opts))

	return cmd
}

func newFailedListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List failed items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.ListFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("list failed: %w", err)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return writeFailedTable(cmd.OutOrStdout(), items)
		},
	}
}

func newFailedClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every failed item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ClearFailed(cmd.Context()); err != nil {
				return fmt.Errorf("clear failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "failed items cleared")
			return nil
		},
	}
}

func newFailedExportCommand(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write failed items to an Excel report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = opts.cfg.Exports.Path
			}

			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.ListFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("list failed: %w", err)
			}

			path, err := export.WriteFailedReport(dir, items, time.Now())
			if err != nil {
				return fmt.Errorf("export failed items: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d items to %s\n", len(items), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default exports.path)")
	return cmd
}
