package main

import (
	"errors"
	"fmt"
	"strings"

	"fluentsync/internal/models"
	"fluentsync/internal/queue"

	"github.com/spf13/cobra"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the offline queue",
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueAddCommand(opts))
	cmd.AddCommand(newQueueRemoveCommand(opts))

	return cmd
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending items in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.GetAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}
			queue.Sort(items)

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			return writeQueueTable(cmd.OutOrStdout(), items)
		},
	}
}

type queueAddOptions struct {
	Method         string
	Priority       string
	Body           string
	IdempotencyKey string
	Headers        []string
}

func newQueueAddCommand(opts *rootOptions) *cobra.Command {
	addOpts := &queueAddOptions{}

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Queue a request for replay on the next sync pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, ok := models.ParsePriority(addOpts.Priority)
			if !ok {
				return fmt.Errorf("unknown priority %q", addOpts.Priority)
			}
			headers, err := parseHeaders(addOpts.Headers)
			if err != nil {
				return err
			}

			item, err := queue.NewItem(args[0], addOpts.Method,
				queue.WithPriority(priority),
				queue.WithHeaders(headers),
				queue.WithBody(addOpts.Body),
				queue.WithIdempotencyKey(addOpts.IdempotencyKey),
			)
			if err != nil {
				return err
			}

			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Put(cmd.Context(), item); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), item)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s as %s\n", item.Method, item.URL, item.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addOpts.Method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringVarP(&addOpts.Priority, "priority", "p", "normal", "priority (high|normal|low)")
	cmd.Flags().StringVarP(&addOpts.Body, "data", "d", "", "request body")
	cmd.Flags().StringVar(&addOpts.IdempotencyKey, "idempotency-key", "", "idempotency key (generated when empty)")
	cmd.Flags().StringArrayVarP(&addOpts.Headers, "header", "H", nil, "request header as 'Name: value' (repeatable)")

	return cmd
}

func newQueueRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove pending items by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			for _, id := range args {
				if err := db.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("remove %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			return nil
		},
	}
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.New("header must be formatted as 'Name: value'")
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}
