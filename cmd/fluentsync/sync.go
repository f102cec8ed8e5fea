package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"fluentsync/internal/config"
	"fluentsync/internal/logging"
	"fluentsync/internal/models"
	"fluentsync/internal/worker"

	"github.com/spf13/cobra"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one drain pass over the offline queue and exit",
		Long: `Run one drain pass over the offline queue and exit.

When a serve daemon answers on the configured API port the pass is handed to it
with SYNC_NOW, so only one process replays the queue. --local skips that check;
use it only while no daemon is running against the same database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := opts.cfg, opts.logger

			if !local {
				requested, err := requestDaemonSync(cmd.Context(), cfg.API)
				if err != nil {
					return fmt.Errorf("sync: %w", err)
				}
				if requested {
					if opts.Format == "json" {
						return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "requested"})
					}
					fmt.Fprintln(cmd.OutOrStdout(), "sync requested from running daemon")
					return nil
				}
			}

			db, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			redisClient := initRedis(cmd.Context(), cfg, logger)
			if redisClient != nil {
				defer redisClient.Close()
			}

			// one pass only: nothing would consume a rescheduled trigger
			w := newSyncWorker(cfg, db, nil, redisClient, logging.Component(logger, "cli"), worker.WithRescheduleDelay(0))
			summary, err := w.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d, total %d\n", summary.Synced, summary.Failed, summary.Total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "drain in this process even if a daemon is running")
	return cmd
}

// requestDaemonSync posts SYNC_NOW to a local serve daemon. It reports false
// when no daemon is listening.
func requestDaemonSync(ctx context.Context, cfg config.APIConfig) (bool, error) {
	if !cfg.Enabled {
		return false, nil
	}

	body, err := json.Marshal(models.ClientMessage{Type: models.MessageSyncNow})
	if err != nil {
		return false, err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/messages", cfg.HTTP.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := controlKey(cfg.Auth); key != "" {
		req.Header.Set(cfg.Auth.HeaderAPIKey, key)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return false, nil
		}
		return false, fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return false, fmt.Errorf("daemon refused SYNC_NOW: HTTP %d", resp.StatusCode)
	}
	return true, nil
}

// controlKey picks the first configured key allowed to send messages.
func controlKey(auth config.APIAuthConfig) string {
	if !auth.Enabled {
		return ""
	}
	for _, k := range auth.APIKeys {
		if len(k.Permissions) == 0 {
			return k.Key
		}
		for _, p := range k.Permissions {
			if strings.TrimSpace(p) == "control" {
				return k.Key
			}
		}
	}
	return ""
}
