package main

import (
	"fmt"
	"io"
	"os"

	"fluentsync/internal/config"
	"fluentsync/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags and the state loaded from them.
type rootOptions struct {
	ConfigPath string
	Format     string

	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fluentsync",
		Short:         "Offline request queue, background sync and caching proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return opts.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closer != nil {
				return opts.closer.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $CONFIG_PATH or configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newFailedCommand(opts))

	return cmd
}

func (o *rootOptions) load() error {
	configPath := o.ConfigPath
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	o.cfg = cfg
	o.logger = logger
	o.closer = closer
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}
