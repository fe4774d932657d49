package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/relay/config"
	"github.com/erfanmomeniii/relay/internal/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Enterprise integration bus",
		Long:          "relayd moves records from source systems through the MessageBox to every destination of their interface.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the configuration file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
		log, err := logger.New(cfg.Logging)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		slog.SetDefault(log)
		return cfg, log, nil
	}

	root.AddCommand(
		newRunCmd(load),
		newValidateCmd(load),
		newSchemaCmd(load),
		newLeasesCmd(load),
	)
	return root
}

type loader func() (*config.Config, *slog.Logger, error)
