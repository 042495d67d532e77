package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hyperion/internal/config"
	"hyperion/internal/logging"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "hyperion: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		demo       bool
	)
	cmd := &cobra.Command{
		Use:           "hyperion",
		Short:         "Compute provider node for the Hyperion DePIN network",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if demo || cfg.Demo {
				cfg.ApplyDemo()
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = runNode(ctx, cfg, logger)
			if errors.Is(err, context.Canceled) {
				logger.Info("interrupted during startup")
				return nil
			}
			if err != nil {
				logger.Error("node failed", zap.Error(err))
				return err
			}
			logger.Info("hyperion shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "run with simulated task flow, runtime and hardware")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.AddCommand(newOfferCmd(&configPath))
	return cmd
}
