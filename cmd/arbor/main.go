// Command arbor is the operational CLI for the arbor storage engine:
// configuration checks, health probes and garbage collection sweeps against
// the configured stores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arborfs/arbor/internal/logger"
	"github.com/arborfs/arbor/pkg/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "arbor",
		Short:         "Operate an arbor storage engine deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(gcCmd(&configPath))
	root.AddCommand(checkCmd(&configPath))
	root.AddCommand(versionCmd())
	return root
}

// setup loads the configuration and applies the logging settings.
func setup(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

func gcCmd(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage collection sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.GC.DryRun = true
			}

			ctx, cancel := signalContext()
			defer cancel()

			sys, err := config.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sys.Close(); cerr != nil {
					log.Warn().Err(cerr).Msg("failed to close stores")
				}
			}()

			stats, err := sys.Collector.RunNow(ctx)
			if err != nil {
				return fmt.Errorf("garbage collection: %w", err)
			}
			fmt.Println(stats.Summary())
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be removed without removing it")
	return cmd
}

func checkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe the stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			sys, err := config.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sys.Close(); cerr != nil {
					log.Warn().Err(cerr).Msg("failed to close stores")
				}
			}()

			if err := sys.Tree.Healthcheck(ctx); err != nil {
				return fmt.Errorf("healthcheck: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the arbor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("arbor", version)
		},
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
