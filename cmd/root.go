// Package cmd defines the CLI commands for the poipipe executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/config"
	"github.com/tourlytics/poipipe/internal/logging"
)

var (
	cfgFile    string
	spiderName string
)

// newRootCmd creates the root command and wires subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poipipe",
		Short: "Distributed tourism POI harvest and enrichment pipeline",
		Long: `poipipe crawls tourism points of interest through a three-stage
distributed pipeline (cities, listings, details), enriches the harvested
documents with LLM-derived attributes, and exports the results.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&spiderName, "spider", "",
		"crawler stage (cities, listings, details or all), or a spider namespace override")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newEnrichCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

// loadConfig builds the runtime config. A --spider value that names a
// crawler stage selects the stage (handled by the crawl command) and never
// rewrites the queue namespace; any other value overrides the namespace.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if spiderName != "" {
		if _, isStage := stageAlias(spiderName); !isStage {
			cfg.Spider = spiderName
		}
	}
	return cfg, nil
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Development)
}

// Execute runs the CLI under a signal-aware context so SIGINT and SIGTERM
// trigger the graceful-shutdown paths.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
