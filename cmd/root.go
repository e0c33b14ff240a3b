// Package cmd defines the rallyscraper command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/config"
	"github.com/JakeFAU/rallyscraper/internal/logging"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// runFunc executes one season scrape. It is swapped out in tests.
type runFunc func(ctx context.Context, cfg config.Config, season int, logger *zap.Logger) error

// newRootCmd creates the root command. The optional positional argument
// selects the season; it defaults to scrape.default_season.
func newRootCmd(run runFunc) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:     "rallyscraper [season]",
		Short:   "Scrapes rally results for a season into Postgres.",
		Version: version,
		Long: `rallyscraper walks a season listing on the results site, fetches every
rally page behind a rotating egress identity, and reconciles the overall
results into the drivers, crews and overall_results tables.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			season, err := resolveSeason(args, cfg.Scrape.DefaultSeason)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() {
				// Sync fails on console sinks; nothing useful to do about it.
				_ = logger.Sync()
			}()
			zap.ReplaceGlobals(logger)

			return run(cmd.Context(), cfg, season, logger)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML); RALLY_* environment variables override it")
	return cmd
}

func resolveSeason(args []string, fallback int) (int, error) {
	if len(args) == 0 {
		return fallback, nil
	}
	season, err := strconv.Atoi(args[0])
	if err != nil || season < 1900 {
		return 0, fmt.Errorf("season must be a year, got %q", args[0])
	}
	return season, nil
}

// Execute runs the root command with a context canceled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(runScrape).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rallyscraper: %v\n", err)
		os.Exit(1)
	}
}
