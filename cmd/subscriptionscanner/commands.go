package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"SubscriptionScanner/internal/app"
	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/infrastructure/storage"
	"SubscriptionScanner/internal/logging"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Poll the ledger and process due subscriptions until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(application *app.Application, logger *slog.Logger) error {
				logger.Info("worker started")
				if err := application.Run(ctx); err != nil {
					return err
				}
				logger.Info("worker stopped")
				return nil
			})
		},
	}
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <subscription-id>",
		Short: "Run the pipeline once for a single subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(application *app.Application, _ *slog.Logger) error {
				result := application.Pipeline().ProcessOne(cmd.Context(), args[0])
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Status == domain.OutcomeError {
					return fmt.Errorf("subscription %s: %s", args[0], result.Reason)
				}
				return nil
			})
		},
	}
}

func newDrainCmd() *cobra.Command {
	var maxBatches int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process due subscriptions until the ledger has nothing left to claim",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(application *app.Application, _ *slog.Logger) error {
				total, err := application.Pool().Drain(cmd.Context(), maxBatches)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), total)
			})
		},
	}
	cmd.Flags().IntVar(&maxBatches, "max", 0, "stop after this many batches (0 means until empty)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print ledger record counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(application *app.Application, _ *slog.Logger) error {
				stats, err := application.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			db, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := storage.Migrate(db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func withApp(ctx context.Context, fn func(*app.Application, *slog.Logger) error) error {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()

	return fn(application, logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
