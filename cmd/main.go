package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tiermigrate/internal/app"
	"tiermigrate/internal/config"
	"tiermigrate/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tiermigrate",
	Short: "Two-tier record store with transparent archival migration",
	Long: `tiermigrate keeps recently-written records in a low-latency hot store and
migrates records past a retention cutoff to a cheap cold store, serving
reads transparently across both tiers. Migration is resumable,
idempotent and lease-guarded so at most one pass runs at a time.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Store flags
	rootCmd.PersistentFlags().String("hot-db", "", "Hot store database file")
	rootCmd.PersistentFlags().String("ledger-db", "", "Ledger database file")
	rootCmd.PersistentFlags().String("cold-endpoint", "", "Cold store endpoint")
	rootCmd.PersistentFlags().String("cold-access-key", "", "Cold store access key")
	rootCmd.PersistentFlags().String("cold-secret-key", "", "Cold store secret key")
	rootCmd.PersistentFlags().String("cold-bucket", "", "Cold store bucket")
	rootCmd.PersistentFlags().Bool("cold-secure", false, "Use HTTPS for cold store")

	// Archival flags
	rootCmd.PersistentFlags().Int("retention-days", 90, "Age threshold for migration eligibility in days")
	rootCmd.PersistentFlags().Int("batch-size", 500, "Records per migration batch")
	rootCmd.PersistentFlags().Int("max-retries", 5, "Per-record migration attempts before Failed")
	rootCmd.PersistentFlags().Int("retry-backoff-ms", 500, "Initial per-record retry backoff in milliseconds")
	rootCmd.PersistentFlags().Int("lease-ttl-seconds", 300, "Archival lease duration in seconds")
	rootCmd.PersistentFlags().String("schedule", "", "Cron schedule for automatic archival passes in serve mode")

	// Read path flags
	rootCmd.PersistentFlags().Int("migrating-retry-delay-ms", 100, "Read retry delay for mid-migration records in milliseconds")
	rootCmd.PersistentFlags().Int("cache-ttl-seconds", 300, "Cold-read cache entry lifetime in seconds")
	rootCmd.PersistentFlags().Int("cache-capacity", 1024, "Cold-read cache capacity in entries")

	// Server flags
	rootCmd.PersistentFlags().String("listen-addr", ":8080", "API listen address")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "Metrics listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(serveCmd, archiveCmd, failedCmd, retryCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read API, metrics endpoint and optional archival schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			return a.Serve(ctx)
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Run a single archival pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			result, err := a.RunArchivalPass(ctx)
			if err != nil {
				return err
			}
			if result.Skipped {
				log.Info("Pass skipped, another pass holds the lease")
				return nil
			}
			log.Info("Pass complete",
				zap.Int("migrated", result.RecordsMigrated),
				zap.Int("failed", result.RecordsFailed),
				zap.Int("skipped", result.RecordsSkipped),
				zap.Duration("duration", result.Duration),
			)
			return nil
		})
	},
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List records whose migration exhausted its retry budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			entries, err := a.ListFailed(ctx)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\tattempts=%d\tupdated=%s\n", e.RecordID, e.Attempts, e.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <record-id>",
	Short: "Reset a failed record so the next pass re-attempts it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			if err := a.RetryFailed(ctx, args[0]); err != nil {
				return err
			}
			log.Info("Record queued for retry", zap.String("id", args[0]))
			return nil
		})
	},
}

// withApp loads config, builds the application and runs fn with a
// signal-cancelled context, closing resources afterwards.
func withApp(cmd *cobra.Command, fn func(context.Context, *app.App, *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	err = fn(ctx, a, log)

	if closeErr := a.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
