// Package main provides the targetd entry point: the evidence-to-score
// service, its migrations and one-off cohort scoring runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/target-evidence-core/internal/app"
	"github.com/target-evidence-core/internal/config"
	"github.com/target-evidence-core/internal/database"
	"github.com/target-evidence-core/internal/domain"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "targetd",
		Short: "Target evidence core",
		Long: `targetd keeps a bi-temporal knowledge graph of target facts,
rescoring (gene, cancer type) pairs as evidence changes.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().Bool("lite", false, "Embedded storage only: SQLite facts, Badger audit log")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for --lite")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("targetd %s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process fact updates",
		RunE:  runServe,
	})

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "PostgreSQL schema migrations",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  func(cmd *cobra.Command, args []string) error { return runMigrate(cmd, true) },
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE:  func(cmd *cobra.Command, args []string) error { return runMigrate(cmd, false) },
	})
	rootCmd.AddCommand(migrateCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score one cancer type's cohort and print the run report",
		RunE:  runScore,
	}
	scoreCmd.Flags().String("cancer", "", "Cancer type id")
	scoreCmd.Flags().String("profile", "", "Weight profile (default: active profile)")
	_ = scoreCmd.MarkFlagRequired("cancer")
	rootCmd.AddCommand(scoreCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// load reads and validates configuration and builds the logger
func load(cmd *cobra.Command) (*domain.Config, *logrus.Logger, error) {
	var opts []config.Option
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	m, err := config.NewManager(opts...)
	if err != nil {
		return nil, nil, err
	}
	cfg := m.GetConfig()
	if lite, _ := cmd.Flags().GetBool("lite"); lite {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if dataDir == "" {
			dataDir = config.DefaultDataDir()
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		config.ApplyLite(cfg, dataDir)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	logger.WithFields(logrus.Fields{
		"version":        version,
		"storage_driver": cfg.Storage.Driver,
		"audit_driver":   cfg.Storage.AuditDriver,
		"amqp":           cfg.AMQP.Enabled,
	}).Info("Starting targetd")

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("targetd failed")
		return err
	}
	logger.Info("targetd stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, up bool) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	runner, err := database.NewMigrationRunner(config.DatabaseURL(cfg.Database), cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, stop := signalContext()
	defer stop()
	if up {
		return runner.Up(ctx)
	}
	return runner.Down(ctx)
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	cancer, _ := cmd.Flags().GetString("cancer")
	profile, _ := cmd.Flags().GetString("profile")

	ctx, stop := signalContext()
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Engine.ScoreCohort(ctx, cancer, profile)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
