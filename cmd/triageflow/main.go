// Command triageflow runs the email triage service.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sicko7947/triageflow/config"
	"github.com/sicko7947/triageflow/engine"
	"github.com/sicko7947/triageflow/server"
	"github.com/sicko7947/triageflow/store"
	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "triageflow",
	Short:        "Durable email triage with human-in-the-loop decisions",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sweeper",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue decisions and recover stalled instances once",
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables used by the configured store backend",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper := engine.NewSweeper(a.engine,
		engine.WithStalledAfter(cfg.Engine.StalledAfter),
		engine.WithSweeperLogger(a.logger),
	)
	if cfg.Engine.SweepSchedule != "" {
		if err := sweeper.Schedule(cfg.Engine.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Engine.SweepSchedule, err)
		}
		sweeper.Start()
		a.logger.Info().Str("schedule", cfg.Engine.SweepSchedule).Msg("Sweeper started")
	}

	srv := server.New(a.engine, a.callbacks,
		server.WithLogger(a.logger),
		server.WithVersion(version),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		<-sweeper.Stop().Done()
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down server...")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		a.logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-sweeper.Stop().Done():
	case <-time.After(30 * time.Second):
		a.logger.Warn().Msg("Sweep still running at shutdown")
	}

	a.logger.Info().Msg("Server exited")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper := engine.NewSweeper(a.engine,
		engine.WithStalledAfter(cfg.Engine.StalledAfter),
		engine.WithSweeperLogger(a.logger),
	)
	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "expired=%d recovered=%d\n", report.Expired, report.Recovered)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}

	case "dynamodb":
		client, err := dynamoClient(ctx, cfg)
		if err != nil {
			return err
		}
		if err := store.EnsureTable(ctx, client, cfg.Store.DynamoDB.Table, 2*time.Minute); err != nil {
			return err
		}

	default:
		return errors.New("the memory store needs no migration")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s store is ready\n", cfg.Store.Backend)
	return nil
}
