package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hookline/internal/app"
)

// schemaAttempts bounds the wait for the server to create the tables.
const schemaAttempts = 30

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "Run the reconciliation loop",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("HOOKLINE_CONFIG"), "path to the YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "engine:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, log, err := app.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Ephemeral {
		return fmt.Errorf("the engine needs a shared database; use server --with-engine for in-memory runs")
	}
	runner, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	// The server creates the tables; poll until a read succeeds.
	err = app.WaitForSchema(ctx, log, schemaAttempts, func(ctx context.Context) error {
		_, err := runner.Stores().Attacks.Active(ctx)
		return err
	})
	if err != nil {
		closeStore()
		return fmt.Errorf("tables not ready: %w", err)
	}

	a, err := app.New(ctx, cfg, log, runner)
	if err != nil {
		closeStore()
		return err
	}
	a.OnClose(closeStore)
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	log.Info("engine started", zap.Duration("interval", cfg.Engine.Interval))
	<-ctx.Done()
	log.Info("engine stopping")
	sched.Stop()
	return nil
}
