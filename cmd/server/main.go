package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hookline/internal/api"
	"hookline/internal/app"
	"hookline/pkg/store"
)

func main() {
	var (
		configPath string
		withEngine bool
		ephemeral  bool
	)
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Serve the operator API and the public event endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, withEngine, ephemeral)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("HOOKLINE_CONFIG"), "path to the YAML config file")
	cmd.Flags().BoolVar(&withEngine, "with-engine", false, "also run the reconciliation loop in this process")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep records in memory and run the loop in-process")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, withEngine, ephemeral bool) error {
	cfg, log, err := app.Load(configPath)
	if err != nil {
		return err
	}
	if ephemeral {
		cfg.Database.Ephemeral = true
	}
	// Nothing outside this process can reach an in-memory store.
	withEngine = withEngine || cfg.Database.Ephemeral
	runner, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx, runner.Stores()); err != nil {
		closeStore()
		return err
	}

	a, err := app.New(ctx, cfg, log, runner)
	if err != nil {
		closeStore()
		return err
	}
	a.OnClose(closeStore)
	defer a.Close()

	handler := api.New(runner, a.Engine, a.Correlator, a.Transport, log.Named("api"), api.Options{
		APIKeys:   cfg.HTTP.APIKeys,
		ProbeFrom: cfg.Mail.DefaultSender,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("hookline listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withEngine {
		sched, err := a.Scheduler()
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}
	return g.Wait()
}
