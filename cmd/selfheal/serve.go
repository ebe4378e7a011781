package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/selfheal/api"
	"github.com/use-agent/selfheal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction and diagnostics API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		slog.Info("selfheal starting",
			"host", cfg.Server.Host,
			"port", cfg.Server.Port,
			"mode", cfg.Server.Mode,
			"store", cfg.Memory.Store,
		)

		ctx, stop := context.WithCancel(context.Background())
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}

		sched, err := scheduler.New(cfg.Scheduler, scheduler.Targets{
			Optimizer:    a.engine,
			Recalibrator: a.healer,
			Predictor:    a.pipeline,
			Memory:       a.mem,
		})
		if err != nil {
			a.close(ctx)
			return err
		}
		sched.Start()

		router := api.NewRouter(ctx, api.Deps{
			Memory:   a.mem,
			Engine:   a.engine,
			Healer:   a.healer,
			Pipeline: a.pipeline,
		}, cfg, time.Now())

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		var serveErr error
		select {
		case sig := <-quit:
			slog.Info("shutdown signal received", "signal", sig.String())
		case serveErr = <-errCh:
			slog.Error("HTTP server error", "error", serveErr)
		}

		// Give in-flight requests and running jobs 10 seconds to complete.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server forced shutdown", "error", err)
		} else {
			slog.Info("HTTP server drained gracefully")
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			slog.Warn("scheduler did not stop in time", "error", err)
		}
		stop()
		a.close(shutdownCtx)

		slog.Info("selfheal stopped")
		return serveErr
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
