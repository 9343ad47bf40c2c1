package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/api"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/executor"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/validator"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides PORT)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	logger := newLogger(cfg, cmd.OutOrStdout())
	slog.SetDefault(logger)

	logger.Info("starting pipeline service",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("pipeline_store", cfg.PipelineStore),
		slog.String("runstore", cfg.RunStoreType),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracingConfig(cfg), logger)
	if err != nil {
		logger.Error("failed to initialize tracing, continuing without it", "error", err)
	}

	pipelines, err := openPipelineStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipelines.Close()

	runs := openRunStore(cfg, logger)
	defer runs.Close()

	gen, closeGen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}
	defer closeGen()

	dispatcher, closeOutbox, err := newDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOutbox()

	v, err := validator.New()
	if err != nil {
		return err
	}

	eng := engine.New(executor.New(gen, logger), engine.Config{
		Retry:  retryPolicy(cfg),
		Source: pipelines,
		Sink:   runstore.NewSink(runs, logger),
	}, logger)

	handlers := api.NewHandlers(api.Deps{
		Pipelines: pipelines,
		Runs:      runs,
		Engine:    eng,
		Validator: v,
		Outbox:    dispatcher,
	}, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := handlers.Shutdown(shutdownCtx); err != nil {
		logger.Error("background runs did not finish", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
	return nil
}
