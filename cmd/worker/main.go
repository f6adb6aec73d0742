package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
	"github.com/odyssey-erp/odyssey-pos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if cfg.UsesMemoryLedger() {
		logger.Error("worker requires LEDGER_BACKEND=postgres; use serve --inprocess-relay with the memory ledger")
		os.Exit(1)
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close()

	dispatcher := portalsync.NewDispatcher(stores.Outbox, cfg.NewPortalClient(), cfg.SyncPolicy(),
		portalsync.WithLogger(logger),
		portalsync.WithMetrics(portalsync.NewMetrics(prometheus.DefaultRegisterer)))
	relayJob := jobs.NewSyncRelayJob(dispatcher, logger, jobmetrics.NewMetrics(nil))

	cronTask, err := jobs.NewSyncRelayTask("cron", time.Time{})
	if err != nil {
		logger.Error("build relay task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPortalSyncRelay, Handler: relayJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RelayCron(), Task: cronTask, Options: []asynq.Option{
				asynq.MaxRetry(0),
				asynq.Unique(cfg.RelayEvery()),
			}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting worker metrics listener", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := worker.Run(groupCtx)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
