package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/app"
	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
	"github.com/odyssey-erp/odyssey-pos/jobs"
)

type serveOptions struct {
	inProcessRelay bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the POS HTTP API.

With LEDGER_BACKEND=postgres committed changes wake the asynq relay worker.
With LEDGER_BACKEND=memory, or --inprocess-relay, the relay runs inside this
process instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.inProcessRelay, "inprocess-relay", false, "run the portal relay in this process")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *serveOptions, cmd *cobra.Command) error {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return nil
	}
	out := rootOpts.formatter(cmd)
	cfg, logger, err := rootOpts.bootstrap(cmd)
	if err != nil {
		return err
	}

	stores, err := rootOpts.Env.OpenStores(ctx, cfg, logger)
	if err != nil {
		return out.Error(ExitCommandError, "open stores", err)
	}
	defer stores.Close()

	metrics := observability.NewMetrics()
	dispatcher := portalsync.NewDispatcher(stores.Outbox, cfg.NewPortalClient(), cfg.SyncPolicy(),
		portalsync.WithLogger(logger),
		portalsync.WithMetrics(portalsync.NewMetrics(metrics.Registerer())))

	var notifier inventory.Notifier
	var runner *portalsync.Runner
	var inspector *asynq.Inspector
	readiness := []func(context.Context) error{stores.Ready}

	if cfg.UsesMemoryLedger() || opts.inProcessRelay {
		runner = portalsync.NewRunner(dispatcher, cfg.RelayEvery(), logger)
		notifier = runner
	} else {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return out.Error(ExitCommandError, "connect redis", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		readiness = append(readiness, func(ctx context.Context) error { return cache.Ping(ctx, redisClient) })

		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobsClient, err := jobs.NewClient(redisOpts, 5*time.Second)
		if err != nil {
			return out.Error(ExitCommandError, "init jobs client", err)
		}
		defer jobsClient.Close()
		notifier = jobsClient

		inspector = asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
	}

	service := inventory.NewService(stores.Ledger, inventory.ServiceConfig{
		Audit:    stores.Audit,
		Notifier: notifier,
		Logger:   logger,
	})
	apiKeyGuard := inventory.RequireAPIKey(cfg.POSAPIKey, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InventoryHandler: inventory.NewHandler(logger, service, cfg.POSAPIKey),
		SyncHandler:      portalsync.NewHandler(logger, dispatcher, notifier, apiKeyGuard),
		JobHandler:       jobs.NewHandler(inspector, dispatcher, logger),
		Metrics:          metrics,
		Ready: func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("ledger", cfg.LedgerBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if runner != nil {
		group.Go(func() error {
			logger.Info("starting in-process relay", slog.Duration("interval", cfg.RelayEvery()))
			return runner.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		return out.Error(ExitFailure, "serve", err)
	}
	return nil
}
