package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/lisa-sandbox/lisa-api/internal/api_server"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run analysis workers consuming the river queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := setup()
		defer done()
		if err != nil {
			return err
		}

		if cfg.Database.Type != "pgsql" {
			return fmt.Errorf("the worker needs the river queue on postgres, DB_TYPE is %q", cfg.Database.Type)
		}

		zap.S().Info("Starting analysis worker")
		defer zap.S().Info("Analysis worker stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		db, err := store.InitDB(cfg)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		p, err := newPipeline(ctx, cfg, s.Task())
		if err != nil {
			return err
		}
		defer p.Close()

		worker := queue.NewAnalysisWorker(p.executor, p.guard)
		client, err := queue.NewRiverClient(pool, cfg.Service.Queue.Name, cfg.Service.Queue.Workers, worker)
		if err != nil {
			return fmt.Errorf("failed to create river client: %w", err)
		}

		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start river: %w", err)
		}
		zap.S().Infow("River job queue initialized", "queue", cfg.Service.Queue.Name, "workers", cfg.Service.Queue.Workers)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				return fmt.Errorf("creating metrics listener: %w", err)
			}
			return apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener, nil).Run(gctx)
		})

		<-gctx.Done()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := client.Stop(stopCtx); err != nil {
			zap.S().Warnw("failed to stop river client", "error", err)
		}

		return g.Wait()
	},
}
