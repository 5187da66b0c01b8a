package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiserver "github.com/lisa-sandbox/lisa-api/internal/api_server"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	"github.com/lisa-sandbox/lisa-api/internal/service"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"github.com/lisa-sandbox/lisa-api/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const statusRefreshInterval = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lisa api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := setup()
		defer done()
		if err != nil {
			return err
		}

		zap.S().Info("Starting API service")
		defer zap.S().Info("API service stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if cfg.Database.Type != "pgsql" {
			if err := s.InitialMigration(ctx); err != nil {
				return fmt.Errorf("running initial migration: %w", err)
			}
		}

		if err := os.MkdirAll(cfg.Service.Storage.Path, 0o750); err != nil {
			return fmt.Errorf("creating storage path: %w", err)
		}

		g, ctx := errgroup.WithContext(ctx)

		gateway, stop, err := newGateway(ctx, g, cfg, s)
		if err != nil {
			return err
		}
		defer stop()

		svc := service.NewTaskService(
			s.Task(),
			artifact.NewFileStore(cfg.Service.Storage.Path),
			gateway,
			service.NewFetcher(cfg.Service.Fetch.Timeout),
			service.Limits{
				MinExecTime:     cfg.Service.Analysis.MinExecTime,
				MaxExecTime:     cfg.Service.Analysis.MaxExecTime,
				DefaultExecTime: cfg.Service.Analysis.DefaultExecTime,
				MaxUploadSize:   int64(cfg.Service.Storage.MaxUploadSize.Bytes()),
			},
		)

		refresher := metrics.NewStatusRefresher(s.Task(), statusRefreshInterval,
			model.TaskStatusStarted, model.TaskStatusSuccess, model.TaskStatusFailure)
		g.Go(func() error {
			refresher.Run(ctx)
			return nil
		})

		g.Go(func() error {
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				return fmt.Errorf("creating listener: %w", err)
			}
			return apiserver.New(cfg, svc, listener, nil).Run(ctx)
		})

		g.Go(func() error {
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				return fmt.Errorf("creating metrics listener: %w", err)
			}
			return apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener, nil).Run(ctx)
		})

		if err := g.Wait(); err != nil {
			zap.S().Errorw("api service failed", "error", err)
			return err
		}
		return nil
	},
}

// newGateway returns the queue the API submits to. The memory driver runs the
// workers inside this process; the river driver only inserts jobs and leaves
// the work to the worker command.
func newGateway(ctx context.Context, g *errgroup.Group, cfg *config.Config, s store.Store) (queue.Gateway, func(), error) {
	switch cfg.Service.Queue.Driver {
	case config.QueueDriverMemory:
		p, err := newPipeline(ctx, cfg, s.Task())
		if err != nil {
			return nil, func() {}, err
		}
		gateway := queue.NewMemoryGateway(p.executor, cfg.Service.Queue.Workers, queueCapacity(cfg), queue.WithGuard(p.guard))
		gateway.Start(ctx)
		zap.S().Infow("in-process workers started", "workers", cfg.Service.Queue.Workers)
		return gateway, func() {
			gateway.Wait()
			p.Close()
		}, nil
	default:
		pool, err := newPgxPool(ctx, cfg)
		if err != nil {
			return nil, func() {}, err
		}
		client, err := queue.NewRiverClient(pool, cfg.Service.Queue.Name, 0, nil)
		if err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("failed to create river client: %w", err)
		}
		return queue.NewRiverGateway(client, s.QueueJob(), cfg.Service.Queue.Name), pool.Close, nil
	}
}

func queueCapacity(cfg *config.Config) int {
	return cfg.Service.Queue.Workers * 256
}
