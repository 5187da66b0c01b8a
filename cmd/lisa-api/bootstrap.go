package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/lisa-sandbox/lisa-api/internal/events"
	"github.com/lisa-sandbox/lisa-api/internal/execution"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/webhook"
	"github.com/lisa-sandbox/lisa-api/pkg/log"
	"go.uber.org/zap"
)

const (
	kafkaConnectTimeout = 30 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// setup loads the configuration and installs the global logger. The returned
// function flushes and restores the logger.
func setup() (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, func() {}, fmt.Errorf("reading configuration: %w", err)
	}

	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel))
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}

func newPgxPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(store.PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}

	// job processing plus river's LISTEN connection
	poolCfg.MaxConns = int32(cfg.Service.Queue.Workers) + 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// pipeline is everything a worker needs to run jobs to a terminal state.
type pipeline struct {
	executor *execution.Executor
	guard    *analysis.ResourceGuard
	notifier *webhook.Notifier
	producer *events.EventProducer
	analyzer analysis.Analyzer
}

func newPipeline(ctx context.Context, cfg *config.Config, tasks store.Task) (*pipeline, error) {
	files := artifact.NewFileStore(cfg.Service.Storage.Path)

	analyzer, err := analysis.New(cfg, files)
	if err != nil {
		return nil, fmt.Errorf("creating analyzer: %w", err)
	}

	writer, err := newEventWriter(cfg)
	if err != nil {
		return nil, err
	}
	producer := events.NewEventProducer(writer, events.WithOutputTopic(cfg.Service.Kafka.Topic))

	notifier := webhook.NewNotifier(cfg.Service.Webhook.Timeout)

	opts := []execution.Option{execution.WithEvents(producer)}
	if archiver := newArchiver(ctx, cfg); archiver != nil {
		opts = append(opts, execution.WithArchiver(archiver))
	}

	executor := execution.NewExecutor(tasks, analyzer, files, notifier, execution.URLTemplates{
		Success: cfg.Service.Webhook.SuccessURL,
		Failure: cfg.Service.Webhook.FailureURL,
	}, opts...)

	return &pipeline{
		executor: executor,
		guard:    analysis.NewGuard(cfg),
		notifier: notifier,
		producer: producer,
		analyzer: analyzer,
	}, nil
}

// Close drains pending notifications and events.
func (p *pipeline) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.notifier.Close(ctx); err != nil {
		zap.S().Named("pipeline").Warnw("failed to drain webhook deliveries", "error", err)
	}
	if err := p.producer.Close(ctx); err != nil {
		zap.S().Named("pipeline").Warnw("failed to flush events", "error", err)
	}
	if closer, ok := p.analyzer.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func newEventWriter(cfg *config.Config) (events.Writer, error) {
	if !cfg.KafkaEnabled() {
		zap.S().Named("pipeline").Info("no kafka brokers configured, task events go to the log")
		return &events.StdoutWriter{}, nil
	}

	kafkaCfg := events.KafkaConfig{
		Brokers:  cfg.Service.Kafka.Brokers,
		ClientID: cfg.Service.Kafka.ClientID,
	}
	if cfg.Service.Kafka.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Service.Kafka.Version)
		if err != nil {
			return nil, err
		}
		kafkaCfg.Version = version
	}

	writer, err := events.ConnectKafkaWriter(kafkaCfg, kafkaConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer: %w", err)
	}
	return writer, nil
}

// newArchiver returns nil when archiving is disabled or the bucket cannot be
// reached. Archiving is optional and never blocks startup.
func newArchiver(ctx context.Context, cfg *config.Config) artifact.Archiver {
	if !cfg.ArchiveEnabled() {
		return nil
	}

	archiver, err := artifact.NewMinioArchiver(
		artifact.WithEndpoint(cfg.Service.S3.Endpoint),
		artifact.WithBucket(cfg.Service.S3.Bucket),
		artifact.WithAccessKey(cfg.Service.S3.AccessKey),
		artifact.WithSecretAccessKey(cfg.Service.S3.SecretKey),
		artifact.WithSSL(cfg.Service.S3.UseSSL),
	)
	if err != nil {
		zap.S().Named("pipeline").Errorw("failed to create report archiver", "error", err)
		return nil
	}
	if err := archiver.EnsureBucket(ctx); err != nil {
		zap.S().Named("pipeline").Errorw("failed to prepare report bucket", "bucket", cfg.Service.S3.Bucket, "error", err)
		return nil
	}
	return archiver
}
