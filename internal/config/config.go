package config

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/c2h5oh/datasize"
	"github.com/kelseyhightower/envconfig"
)

const (
	QueueDriverRiver  = "river"
	QueueDriverMemory = "memory"

	AnalyzerDriverExec   = "exec"
	AnalyzerDriverDocker = "docker"
)

type Config struct {
	Database *dbConfig
	Service  *svcConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"lisa"`
	User     string `envconfig:"DB_USER" default:"lisa"`
	Password string `envconfig:"DB_PASS" default:"lisapass"`
}

type svcConfig struct {
	Address         string `envconfig:"LISA_ADDRESS" default:":5000"`
	MetricsAddress  string `envconfig:"LISA_METRICS_ADDRESS" default:":8080"`
	LogLevel        string `envconfig:"LISA_LOG_LEVEL" default:"info"`
	BasePath        string `envconfig:"LISA_BASE_PATH" default:"/api"`
	MigrationFolder string `envconfig:"LISA_MIGRATIONS_FOLDER" default:""`
	Storage         StorageConfig
	Queue           QueueConfig
	Analysis        AnalysisConfig
	Fetch           FetchConfig
	Webhook         WebhookConfig
	Kafka           KafkaConfig
	S3              S3Config
}

type StorageConfig struct {
	Path          string            `envconfig:"LISA_STORAGE_PATH" default:"/home/lisa/data/storage"`
	MaxUploadSize datasize.ByteSize `envconfig:"LISA_MAX_UPLOAD_SIZE" default:"100MB"`
}

type QueueConfig struct {
	Driver  string `envconfig:"LISA_QUEUE_DRIVER" default:"river"`
	Name    string `envconfig:"LISA_QUEUE_NAME" default:"analysis"`
	Workers int    `envconfig:"LISA_QUEUE_WORKERS" default:"4"`
}

type AnalysisConfig struct {
	MinExecTime     int               `envconfig:"LISA_MIN_EXEC_TIME" default:"10"`
	MaxExecTime     int               `envconfig:"LISA_MAX_EXEC_TIME" default:"1000"`
	DefaultExecTime int               `envconfig:"LISA_DEFAULT_EXEC_TIME" default:"20"`
	Driver          string            `envconfig:"LISA_ANALYZER_DRIVER" default:"exec"`
	Command         string            `envconfig:"LISA_ANALYZER_COMMAND" default:"lisa-analyzer --mode {mode} --input {input} --output {workdir} --exec-time {exec_time}"`
	Image           string            `envconfig:"LISA_ANALYZER_IMAGE" default:"lisa/analyzer:latest"`
	MinFreeDisk     datasize.ByteSize `envconfig:"LISA_ANALYZER_MIN_FREE_DISK" default:"1GB"`
	MinFreeMemory   datasize.ByteSize `envconfig:"LISA_ANALYZER_MIN_FREE_MEM" default:"512MB"`
}

type FetchConfig struct {
	Timeout time.Duration `envconfig:"LISA_FETCH_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	SuccessURL string        `envconfig:"API_SUCCESS_URL" default:""`
	FailureURL string        `envconfig:"API_FAILURE_URL" default:""`
	Timeout    time.Duration `envconfig:"LISA_WEBHOOK_TIMEOUT" default:"10s"`
}

type KafkaConfig struct {
	Brokers  []string `envconfig:"LISA_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"LISA_KAFKA_TOPIC" default:"lisa.tasks"`
	Version  string   `envconfig:"LISA_KAFKA_VERSION" default:""`
	ClientID string   `envconfig:"LISA_KAFKA_CLIENT_ID" default:"lisa-api"`
}

type S3Config struct {
	Endpoint  string `envconfig:"LISA_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"LISA_S3_BUCKET" default:"lisa-reports"`
	AccessKey string `envconfig:"LISA_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"LISA_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"LISA_S3_USE_SSL" default:"false"`
}

// New reads the configuration from the environment. Every call returns a fresh value.
func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDefault returns the configuration built from the struct defaults only.
func NewDefault() *Config {
	cfg := &Config{
		Database: &dbConfig{
			Type:     "sqlite",
			Name:     ":memory:",
			Hostname: "localhost",
			Port:     "5432",
		},
		Service: &svcConfig{
			Address:        ":5000",
			MetricsAddress: ":8080",
			LogLevel:       "info",
			BasePath:       "/api",
			Storage: StorageConfig{
				Path:          "/home/lisa/data/storage",
				MaxUploadSize: 100 * datasize.MB,
			},
			Queue: QueueConfig{
				Driver:  QueueDriverMemory,
				Name:    "analysis",
				Workers: 4,
			},
			Analysis: AnalysisConfig{
				MinExecTime:     10,
				MaxExecTime:     1000,
				DefaultExecTime: 20,
				Driver:          AnalyzerDriverExec,
				Command:         "lisa-analyzer --mode {mode} --input {input} --output {workdir} --exec-time {exec_time}",
				Image:           "lisa/analyzer:latest",
				MinFreeDisk:     datasize.GB,
				MinFreeMemory:   512 * datasize.MB,
			},
			Fetch:   FetchConfig{Timeout: 10 * time.Second},
			Webhook: WebhookConfig{Timeout: 10 * time.Second},
			Kafka:   KafkaConfig{Topic: "lisa.tasks", ClientID: "lisa-api"},
			S3:      S3Config{Bucket: "lisa-reports"},
		},
	}
	return cfg
}

func (c *Config) Validate() error {
	a := c.Service.Analysis
	if a.MinExecTime <= 0 {
		return fmt.Errorf("LISA_MIN_EXEC_TIME must be positive, got %d", a.MinExecTime)
	}
	if a.MinExecTime > a.DefaultExecTime || a.DefaultExecTime > a.MaxExecTime {
		return fmt.Errorf("exec time bounds are inconsistent: min=%d default=%d max=%d", a.MinExecTime, a.DefaultExecTime, a.MaxExecTime)
	}
	switch c.Service.Queue.Driver {
	case QueueDriverRiver, QueueDriverMemory:
	default:
		return fmt.Errorf("unknown queue driver %q", c.Service.Queue.Driver)
	}
	switch a.Driver {
	case AnalyzerDriverExec, AnalyzerDriverDocker:
	default:
		return fmt.Errorf("unknown analyzer driver %q", a.Driver)
	}
	if v := c.Service.Kafka.Version; v != "" {
		if _, err := sarama.ParseKafkaVersion(v); err != nil {
			return fmt.Errorf("LISA_KAFKA_VERSION: %w", err)
		}
	}
	if c.Service.Queue.Workers < 1 {
		return fmt.Errorf("LISA_QUEUE_WORKERS must be at least 1, got %d", c.Service.Queue.Workers)
	}
	return nil
}

// KafkaEnabled reports whether lifecycle events should be published to kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.Service.Kafka.Brokers) > 0 && c.Service.Kafka.Topic != ""
}

func (c *Config) ArchiveEnabled() bool {
	return c.Service.S3.Endpoint != ""
}
