package artifact

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Archiver copies finished artifacts to long term storage.
type Archiver interface {
	Archive(ctx context.Context, taskID, name, localPath string) error
}

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{
		bucket: "lisa-reports",
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

type MinioArchiver struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioArchiver(opts ...MinioOpts) (*MinioArchiver, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}

	return &MinioArchiver{cfg: cfg, client: client}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.cfg.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	zap.S().Named("artifact").Infow("creating bucket", "bucket", m.cfg.bucket)
	return m.client.MakeBucket(ctx, m.cfg.bucket, minio.MakeBucketOptions{})
}

func (m *MinioArchiver) Archive(ctx context.Context, taskID, name, localPath string) error {
	object := ObjectName(taskID, name)
	info, err := m.client.FPutObject(ctx, m.cfg.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentType(name),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", object, err)
	}
	zap.S().Named("artifact").Debugw("archived artifact", "bucket", m.cfg.bucket, "object", object, "size", info.Size)
	return nil
}

func ObjectName(taskID, name string) string {
	return path.Join(taskID, path.Base(name))
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".log":
		return "text/plain"
	case ".pcap":
		return "application/vnd.tcpdump.pcap"
	default:
		return "application/octet-stream"
	}
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = key
	}
}

func WithSecretAccessKey(key string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = key
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
