package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config describes the S3-compatible bucket raw report documents are kept in.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Enabled reports whether an archive destination is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// MinioArchiver writes gzip-compressed report documents to a bucket. It
// satisfies reports.Archiver.
type MinioArchiver struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinioArchiver creates an archiver for cfg.
func NewMinioArchiver(cfg Config, logger *zap.Logger) (*MinioArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket cannot be empty")
	}
	endpoint, secure, err := cleanEndpoint(cfg.Endpoint, cfg.Secure)
	if err != nil {
		return nil, fmt.Errorf("invalid archive endpoint: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// cleanEndpoint reduces an endpoint to host:port. A scheme, when present,
// decides whether TLS is used.
func cleanEndpoint(endpoint string, secure bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", false, fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, secure, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsed.Path)
	}
	return parsed.Host, parsed.Scheme == "https", nil
}

// ObjectKey returns the object name a document key is stored under.
func (a *MinioArchiver) ObjectKey(key string) string {
	name := key + ".json.gz"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive compresses data unless it already is gzip and uploads it.
func (a *MinioArchiver) Archive(ctx context.Context, key string, data []byte) error {
	body, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress %s: %w", key, err)
	}

	object := a.ObjectKey(key)
	info, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, object, err)
	}

	a.logger.Debug("Archived report document",
		zap.String("bucket", a.bucket),
		zap.String("object", object),
		zap.Int("raw_bytes", len(data)),
		zap.Int64("stored_bytes", info.Size))
	return nil
}

func compress(data []byte) ([]byte, error) {
	if isGzip(data) {
		return data, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
