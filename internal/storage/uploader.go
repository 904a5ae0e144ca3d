// Package storage uploads finished run outputs to S3-compatible object
// storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config contains object storage settings.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectClient is the subset of *minio.Client used by Uploader.
type ObjectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader puts output files under <prefix>/<run>/ in a bucket.
type Uploader struct {
	client ObjectClient
	bucket string
	prefix string
	logger *zap.Logger
}

// New connects to the endpoint described by cfg.
func New(cfg Config, logger *zap.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectClient, bucket, prefix string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// ObjectKey returns the key a local file is stored under for run.
func (u *Uploader) ObjectKey(run, file string) string {
	return path.Join(u.prefix, run, filepath.Base(file))
}

// Upload creates the bucket if needed and uploads files. Empty paths are
// skipped. It returns the keys written.
func (u *Uploader) Upload(ctx context.Context, run string, files ...string) ([]string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
		}
	}

	var keys []string
	for _, f := range files {
		if f == "" {
			continue
		}
		key := u.ObjectKey(run, f)
		info, err := u.client.FPutObject(ctx, u.bucket, key, f, minio.PutObjectOptions{
			ContentType: contentType(f),
		})
		if err != nil {
			return keys, fmt.Errorf("failed to upload %s: %w", f, err)
		}
		u.logger.Info("uploaded output",
			zap.String("bucket", u.bucket),
			zap.String("key", key),
			zap.Int64("size", info.Size))
		keys = append(keys, key)
	}
	return keys, nil
}

func contentType(file string) string {
	switch {
	case strings.HasSuffix(file, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(file, ".png"):
		return "image/png"
	case strings.HasSuffix(file, ".csv"):
		return "text/csv"
	case strings.HasSuffix(file, ".geojson"):
		return "application/geo+json"
	default:
		return "application/octet-stream"
	}
}
