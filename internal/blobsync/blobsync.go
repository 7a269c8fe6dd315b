// Package blobsync copies the persisted index and metadata database to and from
// an S3-compatible bucket, so a serving host can start from artifacts built elsewhere.
package blobsync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"finrag/internal/config"
)

// Syncer publishes local files under prefix/<basename> and fetches them back.
type Syncer struct {
	client *minio.Client
	bucket string
	prefix string
}

// Enabled reports whether blob sync is configured.
func Enabled(cfg *config.Config) bool {
	return cfg.BlobEndpoint != "" && cfg.BlobBucket != ""
}

func New(cfg *config.Config) (*Syncer, error) {
	if !Enabled(cfg) {
		return nil, fmt.Errorf("%w: blob_endpoint and blob_bucket are required for blob sync", config.ErrConfiguration)
	}
	client, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure: cfg.BlobUseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &Syncer{client: client, bucket: cfg.BlobBucket, prefix: cfg.BlobPrefix}, nil
}

func (s *Syncer) objectKey(file string) string {
	return path.Join(s.prefix, filepath.Base(file))
}

// Publish uploads files, creating the bucket when it does not exist.
func (s *Syncer) Publish(ctx context.Context, files ...string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	for _, f := range files {
		key := s.objectKey(f)
		info, err := s.client.FPutObject(ctx, s.bucket, key, f, minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", f, err)
		}
		log.Info().Str("bucket", s.bucket).Str("key", key).Int64("size", info.Size).Msg("Published artifact")
	}
	return nil
}

// Fetch downloads the object for localPath. It returns false when the object does not exist.
func (s *Syncer) Fetch(ctx context.Context, localPath string) (bool, error) {
	key := s.objectKey(localPath)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}
	err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to download %s: %w", key, err)
	}
	log.Info().Str("bucket", s.bucket).Str("key", key).Str("path", localPath).Msg("Fetched artifact")
	return true, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}
