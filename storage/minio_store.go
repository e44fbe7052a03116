package storage

import (
	"context"
	"fmt"
	"net/url"

	"finetune-orchestrator/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore keeps artifacts in a MinIO bucket
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOStore creates a MinIO store from an endpoint URL or host:port
func NewMinIOStore(cfg config.StorageConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket not configured")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Upload creates the bucket on first use
func (s *MinIOStore) Upload(ctx context.Context, localPath, remoteName string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	_, err = s.client.FPutObject(ctx, s.bucket, remoteName, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to upload to minio: %w", err)
	}
	return nil
}

func (s *MinIOStore) Download(ctx context.Context, remoteName, localPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, remoteName, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download from minio: %w", err)
	}
	return nil
}

func (s *MinIOStore) URI(remoteName string) string {
	return fmt.Sprintf("minio://%s/%s", s.bucket, remoteName)
}
