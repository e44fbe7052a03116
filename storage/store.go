package storage

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"finetune-orchestrator/config"
)

// Store moves model files and datasets to and from remote storage
type Store interface {
	Upload(ctx context.Context, localPath, remoteName string) error
	Download(ctx context.Context, remoteName, localPath string) error
	// URI names the remote location of remoteName
	URI(remoteName string) string
}

// StoreFactory builds a Store bound to an upload credential
type StoreFactory func(credential string) (Store, error)

// NewStoreFactory returns a factory for the configured backend.
// For hf the credential is the hub token; for s3 and minio it is an
// "access_key:secret_key" pair used when the config carries no static keys.
func NewStoreFactory(cfg config.StorageConfig, logger *log.Logger) StoreFactory {
	return func(credential string) (Store, error) {
		switch cfg.Backend {
		case "", "hf":
			return NewHubStore(cfg, credential, logger), nil
		case "s3":
			c, err := withCredential(cfg, credential)
			if err != nil {
				return nil, err
			}
			return NewS3Store(c)
		case "minio":
			c, err := withCredential(cfg, credential)
			if err != nil {
				return nil, err
			}
			return NewMinIOStore(c)
		default:
			return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
		}
	}
}

func withCredential(cfg config.StorageConfig, credential string) (config.StorageConfig, error) {
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		return cfg, nil
	}
	access, secret, ok := strings.Cut(credential, ":")
	if !ok || access == "" || secret == "" {
		return cfg, fmt.Errorf("%s credential must be access_key:secret_key", cfg.Backend)
	}
	cfg.AccessKeyID = access
	cfg.SecretAccessKey = secret
	return cfg, nil
}

// RemoteName joins the optional prefix and the file name with forward slashes
func RemoteName(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
