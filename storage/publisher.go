package storage

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"finetune-orchestrator/core/models"
)

// Publisher uploads the final artifact of a run
type Publisher struct {
	stores StoreFactory
	prefix string
	logger *log.Logger
}

// NewPublisher creates a publisher; remote names are the file name under prefix
func NewPublisher(stores StoreFactory, prefix string, logger *log.Logger) *Publisher {
	return &Publisher{stores: stores, prefix: prefix, logger: logger}
}

// Publish uploads artifactPath and returns its remote URI. An empty
// credential skips the upload without touching the network.
func (p *Publisher) Publish(ctx context.Context, artifactPath, credential string) (string, error) {
	if credential == "" {
		p.logger.Printf("No upload credential, keeping %s local", artifactPath)
		return "", nil
	}

	remote := RemoteName(p.prefix, filepath.Base(artifactPath))
	store, err := p.stores(credential)
	if err != nil {
		return "", &models.PublishError{Target: remote, Err: err}
	}

	start := time.Now()
	p.logger.Printf("Uploading %s to %s", artifactPath, store.URI(remote))
	if err := store.Upload(ctx, artifactPath, remote); err != nil {
		return "", &models.PublishError{Target: store.URI(remote), Err: err}
	}
	p.logger.Printf("Uploaded %s in %s", remote, time.Since(start).Round(time.Second))
	return store.URI(remote), nil
}
