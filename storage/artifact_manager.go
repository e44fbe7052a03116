package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"finetune-orchestrator/core/models"
)

// ArtifactLedger persists artifact records
type ArtifactLedger interface {
	CreateArtifact(runID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
}

// ArtifactManager records the files a run produces
type ArtifactManager struct {
	ledger ArtifactLedger

	mu        sync.RWMutex
	artifacts []models.RunArtifact
}

// NewArtifactManager creates a new artifact manager; ledger may be nil
func NewArtifactManager(ledger ArtifactLedger) *ArtifactManager {
	return &ArtifactManager{ledger: ledger}
}

// RecordArtifact stats a produced file and stores its record
func (am *ArtifactManager) RecordArtifact(
	ctx context.Context,
	runID string,
	artifactType models.ArtifactType,
	uri string,
	metadata map[string]interface{},
) error {
	meta := map[string]interface{}{}
	if info, err := os.Stat(uri); err == nil {
		meta["size_bytes"] = info.Size()
	}
	// Merge with provided metadata
	for k, v := range metadata {
		meta[k] = v
	}

	am.mu.Lock()
	am.artifacts = append(am.artifacts, models.RunArtifact{
		ID:        int64(len(am.artifacts) + 1),
		RunID:     runID,
		Type:      artifactType,
		URI:       uri,
		CreatedAt: time.Now(),
		MetaJSON:  meta,
	})
	am.mu.Unlock()

	if am.ledger == nil {
		return nil
	}
	if err := am.ledger.CreateArtifact(runID, artifactType, uri, meta); err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", uri, err)
	}
	return nil
}

// LatestArtifact returns the most recent artifact of a type
func (am *ArtifactManager) LatestArtifact(artifactType models.ArtifactType) (models.RunArtifact, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for i := len(am.artifacts) - 1; i >= 0; i-- {
		if am.artifacts[i].Type == artifactType {
			return am.artifacts[i], true
		}
	}
	return models.RunArtifact{}, false
}

// ListArtifacts returns the artifacts in production order
func (am *ArtifactManager) ListArtifacts() []models.RunArtifact {
	am.mu.RLock()
	defer am.mu.RUnlock()
	out := make([]models.RunArtifact, len(am.artifacts))
	copy(out, am.artifacts)
	return out
}
