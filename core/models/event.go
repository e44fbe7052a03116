package models

import "time"

// StageEvent represents a state transition of a pipeline stage
type StageEvent struct {
	ID        int64
	RunID     string
	Stage     StageName
	At        time.Time
	FromState *StageState
	ToState   StageState
	Reason    string
	MetaJSON  map[string]interface{} // Additional metadata
}

// ArtifactType represents the type of run artifact
type ArtifactType string

const (
	ArtifactTypeDataset   ArtifactType = "dataset"
	ArtifactTypeFineTuned ArtifactType = "fine_tuned"
	ArtifactTypeDelta     ArtifactType = "delta"
	ArtifactTypeMerged    ArtifactType = "merged"
	ArtifactTypePublished ArtifactType = "published"
)

// RunArtifact represents a persisted artifact record of a run
type RunArtifact struct {
	ID        int64
	RunID     string
	Type      ArtifactType
	URI       string
	CreatedAt time.Time
	MetaJSON  map[string]interface{}
}
