package models

import (
	"path/filepath"
	"time"
)

// TrainingJob represents one end-to-end fine-tuning run
type TrainingJob struct {
	RunID               string
	SessionName         string // Used to derive output filenames
	Family              Family
	TrainingDataArchive string // Local zip of images and captions
	TrainingDataRemote  string // Remote name of the zip in the artifact store
	TrainingDir         string // Pre-extracted training data, skips unzipping
	OutputDir           string
	UploadToken         string // Presence toggles publishing
	Configs             StageConfigPaths
	EncoderOverrides    EncoderPaths
	CreatedAt           time.Time
}

// StageConfigPaths points at the declarative configuration document of every stage
type StageConfigPaths struct {
	Train   string // Dreambooth (SDXL) or Flux training config
	Extract string // Delta extraction config
	Merge   string // Delta merge config
}

// EncoderPaths overrides the Flux auxiliary weight locations
type EncoderPaths struct {
	ClipL string
	T5XXL string
	AE    string
}

// Family identifies the model family being fine-tuned
type Family string

const (
	FamilySDXL Family = "sdxl"
	FamilyFlux Family = "flux"
)

// Valid reports whether the family is a known one
func (f Family) Valid() bool {
	return f == FamilySDXL || f == FamilyFlux
}

// Stages returns the stages run for the family, in order
func (f Family) Stages() []StageName {
	switch f {
	case FamilyFlux:
		return []StageName{StagePrepare, StageTrain}
	default:
		return []StageName{StagePrepare, StageTrain, StageExtract, StageMerge}
	}
}

// StageName names one sequential phase of the pipeline
type StageName string

const (
	StagePrepare StageName = "prepare"
	StageTrain   StageName = "train"
	StageExtract StageName = "extract"
	StageMerge   StageName = "merge"
)

// StageState is the lifecycle state of a stage
type StageState string

const (
	StageNotStarted StageState = "not_started"
	StageLaunched   StageState = "launched"
	StageRunning    StageState = "running"
	StageFinished   StageState = "finished"
	StageReaped     StageState = "reaped"
)

// RunStatus is the overall status of a run
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusVerifying  RunStatus = "verifying"
	RunStatusRunning    RunStatus = "running"
	RunStatusPublishing RunStatus = "publishing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// NamingPolicy derives artifact filenames from a session name
type NamingPolicy struct {
	FineTunedSuffix     string
	FluxFineTunedSuffix string
	DeltaSuffix         string
	FinalSuffix         string
	Extension           string
}

// DefaultNamingPolicy returns the conventional artifact names
func DefaultNamingPolicy() NamingPolicy {
	return NamingPolicy{
		FineTunedSuffix:     "dreambooth",
		FluxFineTunedSuffix: "flux_dreambooth",
		DeltaSuffix:         "xlora",
		FinalSuffix:         "final",
		Extension:           ".safetensors",
	}
}

// FineTunedName is the output name (without extension) handed to the training script
func (n NamingPolicy) FineTunedName(session string, family Family) string {
	if family == FamilyFlux {
		return session + "_" + n.FluxFineTunedSuffix
	}
	return session + "_" + n.FineTunedSuffix
}

// FineTuned returns the path of the full fine-tuned model
func (n NamingPolicy) FineTuned(dir, session string, family Family) string {
	return filepath.Join(dir, n.FineTunedName(session, family)+n.Extension)
}

// Delta returns the path of the extracted delta model
func (n NamingPolicy) Delta(dir, session string) string {
	return filepath.Join(dir, session+"_"+n.DeltaSuffix+n.Extension)
}

// Final returns the path of the merged model
func (n NamingPolicy) Final(dir, session string) string {
	return filepath.Join(dir, session+"_"+n.FinalSuffix+n.Extension)
}

// Published returns the artifact that a finished run publishes
func (n NamingPolicy) Published(dir, session string, family Family) string {
	if family == FamilyFlux {
		return n.FineTuned(dir, session, family)
	}
	return n.Final(dir, session)
}
