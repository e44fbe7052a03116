package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/monitoring"
	"finetune-orchestrator/core/notify"
	"finetune-orchestrator/core/spec"
	"finetune-orchestrator/core/verifier"
	"finetune-orchestrator/storage"
	"finetune-orchestrator/training/frameworks"
)

// Pipeline runs the stages of one training job in order
type Pipeline struct {
	pc        *PipelineContext
	verifier  *verifier.Verifier
	monitor   *monitoring.JobMonitor
	artifacts *storage.ArtifactManager
	publisher *storage.Publisher
	datasets  storage.Store
	notifier  notify.Notifier
}

// NewPipeline wires a pipeline. datasets may be nil when no remote training
// data is used; notifier may be nil.
func NewPipeline(
	pc *PipelineContext,
	monitor *monitoring.JobMonitor,
	artifacts *storage.ArtifactManager,
	publisher *storage.Publisher,
	datasets storage.Store,
	notifier notify.Notifier,
) *Pipeline {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pipeline{
		pc:        pc,
		verifier:  verifier.NewVerifier(pc.Layout, pc.Logger),
		monitor:   monitor,
		artifacts: artifacts,
		publisher: publisher,
		datasets:  datasets,
		notifier:  notifier,
	}
}

// Run verifies the base models, runs every stage of the job's family and
// publishes the result. It returns the path of the published artifact.
func (p *Pipeline) Run(ctx context.Context, job *models.TrainingJob) (string, error) {
	logger := p.pc.Logger
	start := time.Now()

	result, err := p.run(ctx, job)
	switch {
	case err == nil:
		p.monitor.SetRunStatus(models.RunStatusCompleted, nil)
		logger.Printf("Run %s completed in %s: %s", job.RunID, time.Since(start).Round(time.Second), result)
		p.announce(ctx, fmt.Sprintf("Fine-tuning %s (%s) completed: %s", job.SessionName, job.Family, result))
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.monitor.SetRunStatus(models.RunStatusCancelled, err)
		logger.Printf("Run %s cancelled: %v", job.RunID, err)
		p.announce(context.Background(), fmt.Sprintf("Fine-tuning %s (%s) cancelled", job.SessionName, job.Family))
	default:
		p.monitor.SetRunStatus(models.RunStatusFailed, err)
		logger.Printf("Run %s failed: %v", job.RunID, err)
		p.announce(ctx, fmt.Sprintf("Fine-tuning %s (%s) failed: %v", job.SessionName, job.Family, err))
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, job *models.TrainingJob) (string, error) {
	p.monitor.SetRunStatus(models.RunStatusVerifying, nil)
	if err := p.verifier.Verify(job.Family, job.EncoderOverrides); err != nil {
		return "", err
	}
	configs, err := loadConfigs(job)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	p.monitor.SetRunStatus(models.RunStatusRunning, nil)
	var trainDir string
	for _, name := range job.Family.Stages() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var err error
		switch name {
		case models.StagePrepare:
			trainDir, err = p.prepare(ctx, job)
		case models.StageTrain:
			err = p.train(ctx, job, trainDir, configs[name])
		case models.StageExtract:
			err = p.extract(ctx, job, configs[name])
		case models.StageMerge:
			err = p.merge(ctx, job, configs[name])
		}
		if err != nil {
			return "", err
		}
	}

	published := p.pc.Naming.Published(job.OutputDir, job.SessionName, job.Family)
	p.monitor.SetRunStatus(models.RunStatusPublishing, nil)
	uri, err := p.publisher.Publish(ctx, published, job.UploadToken)
	if err != nil {
		p.pc.Logger.Printf("Exception during upload: %v", err)
	} else if uri != "" {
		p.record(ctx, job, models.ArtifactTypePublished, uri, nil)
	}
	return published, nil
}

func (p *Pipeline) prepare(ctx context.Context, job *models.TrainingJob) (string, error) {
	stage := models.StagePrepare
	p.transition(stage, models.StageRunning, "preparing training data", nil)

	src := storage.DatasetSource{
		Archive: job.TrainingDataArchive,
		Remote:  job.TrainingDataRemote,
		Dir:     job.TrainingDir,
	}
	dir, err := storage.PrepareDataset(ctx, src, p.pc.ScratchDir, p.datasets, p.pc.Logger)
	if err != nil {
		p.transition(stage, models.StageReaped, err.Error(), nil)
		return "", err
	}

	p.monitor.SetOutput(stage, dir)
	p.transition(stage, models.StageFinished, "training data ready", nil)
	p.transition(stage, models.StageReaped, "in-process stage", nil)
	p.record(ctx, job, models.ArtifactTypeDataset, dir, nil)
	return dir, nil
}

// loadConfigs parses the documents of every stage the family runs, so a broken
// one fails the run before anything is launched
func loadConfigs(job *models.TrainingJob) (map[models.StageName]spec.StageConfig, error) {
	paths := map[models.StageName]string{
		models.StageTrain:   job.Configs.Train,
		models.StageExtract: job.Configs.Extract,
		models.StageMerge:   job.Configs.Merge,
	}
	configs := make(map[models.StageName]spec.StageConfig)
	for _, name := range job.Family.Stages() {
		path, ok := paths[name]
		if !ok {
			continue
		}
		cfg, err := spec.LoadStageConfig(path)
		if err != nil {
			return nil, err
		}
		configs[name] = cfg
	}
	return configs, nil
}

func (p *Pipeline) train(ctx context.Context, job *models.TrainingJob, trainDir string, cfg spec.StageConfig) error {
	tomlPath := filepath.Join(p.pc.ScratchDir, fmt.Sprintf("%s_%s.toml", job.SessionName, models.StageTrain))
	if err := cfg.WriteTOML(tomlPath); err != nil {
		return err
	}

	in := frameworks.TrainStage{
		Family:       job.Family,
		Launcher:     p.pc.Launcher,
		Options:      p.pc.Options,
		Script:       p.pc.Scripts.TrainScript(job.Family),
		ConfigPath:   tomlPath,
		TrainDataDir: trainDir,
		OutputDir:    job.OutputDir,
		OutputName:   p.pc.Naming.FineTunedName(job.SessionName, job.Family),
		Extension:    p.pc.Naming.Extension,
	}
	if job.Family == models.FamilyFlux {
		in.BaseModel, in.ClipL, in.T5XXL, in.AE = p.pc.Layout.FluxPaths(job.EncoderOverrides)
	} else {
		in.BaseModel = p.pc.Layout.SDXLBasePath()
	}

	stage, err := frameworks.NewTrainStage(in)
	if err != nil {
		return err
	}
	if err := p.runStage(ctx, stage); err != nil {
		return err
	}
	p.record(ctx, job, models.ArtifactTypeFineTuned, stage.Output(), map[string]interface{}{"stage": string(models.StageTrain)})
	return nil
}

func (p *Pipeline) extract(ctx context.Context, job *models.TrainingJob, cfg spec.StageConfig) error {
	stage, err := frameworks.NewExtractStage(frameworks.ExtractStage{
		Interpreter: p.pc.Interpreter,
		Script:      p.pc.Scripts.Path(p.pc.Scripts.ExtractDelta),
		BaseModel:   p.pc.Layout.SDXLBasePath(),
		TunedModel:  p.pc.Naming.FineTuned(job.OutputDir, job.SessionName, job.Family),
		SaveTo:      p.pc.Naming.Delta(job.OutputDir, job.SessionName),
		Config:      cfg,
	})
	if err != nil {
		return err
	}
	if err := p.runStage(ctx, stage); err != nil {
		return err
	}
	p.record(ctx, job, models.ArtifactTypeDelta, stage.Output(), map[string]interface{}{"stage": string(models.StageExtract)})
	return nil
}

func (p *Pipeline) merge(ctx context.Context, job *models.TrainingJob, cfg spec.StageConfig) error {
	stage, err := frameworks.NewMergeStage(frameworks.MergeStage{
		Interpreter: p.pc.Interpreter,
		Script:      p.pc.Scripts.Path(p.pc.Scripts.MergeDelta),
		SDModel:     p.pc.Layout.SDXLFineTunedBasePath(),
		DeltaModel:  p.pc.Naming.Delta(job.OutputDir, job.SessionName),
		SaveTo:      p.pc.Naming.Final(job.OutputDir, job.SessionName),
		Config:      cfg,
	})
	if err != nil {
		return err
	}
	if err := p.runStage(ctx, stage); err != nil {
		return err
	}
	p.record(ctx, job, models.ArtifactTypeMerged, stage.Output(), map[string]interface{}{"stage": string(models.StageMerge)})
	return nil
}

// runStage launches one subprocess stage and supervises it to completion.
// The child tree is always terminated before returning.
func (p *Pipeline) runStage(ctx context.Context, stage frameworks.Stage) error {
	name := stage.Name()
	for _, in := range stage.Inputs() {
		if _, statErr := os.Stat(in); statErr != nil {
			return &models.ArtifactMissingError{Stage: name, Path: in, Reason: "is required as input but does not exist"}
		}
	}

	proc, err := p.pc.Runner.Launch(stage.Argv())
	if err != nil {
		p.transition(name, models.StageReaped, "launch failed", nil)
		return err
	}
	p.monitor.SetProcess(name, proc.Pid())
	p.transition(name, models.StageLaunched, "process started", map[string]interface{}{"pid": proc.Pid()})

	defer func() {
		if terr := p.pc.Supervisor.TerminateTree(proc); terr != nil {
			p.pc.Logger.Printf("Error terminating process: %v", terr)
		}
		p.transition(name, models.StageReaped, "process tree terminated", nil)
	}()

	p.transition(name, models.StageRunning, "waiting for process", nil)
	if err := p.pc.Supervisor.WaitUntilFinished(ctx, proc); err != nil {
		return err
	}

	code := proc.ExitCode()
	p.monitor.SetExitCode(name, code)
	p.transition(name, models.StageFinished, "process exited", map[string]interface{}{"exit_code": code})
	if code != 0 {
		return &models.SubprocessExitError{Stage: name, Pid: proc.Pid(), ExitCode: code}
	}

	if err := checkArtifact(name, stage.Output()); err != nil {
		return err
	}
	p.monitor.SetOutput(name, stage.Output())
	return nil
}

// checkArtifact requires the stage output to exist and be non-empty
func checkArtifact(stage models.StageName, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &models.ArtifactMissingError{Stage: stage, Path: path, Reason: "does not exist"}
	}
	if info.IsDir() {
		return &models.ArtifactMissingError{Stage: stage, Path: path, Reason: "is a directory"}
	}
	if info.Size() == 0 {
		return &models.ArtifactMissingError{Stage: stage, Path: path, Reason: "is empty"}
	}
	return nil
}

func (p *Pipeline) transition(stage models.StageName, to models.StageState, reason string, meta map[string]interface{}) {
	if err := p.monitor.Transition(stage, to, reason, meta); err != nil {
		p.pc.Logger.Printf("Failed to record stage transition: %v", err)
	}
}

func (p *Pipeline) record(ctx context.Context, job *models.TrainingJob, t models.ArtifactType, uri string, meta map[string]interface{}) {
	if p.artifacts == nil {
		return
	}
	if err := p.artifacts.RecordArtifact(ctx, job.RunID, t, uri, meta); err != nil {
		p.pc.Logger.Printf("Failed to record artifact: %v", err)
	}
}

func (p *Pipeline) announce(ctx context.Context, text string) {
	if err := p.notifier.Notify(ctx, text); err != nil {
		p.pc.Logger.Printf("Failed to send notification: %v", err)
	}
}
