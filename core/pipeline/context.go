package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"finetune-orchestrator/config"
	"finetune-orchestrator/core/executor"
	"finetune-orchestrator/core/models"
	"finetune-orchestrator/training/frameworks"
)

// PipelineContext carries what every stage needs. It is built once per
// process and passed explicitly.
type PipelineContext struct {
	Logger *log.Logger

	// Per-run scratch space for translated configs and extracted datasets
	ScratchDir  string
	KeepScratch bool

	// Resolved executables
	Launcher    string
	Interpreter string

	Layout     models.ModelLayout
	Scripts    frameworks.ScriptLayout
	Naming     models.NamingPolicy
	Options    executor.LauncherOptions
	Runner     *executor.Launcher
	Supervisor *executor.Supervisor
}

// NewPipelineContext resolves executables and paths from cfg and creates the
// scratch directory. The interpreter is only required for families that run
// post-processing scripts.
func NewPipelineContext(cfg *config.Config, family models.Family, logger *log.Logger) (*PipelineContext, error) {
	launcher, err := executor.Require(cfg.Launcher.Executable)
	if err != nil {
		return nil, err
	}

	interpreter := executor.Locate(cfg.Launcher.Interpreter)
	if interpreter == "" && family == models.FamilySDXL {
		return nil, &models.ExecutableNotFoundError{Name: cfg.Launcher.Interpreter}
	}

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}

	scratch, err := os.MkdirTemp(cfg.ScratchDir, "finetune-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	opts := executor.LauncherOptions{
		ConfigFile:              resolve(workDir, cfg.Launcher.ConfigFile),
		DynamoBackend:           cfg.Launcher.DynamoBackend,
		DynamoMode:              cfg.Launcher.DynamoMode,
		MixedPrecision:          cfg.Launcher.MixedPrecision,
		NumProcesses:            cfg.Launcher.NumProcesses,
		NumMachines:             cfg.Launcher.NumMachines,
		NumCPUThreadsPerProcess: cfg.Launcher.NumCPUThreadsPerProcess,
	}
	if opts.ConfigFile != "" {
		if _, err := os.Stat(opts.ConfigFile); err != nil {
			logger.Printf("Launcher config %s not found, using launcher defaults", opts.ConfigFile)
			opts.ConfigFile = ""
		}
	}

	supervisor := executor.NewSupervisor(nil, logger)
	supervisor.PollInterval = cfg.Supervisor.PollInterval
	if cfg.Supervisor.ReapTimeout > 0 {
		supervisor.ReapTimeout = cfg.Supervisor.ReapTimeout
	}

	return &PipelineContext{
		Logger:      logger,
		ScratchDir:  scratch,
		KeepScratch: cfg.KeepScratch,
		Launcher:    launcher,
		Interpreter: interpreter,
		Layout: models.ModelLayout{
			ModelsDir:         resolve(workDir, cfg.Models.Dir),
			SDXLBase:          cfg.Models.SDXLBase,
			SDXLFineTunedBase: cfg.Models.SDXLFineTunedBase,
			FluxDir:           cfg.Models.FluxDir,
			FluxModel:         cfg.Models.FluxModel,
			FluxClipL:         cfg.Models.FluxClipL,
			FluxT5XXL:         cfg.Models.FluxT5XXL,
			FluxAE:            cfg.Models.FluxAE,
		},
		Scripts: frameworks.ScriptLayout{
			Root:         resolve(workDir, cfg.Scripts.Root),
			SDXLTrain:    cfg.Scripts.SDXLTrain,
			FluxTrain:    cfg.Scripts.FluxTrain,
			ExtractDelta: cfg.Scripts.ExtractDelta,
			MergeDelta:   cfg.Scripts.MergeDelta,
		},
		Naming: models.NamingPolicy{
			FineTunedSuffix:     cfg.Naming.FineTunedSuffix,
			FluxFineTunedSuffix: cfg.Naming.FluxFineTunedSuffix,
			DeltaSuffix:         cfg.Naming.DeltaSuffix,
			FinalSuffix:         cfg.Naming.FinalSuffix,
			Extension:           cfg.Naming.Extension,
		},
		Options:    opts,
		Runner:     executor.NewLauncher(logger),
		Supervisor: supervisor,
	}, nil
}

// Close removes the scratch directory unless it is kept for debugging
func (pc *PipelineContext) Close() error {
	if pc.KeepScratch || pc.ScratchDir == "" {
		return nil
	}
	return os.RemoveAll(pc.ScratchDir)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
