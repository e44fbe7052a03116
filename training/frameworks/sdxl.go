package frameworks

import (
	"path/filepath"

	"finetune-orchestrator/core/executor"
	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/spec"
)

// TrainStage runs the Dreambooth training script under the launcher.
// The same shape serves both families; Flux additionally needs its encoders.
type TrainStage struct {
	Family       models.Family `validate:"required,oneof=sdxl flux"`
	Launcher     string        `validate:"required"`
	Options      executor.LauncherOptions
	Script       string `validate:"required"`
	ConfigPath   string `validate:"required"` // translated TOML config
	BaseModel    string `validate:"required"`
	TrainDataDir string `validate:"required"`
	OutputDir    string `validate:"required"`
	OutputName   string `validate:"required"`
	Extension    string `validate:"required"`

	ClipL string `validate:"required_if=Family flux"`
	T5XXL string `validate:"required_if=Family flux"`
	AE    string `validate:"required_if=Family flux"`
}

// NewTrainStage validates the stage inputs
func NewTrainStage(s TrainStage) (*TrainStage, error) {
	if err := validateStage(models.StageTrain, s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *TrainStage) Name() models.StageName { return models.StageTrain }

func (s *TrainStage) Inputs() []string {
	in := []string{s.BaseModel, s.TrainDataDir}
	if s.Family == models.FamilyFlux {
		in = append(in, s.ClipL, s.T5XXL, s.AE)
	}
	return in
}

func (s *TrainStage) Output() string {
	return filepath.Join(s.OutputDir, s.OutputName+s.Extension)
}

// Argv places path overrides after --config_file so they win over the config
func (s *TrainStage) Argv() []string {
	var overrides []string
	if s.Family == models.FamilyFlux {
		overrides = []string{
			"--pretrained_model_name_or_path", s.BaseModel,
			"--train_data_dir", s.TrainDataDir,
			"--output_dir", s.OutputDir,
			"--output_name", s.OutputName,
			"--clip_l", s.ClipL,
			"--t5xxl", s.T5XXL,
			"--ae", s.AE,
		}
	} else {
		overrides = []string{
			"--train_data_dir", s.TrainDataDir,
			"--pretrained_model_name_or_path", s.BaseModel,
			"--output_dir", s.OutputDir,
			"--output_name", s.OutputName,
		}
	}
	return executor.BuildLaunchArgv(s.Launcher, s.Options, s.Script, s.ConfigPath, overrides)
}

// ExtractStage pulls the delta between the base and the fine-tuned model
type ExtractStage struct {
	Interpreter string `validate:"required"`
	Script      string `validate:"required"`
	BaseModel   string `validate:"required"`
	TunedModel  string `validate:"required"`
	SaveTo      string `validate:"required"`
	Config      spec.StageConfig
}

// NewExtractStage validates the stage inputs
func NewExtractStage(s ExtractStage) (*ExtractStage, error) {
	if err := validateStage(models.StageExtract, s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *ExtractStage) Name() models.StageName { return models.StageExtract }

func (s *ExtractStage) Inputs() []string { return []string{s.BaseModel, s.TunedModel} }

func (s *ExtractStage) Output() string { return s.SaveTo }

// Argv keeps the model paths owned by the pipeline; config keys naming them are ignored
func (s *ExtractStage) Argv() []string {
	fixed := []string{
		"--model_org", s.BaseModel,
		"--model_tuned", s.TunedModel,
		"--save_to", s.SaveTo,
	}
	return executor.BuildDirectArgv(s.Interpreter, s.Script, fixed,
		s.Config.Args("model_org", "model_tuned", "save_to"))
}

// MergeStage folds the delta back into the base fine-tuned model
type MergeStage struct {
	Interpreter string `validate:"required"`
	Script      string `validate:"required"`
	SDModel     string `validate:"required"`
	DeltaModel  string `validate:"required"`
	SaveTo      string `validate:"required"`
	Config      spec.StageConfig
}

// NewMergeStage validates the stage inputs
func NewMergeStage(s MergeStage) (*MergeStage, error) {
	if err := validateStage(models.StageMerge, s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *MergeStage) Name() models.StageName { return models.StageMerge }

func (s *MergeStage) Inputs() []string { return []string{s.SDModel, s.DeltaModel} }

func (s *MergeStage) Output() string { return s.SaveTo }

func (s *MergeStage) Argv() []string {
	fixed := []string{
		"--sd_model", s.SDModel,
		"--models", s.DeltaModel,
		"--save_to", s.SaveTo,
	}
	return executor.BuildDirectArgv(s.Interpreter, s.Script, fixed,
		s.Config.Args("sd_model", "model", "models", "save_to"))
}
