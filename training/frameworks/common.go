package frameworks

import (
	"fmt"
	"path/filepath"

	"finetune-orchestrator/core/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Stage is one external script invocation of the pipeline
type Stage interface {
	Name() models.StageName
	// Inputs must all exist before the stage may be launched
	Inputs() []string
	// Output is the artifact the stage is expected to leave behind
	Output() string
	Argv() []string
}

// ScriptLayout locates the external stage scripts
type ScriptLayout struct {
	Root         string
	SDXLTrain    string
	FluxTrain    string
	ExtractDelta string
	MergeDelta   string
}

// DefaultScriptLayout returns the sd-scripts checkout layout relative to root
func DefaultScriptLayout(root string) ScriptLayout {
	return ScriptLayout{
		Root:         root,
		SDXLTrain:    filepath.Join("sd_scripts", "sdxl_train.py"),
		FluxTrain:    filepath.Join("sd_scripts_flux", "flux_train.py"),
		ExtractDelta: filepath.Join("sd_scripts", "networks", "extract_lora_from_models.py"),
		MergeDelta:   filepath.Join("sd_scripts", "networks", "sdxl_merge_lora.py"),
	}
}

// Path resolves a script relative to the layout root
func (l ScriptLayout) Path(script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(l.Root, script)
}

// TrainScript returns the training script of a family
func (l ScriptLayout) TrainScript(family models.Family) string {
	if family == models.FamilyFlux {
		return l.Path(l.FluxTrain)
	}
	return l.Path(l.SDXLTrain)
}

func validateStage(name models.StageName, s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid %s stage: %w", name, err)
	}
	return nil
}
