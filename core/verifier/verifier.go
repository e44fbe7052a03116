package verifier

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"finetune-orchestrator/core/models"
)

// Verifier checks that base weights are where the stages expect them
type Verifier struct {
	layout models.ModelLayout
	logger *log.Logger
}

// NewVerifier creates a verifier for the given layout
func NewVerifier(layout models.ModelLayout, logger *log.Logger) *Verifier {
	return &Verifier{layout: layout, logger: logger}
}

// Verify checks every required file of family and stops at the first problem
func (v *Verifier) Verify(family models.Family, overrides models.EncoderPaths) error {
	dir := v.layout.ModelsDir
	if family == models.FamilyFlux {
		dir = v.layout.FluxBaseDir()
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return &models.ModelVerificationError{Model: "models directory", Path: dir, Reason: "does not exist"}
	}

	for _, m := range v.layout.Required(family, overrides) {
		if err := checkWeights(m); err != nil {
			return err
		}
	}
	return nil
}

// AreModelsVerified logs the first problem found and reports whether the run may start
func (v *Verifier) AreModelsVerified(family models.Family, overrides models.EncoderPaths) bool {
	if err := v.Verify(family, overrides); err != nil {
		v.logger.Printf("Model verification failed: %v", err)
		return false
	}
	v.logger.Printf("All %s base models have been verified", family)
	return true
}

func checkWeights(m models.RequiredModel) error {
	if filepath.Ext(m.Path) != models.WeightsExtension {
		return &models.ModelVerificationError{Model: m.Name, Path: m.Path, Reason: "is not a " + models.WeightsExtension + " file"}
	}
	info, err := os.Stat(m.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &models.ModelVerificationError{Model: m.Name, Path: m.Path, Reason: "does not exist"}
	case err != nil:
		return &models.ModelVerificationError{Model: m.Name, Path: m.Path, Reason: err.Error()}
	case !info.Mode().IsRegular():
		return &models.ModelVerificationError{Model: m.Name, Path: m.Path, Reason: "is not a regular file"}
	}
	return nil
}
