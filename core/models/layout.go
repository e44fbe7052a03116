package models

import "path/filepath"

// WeightsExtension is the only accepted suffix for base weight files
const WeightsExtension = ".safetensors"

// ModelLayout locates base weights on disk
type ModelLayout struct {
	ModelsDir string

	// Family A (SDXL)
	SDXLBase          string
	SDXLFineTunedBase string

	// Family B (Flux), relative to ModelsDir/FluxDir
	FluxDir   string
	FluxModel string
	FluxClipL string
	FluxT5XXL string
	FluxAE    string
}

// DefaultModelLayout returns the conventional layout under ./models
func DefaultModelLayout() ModelLayout {
	return ModelLayout{
		ModelsDir:         "models",
		SDXLBase:          "sdxl_base_1.0_0.9_vae.safetensors",
		SDXLFineTunedBase: "epicrealism_v8.safetensors",
		FluxDir:           "flux_base_models",
		FluxModel:         "flux1-dev.safetensors",
		FluxClipL:         "clip_l.safetensors",
		FluxT5XXL:         "t5xxl_fp16.safetensors",
		FluxAE:            "ae.safetensors",
	}
}

// RequiredModel is one weight file a family cannot run without
type RequiredModel struct {
	Name string
	Path string
}

// SDXLBasePath returns the base SDXL weights
func (l ModelLayout) SDXLBasePath() string {
	return filepath.Join(l.ModelsDir, l.SDXLBase)
}

// SDXLFineTunedBasePath returns the fine-tuned SDXL checkpoint deltas are merged into
func (l ModelLayout) SDXLFineTunedBasePath() string {
	return filepath.Join(l.ModelsDir, l.SDXLFineTunedBase)
}

// FluxBaseDir returns the directory holding Flux weights
func (l ModelLayout) FluxBaseDir() string {
	return filepath.Join(l.ModelsDir, l.FluxDir)
}

// FluxPaths returns the Flux model and encoder paths, honouring overrides
func (l ModelLayout) FluxPaths(o EncoderPaths) (model, clipL, t5xxl, ae string) {
	dir := l.FluxBaseDir()
	model = filepath.Join(dir, l.FluxModel)
	clipL = pick(o.ClipL, filepath.Join(dir, l.FluxClipL))
	t5xxl = pick(o.T5XXL, filepath.Join(dir, l.FluxT5XXL))
	ae = pick(o.AE, filepath.Join(dir, l.FluxAE))
	return
}

// Required lists the weight files of a family in verification order
func (l ModelLayout) Required(family Family, o EncoderPaths) []RequiredModel {
	if family == FamilyFlux {
		model, clipL, t5xxl, ae := l.FluxPaths(o)
		return []RequiredModel{
			{Name: "Flux.1 [dev] model", Path: model},
			{Name: "Flux.1 [dev] clip_l model", Path: clipL},
			{Name: "Flux.1 [dev] t5xxl model", Path: t5xxl},
			{Name: "Flux.1 [dev] ae model", Path: ae},
		}
	}
	return []RequiredModel{
		{Name: "base SDXL model", Path: l.SDXLBasePath()},
		{Name: "base fine-tuned model", Path: l.SDXLFineTunedBasePath()},
	}
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
