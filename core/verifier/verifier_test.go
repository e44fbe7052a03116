package verifier_test

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/verifier"
)

func layoutIn(dir string) models.ModelLayout {
	l := models.DefaultModelLayout()
	l.ModelsDir = filepath.Join(dir, "models")
	return l
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyFlux(t *testing.T) {
	files := func(l models.ModelLayout) []string {
		model, clipL, t5, ae := l.FluxPaths(models.EncoderPaths{})
		return []string{model, clipL, t5, ae}
	}

	t.Run("all four files present", func(t *testing.T) {
		l := layoutIn(t.TempDir())
		for _, f := range files(l) {
			touch(t, f)
		}
		v := verifier.NewVerifier(l, log.New(io.Discard, "", 0))
		if !v.AreModelsVerified(models.FamilyFlux, models.EncoderPaths{}) {
			t.Error("expected verification to pass")
		}
	})

	for i := 0; i < 4; i++ {
		t.Run("one of four files missing", func(t *testing.T) {
			l := layoutIn(t.TempDir())
			all := files(l)
			for j, f := range all {
				if j != i {
					touch(t, f)
				}
			}
			v := verifier.NewVerifier(l, log.New(io.Discard, "", 0))
			if v.AreModelsVerified(models.FamilyFlux, models.EncoderPaths{}) {
				t.Fatal("expected verification to fail")
			}
			err := v.Verify(models.FamilyFlux, models.EncoderPaths{})
			var verr *models.ModelVerificationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ModelVerificationError, got %v", err)
			}
			if verr.Path != all[i] {
				t.Errorf("reported %s, expected %s", verr.Path, all[i])
			}
		})
	}

	t.Run("encoder overrides are checked instead of the layout", func(t *testing.T) {
		dir := t.TempDir()
		l := layoutIn(dir)
		model, _, t5, ae := l.FluxPaths(models.EncoderPaths{})
		touch(t, model)
		touch(t, t5)
		touch(t, ae)
		clip := filepath.Join(dir, "elsewhere", "clip_l.safetensors")
		touch(t, clip)

		v := verifier.NewVerifier(l, log.New(io.Discard, "", 0))
		if err := v.Verify(models.FamilyFlux, models.EncoderPaths{ClipL: clip}); err != nil {
			t.Error(err)
		}
	})
}

func TestVerifySDXL(t *testing.T) {
	t.Run("missing models directory", func(t *testing.T) {
		v := verifier.NewVerifier(layoutIn(t.TempDir()), log.New(io.Discard, "", 0))
		if err := v.Verify(models.FamilySDXL, models.EncoderPaths{}); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("stops at the first missing file", func(t *testing.T) {
		l := layoutIn(t.TempDir())
		if err := os.MkdirAll(l.ModelsDir, 0o755); err != nil {
			t.Fatal(err)
		}
		v := verifier.NewVerifier(l, log.New(io.Discard, "", 0))
		err := v.Verify(models.FamilySDXL, models.EncoderPaths{})
		var verr *models.ModelVerificationError
		if !errors.As(err, &verr) || verr.Path != l.SDXLBasePath() {
			t.Errorf("expected the base model to be reported first, got %v", err)
		}
	})

	t.Run("wrong suffix is rejected even when the file exists", func(t *testing.T) {
		l := layoutIn(t.TempDir())
		l.SDXLBase = "sdxl_base.ckpt"
		touch(t, l.SDXLBasePath())
		touch(t, l.SDXLFineTunedBasePath())
		v := verifier.NewVerifier(l, log.New(io.Discard, "", 0))
		if err := v.Verify(models.FamilySDXL, models.EncoderPaths{}); err == nil {
			t.Error("expected suffix mismatch to fail")
		}
	})
}
