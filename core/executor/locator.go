package executor

import (
	"os/exec"

	"finetune-orchestrator/core/models"
)

// Locate returns the path of the named executable found on PATH, or "" when absent.
// Names containing a path separator are checked directly.
func Locate(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// Require is Locate for callers that must abort when the executable is missing
func Require(name string) (string, error) {
	path := Locate(name)
	if path == "" {
		return "", &models.ExecutableNotFoundError{Name: name}
	}
	return path, nil
}
