//go:build windows

package executor

import "os/exec"

func configureProcAttr(*exec.Cmd) {}

// NewProcessTree returns the process tree backend for this platform
func NewProcessTree() ProcessTree {
	return psutilTree{}
}
