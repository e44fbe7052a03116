//go:build !windows

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

// Children start in their own process group so the whole group can be
// signalled, including workers orphaned by an early-exiting launcher.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupTree adds a process-group sweep on top of the process table walk
type groupTree struct {
	psutilTree
}

// NewProcessTree returns the process tree backend for this platform
func NewProcessTree() ProcessTree {
	return groupTree{}
}

func (t groupTree) Kill(pid int) error {
	err := t.psutilTree.Kill(pid)
	if gerr := killGroup(pid); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

func (groupTree) Sweep(pid int) error {
	return killGroup(pid)
}

func killGroup(pgid int) error {
	if pgid <= 1 {
		return nil
	}
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		return nil
	}
	return err
}
