package executor

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// ManagedProcess is a handle to a running stage subprocess
type ManagedProcess struct {
	argv []string
	cmd  *exec.Cmd

	done      chan struct{}
	mu        sync.Mutex
	exitCode  int
	waitErr   error
	startedAt time.Time
	exitedAt  time.Time

	// set by the first TerminateTree; the pid may be reused afterwards
	terminated bool
}

func newManagedProcess(argv []string, cmd *exec.Cmd) *ManagedProcess {
	return &ManagedProcess{
		argv:     append([]string(nil), argv...),
		cmd:      cmd,
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

// failedProcess returns a handle that was never alive
func failedProcess(argv []string, err error) *ManagedProcess {
	p := newManagedProcess(argv, nil)
	p.waitErr = err
	p.exitedAt = time.Now()
	close(p.done)
	return p
}

// watch reaps the child in the background and records how it ended
func (p *ManagedProcess) watch() {
	p.startedAt = time.Now()
	go func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.waitErr = err
		p.exitedAt = time.Now()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		}
		p.mu.Unlock()

		close(p.done)
	}()
}

// claimTermination reports whether this is the first termination of the handle
func (p *ManagedProcess) claimTermination() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return false
	}
	p.terminated = true
	return true
}

// Pid returns the OS process id, or 0 if the process never started
func (p *ManagedProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Argv returns the argument vector used to start the process
func (p *ManagedProcess) Argv() []string {
	return append([]string(nil), p.argv...)
}

// Running reports whether the process is still alive
func (p *ManagedProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status. It is -1 while running, when the process was
// killed by a signal, or when it never started.
func (p *ManagedProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error reported when the process ended, if any
func (p *ManagedProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StartedAt returns when the process was started
func (p *ManagedProcess) StartedAt() time.Time {
	return p.startedAt
}

// ExitedAt returns when the exit was observed; zero while running
func (p *ManagedProcess) ExitedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAt
}
