package executor

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"finetune-orchestrator/core/models"
)

// DefaultPollInterval is how often liveness is checked while a stage runs
const DefaultPollInterval = 2 * time.Second

// DefaultReapTimeout bounds the wait for a killed root to be reaped
const DefaultReapTimeout = 10 * time.Second

// Supervisor waits on stage processes and tears their trees down
type Supervisor struct {
	PollInterval time.Duration
	// ReapTimeout bounds how long TerminateTree waits for a killed root to be reaped
	ReapTimeout time.Duration

	tree   ProcessTree
	logger *log.Logger
}

// NewSupervisor creates a supervisor using the given tree backend
func NewSupervisor(tree ProcessTree, logger *log.Logger) *Supervisor {
	if tree == nil {
		tree = NewProcessTree()
	}
	return &Supervisor{
		PollInterval: DefaultPollInterval,
		ReapTimeout:  DefaultReapTimeout,
		tree:         tree,
		logger:       logger,
	}
}

// WaitUntilFinished blocks until p has exited. There is no timeout: a hung
// script hangs the pipeline. It returns ctx.Err() if ctx is cancelled first,
// leaving the process running for the caller to terminate.
func (s *Supervisor) WaitUntilFinished(ctx context.Context, p *ManagedProcess) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for p.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.logger.Printf("Process %d has ended (exit code %d)", p.Pid(), p.ExitCode())
	return nil
}

// TerminateTree force-kills p and all of its descendants, children first.
//
// For a process that already exited it only sweeps the orphans the backend can
// still find. Only the first call on a handle acts; later calls are no-ops so a
// reused pid is never signalled. Failures come back as *models.TerminationError;
// they are never fatal and callers just log them.
func (s *Supervisor) TerminateTree(p *ManagedProcess) error {
	pid := p.Pid()
	if pid == 0 || !p.claimTermination() {
		return nil
	}

	if !p.Running() {
		if err := s.tree.Sweep(pid); err != nil {
			return &models.TerminationError{Pid: pid, Err: err}
		}
		s.logger.Printf("There is no process to kill (pid %d already exited)", pid)
		return nil
	}

	var errs []error
	descendants, err := s.tree.Descendants(pid)
	if err != nil {
		errs = append(errs, err)
	}
	for i := len(descendants) - 1; i >= 0; i-- {
		if err := s.tree.Kill(descendants[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}
	if err := s.tree.Sweep(pid); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-p.Done():
		s.logger.Printf("Running process %d has been killed", pid)
	case <-time.After(s.ReapTimeout):
		errs = append(errs, errors.New("process was not reaped in time"))
	}

	if len(errs) > 0 {
		return &models.TerminationError{Pid: pid, Err: errors.Join(errs...)}
	}
	return nil
}
