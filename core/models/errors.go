package models

import (
	"fmt"
	"strings"
)

// ConfigParseError reports a malformed stage configuration document.
// It is raised before any subprocess is launched.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("failed to parse config %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// ExecutableNotFoundError reports a required executable missing from PATH
type ExecutableNotFoundError struct {
	Name string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("%s executable not found", e.Name)
}

// ModelVerificationError reports a missing or misnamed base weight file
type ModelVerificationError struct {
	Model  string
	Path   string
	Reason string
}

func (e *ModelVerificationError) Error() string {
	return fmt.Sprintf("model verification failed for %s (%s): %s", e.Model, e.Path, e.Reason)
}

// LaunchError reports that the OS failed to create a stage subprocess
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// SubprocessExitError reports a stage subprocess that exited non-zero
type SubprocessExitError struct {
	Stage    StageName
	Pid      int
	ExitCode int
}

func (e *SubprocessExitError) Error() string {
	return fmt.Sprintf("stage %s: process %d exited with code %d", e.Stage, e.Pid, e.ExitCode)
}

// ArtifactMissingError reports a stage output that is absent or empty
type ArtifactMissingError struct {
	Stage  StageName
	Path   string
	Reason string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("stage %s: artifact %s %s", e.Stage, e.Path, e.Reason)
}

// TerminationError reports a failure while killing a process tree.
// Callers log it and continue.
type TerminationError struct {
	Pid int
	Err error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("failed to terminate process tree of %d: %v", e.Pid, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// PublishError reports a failed upload or notification. Callers log it and continue.
type PublishError struct {
	Target string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish to %s: %v", e.Target, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
