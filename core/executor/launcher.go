package executor

import (
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"finetune-orchestrator/core/models"
)

// LauncherOptions are the fixed runtime flags passed to `accelerate launch`.
// They decide process topology and numeric precision for every training stage.
type LauncherOptions struct {
	ConfigFile              string // Launcher's own config file, optional
	DynamoBackend           string
	DynamoMode              string
	MixedPrecision          string
	NumProcesses            int
	NumMachines             int
	NumCPUThreadsPerProcess int
}

// DefaultLauncherOptions returns single-machine, single-process fp16 settings
func DefaultLauncherOptions() LauncherOptions {
	return LauncherOptions{
		DynamoBackend:           "no",
		DynamoMode:              "default",
		MixedPrecision:          "fp16",
		NumProcesses:            1,
		NumMachines:             1,
		NumCPUThreadsPerProcess: 2,
	}
}

// Flags renders the fixed launcher flags in launcher order
func (o LauncherOptions) Flags() []string {
	var flags []string
	if o.ConfigFile != "" {
		flags = append(flags, "--config_file", o.ConfigFile)
	}
	if o.DynamoBackend != "" {
		flags = append(flags, "--dynamo_backend", o.DynamoBackend)
	}
	if o.DynamoMode != "" {
		flags = append(flags, "--dynamo_mode", o.DynamoMode)
	}
	if o.MixedPrecision != "" {
		flags = append(flags, "--mixed_precision", o.MixedPrecision)
	}
	if o.NumProcesses > 0 {
		flags = append(flags, "--num_processes", strconv.Itoa(o.NumProcesses))
	}
	if o.NumMachines > 0 {
		flags = append(flags, "--num_machines", strconv.Itoa(o.NumMachines))
	}
	if o.NumCPUThreadsPerProcess > 0 {
		flags = append(flags, "--num_cpu_threads_per_process", strconv.Itoa(o.NumCPUThreadsPerProcess))
	}
	return flags
}

// BuildLaunchArgv lays out a launcher invocation.
//
// Order matters: overrides come after the translated config so the target
// script can let them win over config-file values.
func BuildLaunchArgv(launcher string, opts LauncherOptions, script, configPath string, overrides []string) []string {
	argv := []string{launcher, "launch"}
	argv = append(argv, opts.Flags()...)
	argv = append(argv, script)
	if configPath != "" {
		argv = append(argv, "--config_file", configPath)
	}
	return append(argv, overrides...)
}

// BuildDirectArgv lays out a plain interpreter invocation: the fixed path flags
// first, then the flags rendered from the stage config.
func BuildDirectArgv(interpreter, script string, fixed, configArgs []string) []string {
	argv := []string{interpreter, script}
	argv = append(argv, fixed...)
	return append(argv, configArgs...)
}

// Launcher starts stage subprocesses
type Launcher struct {
	// Child output goes here; nil means the parent's own stdout/stderr.
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
	Dir    string

	logger *log.Logger
}

// NewLauncher creates a launcher whose children inherit the parent's streams
func NewLauncher(logger *log.Logger) *Launcher {
	return &Launcher{logger: logger}
}

// Launch starts argv without waiting for it.
//
// When the OS cannot create the process the returned handle is already not
// running and the error is a *models.LaunchError.
func (l *Launcher) Launch(argv []string) (*ManagedProcess, error) {
	if len(argv) == 0 {
		err := &models.LaunchError{Argv: argv, Err: exec.ErrNotFound}
		return failedProcess(argv, err), err
	}

	l.logger.Printf("Executing command: %s", strings.Join(argv, " "))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Env = l.Env
	cmd.Dir = l.Dir
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		l.logger.Printf("Command could not be executed: %v", err)
		lerr := &models.LaunchError{Argv: argv, Err: err}
		return failedProcess(argv, lerr), lerr
	}

	p := newManagedProcess(argv, cmd)
	p.watch()
	l.logger.Printf("Command executed & running (pid %d)", p.Pid())
	return p, nil
}
