package executor_test

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"finetune-orchestrator/core/executor"
	"finetune-orchestrator/core/models"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

func newSupervisor() *executor.Supervisor {
	s := executor.NewSupervisor(nil, testLogger())
	s.PollInterval = 10 * time.Millisecond
	return s
}

func TestLocate(t *testing.T) {
	t.Run("a name missing from PATH is absent, not an error", func(t *testing.T) {
		if got := executor.Locate("surely-not-an-executable-3f1c9a"); got != "" {
			t.Errorf("expected empty path, got %s", got)
		}
		_, err := executor.Require("surely-not-an-executable-3f1c9a")
		var nf *models.ExecutableNotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected ExecutableNotFoundError, got %v", err)
		}
	})

	t.Run("a name on PATH resolves", func(t *testing.T) {
		requireUnix(t)
		if got := executor.Locate("sh"); got == "" {
			t.Error("sh should be on PATH")
		}
	})

	t.Run("PATH is honoured", func(t *testing.T) {
		requireUnix(t)
		dir := t.TempDir()
		bin := filepath.Join(dir, "accelerate")
		if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		t.Setenv("PATH", dir)
		if got := executor.Locate("accelerate"); got != bin {
			t.Errorf("unmatch path: %s, expected %s", got, bin)
		}
	})
}

func TestBuildLaunchArgv(t *testing.T) {
	opts := executor.DefaultLauncherOptions()
	opts.ConfigFile = "/cfg/accelerate.yaml"

	got := executor.BuildLaunchArgv(
		"/bin/accelerate", opts, "/scripts/sdxl_train.py", "/tmp/dream.toml",
		[]string{"--output_dir", "/out"},
	)
	want := []string{
		"/bin/accelerate", "launch",
		"--config_file", "/cfg/accelerate.yaml",
		"--dynamo_backend", "no",
		"--dynamo_mode", "default",
		"--mixed_precision", "fp16",
		"--num_processes", "1",
		"--num_machines", "1",
		"--num_cpu_threads_per_process", "2",
		"/scripts/sdxl_train.py",
		"--config_file", "/tmp/dream.toml",
		"--output_dir", "/out",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unmatch argv:\n got  %v\n want %v", got, want)
	}
}

func TestLaunch(t *testing.T) {
	t.Run("a vanished executable yields a dead handle and a LaunchError", func(t *testing.T) {
		l := executor.NewLauncher(testLogger())
		p, err := l.Launch([]string{filepath.Join(t.TempDir(), "gone")})
		var lerr *models.LaunchError
		if !errors.As(err, &lerr) {
			t.Fatalf("expected LaunchError, got %v", err)
		}
		if p == nil || p.Running() {
			t.Error("handle should not be running")
		}
		if err := newSupervisor().TerminateTree(p); err != nil {
			t.Errorf("terminating a never-started process: %v", err)
		}
	})

	t.Run("exit codes are recorded", func(t *testing.T) {
		requireUnix(t)
		l := executor.NewLauncher(testLogger())
		p, err := l.Launch([]string{"sh", "-c", "exit 3"})
		if err != nil {
			t.Fatal(err)
		}
		if err := newSupervisor().WaitUntilFinished(context.Background(), p); err != nil {
			t.Fatal(err)
		}
		if p.ExitCode() != 3 {
			t.Errorf("exit code: %d", p.ExitCode())
		}
	})
}

func TestWaitUntilFinished(t *testing.T) {
	requireUnix(t)

	t.Run("returns only after the process exited", func(t *testing.T) {
		l := executor.NewLauncher(testLogger())
		start := time.Now()
		p, err := l.Launch([]string{"sh", "-c", "sleep 0.3"})
		if err != nil {
			t.Fatal(err)
		}

		if err := newSupervisor().WaitUntilFinished(context.Background(), p); err != nil {
			t.Fatal(err)
		}
		returned := time.Now()

		if p.Running() {
			t.Fatal("wait returned while the process is alive")
		}
		if p.ExitedAt().IsZero() || returned.Before(p.ExitedAt()) {
			t.Errorf("returned at %v before exit at %v", returned, p.ExitedAt())
		}
		if returned.Sub(start) < 300*time.Millisecond {
			t.Errorf("returned too early: %v", returned.Sub(start))
		}
	})

	t.Run("cancellation returns early and leaves cleanup to the caller", func(t *testing.T) {
		l := executor.NewLauncher(testLogger())
		p, err := l.Launch([]string{"sleep", "30"})
		if err != nil {
			t.Fatal(err)
		}
		s := newSupervisor()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		if err := s.WaitUntilFinished(ctx, p); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
		if !p.Running() {
			t.Fatal("process should still be running")
		}

		if err := s.TerminateTree(p); err != nil {
			t.Fatal(err)
		}
		if p.Running() {
			t.Error("process survived termination")
		}
	})
}

func TestTerminateTree(t *testing.T) {
	requireUnix(t)

	t.Run("is idempotent on an exited process", func(t *testing.T) {
		l := executor.NewLauncher(testLogger())
		p, err := l.Launch([]string{"true"})
		if err != nil {
			t.Fatal(err)
		}
		s := newSupervisor()
		if err := s.WaitUntilFinished(context.Background(), p); err != nil {
			t.Fatal(err)
		}
		if err := s.TerminateTree(p); err != nil {
			t.Errorf("first call: %v", err)
		}
		if err := s.TerminateTree(p); err != nil {
			t.Errorf("second call: %v", err)
		}
	})

	t.Run("acts only once per handle", func(t *testing.T) {
		for name, argv := range map[string][]string{
			"exited":  {"true"},
			"running": {"sleep", "30"},
		} {
			t.Run(name, func(t *testing.T) {
				tree := &countingTree{}
				s := executor.NewSupervisor(tree, testLogger())
				s.PollInterval = 10 * time.Millisecond

				p, err := executor.NewLauncher(testLogger()).Launch(argv)
				if err != nil {
					t.Fatal(err)
				}
				if name == "exited" {
					if err := s.WaitUntilFinished(context.Background(), p); err != nil {
						t.Fatal(err)
					}
				}

				if err := s.TerminateTree(p); err != nil {
					t.Fatalf("first call: %v", err)
				}
				if p.Running() {
					t.Fatal("root survived")
				}
				first := tree.calls
				if first == 0 {
					t.Fatal("first call did not touch the tree")
				}

				if err := s.TerminateTree(p); err != nil {
					t.Errorf("second call: %v", err)
				}
				if tree.calls != first {
					t.Errorf("second call touched the tree: %d calls, want %d", tree.calls, first)
				}
			})
		}
	})

	t.Run("kills every descendant and the root", func(t *testing.T) {
		if runtime.GOOS != "linux" {
			t.Skip("reads /proc")
		}
		l := executor.NewLauncher(testLogger())
		p, err := l.Launch([]string{"sh", "-c", "sleep 30 & sleep 30 & wait"})
		if err != nil {
			t.Fatal(err)
		}

		tree := executor.NewProcessTree()
		var children []int
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			children, err = tree.Descendants(p.Pid())
			if err != nil {
				t.Fatal(err)
			}
			if len(children) >= 2 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if len(children) < 2 {
			t.Fatalf("expected two children, found %v", children)
		}

		if err := newSupervisor().TerminateTree(p); err != nil {
			t.Fatal(err)
		}
		if p.Running() {
			t.Error("root survived")
		}
		for _, c := range children {
			waitGone(t, c)
		}
	})
}

// countingTree records how often the supervisor touches the process table
type countingTree struct {
	calls int
}

func (c *countingTree) Descendants(int) ([]int, error) {
	c.calls++
	return nil, nil
}

func (c *countingTree) Kill(int) error {
	c.calls++
	return nil
}

func (c *countingTree) Sweep(int) error {
	c.calls++
	return nil
}

// waitGone fails unless pid disappears or becomes a zombie shortly
func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d is still alive", pid)
}

func alive(pid int) bool {
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// state is the first field after the parenthesised command name
	s := string(stat)
	i := strings.LastIndex(s, ")")
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z' && s[i+2] != 'X'
}
