package executor

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTree enumerates and kills the descendants of a process.
// Implementations are OS specific; see NewProcessTree.
type ProcessTree interface {
	// Descendants returns every transitive child of pid, deepest last
	Descendants(pid int) ([]int, error)
	// Kill force-kills pid. A process that is already gone is not an error.
	Kill(pid int) error
	// Sweep kills whatever is left of the tree rooted at pid after the root
	// itself has exited. Backends that cannot find orphans do nothing.
	Sweep(pid int) error
}

// psutilTree walks the OS process table through gopsutil
type psutilTree struct{}

func (psutilTree) Descendants(pid int) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int][]int)
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			// vanished while we were looking
			continue
		}
		children[int(ppid)] = append(children[int(ppid)], int(p.Pid))
	}

	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

func (psutilTree) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if err := p.Kill(); err != nil {
		if alive, _ := process.PidExists(int32(pid)); !alive {
			return nil
		}
		return fmt.Errorf("failed to kill %d: %w", pid, err)
	}
	return nil
}

func (psutilTree) Sweep(int) error {
	return nil
}
