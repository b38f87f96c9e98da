// Package procinfo inspects capture targets: whether a process exists, its
// executable name and how many descendants its tree currently has.
package procinfo

import (
	"errors"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/apploopback/internal/logging"
)

var log = logging.L("procinfo")

// ErrNotFound is returned when no process has the requested id.
var ErrNotFound = errors.New("process not found")

// maxTreeDepth bounds descendant walks against pid reuse cycles.
const maxTreeDepth = 32

// Info describes a target process.
type Info struct {
	PID         uint32
	Name        string
	Descendants int
}

// Check reports ErrNotFound unless pid names a running process.
func Check(pid uint32) error {
	if pid == 0 || pid > math.MaxInt32 {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return fmt.Errorf("look up pid %d: %w", pid, err)
	}
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return nil
}

// Name returns the executable name of pid.
func Name(pid uint32) (string, error) {
	p, err := open(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

// Descendants counts the live processes below pid.
func Descendants(pid uint32) (int, error) {
	p, err := open(pid)
	if err != nil {
		return 0, err
	}
	seen := map[int32]bool{p.Pid: true}
	return countChildren(p, seen, 0), nil
}

func countChildren(p *process.Process, seen map[int32]bool, depth int) int {
	if depth >= maxTreeDepth {
		return 0
	}
	children, err := p.Children()
	if err != nil {
		// gopsutil reports ErrorNoChildren for leaves.
		return 0
	}
	n := 0
	for _, c := range children {
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		n += 1 + countChildren(c, seen, depth+1)
	}
	return n
}

// Describe gathers what is known about pid. Name and tree lookups are best
// effort; only a missing process is an error.
func Describe(pid uint32) (Info, error) {
	if err := Check(pid); err != nil {
		return Info{}, err
	}
	info := Info{PID: pid}
	if name, err := Name(pid); err == nil {
		info.Name = name
	} else {
		log.Debug("process name unavailable", logging.KeyPID, pid, logging.KeyError, err)
	}
	if n, err := Descendants(pid); err == nil {
		info.Descendants = n
	}
	return info, nil
}

func open(pid uint32) (*process.Process, error) {
	if err := Check(pid); err != nil {
		return nil, err
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}
