package procinfo

import (
	"errors"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnsupported is returned by Windows off the Windows platform.
var ErrUnsupported = errors.New("window enumeration not supported on this platform")

// Window is a titled top-level window and the process that owns it.
type Window struct {
	PID     uint32
	Title   string
	Visible bool
}

// Processes lists every process whose name can be read, ordered by pid.
func Processes() ([]Info, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" || p.Pid <= 0 {
			skipped++
			continue
		}
		infos = append(infos, Info{PID: uint32(p.Pid), Name: name})
	}
	if skipped > 0 {
		log.Debug("process list skipped processes", "skipped", skipped, "total", len(procs))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos, nil
}
