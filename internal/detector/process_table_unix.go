//go:build !windows

package detector

import (
	"context"
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// GopsutilLister lists processes through gopsutil.
type GopsutilLister struct{}

func (GopsutilLister) Processes(ctx context.Context) ([]ProcInfo, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited between listing and inspection
			continue
		}
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		out = append(out, ProcInfo{PID: int(p.Pid), Name: name, Cmdline: cmdline})
	}
	return out, nil
}

func platformAlive(ctx context.Context, d ProcessTable) (bool, error) {
	procs, err := GopsutilLister{}.Processes(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	return d.match(procs), nil
}
